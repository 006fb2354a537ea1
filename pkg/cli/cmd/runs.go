package cmd

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/LENAX/el-engine/pkg/cli/client"
	"github.com/LENAX/el-engine/pkg/cli/output"
	"github.com/spf13/cobra"
)

var (
	runsLimit    int
	taskStatuses []string
)

// runsCmd 列出Run
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "列出最近的Run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := client.New(serverURL).ListRuns(runsLimit)
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}

		if outputJSON {
			return output.PrintJSON(result)
		}
		if len(result.Items) == 0 {
			output.Info("暂无Run")
			return nil
		}

		table := output.NewTable([]string{"RUN_ID", "PIPELINE", "STATUS", "CREATED", "DURATION", "ERROR"})
		for _, run := range result.Items {
			duration := "-"
			if run.Duration != "" {
				duration = run.Duration
			}
			errMsg := "-"
			if run.Error != "" {
				errMsg = output.Truncate(run.Error, 30)
			}
			table.AddRow([]string{
				run.ID,
				run.Pipeline,
				output.FormatStatus(string(run.Status)),
				run.CreatedAt.Local().Format(timeLayout),
				duration,
				errMsg,
			})
		}
		table.Render()
		fmt.Fprintf(output.Out, "\n总计: %d 条记录\n", result.Total)
		return nil
	},
}

// statusCmd 查看Run状态
var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "查看Run报告与各表进度",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(serverURL)
		res, err := c.GetRun(args[0])
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		tasks, err := c.ListTasks(args[0], taskStatuses...)
		if err != nil {
			output.Error("查询Task失败: %v", err)
			return err
		}

		if outputJSON {
			return output.PrintJSON(map[string]interface{}{
				"run":   res,
				"tasks": tasks.Items,
			})
		}

		fmt.Fprintf(output.Out, "Run:      %s\n", res.RunID)
		fmt.Fprintf(output.Out, "Pipeline: %s\n", res.Pipeline)
		fmt.Fprintf(output.Out, "Status:   %s\n", output.FormatStatus(string(res.Status)))
		done := 0
		for _, s := range res.Tasks {
			if s.IsTerminal() {
				done++
			}
		}
		fmt.Fprintf(output.Out, "Progress: %d/%d (%d%%)\n", done, len(res.Tasks), calculatePercent(done, len(res.Tasks)))
		if res.Error != "" {
			fmt.Fprintf(output.Out, "Error:    %s\n", res.Error)
		}
		fmt.Fprintln(output.Out)

		table := output.NewTable([]string{"TABLE", "STATUS", "ATTEMPTS", "CHUNKS", "ROWS", "ERROR"})
		for _, t := range tasks.Items {
			errMsg := "-"
			if t.LastError != "" {
				errMsg = output.Truncate(t.LastError, 50)
			}
			table.AddRow([]string{
				t.ID,
				output.FormatStatus(string(t.Status)),
				strconv.Itoa(t.Attempts),
				strconv.Itoa(t.ChunksDone),
				strconv.FormatInt(t.RowsLoaded, 10),
				errMsg,
			})
		}
		table.Render()
		return nil
	},
}

// historyCmd 查看Task状态转换记录
var historyCmd = &cobra.Command{
	Use:   "history <run-id> <table>",
	Short: "查看Task的状态转换记录",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := client.New(serverURL).TaskHistory(args[0], args[1])
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(result)
		}

		table := output.NewTable([]string{"TIME", "FROM", "TO", "ATTEMPTS", "CURSOR", "ERROR"})
		for _, tr := range result.Items {
			cursor := "-"
			if tr.Cursor != "" {
				cursor = output.Truncate(tr.Cursor, 20)
			}
			errMsg := "-"
			if tr.Error != "" {
				errMsg = output.Truncate(tr.Error, 50)
			}
			table.AddRow([]string{
				tr.CreatedAt.Local().Format(timeLayout),
				string(tr.From),
				string(tr.To),
				strconv.Itoa(tr.Attempts),
				cursor,
				errMsg,
			})
		}
		table.Render()
		return nil
	},
}

// cancelCmd 取消Run
var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "取消执行中的Run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := client.New(serverURL).CancelRun(args[0])
		if err != nil {
			output.Error("取消失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(run)
		}
		output.Success("Run已取消: %s", run.ID)
		return nil
	},
}

// retryCmd 强制重试失败的表
var retryCmd = &cobra.Command{
	Use:   "retry <run-id> <table>",
	Short: "强制重试执行中Run里失败的表",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := client.New(serverURL).RetryTask(args[0], args[1])
		if err != nil {
			output.Error("重试失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(result)
		}
		output.Success("已重置: %s", strings.Join(result.Reset, ", "))
		return nil
	},
}

// retryFailedCmd 以新Run重跑失败部分
var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed <run-id>",
	Short: "以新Run重跑已结束Run中未成功的表",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accepted, err := client.New(serverURL).RetryFailed(args[0])
		if err != nil {
			output.Error("重跑失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(accepted)
		}
		output.Success("新Run已提交: %s", accepted.RunID)
		return nil
	},
}

// stepCmd 单步执行
var stepCmd = &cobra.Command{
	Use:   "step <pipeline> <run-id> <plan|dispatch|finalize>",
	Short: "单步驱动Run（供外部工作流编排使用）",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := client.New(serverURL).WithHTTPClient(noTimeoutClient()).Step(args[0], args[1], args[2])
		if err != nil {
			output.Error("单步执行失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(res)
		}
		fmt.Fprintf(output.Out, "Run:        %s\n", res.RunID)
		fmt.Fprintf(output.Out, "Action:     %s\n", res.Action)
		fmt.Fprintf(output.Out, "RunStatus:  %s\n", output.FormatStatus(string(res.RunStatus)))
		fmt.Fprintf(output.Out, "Terminal:   %v\n", res.Terminal)
		fmt.Fprintf(output.Out, "Dispatched: %d\n", res.Dispatched)
		if len(res.Eligible) > 0 {
			fmt.Fprintf(output.Out, "Eligible:   %s\n", strings.Join(res.Eligible, ", "))
		}
		if len(res.Skipped) > 0 {
			fmt.Fprintf(output.Out, "Skipped:    %s\n", strings.Join(res.Skipped, ", "))
		}
		if !res.WaitUntil.IsZero() {
			fmt.Fprintf(output.Out, "WaitUntil:  %s\n", res.WaitUntil.Local().Format(timeLayout))
		}
		return nil
	},
}

// noTimeoutClient 同步执行Run的请求可能持续很久
func noTimeoutClient() *http.Client {
	return &http.Client{}
}

// calculatePercent 计算百分比
func calculatePercent(completed, total int) int {
	if total == 0 {
		return 0
	}
	return completed * 100 / total
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "返回记录数量限制")
	statusCmd.Flags().StringSliceVar(&taskStatuses, "status", nil, "按状态过滤表 (pending/ready/running/checkpointed/succeeded/failed/skipped)")
}
