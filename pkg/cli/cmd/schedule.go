package cmd

import (
	"github.com/LENAX/el-engine/pkg/cli/client"
	"github.com/LENAX/el-engine/pkg/cli/output"
	"github.com/spf13/cobra"
)

// scheduleCmd schedule子命令
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "定时调度命令",
}

// scheduleListCmd 列出定时调度
var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出服务端的定时调度",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := client.New(serverURL).ListSchedules()
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(result)
		}
		if len(result.Items) == 0 {
			output.Info("暂无定时调度")
			return nil
		}

		table := output.NewTable([]string{"PIPELINE", "CRON", "NEXT", "PREV", "RUNNING"})
		for _, e := range result.Items {
			prev := "-"
			if !e.Prev.IsZero() {
				prev = e.Prev.Local().Format(timeLayout)
			}
			running := "no"
			if e.Running {
				running = "yes"
			}
			table.AddRow([]string{e.Pipeline, e.CronExpr, e.Next.Local().Format(timeLayout), prev, running})
		}
		table.Render()
		return nil
	},
}

func init() {
	scheduleCmd.AddCommand(scheduleListCmd)
}
