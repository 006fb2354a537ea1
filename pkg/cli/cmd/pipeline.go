package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/LENAX/el-engine/pkg/cli/client"
	"github.com/LENAX/el-engine/pkg/cli/output"
	"github.com/spf13/cobra"
)

// pipelineCmd pipeline子命令
var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "流水线管理命令",
	Long:  `查看、校验流水线定义，并按定义创建目标表。`,
}

// pipelineListCmd 列出服务端已注册的流水线
var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出服务端已注册的流水线",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := client.New(serverURL).ListPipelines()
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(result)
		}
		if len(result.Items) == 0 {
			output.Info("暂无流水线")
			return nil
		}

		table := output.NewTable([]string{"PIPELINE", "TABLES", "SCHEDULE"})
		for _, p := range result.Items {
			ids := make([]string, 0, len(p.Tables))
			for _, t := range p.Tables {
				ids = append(ids, t.ID)
			}
			schedule := "-"
			if p.Schedule != "" {
				schedule = p.Schedule
			}
			table.AddRow([]string{p.Name, output.Truncate(strings.Join(ids, ","), 60), schedule})
		}
		table.Render()
		return nil
	},
}

// pipelineValidateCmd 校验流水线文件
var pipelineValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "校验流水线配置文件并输出执行计划",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			p, err := validatePipelineFile(path)
			if err != nil {
				output.Error("%s: %v", path, err)
				failed++
				continue
			}
			output.Success("%s: Pipeline %s 有效", path, p.Name)
			if err := printPlan(p); err != nil {
				return err
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d 个文件校验失败", failed)
		}
		return nil
	},
}

// pipelineTablesCmd 创建目标表
var pipelineTablesCmd = &cobra.Command{
	Use:   "tables <pipeline>",
	Short: "按流水线定义在仓库中创建目标表",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		app, err := openApp(ctx)
		if err != nil {
			output.Error("初始化失败: %v", err)
			return err
		}
		defer app.Close()

		created, err := app.CreateTables(ctx, args[0])
		for _, table := range created {
			output.Success("已创建: %s", table)
		}
		if err != nil {
			output.Error("建表失败: %v", err)
			return err
		}
		return nil
	},
}

func init() {
	pipelineCmd.AddCommand(pipelineListCmd)
	pipelineCmd.AddCommand(pipelineValidateCmd)
	pipelineCmd.AddCommand(pipelineTablesCmd)
}
