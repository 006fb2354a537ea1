package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// 全局变量
	serverURL     string
	outputJSON    bool
	configPath    string
	pipelineFiles []string
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "el-engine",
	Short: "EL Engine CLI - 抽取加载作业编排工具",
	Long: `EL Engine CLI 用于编排从源数据库到数据仓库的抽取加载作业。

本地命令直接读取引擎配置运行（run、pipeline validate/tables、stage），
远程命令通过HTTP API操作服务端（runs、status、history、cancel、retry等）。

使用示例：
  # 本地执行流水线
  el-engine run crm --config ./configs/el-engine.yaml --pipeline ./pipelines/crm.yaml

  # 查看Run状态
  el-engine status <run-id>

  # 以新Run重跑失败部分
  el-engine retry-failed <run-id>

  # 启动HTTP服务
  el-engine server start --config ./configs/el-engine.yaml`,
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "EL Engine服务器地址")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "使用JSON格式输出")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "引擎配置文件路径")
	rootCmd.PersistentFlags().StringSliceVarP(&pipelineFiles, "pipeline", "f", nil, "流水线配置文件（可重复）")

	// 添加子命令
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(retryFailedCmd)
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
}
