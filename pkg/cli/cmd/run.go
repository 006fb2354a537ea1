package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/LENAX/el-engine/pkg/cli/client"
	"github.com/LENAX/el-engine/pkg/cli/output"
	"github.com/LENAX/el-engine/pkg/config"
	"github.com/LENAX/el-engine/pkg/core/engine"
	"github.com/spf13/cobra"
)

var (
	runID     string
	runDryRun bool
	runRemote bool
	runWait   bool
)

// runCmd 执行流水线
var runCmd = &cobra.Command{
	Use:   "run <pipeline>",
	Short: "执行流水线",
	Long: `执行流水线的一次Run。

默认在本地进程内执行，使用--remote提交到服务端。
指定--run-id且该Run仍为in-progress时从检查点恢复。

示例：
  # 本地执行
  el-engine run crm -f ./pipelines/crm.yaml

  # 恢复中断的Run
  el-engine run crm -f ./pipelines/crm.yaml --run-id 01HX...

  # 仅查看执行计划
  el-engine run crm -f ./pipelines/crm.yaml --dry-run

  # 提交到服务端并等待结束
  el-engine run crm --remote --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if runRemote {
			return runOnServer(name)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := openApp(ctx)
		if err != nil {
			output.Error("初始化失败: %v", err)
			return err
		}
		defer app.Close()

		p, err := app.Pipeline(name)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if runDryRun {
			return printPlan(p)
		}

		id := runID
		if id == "" {
			id = engine.NewRunID()
		}
		output.Info("开始执行: Pipeline=%s, Run=%s", name, id)
		res, err := app.Engine.Execute(ctx, p, id)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				output.Warning("执行被中断，Run %s 保持in-progress，可使用 --run-id 恢复", id)
			} else {
				output.Error("执行失败: %v", err)
			}
			return err
		}
		if err := printRunResult(res); err != nil {
			return err
		}
		return runOutcome(res)
	},
}

// runOnServer 通过API提交Run
func runOnServer(name string) error {
	c := client.New(serverURL)
	if runWait {
		c.WithHTTPClient(noTimeoutClient())
		res, err := c.ExecuteRun(name, runID)
		if err != nil {
			output.Error("执行失败: %v", err)
			return err
		}
		if err := printRunResult(res); err != nil {
			return err
		}
		return runOutcome(res)
	}

	accepted, err := c.SubmitRun(name, runID)
	if err != nil {
		output.Error("提交失败: %v", err)
		return err
	}
	if outputJSON {
		return output.PrintJSON(accepted)
	}
	output.Success("Run已提交: %s (Pipeline=%s)", accepted.RunID, accepted.Pipeline)
	return nil
}

// printPlan 按层输出执行计划
func printPlan(p *engine.Pipeline) error {
	g, err := p.Graph()
	if err != nil {
		return err
	}
	levels := g.TopologicalOrder().Levels
	if outputJSON {
		return output.PrintJSON(map[string]interface{}{
			"pipeline": p.Name,
			"levels":   levels,
		})
	}

	table := output.NewTable([]string{"LEVEL", "TABLE", "SOURCE", "TARGET", "MODE", "DEPENDS_ON"})
	for i, level := range levels {
		for _, id := range level {
			spec, _ := p.Spec(id)
			source := spec.Source + ":" + spec.SourceTable
			if spec.Query != "" {
				source = spec.Source + ":(query)"
			}
			deps := strings.Join(g.Dependencies(id), ",")
			if deps == "" {
				deps = "-"
			}
			table.AddRow([]string{fmt.Sprint(i), id, source, spec.Target.URI(), string(spec.Mode), deps})
		}
	}
	table.Render()
	fmt.Fprintf(output.Out, "\n共 %d 张表，%d 层\n", g.Len(), len(levels))
	return nil
}

// validatePipelineFile 校验单个流水线文件并返回流水线
func validatePipelineFile(path string) (*engine.Pipeline, error) {
	pc, err := config.LoadPipelineConfig(path)
	if err != nil {
		return nil, err
	}
	return pc.ToPipeline()
}

func init() {
	runCmd.Flags().StringVar(&runID, "run-id", "", "指定Run ID（恢复或幂等执行）")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "仅输出执行计划")
	runCmd.Flags().BoolVar(&runRemote, "remote", false, "提交到服务端执行")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "远程执行时等待Run结束")
}
