package cmd

import (
	"fmt"
	"sort"

	"github.com/LENAX/el-engine/pkg/cli/output"
	"github.com/LENAX/el-engine/pkg/core/engine"
)

const timeLayout = "2006-01-02 15:04:05"

// printRunResult 输出Run报告
func printRunResult(res *engine.RunResult) error {
	if outputJSON {
		return output.PrintJSON(res)
	}

	fmt.Fprintf(output.Out, "Run:      %s\n", res.RunID)
	fmt.Fprintf(output.Out, "Pipeline: %s\n", res.Pipeline)
	fmt.Fprintf(output.Out, "Status:   %s\n", output.FormatStatus(string(res.Status)))
	fmt.Fprintf(output.Out, "Created:  %s\n", res.CreatedAt.Local().Format(timeLayout))
	if !res.FinishedAt.IsZero() {
		fmt.Fprintf(output.Out, "Finished: %s (%s)\n", res.FinishedAt.Local().Format(timeLayout), res.FinishedAt.Sub(res.CreatedAt).Round(1e6))
	}
	if res.Error != "" {
		fmt.Fprintf(output.Out, "Error:    %s\n", res.Error)
	}

	ids := make([]string, 0, len(res.Tasks))
	for id := range res.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintln(output.Out, "\nTasks:")
	for _, id := range ids {
		status := string(res.Tasks[id])
		fmt.Fprintf(output.Out, "  %s %s  %s\n", output.StatusIcon(status), id, status)
	}

	if len(res.Failures) > 0 {
		fmt.Fprintln(output.Out, "\nFailures:")
		table := output.NewTable([]string{"TABLE", "STATUS", "ERROR"})
		for _, f := range res.Failures {
			table.AddRow([]string{f.TaskID, string(f.Status), output.Truncate(f.Error, 80)})
		}
		table.Render()
	}
	return nil
}

// runOutcome 未全部成功时返回错误，使进程以非零状态退出
func runOutcome(res *engine.RunResult) error {
	if res.Succeeded() {
		return nil
	}
	return fmt.Errorf("Run %s 状态为 %s", res.RunID, res.Status)
}
