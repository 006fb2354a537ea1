package cmd

import (
	"context"
	"fmt"

	"github.com/LENAX/el-engine/internal/bootstrap"
	"github.com/LENAX/el-engine/pkg/cli/output"
	"github.com/LENAX/el-engine/pkg/connector/objectstore"
	"github.com/LENAX/el-engine/pkg/connector/warehouse"
	"github.com/spf13/cobra"
)

var stageLimit int

// stageCmd stage子命令
var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "查看暂存区中的分块文件",
}

// stageListCmd 列出暂存对象
var stageListCmd = &cobra.Command{
	Use:   "ls [prefix]",
	Short: "列出暂存对象，前缀形如 <schema>/<table>/<run-id>",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, err := openStage(ctx)
		if err != nil {
			return err
		}
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		keys, err := store.List(ctx, prefix)
		if err != nil {
			output.Error("列出失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(keys)
		}
		for _, key := range keys {
			fmt.Fprintln(output.Out, key)
		}
		return nil
	},
}

// stageCatCmd 解码并输出分块文件
var stageCatCmd = &cobra.Command{
	Use:   "cat <key>",
	Short: "解码暂存的分块文件并输出内容",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, err := openStage(ctx)
		if err != nil {
			return err
		}
		data, err := store.Get(ctx, args[0])
		if err != nil {
			output.Error("读取失败: %v", err)
			return err
		}
		columns, rows, err := warehouse.DecodeCSVGzip(data)
		if err != nil {
			output.Error("解码失败: %v", err)
			return err
		}
		if stageLimit > 0 && len(rows) > stageLimit {
			rows = rows[:stageLimit]
		}

		if outputJSON {
			records := make([]map[string]any, 0, len(rows))
			for _, row := range rows {
				rec := make(map[string]any, len(columns))
				for i, col := range columns {
					rec[col] = row[i]
				}
				records = append(records, rec)
			}
			return output.PrintJSON(records)
		}

		table := output.NewTable(columns)
		for _, row := range rows {
			cells := make([]string, len(row))
			for i, v := range row {
				if v == nil {
					cells[i] = "NULL"
				} else {
					cells[i] = output.Truncate(fmt.Sprint(v), 40)
				}
			}
			table.AddRow(cells)
		}
		table.Render()
		fmt.Fprintf(output.Out, "\n%d 行\n", table.Len())
		return nil
	},
}

// openStage 只创建暂存存储，不连接数据源与仓库
func openStage(ctx context.Context) (objectstore.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		output.Error("加载配置失败: %v", err)
		return nil, err
	}
	store, err := bootstrap.NewStage(ctx, cfg.ELEngine.Staging)
	if err != nil {
		output.Error("创建暂存存储失败: %v", err)
		return nil, err
	}
	return store, nil
}

func init() {
	stageCatCmd.Flags().IntVar(&stageLimit, "limit", 50, "最多输出的行数，0表示全部")

	stageCmd.AddCommand(stageListCmd)
	stageCmd.AddCommand(stageCatCmd)
}
