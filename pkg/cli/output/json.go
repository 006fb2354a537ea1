// Package output 命令行输出（彩色消息、表格、JSON）
package output

import (
	"encoding/json"
	"io"

	"github.com/fatih/color"
)

// Out 输出目标，测试时可替换
var Out io.Writer = color.Output

// PrintJSON 输出JSON格式
func PrintJSON(data interface{}) error {
	encoder := json.NewEncoder(Out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Success 输出成功消息
func Success(format string, args ...interface{}) {
	green := color.New(color.FgGreen, color.Bold)
	green.Fprintf(Out, "✅ "+format+"\n", args...)
}

// Error 输出错误消息
func Error(format string, args ...interface{}) {
	red := color.New(color.FgRed, color.Bold)
	red.Fprintf(Out, "❌ "+format+"\n", args...)
}

// Info 输出信息
func Info(format string, args ...interface{}) {
	cyan := color.New(color.FgCyan)
	cyan.Fprintf(Out, "ℹ️  "+format+"\n", args...)
}

// Warning 输出警告
func Warning(format string, args ...interface{}) {
	yellow := color.New(color.FgYellow)
	yellow.Fprintf(Out, "⚠️  "+format+"\n", args...)
}

// StatusIcon Run与Task状态对应的图标
func StatusIcon(status string) string {
	switch status {
	case "succeeded":
		return "✅"
	case "failed":
		return "❌"
	case "partially-succeeded":
		return "⚠️"
	case "in-progress", "running":
		return "🔄"
	case "checkpointed":
		return "⏸️"
	case "pending", "ready":
		return "⏳"
	case "skipped":
		return "⏭️"
	default:
		return "❓"
	}
}

// FormatStatus 带图标的状态
func FormatStatus(status string) string {
	return StatusIcon(status) + " " + status
}
