package task

import "context"

// context key类型，用于类型安全的context.Value访问
type contextKey string

const (
	// RunIDKey Run ID在context中的key
	RunIDKey contextKey = "el.run.id"
	// TaskIDKey Task ID在context中的key
	TaskIDKey contextKey = "el.task.id"
)

// WithRunID 将Run ID添加到context中（对外导出）
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID 从context中获取Run ID（对外导出）
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTaskID 将Task ID添加到context中（对外导出）
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// GetTaskID 从context中获取Task ID（对外导出）
func GetTaskID(ctx context.Context) string {
	if id, ok := ctx.Value(TaskIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTask 同时写入Run ID与Task ID
func WithTask(ctx context.Context, t *Task) context.Context {
	return WithTaskID(WithRunID(ctx, t.RunID), t.ID)
}
