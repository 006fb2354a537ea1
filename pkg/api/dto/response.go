package dto

import (
	"time"

	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
)

// APIResponse 通用API响应结构
type APIResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse[T any](data T) APIResponse[T] {
	return APIResponse[T]{
		Code:    0,
		Message: "success",
		Data:    data,
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(code int, message string) APIResponse[any] {
	return APIResponse[any]{
		Code:    code,
		Message: message,
	}
}

// ListResponse 列表响应
type ListResponse[T any] struct {
	Total int `json:"total"`
	Items []T `json:"items"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// RunSummary Run摘要信息
type RunSummary struct {
	ID         string            `json:"id"`
	Pipeline   string            `json:"pipeline"`
	Status     storage.RunStatus `json:"status"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Duration   string            `json:"duration,omitempty"`
}

// RunAccepted 后台启动的Run
type RunAccepted struct {
	RunID    string `json:"run_id"`
	Pipeline string `json:"pipeline"`
}

// TaskDetail Task详细信息
type TaskDetail struct {
	ID         string      `json:"id"`
	DependsOn  []string    `json:"depends_on,omitempty"`
	Status     task.Status `json:"status"`
	Attempts   int         `json:"attempts"`
	Cursor     string      `json:"cursor,omitempty"`
	ChunksDone int         `json:"chunks_done"`
	RowsLoaded int64       `json:"rows_loaded"`
	LastError  string      `json:"last_error,omitempty"`
	NotBefore  *time.Time  `json:"not_before,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// TransitionRecord 状态转换审计记录
type TransitionRecord struct {
	From      task.Status `json:"from"`
	To        task.Status `json:"to"`
	Attempts  int         `json:"attempts"`
	Cursor    string      `json:"cursor,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// RetryResponse 强制重试响应
type RetryResponse struct {
	RunID string   `json:"run_id"`
	Reset []string `json:"reset"`
}

// PipelineSummary 流水线摘要
type PipelineSummary struct {
	Name     string         `json:"name"`
	Schedule string         `json:"schedule,omitempty"`
	Tables   []TableSummary `json:"tables"`
}

// TableSummary 表定义摘要
type TableSummary struct {
	ID        string   `json:"id"`
	Source    string   `json:"source"`
	Table     string   `json:"table,omitempty"`
	Target    string   `json:"target"`
	Mode      string   `json:"mode"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// TimePtr 零值时间返回nil
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
