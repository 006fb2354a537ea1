package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LENAX/el-engine/pkg/core/task"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("记录不存在")
	// ErrConflict 条件更新失败：存储中的状态与期望不一致
	ErrConflict = errors.New("状态冲突")
	// ErrStoreUnavailable 底层存储不可用，调用方需退避后重读
	ErrStoreUnavailable = errors.New("状态存储不可用")
	// ErrInvalidTransition 状态转换不在允许表内
	ErrInvalidTransition = errors.New("非法状态转换")
)

// ConflictError Task条件更新冲突（对外导出）
// errors.Is(err, ErrConflict) 为true
type ConflictError struct {
	RunID    string
	TaskID   string
	Expected task.Status
	Actual   task.Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("状态冲突: Run=%s, Task=%s, 期望=%s, 实际=%s", e.RunID, e.TaskID, e.Expected, e.Actual)
}

// Is 支持 errors.Is(err, ErrConflict)
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Unavailable 将底层错误标记为存储不可用
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// Patch 随状态转换一起写入的字段，nil表示不修改（对外导出）
type Patch struct {
	Cursor            *string
	ChunksDone        *int
	RowsLoaded        *int64
	LastError         *string
	NotBefore         *time.Time // 零值时间表示清除
	Attempts          *int
	IncrementAttempts bool
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

// Ptr 取值地址，便于构造Patch
func Ptr[T any](v T) *T {
	return &v
}

// RunStatus Run全局状态
type RunStatus string

const (
	RunInProgress         RunStatus = "in-progress"
	RunSucceeded          RunStatus = "succeeded"
	RunFailed             RunStatus = "failed"
	RunPartiallySucceeded RunStatus = "partially-succeeded"
)

// IsTerminal 是否已结束
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunPartiallySucceeded
}

// Run 一次Task图的执行记录（对外导出）
type Run struct {
	ID         string
	Pipeline   string
	Status     RunStatus
	Error      string
	Snapshot   map[string]task.Status // 结束时各Task的状态快照
	CreatedAt  time.Time
	FinishedAt time.Time
}

// StateStore Task状态的持久化存储（对外导出）
// 所有Task修改都经由TryTransition的比较-交换完成
type StateStore interface {
	// Get 读取单个Task，不存在返回ErrNotFound
	Get(ctx context.Context, runID, taskID string) (*task.Task, error)
	// TryTransition 仅当存储中的状态等于expected时才更新为next
	// 失败返回 *ConflictError 且不修改记录
	TryTransition(ctx context.Context, runID, taskID string, expected, next task.Status, patch Patch) (*task.Task, error)
	// ListByStatus 按状态列出Task，未指定状态时返回全部，按声明顺序
	ListByStatus(ctx context.Context, runID string, statuses ...task.Status) ([]*task.Task, error)

	// CreateRun 幂等创建Run及其Task，已存在时原样返回已存储的Run
	CreateRun(ctx context.Context, run *Run, tasks []*task.Task) (*Run, error)
	// GetRun 读取Run，不存在返回ErrNotFound
	GetRun(ctx context.Context, runID string) (*Run, error)
	// ListRuns 按创建时间倒序列出Run
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	// FinalizeRun 仅当Run仍为in-progress时写入终态，每个Run只成功一次
	FinalizeRun(ctx context.Context, runID string, status RunStatus, errMsg string, snapshot map[string]task.Status) (*Run, error)

	// History 返回Task的状态转换审计记录
	History(ctx context.Context, runID, taskID string) ([]*task.Transition, error)

	// GetWatermark 读取目标表的增量水位，不存在返回空串
	GetWatermark(ctx context.Context, table string) (string, error)
	// SetWatermark 写入目标表的增量水位
	SetWatermark(ctx context.Context, table, value string) error

	Close() error
}

// ValidateTransition 校验状态转换是否在允许表内
func ValidateTransition(expected, next task.Status) error {
	if !expected.IsValid() || !next.IsValid() || !expected.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	return nil
}

// ApplyPatch 将Patch应用到内存中的Task（存储实现共用）
func ApplyPatch(t *task.Task, next task.Status, patch Patch, now time.Time) {
	t.Status = next
	t.UpdatedAt = now
	if patch.Cursor != nil {
		t.Cursor = *patch.Cursor
	}
	if patch.ChunksDone != nil {
		t.ChunksDone = *patch.ChunksDone
	}
	if patch.RowsLoaded != nil {
		t.RowsLoaded = *patch.RowsLoaded
	}
	if patch.LastError != nil {
		t.LastError = *patch.LastError
	}
	if patch.NotBefore != nil {
		t.NotBefore = *patch.NotBefore
	}
	if patch.Attempts != nil {
		t.Attempts = *patch.Attempts
	}
	if patch.IncrementAttempts {
		t.Attempts++
	}
	if patch.StartedAt != nil {
		t.StartedAt = *patch.StartedAt
	}
	if patch.FinishedAt != nil {
		t.FinishedAt = *patch.FinishedAt
	}
}
