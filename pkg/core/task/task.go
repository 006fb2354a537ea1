package task

import "time"

// CursorEnd 数据源已读完时写入的游标
const CursorEnd = "END"

// Task 一次Run中单张表的抽取-加载工作单元（对外导出）
// 持久化表示由StateStore独占，修改只能通过条件更新完成
type Task struct {
	RunID      string
	ID         string
	DependsOn  []string
	Status     Status
	Attempts   int
	Cursor     string // 不透明游标，仅Executor理解其含义
	ChunksDone int
	RowsLoaded int64
	LastError  string
	NotBefore  time.Time // 退避结束时间，零值表示立即可调度
	QueuedAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	UpdatedAt  time.Time
}

// Clone 返回深拷贝
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	return &c
}

// Finished 游标是否已到末尾
func (t *Task) Finished() bool {
	return t.Cursor == CursorEnd
}

// Transition 一次状态变更的审计记录
type Transition struct {
	RunID     string
	TaskID    string
	From      Status
	To        Status
	Attempts  int
	Cursor    string
	Error     string
	CreatedAt time.Time
}
