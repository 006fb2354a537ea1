package dao

import (
	"database/sql"
	"time"
)

// TaskStateDAO el_task_state表的数据访问对象（内部使用）
type TaskStateDAO struct {
	RunID      string         `db:"run_id"`
	TaskID     string         `db:"task_id"`
	Position   int            `db:"seq_no"`
	DependsOn  string         `db:"depends_on"` // JSON格式存储
	Status     string         `db:"status"`
	Attempts   int            `db:"attempts"`
	Cursor     string         `db:"checkpoint_cursor"`
	ChunksDone int            `db:"chunks_done"`
	RowsLoaded int64          `db:"rows_loaded"`
	LastError  sql.NullString `db:"error_msg"`
	NotBefore  sql.NullTime   `db:"not_before"`
	QueuedAt   time.Time      `db:"queued_at"`
	StartedAt  sql.NullTime   `db:"started_at"`
	FinishedAt sql.NullTime   `db:"finished_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// TransitionDAO el_task_transition表的数据访问对象（内部使用）
type TransitionDAO struct {
	ID         int64          `db:"id"`
	RunID      string         `db:"run_id"`
	TaskID     string         `db:"task_id"`
	FromStatus string         `db:"from_status"`
	ToStatus   string         `db:"to_status"`
	Attempts   int            `db:"attempts"`
	Cursor     string         `db:"checkpoint_cursor"`
	Error      sql.NullString `db:"error_msg"`
	CreatedAt  time.Time      `db:"created_at"`
}
