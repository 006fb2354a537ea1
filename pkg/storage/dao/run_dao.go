package dao

import (
	"database/sql"
	"time"
)

// RunDAO el_run表的数据访问对象（内部使用）
type RunDAO struct {
	ID         string         `db:"run_id"`
	Pipeline   string         `db:"pipeline"`
	Status     string         `db:"status"`
	Error      sql.NullString `db:"error_msg"`
	Snapshot   sql.NullString `db:"snapshot"` // JSON格式存储
	CreatedAt  time.Time      `db:"created_at"`
	FinishedAt sql.NullTime   `db:"finished_at"`
}

// WatermarkDAO el_watermark表的数据访问对象（内部使用）
type WatermarkDAO struct {
	TableName string    `db:"table_name"`
	Value     string    `db:"watermark_value"`
	UpdatedAt time.Time `db:"updated_at"`
}
