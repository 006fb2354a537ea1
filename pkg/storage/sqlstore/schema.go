package sqlstore

// 通用DDL按SQLite写法编写，由Dialect.CreateTableSQL转换
// 主键列使用VARCHAR(191)以兼容MySQL的utf8mb4索引长度
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS el_run (
		run_id VARCHAR(191) PRIMARY KEY,
		pipeline VARCHAR(191) NOT NULL,
		status VARCHAR(32) NOT NULL,
		error_msg TEXT,
		snapshot TEXT,
		created_at DATETIME NOT NULL,
		finished_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS el_task_state (
		run_id VARCHAR(191) NOT NULL,
		task_id VARCHAR(191) NOT NULL,
		seq_no INTEGER NOT NULL DEFAULT 0,
		depends_on TEXT NOT NULL,
		status VARCHAR(32) NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		checkpoint_cursor TEXT NOT NULL,
		chunks_done INTEGER NOT NULL DEFAULT 0,
		rows_loaded BIGINT NOT NULL DEFAULT 0,
		error_msg TEXT,
		not_before DATETIME,
		queued_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, task_id)
	)`,
	`CREATE TABLE IF NOT EXISTS el_task_transition (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id VARCHAR(191) NOT NULL,
		task_id VARCHAR(191) NOT NULL,
		from_status VARCHAR(32) NOT NULL,
		to_status VARCHAR(32) NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		checkpoint_cursor TEXT NOT NULL,
		error_msg TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS el_watermark (
		table_name VARCHAR(191) PRIMARY KEY,
		watermark_value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
}

var (
	runColumns = []string{
		"run_id", "pipeline", "status", "error_msg", "snapshot", "created_at", "finished_at",
	}
	taskColumns = []string{
		"run_id", "task_id", "seq_no", "depends_on", "status", "attempts", "checkpoint_cursor",
		"chunks_done", "rows_loaded", "error_msg", "not_before", "queued_at", "started_at",
		"finished_at", "updated_at",
	}
	transitionColumns = []string{
		"run_id", "task_id", "from_status", "to_status", "attempts", "checkpoint_cursor",
		"error_msg", "created_at",
	}
	watermarkColumns = []string{"table_name", "watermark_value", "updated_at"}
)
