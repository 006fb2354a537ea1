package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
	"github.com/LENAX/el-engine/pkg/storage/dao"
	"github.com/jmoiron/sqlx"
)

// StateStore 基于sqlx的StateStore实现，SQL差异由Dialect处理（对外导出）
type StateStore struct {
	db      *sqlx.DB
	dialect storage.Dialect
	now     func() time.Time
}

// NewStateStore 创建StateStore并初始化表结构（对外导出）
func NewStateStore(db *sqlx.DB, dialect storage.Dialect) (*StateStore, error) {
	s := &StateStore{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}
	return s, nil
}

// Open 打开数据库连接、执行方言配置并创建StateStore（对外导出）
func Open(dialect storage.Dialect, dsn string) (*StateStore, error) {
	db, err := sqlx.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}
	for _, stmt := range dialect.ConfigureDB() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("配置%s失败: %w", dialect.Name(), err)
		}
	}
	store, err := NewStateStore(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// WithClock 替换时钟（测试使用）
func (s *StateStore) WithClock(now func() time.Time) *StateStore {
	s.now = now
	return s
}

// GetDB 获取底层数据库连接（对外导出）
func (s *StateStore) GetDB() *sqlx.DB {
	return s.db
}

// Close 关闭数据库连接（对外导出）
func (s *StateStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *StateStore) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(s.dialect.CreateTableSQL(stmt)); err != nil {
			return err
		}
	}
	return nil
}

// Get 读取单个Task
func (s *StateStore) Get(ctx context.Context, runID, taskID string) (*task.Task, error) {
	return s.get(ctx, s.db, runID, taskID)
}

func (s *StateStore) get(ctx context.Context, q sqlx.QueryerContext, runID, taskID string) (*task.Task, error) {
	var row dao.TaskStateDAO
	query := s.db.Rebind(fmt.Sprintf("SELECT %s FROM el_task_state WHERE run_id = ? AND task_id = ?", strings.Join(taskColumns, ", ")))
	if err := sqlx.GetContext(ctx, q, &row, query, runID, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("Task %s/%s: %w", runID, taskID, storage.ErrNotFound)
		}
		return nil, s.wrap("查询Task失败", err)
	}
	return taskFromDAO(&row)
}

// TryTransition 比较-交换：仅当当前状态等于expected时写入next与patch
func (s *StateStore) TryTransition(ctx context.Context, runID, taskID string, expected, next task.Status, patch storage.Patch) (*task.Task, error) {
	if err := storage.ValidateTransition(expected, next); err != nil {
		return nil, err
	}

	now := s.now()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(next), now}
	if patch.Cursor != nil {
		sets = append(sets, "checkpoint_cursor = ?")
		args = append(args, *patch.Cursor)
	}
	if patch.ChunksDone != nil {
		sets = append(sets, "chunks_done = ?")
		args = append(args, *patch.ChunksDone)
	}
	if patch.RowsLoaded != nil {
		sets = append(sets, "rows_loaded = ?")
		args = append(args, *patch.RowsLoaded)
	}
	if patch.LastError != nil {
		sets = append(sets, "error_msg = ?")
		args = append(args, nullString(*patch.LastError))
	}
	if patch.NotBefore != nil {
		sets = append(sets, "not_before = ?")
		args = append(args, nullTime(*patch.NotBefore))
	}
	if patch.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *patch.Attempts)
	} else if patch.IncrementAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, nullTime(*patch.StartedAt))
	}
	if patch.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, nullTime(*patch.FinishedAt))
	}
	args = append(args, runID, taskID, string(expected))

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, s.wrap("开始事务失败", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(fmt.Sprintf(
		"UPDATE el_task_state SET %s WHERE run_id = ? AND task_id = ? AND status = ?",
		strings.Join(sets, ", "),
	))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrap("更新Task状态失败", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, s.wrap("读取影响行数失败", err)
	}
	if affected == 0 {
		tx.Rollback()
		current, err := s.Get(ctx, runID, taskID)
		if err != nil {
			return nil, err
		}
		return nil, &storage.ConflictError{RunID: runID, TaskID: taskID, Expected: expected, Actual: current.Status}
	}

	updated, err := s.get(ctx, tx, runID, taskID)
	if err != nil {
		return nil, err
	}
	audit := &dao.TransitionDAO{
		RunID:      runID,
		TaskID:     taskID,
		FromStatus: string(expected),
		ToStatus:   string(next),
		Attempts:   updated.Attempts,
		Cursor:     updated.Cursor,
		Error:      nullString(updated.LastError),
		CreatedAt:  now,
	}
	if _, err := tx.NamedExecContext(ctx, insertSQL("el_task_transition", transitionColumns), audit); err != nil {
		return nil, s.wrap("写入状态审计失败", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.wrap("提交事务失败", err)
	}
	return updated, nil
}

// ListByStatus 按状态列出Task，按声明顺序
func (s *StateStore) ListByStatus(ctx context.Context, runID string, statuses ...task.Status) ([]*task.Task, error) {
	query := fmt.Sprintf("SELECT %s FROM el_task_state WHERE run_id = ?", strings.Join(taskColumns, ", "))
	args := []any{runID}
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, st := range statuses {
			values[i] = string(st)
		}
		q, inArgs, err := sqlx.In(query+" AND status IN (?)", runID, values)
		if err != nil {
			return nil, fmt.Errorf("构建查询失败: %w", err)
		}
		query, args = q, inArgs
	}
	query = s.db.Rebind(query + " ORDER BY seq_no")

	var rows []dao.TaskStateDAO
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, s.wrap("查询Task列表失败", err)
	}
	out := make([]*task.Task, 0, len(rows))
	for i := range rows {
		t, err := taskFromDAO(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// CreateRun 幂等创建Run及其Task（INSERT IGNORE语义）
func (s *StateStore) CreateRun(ctx context.Context, run *storage.Run, tasks []*task.Task) (*storage.Run, error) {
	now := s.now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, s.wrap("开始事务失败", err)
	}
	defer tx.Rollback()

	created := run.CreatedAt
	if created.IsZero() {
		created = now
	}
	status := run.Status
	if status == "" {
		status = storage.RunInProgress
	}
	runRow := &dao.RunDAO{
		ID:        run.ID,
		Pipeline:  run.Pipeline,
		Status:    string(status),
		Error:     nullString(run.Error),
		CreatedAt: created,
	}
	if _, err := tx.NamedExecContext(ctx, s.dialect.InsertIgnoreSQL("el_run", runColumns), runRow); err != nil {
		return nil, s.wrap("保存Run失败", err)
	}

	taskSQL := s.dialect.InsertIgnoreSQL("el_task_state", taskColumns)
	for i, t := range tasks {
		row, err := taskToDAO(run.ID, i, t, now)
		if err != nil {
			return nil, err
		}
		if _, err := tx.NamedExecContext(ctx, taskSQL, row); err != nil {
			return nil, s.wrap(fmt.Sprintf("保存Task失败: %s", t.ID), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, s.wrap("提交事务失败", err)
	}
	return s.GetRun(ctx, run.ID)
}

// GetRun 读取Run
func (s *StateStore) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	var row dao.RunDAO
	query := s.db.Rebind(fmt.Sprintf("SELECT %s FROM el_run WHERE run_id = ?", strings.Join(runColumns, ", ")))
	if err := s.db.GetContext(ctx, &row, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("Run %s: %w", runID, storage.ErrNotFound)
		}
		return nil, s.wrap("查询Run失败", err)
	}
	return runFromDAO(&row)
}

// ListRuns 按创建时间倒序列出Run
func (s *StateStore) ListRuns(ctx context.Context, limit int) ([]*storage.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Rebind(fmt.Sprintf("SELECT %s FROM el_run ORDER BY created_at DESC LIMIT ?", strings.Join(runColumns, ", ")))
	var rows []dao.RunDAO
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, s.wrap("查询Run列表失败", err)
	}
	out := make([]*storage.Run, 0, len(rows))
	for i := range rows {
		r, err := runFromDAO(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// FinalizeRun 仅当Run为in-progress时写入终态
func (s *StateStore) FinalizeRun(ctx context.Context, runID string, status storage.RunStatus, errMsg string, snapshot map[string]task.Status) (*storage.Run, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("Run终态无效: %s", status)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("序列化快照失败: %w", err)
	}
	query := s.db.Rebind("UPDATE el_run SET status = ?, error_msg = ?, snapshot = ?, finished_at = ? WHERE run_id = ? AND status = ?")
	res, err := s.db.ExecContext(ctx, query, string(status), nullString(errMsg), string(data), s.now(), runID, string(storage.RunInProgress))
	if err != nil {
		return nil, s.wrap("更新Run状态失败", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, s.wrap("读取影响行数失败", err)
	}
	if affected == 0 {
		current, err := s.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("Run %s 已结束(%s): %w", runID, current.Status, storage.ErrConflict)
	}
	return s.GetRun(ctx, runID)
}

// History 返回Task的状态转换审计记录
func (s *StateStore) History(ctx context.Context, runID, taskID string) ([]*task.Transition, error) {
	query := s.db.Rebind("SELECT id, " + strings.Join(transitionColumns, ", ") +
		" FROM el_task_transition WHERE run_id = ? AND task_id = ? ORDER BY id")
	var rows []dao.TransitionDAO
	if err := s.db.SelectContext(ctx, &rows, query, runID, taskID); err != nil {
		return nil, s.wrap("查询状态审计失败", err)
	}
	out := make([]*task.Transition, 0, len(rows))
	for _, r := range rows {
		out = append(out, &task.Transition{
			RunID:     r.RunID,
			TaskID:    r.TaskID,
			From:      task.Status(r.FromStatus),
			To:        task.Status(r.ToStatus),
			Attempts:  r.Attempts,
			Cursor:    r.Cursor,
			Error:     r.Error.String,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// GetWatermark 读取目标表水位
func (s *StateStore) GetWatermark(ctx context.Context, table string) (string, error) {
	var row dao.WatermarkDAO
	query := s.db.Rebind("SELECT table_name, watermark_value, updated_at FROM el_watermark WHERE table_name = ?")
	if err := s.db.GetContext(ctx, &row, query, table); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", s.wrap("查询水位失败", err)
	}
	return row.Value, nil
}

// SetWatermark 写入目标表水位
func (s *StateStore) SetWatermark(ctx context.Context, table, value string) error {
	row := &dao.WatermarkDAO{TableName: table, Value: value, UpdatedAt: s.now()}
	query := s.dialect.UpsertSQL("el_watermark", watermarkColumns, "table_name", []string{"watermark_value", "updated_at"})
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return s.wrap("保存水位失败", err)
	}
	return nil
}

// wrap 连接类错误标记为ErrStoreUnavailable，其余原样包装
func (s *StateStore) wrap(op string, err error) error {
	if isUnavailable(err) || s.dialect.IsUnavailable(err) {
		return storage.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func insertSQL(table string, columns []string) string {
	named := make([]string, len(columns))
	for i, col := range columns {
		named[i] = ":" + col
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), strings.Join(named, ", "))
}

func taskToDAO(runID string, seq int, t *task.Task, now time.Time) (*dao.TaskStateDAO, error) {
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return nil, fmt.Errorf("序列化依赖失败: %w", err)
	}
	status := t.Status
	if status == "" {
		status = task.StatusPending
	}
	queued := t.QueuedAt
	if queued.IsZero() {
		queued = now
	}
	return &dao.TaskStateDAO{
		RunID:      runID,
		TaskID:     t.ID,
		Position:   seq,
		DependsOn:  string(deps),
		Status:     string(status),
		Attempts:   t.Attempts,
		Cursor:     t.Cursor,
		ChunksDone: t.ChunksDone,
		RowsLoaded: t.RowsLoaded,
		LastError:  nullString(t.LastError),
		NotBefore:  nullTime(t.NotBefore),
		QueuedAt:   queued,
		StartedAt:  nullTime(t.StartedAt),
		FinishedAt: nullTime(t.FinishedAt),
		UpdatedAt:  now,
	}, nil
}

func taskFromDAO(row *dao.TaskStateDAO) (*task.Task, error) {
	var deps []string
	if row.DependsOn != "" {
		if err := json.Unmarshal([]byte(row.DependsOn), &deps); err != nil {
			return nil, fmt.Errorf("解析依赖失败: Task=%s, Error=%w", row.TaskID, err)
		}
	}
	return &task.Task{
		RunID:      row.RunID,
		ID:         row.TaskID,
		DependsOn:  deps,
		Status:     task.Status(row.Status),
		Attempts:   row.Attempts,
		Cursor:     row.Cursor,
		ChunksDone: row.ChunksDone,
		RowsLoaded: row.RowsLoaded,
		LastError:  row.LastError.String,
		NotBefore:  row.NotBefore.Time,
		QueuedAt:   row.QueuedAt,
		StartedAt:  row.StartedAt.Time,
		FinishedAt: row.FinishedAt.Time,
		UpdatedAt:  row.UpdatedAt,
	}, nil
}

func runFromDAO(row *dao.RunDAO) (*storage.Run, error) {
	run := &storage.Run{
		ID:         row.ID,
		Pipeline:   row.Pipeline,
		Status:     storage.RunStatus(row.Status),
		Error:      row.Error.String,
		CreatedAt:  row.CreatedAt,
		FinishedAt: row.FinishedAt.Time,
	}
	if row.Snapshot.Valid && row.Snapshot.String != "" {
		if err := json.Unmarshal([]byte(row.Snapshot.String), &run.Snapshot); err != nil {
			return nil, fmt.Errorf("解析Run快照失败: %w", err)
		}
	}
	return run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ storage.StateStore = (*StateStore)(nil)
