// Package warehouse 基于SQL仓库的Sink实现
// 分块先以gzip CSV暂存到对象存储，再在单个事务内按批次替换加载
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/LENAX/el-engine/pkg/connector/objectstore"
	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
	"github.com/jmoiron/sqlx"
)

// 加载时追加到目标表的列
const (
	BatchColumn    = "_el_batch"
	LoadDateColumn = "load_date"
	defaultSchema  = "default"
)

// Batch 一个待加载的批次
type Batch struct {
	Target   connector.TargetTable
	Name     string // <runID>:<seq>
	Seq      int
	Mode     connector.LoadMode
	Columns  []string
	Rows     [][]any
	LoadDate time.Time
}

// BatchLoader 在单个事务内将批次写入目标表（对外导出）
// 重复加载同一批次结果不变
type BatchLoader interface {
	LoadBatch(ctx context.Context, b Batch) error
	// IsUnavailable 判断错误是否为连接中断等暂时性错误
	IsUnavailable(err error) bool
}

// Sink SQL仓库连接器（对外导出）
type Sink struct {
	db      *sqlx.DB
	dialect storage.Dialect
	store   objectstore.Store
	loader  BatchLoader
	now     func() time.Time
}

// NewSink 创建仓库连接器，默认使用sqlx逐行插入加载
func NewSink(db *sqlx.DB, dialect storage.Dialect, store objectstore.Store) *Sink {
	return &Sink{
		db:      db,
		dialect: dialect,
		store:   store,
		loader:  &sqlLoader{db: db, dialect: dialect},
		now:     time.Now,
	}
}

// Open 打开仓库连接并创建Sink
func Open(dialect storage.Dialect, dsn string, store objectstore.Store) (*Sink, error) {
	db, err := sqlx.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("打开仓库失败: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("仓库连接失败: %w", err)
	}
	return NewSink(db, dialect, store), nil
}

// WithLoader 替换批次加载器（如PostgreSQL COPY）
func (s *Sink) WithLoader(loader BatchLoader) *Sink {
	if loader != nil {
		s.loader = loader
	}
	return s
}

// WithClock 替换时钟（测试使用）
func (s *Sink) WithClock(now func() time.Time) *Sink {
	s.now = now
	return s
}

// DB 返回仓库连接
func (s *Sink) DB() *sqlx.DB {
	return s.db
}

// Store 返回暂存对象存储
func (s *Sink) Store() objectstore.Store {
	return s.store
}

// Close 关闭仓库连接
func (s *Sink) Close() error {
	if c, ok := s.loader.(interface{ Close() }); ok {
		c.Close()
	}
	return s.db.Close()
}

// StageKey 返回分块的暂存键 <schema>/<table>/<runID>/<table>_c<seq>.csv.gz
func StageKey(target connector.TargetTable, runID string, seq int) string {
	return objectstore.JoinKey(stagePrefix(target, runID), fmt.Sprintf("%s_c%06d.csv.gz", target.Name, seq))
}

func stagePrefix(target connector.TargetTable, runID string) string {
	schema := target.Schema
	if schema == "" {
		schema = defaultSchema
	}
	return objectstore.JoinKey(schema, target.Name, runID)
}

// StageChunk 编码并写入暂存对象，同一RunID与序号覆盖写
func (s *Sink) StageChunk(ctx context.Context, req connector.StageRequest) (connector.StagedLocation, error) {
	data, err := EncodeCSVGzip(req.Columns, req.Rows)
	if err != nil {
		return connector.StagedLocation{}, &connector.LoadError{Table: req.Target.URI(), Permanent: true, Err: err}
	}
	key := StageKey(req.Target, req.RunID, req.Seq)
	if err := s.store.Put(ctx, key, data); err != nil {
		return connector.StagedLocation{}, &connector.LoadError{Table: req.Target.URI(), Err: fmt.Errorf("写入暂存对象失败: %w", err)}
	}
	return connector.StagedLocation{
		Key:   key,
		Batch: fmt.Sprintf("%s:%d", req.RunID, req.Seq),
		Seq:   req.Seq,
		Rows:  len(req.Rows),
	}, nil
}

// LoadStaged 读取暂存对象并按加载模式写入目标表
func (s *Sink) LoadStaged(ctx context.Context, loc connector.StagedLocation, target connector.TargetTable, mode connector.LoadMode) error {
	data, err := s.store.Get(ctx, loc.Key)
	if err != nil {
		return &connector.LoadError{Table: target.URI(), Err: fmt.Errorf("读取暂存对象%s失败: %w", loc.Key, err)}
	}
	columns, rows, err := DecodeCSVGzip(data)
	if err != nil {
		return &connector.LoadError{Table: target.URI(), Permanent: true, Err: err}
	}
	if len(target.Columns) == len(columns) {
		columns = target.Columns
	}
	if mode == connector.ModeUpsert && len(target.PrimaryKey) == 0 {
		return &connector.LoadError{Table: target.URI(), Permanent: true, Err: errors.New("upsert模式需要主键")}
	}

	err = s.loader.LoadBatch(ctx, Batch{
		Target:   target,
		Name:     loc.Batch,
		Seq:      loc.Seq,
		Mode:     mode,
		Columns:  columns,
		Rows:     rows,
		LoadDate: s.now().UTC(),
	})
	if err != nil {
		return s.classify(ctx, target, err)
	}
	return nil
}

func (s *Sink) classify(ctx context.Context, target connector.TargetTable, err error) error {
	var le *connector.LoadError
	if errors.As(err, &le) {
		return le
	}
	transient := ctx.Err() != nil ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, sql.ErrConnDone) ||
		s.loader.IsUnavailable(err)
	if !transient {
		log.Printf("❌ [Warehouse] Task %s/%s 加载%s失败(不可重试): %v", task.GetRunID(ctx), task.GetTaskID(ctx), target.URI(), err)
	}
	return &connector.LoadError{Table: target.URI(), Permanent: !transient, Err: err}
}

// ClearStage 删除本次Run下该表的全部暂存对象
func (s *Sink) ClearStage(ctx context.Context, target connector.TargetTable, runID string) error {
	prefix := stagePrefix(target, runID) + "/"
	if err := s.store.DeletePrefix(ctx, prefix); err != nil {
		return fmt.Errorf("清理暂存区失败: %w", err)
	}
	if id := task.GetTaskID(ctx); id != "" {
		log.Printf("🧹 [Warehouse] Task %s 已清理暂存区: %s", id, prefix)
	}
	return nil
}

// MaxTimestamp 读取目标表增量字段的最大值，空表返回空字符串
func (s *Sink) MaxTimestamp(ctx context.Context, target connector.TargetTable, field string) (string, error) {
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", s.dialect.QuoteIdent(field), tableName(s.dialect, target))
	var latest sql.NullString
	if err := s.db.QueryRowxContext(ctx, query).Scan(&latest); err != nil {
		return "", fmt.Errorf("查询%s最大值失败: %w", field, err)
	}
	return latest.String, nil
}

// CreateTable 创建目标表（列均为文本类型，并追加批次列与加载时间列）
func (s *Sink) CreateTable(ctx context.Context, target connector.TargetTable, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("目标表%s未定义列", target.URI())
	}
	if target.Schema != "" && s.dialect.Name() != "sqlite" {
		if _, err := s.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+s.dialect.QuoteIdent(target.Schema)); err != nil {
			return fmt.Errorf("创建schema %s 失败: %w", target.Schema, err)
		}
	}
	defs := make([]string, 0, len(columns)+3)
	for _, col := range columns {
		defs = append(defs, fmt.Sprintf("%s %s", s.dialect.QuoteIdent(col), s.dialect.TextType()))
	}
	defs = append(defs,
		fmt.Sprintf("%s %s", s.dialect.QuoteIdent(BatchColumn), s.dialect.TextType()),
		fmt.Sprintf("%s %s", s.dialect.QuoteIdent(LoadDateColumn), s.dialect.TimestampType()),
	)
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", tableName(s.dialect, target), strings.Join(defs, ",\n\t"))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("创建目标表%s失败: %w", target.URI(), err)
	}
	log.Printf("✅ [Warehouse] 已创建目标表: %s", target.URI())
	return nil
}

func tableName(d storage.Dialect, target connector.TargetTable) string {
	if target.Schema == "" {
		return d.QuoteIdent(target.Name)
	}
	return d.QuoteIdent(target.Schema) + "." + d.QuoteIdent(target.Name)
}

// 确保实现接口
var _ connector.Sink = (*Sink)(nil)
