// Package sqlsource 基于sqlx的关系型数据源连接器
// 游标为已读取的行偏移量，分页依赖确定的排序键
package sqlsource

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
	"github.com/jmoiron/sqlx"
)

// Source SQL数据源（对外导出）
type Source struct {
	name    string
	dialect storage.Dialect
	dsn     string

	mu sync.Mutex
	db *sqlx.DB
}

// New 创建数据源，连接在Open时建立
func New(name string, dialect storage.Dialect, dsn string) *Source {
	return &Source{name: name, dialect: dialect, dsn: dsn}
}

// NewWithDB 使用已有连接创建数据源
func NewWithDB(name string, db *sqlx.DB, dialect storage.Dialect) *Source {
	return &Source{name: name, dialect: dialect, db: db}
}

// Name 返回数据源名称
func (s *Source) Name() string {
	return s.name
}

// Open 建立连接，已连接时直接返回
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := sqlx.Open(s.dialect.DriverName(), s.dsn)
	if err != nil {
		return task.Permanent("open", fmt.Errorf("打开数据源%s失败: %w", s.name, err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return task.Transient("open", fmt.Errorf("数据源%s连接失败: %w", s.name, err))
	}
	s.db = db
	log.Printf("✅ [SQLSource] 已连接数据源: %s (%s)", s.name, s.dialect.Name())
	return nil
}

// Close 关闭连接
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Source) conn() (*sqlx.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("数据源%s未连接", s.name)
	}
	return s.db, nil
}

// ExtractChunk 从偏移量cursor开始读取至多chunkSize行
func (s *Source) ExtractChunk(ctx context.Context, spec connector.TableSpec, cursor string, chunkSize int, opts connector.ExtractOptions) (connector.Chunk, error) {
	db, err := s.conn()
	if err != nil {
		return connector.Chunk{}, task.Transient("extract", err)
	}
	offset := 0
	if cursor != "" {
		if offset, err = strconv.Atoi(cursor); err != nil || offset < 0 {
			return connector.Chunk{}, task.Permanent("extract", fmt.Errorf("游标无效: %q", cursor))
		}
	}
	query, args, err := s.BuildQuery(spec, opts)
	if err != nil {
		return connector.Chunk{}, task.Permanent("extract", err)
	}
	query = db.Rebind(query + " LIMIT ? OFFSET ?")
	args = append(args, chunkSize, offset)

	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		return connector.Chunk{}, s.classify(ctx, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return connector.Chunk{}, s.classify(ctx, err)
	}
	chunk := connector.Chunk{Columns: columns}
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return connector.Chunk{}, s.classify(ctx, err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		chunk.Rows = append(chunk.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return connector.Chunk{}, s.classify(ctx, err)
	}

	n := len(chunk.Rows)
	chunk.Next = strconv.Itoa(offset + n)
	chunk.Done = n < chunkSize
	return chunk, nil
}

// BuildQuery 生成不含分页子句的抽取语句
func (s *Source) BuildQuery(spec connector.TableSpec, opts connector.ExtractOptions) (string, []any, error) {
	selectCols := "*"
	if len(spec.Columns) > 0 {
		quoted := make([]string, len(spec.Columns))
		for i, col := range spec.Columns {
			quoted[i] = s.dialect.QuoteIdent(col)
		}
		selectCols = strings.Join(quoted, ", ")
	}

	var from string
	switch {
	case spec.Query != "":
		from = "(" + strings.TrimRight(strings.TrimSpace(spec.Query), ";") + ") el_src"
	case spec.SourceTable != "":
		from = s.quotePath(spec.SourceTable)
	default:
		return "", nil, fmt.Errorf("表%s未指定源表或查询", spec.TaskID)
	}

	orderBy := spec.OrderBy
	if len(orderBy) == 0 {
		orderBy = spec.Target.PrimaryKey
	}
	if len(orderBy) == 0 && spec.TimestampField != "" {
		orderBy = []string{spec.TimestampField}
	}
	if len(orderBy) == 0 {
		return "", nil, fmt.Errorf("表%s缺少排序键(order_by/primary_key/timestamp_field)，无法确定分块", spec.TaskID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", selectCols, from)
	var args []any
	if opts.Since != "" && spec.TimestampField != "" {
		fmt.Fprintf(&b, " WHERE %s > ?", s.dialect.QuoteIdent(spec.TimestampField))
		args = append(args, opts.Since)
	}
	quoted := make([]string, len(orderBy))
	for i, col := range orderBy {
		quoted[i] = s.dialect.QuoteIdent(col)
	}
	fmt.Fprintf(&b, " ORDER BY %s", strings.Join(quoted, ", "))
	return b.String(), args, nil
}

func (s *Source) quotePath(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = s.dialect.QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// classify 连接类错误可重试，SQL错误视为永久错误
func (s *Source) classify(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case ctx.Err() != nil,
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.As(err, &netErr),
		s.dialect.IsUnavailable(err):
		return task.Transient("extract", err)
	}
	return task.Permanent("extract", err)
}

// 确保实现接口
var _ connector.Source = (*Source)(nil)
