package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGCopyLoader 使用PostgreSQL COPY协议批量加载（对外导出）
type PGCopyLoader struct {
	pool *pgxpool.Pool
}

// NewPGCopyLoader 创建连接池
func NewPGCopyLoader(ctx context.Context, dsn string) (*PGCopyLoader, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("创建pgx连接池失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PostgreSQL连接失败: %w", err)
	}
	return &PGCopyLoader{pool: pool}, nil
}

// Close 关闭连接池
func (l *PGCopyLoader) Close() {
	l.pool.Close()
}

// LoadBatch 在单个事务内删除批次覆盖的行并COPY写入
func (l *PGCopyLoader) LoadBatch(ctx context.Context, b Batch) error {
	ident := pgIdentifier(b.Target)
	table := ident.Sanitize()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback(ctx)

	switch {
	case b.Mode == connector.ModeReplace && b.Seq == 0:
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+table); err != nil {
			return fmt.Errorf("清空目标表失败: %w", err)
		}
	case b.Mode == connector.ModeUpsert:
		if err := deleteByKeyPG(ctx, tx, table, b); err != nil {
			return err
		}
	default:
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", table, pgx.Identifier{BatchColumn}.Sanitize())
		if _, err := tx.Exec(ctx, query, b.Name); err != nil {
			return fmt.Errorf("删除批次%s失败: %w", b.Name, err)
		}
	}

	columns := append(append([]string{}, b.Columns...), BatchColumn, LoadDateColumn)
	rows := make([][]any, len(b.Rows))
	for i, row := range b.Rows {
		rows[i] = append(append(make([]any, 0, len(columns)), row...), b.Name, b.LoadDate)
	}
	n, err := tx.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("COPY写入失败: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("COPY写入行数不一致: 期望%d, 实际%d", len(rows), n)
	}
	return tx.Commit(ctx)
}

// IsUnavailable 连接类错误、序列化冲突与可安全重试的错误视为暂时性错误
func (l *PGCopyLoader) IsUnavailable(err error) bool {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") ||
			pgErr.Code == "40001" || pgErr.Code == "40P01" ||
			pgErr.Code == "57P01" || pgErr.Code == "53300"
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

func deleteByKeyPG(ctx context.Context, tx pgx.Tx, table string, b Batch) error {
	idx, err := keyIndexes(b.Columns, b.Target.PrimaryKey)
	if err != nil {
		return &connector.LoadError{Table: b.Target.URI(), Permanent: true, Err: err}
	}
	conds := make([]string, len(b.Target.PrimaryKey))
	for i, col := range b.Target.PrimaryKey {
		conds[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), i+1)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", table, strings.Join(conds, " AND "))

	batch := &pgx.Batch{}
	for _, row := range b.Rows {
		args := make([]any, len(idx))
		for i, j := range idx {
			args[i] = row[j]
		}
		batch.Queue(query, args...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("按主键删除失败: %w", err)
	}
	return nil
}

func pgIdentifier(target connector.TargetTable) pgx.Identifier {
	if target.Schema == "" {
		return pgx.Identifier{target.Name}
	}
	return pgx.Identifier{target.Schema, target.Name}
}

// 确保实现接口
var _ BatchLoader = (*PGCopyLoader)(nil)
