package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/LENAX/el-engine/pkg/storage"
	"github.com/jmoiron/sqlx"
)

// sqlLoader 通过sqlx预编译语句逐行插入
type sqlLoader struct {
	db      *sqlx.DB
	dialect storage.Dialect
}

func (l *sqlLoader) IsUnavailable(err error) bool {
	return l.dialect.IsUnavailable(err)
}

func (l *sqlLoader) LoadBatch(ctx context.Context, b Batch) error {
	table := tableName(l.dialect, b.Target)

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	if err := l.clear(ctx, tx, table, b); err != nil {
		return err
	}

	columns := append(append([]string{}, b.Columns...), BatchColumn, LoadDateColumn)
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = l.dialect.QuoteIdent(col)
	}
	insert := tx.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(quoted, ", "), placeholders(len(columns))))
	stmt, err := tx.PreparexContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("预编译插入语句失败: %w", err)
	}
	defer stmt.Close()

	for i, row := range b.Rows {
		args := append(append(make([]any, 0, len(columns)), row...), b.Name, b.LoadDate)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("插入第%d行失败: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// clear 删除批次即将覆盖的行
func (l *sqlLoader) clear(ctx context.Context, tx *sqlx.Tx, table string, b Batch) error {
	if b.Mode == connector.ModeReplace && b.Seq == 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("清空目标表失败: %w", err)
		}
		return nil
	}
	if b.Mode == connector.ModeUpsert {
		return l.deleteByKey(ctx, tx, table, b)
	}
	query := tx.Rebind(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, l.dialect.QuoteIdent(BatchColumn)))
	if _, err := tx.ExecContext(ctx, query, b.Name); err != nil {
		return fmt.Errorf("删除批次%s失败: %w", b.Name, err)
	}
	return nil
}

func (l *sqlLoader) deleteByKey(ctx context.Context, tx *sqlx.Tx, table string, b Batch) error {
	idx, err := keyIndexes(b.Columns, b.Target.PrimaryKey)
	if err != nil {
		return &connector.LoadError{Table: b.Target.URI(), Permanent: true, Err: err}
	}
	conds := make([]string, len(b.Target.PrimaryKey))
	for i, col := range b.Target.PrimaryKey {
		conds[i] = l.dialect.QuoteIdent(col) + " = ?"
	}
	stmt, err := tx.PreparexContext(ctx, tx.Rebind(fmt.Sprintf("DELETE FROM %s WHERE %s", table, strings.Join(conds, " AND "))))
	if err != nil {
		return fmt.Errorf("预编译删除语句失败: %w", err)
	}
	defer stmt.Close()

	for _, row := range b.Rows {
		args := make([]any, len(idx))
		for i, j := range idx {
			args[i] = row[j]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("按主键删除失败: %w", err)
		}
	}
	return nil
}

func keyIndexes(columns, keys []string) ([]int, error) {
	pos := make(map[string]int, len(columns))
	for i, col := range columns {
		pos[col] = i
	}
	idx := make([]int, len(keys))
	for i, key := range keys {
		j, ok := pos[key]
		if !ok {
			return nil, fmt.Errorf("主键列%s不在分块列中", key)
		}
		idx[i] = j
	}
	return idx, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
