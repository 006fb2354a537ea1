package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/LENAX/el-engine/pkg/storage"
	"github.com/lib/pq"
)

// PostgresDialect PostgreSQL方言实现（对外导出）
type PostgresDialect struct{}

// NewPostgresDialect 创建PostgreSQL方言实例
func NewPostgresDialect() *PostgresDialect {
	return &PostgresDialect{}
}

// Name 返回方言名称
func (d *PostgresDialect) Name() string {
	return "postgres"
}

// DriverName 返回驱动名（sqlx据此使用$1, $2, ...占位符）
func (d *PostgresDialect) DriverName() string {
	return "postgres"
}

// InsertIgnoreSQL 返回PostgreSQL的ON CONFLICT DO NOTHING语句
func (d *PostgresDialect) InsertIgnoreSQL(tableName string, columns []string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		tableName,
		strings.Join(columns, ", "),
		namedPlaceholders(columns),
	)
}

// UpsertSQL 返回PostgreSQL的UPSERT语句（使用ON CONFLICT DO UPDATE）
func (d *PostgresDialect) UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string {
	updateParts := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updateParts[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		tableName,
		strings.Join(columns, ", "),
		namedPlaceholders(columns),
		conflictColumn,
		strings.Join(updateParts, ", "),
	)
}

// CreateTableSQL 转换DDL为PostgreSQL兼容格式
func (d *PostgresDialect) CreateTableSQL(schema string) string {
	result := schema

	// 替换DATETIME为TIMESTAMP
	result = strings.ReplaceAll(result, "DATETIME", "TIMESTAMPTZ")

	// 替换REAL为DOUBLE PRECISION
	result = strings.ReplaceAll(result, "REAL", "DOUBLE PRECISION")

	// 替换INTEGER PRIMARY KEY为BIGSERIAL PRIMARY KEY（自增）
	result = strings.ReplaceAll(result, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")

	return result
}

// ConfigureDB 返回PostgreSQL配置SQL
func (d *PostgresDialect) ConfigureDB() []string {
	return []string{
		"SET timezone = 'UTC';",
	}
}

// QuoteIdent 使用双引号引用标识符
func (d *PostgresDialect) QuoteIdent(name string) string {
	return pq.QuoteIdentifier(name)
}

// IsUnavailable 连接异常(08)、序列化失败、连接数已满、库未就绪视为暂时不可用
func (d *PostgresDialect) IsUnavailable(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) {
		if pe.Code.Class() == "08" {
			return true
		}
		switch pe.Code {
		case "40001", "40P01", "53300", "57P03":
			return true
		}
	}
	return false
}

// TextType 返回PostgreSQL文本类型
func (d *PostgresDialect) TextType() string {
	return "TEXT"
}

// TimestampType 返回PostgreSQL时间戳类型
func (d *PostgresDialect) TimestampType() string {
	return "TIMESTAMPTZ"
}

func namedPlaceholders(columns []string) string {
	named := make([]string, len(columns))
	for i, col := range columns {
		named[i] = ":" + col
	}
	return strings.Join(named, ", ")
}

// 确保实现接口
var _ storage.Dialect = (*PostgresDialect)(nil)
