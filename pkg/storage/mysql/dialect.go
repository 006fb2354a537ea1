package mysql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/LENAX/el-engine/pkg/storage"
	gomysql "github.com/go-sql-driver/mysql"
)

// MySQLDialect MySQL方言实现（对外导出）
type MySQLDialect struct{}

// NewMySQLDialect 创建MySQL方言实例
func NewMySQLDialect() *MySQLDialect {
	return &MySQLDialect{}
}

// Name 返回方言名称
func (d *MySQLDialect) Name() string {
	return "mysql"
}

// DriverName 返回驱动名
func (d *MySQLDialect) DriverName() string {
	return "mysql"
}

// InsertIgnoreSQL 返回MySQL的INSERT IGNORE语句
func (d *MySQLDialect) InsertIgnoreSQL(tableName string, columns []string) string {
	return fmt.Sprintf(
		"INSERT IGNORE INTO %s (%s) VALUES (%s)",
		tableName,
		strings.Join(columns, ", "),
		namedPlaceholders(columns),
	)
}

// UpsertSQL 返回MySQL的UPSERT语句（使用ON DUPLICATE KEY UPDATE）
func (d *MySQLDialect) UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string {
	updateParts := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updateParts[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		tableName,
		strings.Join(columns, ", "),
		namedPlaceholders(columns),
		strings.Join(updateParts, ", "),
	)
}

// CreateTableSQL 转换DDL为MySQL兼容格式
func (d *MySQLDialect) CreateTableSQL(schema string) string {
	result := schema
	result = strings.ReplaceAll(result, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGINT PRIMARY KEY AUTO_INCREMENT")
	// 微秒精度，保证每次更新updated_at都会改变行内容
	result = strings.ReplaceAll(result, "DATETIME", "DATETIME(6)")
	result = strings.ReplaceAll(result, "REAL", "DOUBLE")
	// TEXT上限64KB，快照等大字段使用LONGTEXT
	result = strings.ReplaceAll(result, " TEXT", " LONGTEXT")
	return result
}

// ConfigureDB 返回MySQL配置SQL
func (d *MySQLDialect) ConfigureDB() []string {
	return []string{
		"SET time_zone = '+00:00';",
	}
}

// QuoteIdent 使用反引号引用标识符
func (d *MySQLDialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// IsUnavailable 连接失效、锁等待超时、死锁、连接数已满视为暂时不可用
func (d *MySQLDialect) IsUnavailable(err error) bool {
	if errors.Is(err, gomysql.ErrInvalidConn) {
		return true
	}
	var me *gomysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1040, 1205, 1213:
			return true
		}
	}
	return false
}

// TextType 返回MySQL文本类型
func (d *MySQLDialect) TextType() string {
	return "LONGTEXT"
}

// TimestampType 返回MySQL时间戳类型
func (d *MySQLDialect) TimestampType() string {
	return "DATETIME(6)"
}

func namedPlaceholders(columns []string) string {
	named := make([]string, len(columns))
	for i, col := range columns {
		named[i] = ":" + col
	}
	return strings.Join(named, ", ")
}

// 确保实现接口
var _ storage.Dialect = (*MySQLDialect)(nil)
