package mysql

import (
	"fmt"

	"github.com/LENAX/el-engine/pkg/storage/sqlstore"
	gomysql "github.com/go-sql-driver/mysql"
)

// NewStateStoreFromDSN 通过DSN创建MySQL状态存储（对外导出）
func NewStateStoreFromDSN(dsn string) (*sqlstore.StateStore, error) {
	normalized, err := NormalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	store, err := sqlstore.Open(NewMySQLDialect(), normalized)
	if err != nil {
		return nil, fmt.Errorf("创建MySQL状态存储失败: %w", err)
	}
	return store, nil
}

// NormalizeDSN 强制开启parseTime与clientFoundRows
// clientFoundRows使UPDATE返回匹配行数，比较-交换依赖该语义
func NormalizeDSN(dsn string) (string, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("解析MySQL DSN失败: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}
