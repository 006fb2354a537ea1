package sqlite

import (
	"fmt"
	"strings"

	"github.com/LENAX/el-engine/pkg/storage/sqlstore"
)

// NewStateStoreFromDSN 通过DSN创建SQLite状态存储（对外导出）
// 忙等待参数写入DSN，使连接池中的每个连接都生效
func NewStateStoreFromDSN(dsn string) (*sqlstore.StateStore, error) {
	store, err := sqlstore.Open(NewSQLiteDialect(), withBusyTimeout(dsn))
	if err != nil {
		return nil, fmt.Errorf("创建SQLite状态存储失败: %w", err)
	}
	// SQLite单写者，串行化连接避免 database is locked
	store.GetDB().SetMaxOpenConns(1)
	return store, nil
}

func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=30000"
}
