package postgres

import (
	"fmt"

	"github.com/LENAX/el-engine/pkg/storage/sqlstore"
)

// NewStateStoreFromDSN 通过DSN创建PostgreSQL状态存储（对外导出）
func NewStateStoreFromDSN(dsn string) (*sqlstore.StateStore, error) {
	store, err := sqlstore.Open(NewPostgresDialect(), dsn)
	if err != nil {
		return nil, fmt.Errorf("创建PostgreSQL状态存储失败: %w", err)
	}
	return store, nil
}
