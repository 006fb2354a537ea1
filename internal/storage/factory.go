package storage

import (
	"fmt"
	"time"

	"github.com/LENAX/el-engine/pkg/storage"
	"github.com/LENAX/el-engine/pkg/storage/memory"
	"github.com/LENAX/el-engine/pkg/storage/mysql"
	"github.com/LENAX/el-engine/pkg/storage/postgres"
	pkgsqlite "github.com/LENAX/el-engine/pkg/storage/sqlite"
	"github.com/LENAX/el-engine/pkg/storage/sqlstore"
)

// PoolConfig 连接池参数（内部使用）
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewStateStore 按数据库类型创建状态存储（内部方法）
// dbType: 数据库类型（sqlite/mysql/postgres/memory）
// dsn: 数据库连接字符串
func NewStateStore(dbType, dsn string, pool PoolConfig) (storage.StateStore, error) {
	var (
		store *sqlstore.StateStore
		err   error
	)
	switch dbType {
	case "memory":
		return memory.NewStateStore(), nil
	case "sqlite":
		store, err = pkgsqlite.NewStateStoreFromDSN(dsn)
	case "mysql":
		store, err = mysql.NewStateStoreFromDSN(dsn)
	case "postgres", "postgresql":
		store, err = postgres.NewStateStoreFromDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
	if err != nil {
		return nil, err
	}

	db := store.GetDB()
	// SQLite保持单连接
	if dbType != "sqlite" && pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
	return store, nil
}

// NewDialect 按数据库类型返回SQL方言（内部方法）
func NewDialect(dbType string) (storage.Dialect, error) {
	switch dbType {
	case "sqlite":
		return pkgsqlite.NewSQLiteDialect(), nil
	case "mysql":
		return mysql.NewMySQLDialect(), nil
	case "postgres", "postgresql":
		return postgres.NewPostgresDialect(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// NormalizeDSN 按方言规范化DSN（MySQL需要parseTime）
func NormalizeDSN(dbType, dsn string) (string, error) {
	if dbType == "mysql" {
		return mysql.NormalizeDSN(dsn)
	}
	return dsn, nil
}
