package storage

// Dialect SQL方言接口（对外导出）
// 封装不同数据库的SQL语法差异
type Dialect interface {
	// Name 返回方言名称（如 "sqlite", "mysql", "postgres"）
	Name() string

	// DriverName 返回database/sql驱动名
	DriverName() string

	// InsertIgnoreSQL 返回主键冲突时忽略的INSERT语句（命名占位符 :col）
	InsertIgnoreSQL(tableName string, columns []string) string

	// UpsertSQL 返回INSERT或UPDATE的SQL语句（命名占位符 :col）
	// conflictColumn: 冲突判断列（通常是主键）
	// updateColumns: 需要更新的列（不含主键）
	UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string

	// CreateTableSQL 将通用DDL（SQLite写法）转换为本方言的DDL
	CreateTableSQL(schema string) string

	// ConfigureDB 连接建立后需要执行的配置语句
	ConfigureDB() []string

	// QuoteIdent 引用标识符
	QuoteIdent(name string) string

	// IsUnavailable 判断驱动错误是否属于连接/锁等暂时不可用
	IsUnavailable(err error) bool

	// TextType 返回文本类型
	TextType() string

	// TimestampType 返回时间戳类型
	TimestampType() string
}
