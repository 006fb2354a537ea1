package connector

import (
	"context"
	"fmt"
)

// LoadMode 加载模式
type LoadMode string

const (
	// ModeReplace 首个分块清空目标表，之后按批次替换
	ModeReplace LoadMode = "replace"
	// ModeAppend 按批次替换追加
	ModeAppend LoadMode = "append"
	// ModeUpsert 按主键删除后插入
	ModeUpsert LoadMode = "upsert"
)

// IsValid 检查加载模式是否有效
func (m LoadMode) IsValid() bool {
	return m == ModeReplace || m == ModeAppend || m == ModeUpsert
}

// TableSpec 单张表的抽取-加载定义（由配置解析得到）
type TableSpec struct {
	TaskID         string
	Source         string   // 数据源名称，对应Registry中的注册项
	SourceTable    string   // 源表名（可带schema前缀）
	Query          string   // 自定义查询，优先于SourceTable
	Columns        []string // 空表示全部列
	OrderBy        []string // 分页排序键，保证分块确定
	TimestampField string   // 增量字段，配合水位使用
	ChunkSize      int
	Target         TargetTable
	Mode           LoadMode
}

// TargetTable 仓库中的目标表
type TargetTable struct {
	Schema     string
	Name       string
	Columns    []string
	PrimaryKey []string
}

// URI 返回 schema.table 形式的目标表名
func (t TargetTable) URI() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// ExtractOptions 单次抽取的附加条件
type ExtractOptions struct {
	Since string // 水位：仅抽取TimestampField大于该值的行
}

// Chunk 一次抽取得到的数据块
type Chunk struct {
	Columns []string
	Rows    [][]any
	Next    string // 下一块的游标
	Done    bool   // 数据源已读完（本块可能仍有数据）
}

// Source 数据源连接器（对外导出）
// 凭证与网络由连接器自行解决，核心只关心分块抽取
type Source interface {
	// Open 建立连接（可重复调用）
	Open(ctx context.Context) error
	// ExtractChunk 从cursor开始抽取至多chunkSize行
	ExtractChunk(ctx context.Context, spec TableSpec, cursor string, chunkSize int, opts ExtractOptions) (Chunk, error)
	Close() error
}

// StageRequest 暂存请求
type StageRequest struct {
	RunID   string
	Target  TargetTable
	Seq     int // 分块序号，与RunID一起决定暂存键
	Columns []string
	Rows    [][]any
}

// StagedLocation 暂存位置
type StagedLocation struct {
	Key   string
	Batch string // <runID>:<seq>，用于按批次替换
	Seq   int
	Rows  int
}

// Sink 仓库连接器（对外导出）
// 对同一分块的重复加载必须幂等
type Sink interface {
	StageChunk(ctx context.Context, req StageRequest) (StagedLocation, error)
	LoadStaged(ctx context.Context, loc StagedLocation, target TargetTable, mode LoadMode) error
	// ClearStage 删除某次Run下该表的全部暂存对象
	ClearStage(ctx context.Context, target TargetTable, runID string) error
	// MaxTimestamp 读取目标表中增量字段的最大值
	MaxTimestamp(ctx context.Context, target TargetTable, field string) (string, error)
}

// LoadError 仓库加载失败（对外导出）
// 默认视为可重试，除非连接器明确标记为永久错误
type LoadError struct {
	Table     string
	Permanent bool
	Err       error
}

func (e *LoadError) Error() string {
	kind := "可重试"
	if e.Permanent {
		kind = "永久"
	}
	return fmt.Sprintf("加载%s失败(%s): %v", e.Table, kind, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
