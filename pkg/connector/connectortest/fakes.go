// Package connectortest 提供内存版Source/Sink，供引擎与执行器测试使用
package connectortest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/LENAX/el-engine/pkg/connector"
)

// Source 内存数据源：每张表由若干分块组成，游标为分块下标
type Source struct {
	mu      sync.Mutex
	tables  map[string][][][]any
	errs    map[string]error // 表名 -> 抽取时返回的错误
	failN   map[string]int   // 表名 -> 剩余的失败次数（配合errs）
	calls   map[string]int
	onChunk func(table string) // 每次抽取时回调（用于推进假时钟或统计并发）
	opened  atomic.Int32
}

// NewSource 创建内存数据源
func NewSource() *Source {
	return &Source{
		tables: make(map[string][][][]any),
		errs:   make(map[string]error),
		failN:  make(map[string]int),
		calls:  make(map[string]int),
	}
}

// AddTable 添加一张由n个分块组成的表，每块rowsPerChunk行
func (s *Source) AddTable(name string, chunks, rowsPerChunk int) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make([][][]any, chunks)
	id := 0
	for c := 0; c < chunks; c++ {
		rows := make([][]any, rowsPerChunk)
		for r := range rows {
			rows[r] = []any{id, fmt.Sprintf("%s-%d", name, id)}
			id++
		}
		data[c] = rows
	}
	s.tables[name] = data
	return s
}

// FailWith 使某张表的抽取返回指定错误，nil表示恢复
func (s *Source) FailWith(name string, err error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failN, name)
	if err == nil {
		delete(s.errs, name)
	} else {
		s.errs[name] = err
	}
	return s
}

// FailTimes 使某张表的前n次抽取返回指定错误
func (s *Source) FailTimes(name string, n int, err error) *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[name] = err
	s.failN[name] = n
	return s
}

// OnChunk 设置抽取回调
func (s *Source) OnChunk(fn func(table string)) *Source {
	s.onChunk = fn
	return s
}

// Calls 返回某张表的抽取次数
func (s *Source) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// Open 实现connector.Source
func (s *Source) Open(ctx context.Context) error {
	s.opened.Add(1)
	return nil
}

// ExtractChunk 实现connector.Source，cursor为分块下标
func (s *Source) ExtractChunk(ctx context.Context, spec connector.TableSpec, cursor string, chunkSize int, opts connector.ExtractOptions) (connector.Chunk, error) {
	if s.onChunk != nil {
		s.onChunk(spec.SourceTable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[spec.SourceTable]++
	if err := s.errs[spec.SourceTable]; err != nil {
		if n, limited := s.failN[spec.SourceTable]; limited {
			if n <= 1 {
				delete(s.errs, spec.SourceTable)
				delete(s.failN, spec.SourceTable)
			} else {
				s.failN[spec.SourceTable] = n - 1
			}
		}
		return connector.Chunk{}, err
	}
	data, ok := s.tables[spec.SourceTable]
	if !ok {
		return connector.Chunk{}, fmt.Errorf("表不存在: %s", spec.SourceTable)
	}
	idx := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return connector.Chunk{}, fmt.Errorf("游标无效: %s", cursor)
		}
		idx = n
	}
	next := strconv.Itoa(idx + 1)
	if idx >= len(data) {
		return connector.Chunk{Columns: []string{"id", "name"}, Next: cursor, Done: true}, nil
	}
	return connector.Chunk{
		Columns: []string{"id", "name"},
		Rows:    data[idx],
		Next:    next,
		Done:    idx+1 >= len(data),
	}, nil
}

// Close 实现connector.Source
func (s *Source) Close() error {
	return nil
}

// Load 一次成功的加载记录
type Load struct {
	Table string
	Batch string
	Seq   int
	Rows  int
	Mode  connector.LoadMode
}

// Sink 内存仓库：按批次替换，重复加载同一批次不会重复计数
type Sink struct {
	mu        sync.Mutex
	staged    map[string][][]any
	batches   map[string]map[string]int // 表 -> 批次 -> 行数
	loads     []Load
	loadErr   map[string]error
	cleared   []string
	watermark map[string]string
}

// NewSink 创建内存仓库
func NewSink() *Sink {
	return &Sink{
		staged:    make(map[string][][]any),
		batches:   make(map[string]map[string]int),
		loadErr:   make(map[string]error),
		watermark: make(map[string]string),
	}
}

// FailLoad 使某张目标表加载失败，nil表示恢复
func (s *Sink) FailLoad(table string, err error) *Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.loadErr, table)
	} else {
		s.loadErr[table] = err
	}
	return s
}

// SetMaxTimestamp 设置MaxTimestamp返回值
func (s *Sink) SetMaxTimestamp(table, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark[table] = value
}

// StageChunk 实现connector.Sink
func (s *Sink) StageChunk(ctx context.Context, req connector.StageRequest) (connector.StagedLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s/%s/c%06d", req.Target.URI(), req.RunID, req.Seq)
	s.staged[key] = req.Rows
	return connector.StagedLocation{
		Key:   key,
		Batch: fmt.Sprintf("%s:%d", req.RunID, req.Seq),
		Seq:   req.Seq,
		Rows:  len(req.Rows),
	}, nil
}

// LoadStaged 实现connector.Sink
func (s *Sink) LoadStaged(ctx context.Context, loc connector.StagedLocation, target connector.TargetTable, mode connector.LoadMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadErr[target.URI()]; err != nil {
		return err
	}
	rows, ok := s.staged[loc.Key]
	if !ok {
		return &connector.LoadError{Table: target.URI(), Err: fmt.Errorf("暂存对象不存在: %s", loc.Key)}
	}
	if mode == connector.ModeReplace && loc.Seq == 0 {
		s.batches[target.URI()] = make(map[string]int)
	}
	if s.batches[target.URI()] == nil {
		s.batches[target.URI()] = make(map[string]int)
	}
	s.batches[target.URI()][loc.Batch] = len(rows)
	s.loads = append(s.loads, Load{Table: target.URI(), Batch: loc.Batch, Seq: loc.Seq, Rows: len(rows), Mode: mode})
	return nil
}

// ClearStage 实现connector.Sink
func (s *Sink) ClearStage(ctx context.Context, target connector.TargetTable, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, target.URI()+"/"+runID)
	return nil
}

// MaxTimestamp 实现connector.Sink
func (s *Sink) MaxTimestamp(ctx context.Context, target connector.TargetTable, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark[target.URI()], nil
}

// Loads 返回全部加载记录
func (s *Sink) Loads() []Load {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Load(nil), s.loads...)
}

// RowCount 返回目标表当前行数（批次去重后）
func (s *Sink) RowCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.batches[table] {
		total += n
	}
	return total
}

// Cleared 返回ClearStage调用记录
func (s *Sink) Cleared() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cleared...)
}

var (
	_ connector.Source = (*Source)(nil)
	_ connector.Sink   = (*Sink)(nil)
)
