package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
)

// ResultKind 一次调用的结果类别
type ResultKind string

const (
	// Completed 数据源已读完，Task已置为succeeded
	Completed ResultKind = "completed"
	// NeedsResume 时间预算用尽，Task已置为checkpointed
	NeedsResume ResultKind = "needs-resume"
	// Failed 本次调用失败，由调用方按重试策略处理
	Failed ResultKind = "failed"
)

// DefaultChunkSize TableSpec未指定ChunkSize时的默认值
const DefaultChunkSize = 10000

// Result 一次Executor调用的结果（对外导出）
type Result struct {
	Kind   ResultKind
	Cursor string
	Err    error
	Task   *task.Task // 最近一次成功写入存储后的Task
	Chunks int        // 本次调用处理的分块数
	Rows   int64      // 本次调用加载的行数
}

// Executor 对单个Task执行“抽取-暂存-加载”分块循环（对外导出）
type Executor struct {
	store     storage.StateStore
	sources   *connector.Registry
	sink      connector.Sink
	chunkSize int
	now       func() time.Time
}

// NewExecutor 创建执行器
func NewExecutor(store storage.StateStore, sources *connector.Registry, sink connector.Sink) *Executor {
	return &Executor{
		store:     store,
		sources:   sources,
		sink:      sink,
		chunkSize: DefaultChunkSize,
		now:       time.Now,
	}
}

// WithClock 替换时钟（测试使用）
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// WithChunkSize 设置默认分块大小
func (e *Executor) WithChunkSize(n int) *Executor {
	if n > 0 {
		e.chunkSize = n
	}
	return e
}

// Run 从t.Cursor开始执行，直到读完或时间预算不足以再处理一个分块
// 调用前Task必须已被认领为running；budget<=0表示不限时
// 失败时不修改Task状态，由调用方决定重试或放弃
func (e *Executor) Run(ctx context.Context, t *task.Task, spec connector.TableSpec, budget time.Duration) Result {
	ctx = task.WithTask(ctx, t)
	if t.Status != task.StatusRunning {
		return failed(t, t.Cursor, task.Permanent("execute", fmt.Errorf("Task %s 状态为%s，未被认领", t.ID, t.Status)))
	}

	src, err := e.sources.Source(spec.Source)
	if err != nil {
		return failed(t, t.Cursor, task.Permanent("resolve source", err))
	}
	if err := src.Open(ctx); err != nil {
		return failed(t, t.Cursor, task.Transient("open source", err))
	}

	// 全新开始时清理本次Run遗留的暂存对象
	if t.Cursor == "" && t.ChunksDone == 0 {
		if err := e.sink.ClearStage(ctx, spec.Target, t.RunID); err != nil {
			return failed(t, t.Cursor, task.Transient("clear stage", err))
		}
	}

	opts := connector.ExtractOptions{}
	if spec.TimestampField != "" {
		since, err := e.store.GetWatermark(ctx, spec.Target.URI())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return failed(t, t.Cursor, task.Transient("read watermark", err))
		}
		opts.Since = since
	}

	chunkSize := spec.ChunkSize
	if chunkSize <= 0 {
		chunkSize = e.chunkSize
	}

	current := t
	cursor := t.Cursor
	seq := t.ChunksDone
	rows := t.RowsLoaded
	start := e.now()
	res := Result{}

	for {
		if err := ctx.Err(); err != nil {
			// 仅在分块边界让出，已完成的分块已持久化
			return withProgress(failed(current, cursor, task.Transient("execute", err)), res)
		}

		chunk, err := src.ExtractChunk(ctx, spec, cursor, chunkSize, opts)
		if err != nil {
			return withProgress(failed(current, cursor, classifyExtract(err)), res)
		}
		if len(chunk.Rows) == 0 && !chunk.Done && chunk.Next == cursor {
			return withProgress(failed(current, cursor, task.Permanent("extract", fmt.Errorf("游标未前进: %q", cursor))), res)
		}

		if len(chunk.Rows) > 0 {
			loc, err := e.sink.StageChunk(ctx, connector.StageRequest{
				RunID:   t.RunID,
				Target:  spec.Target,
				Seq:     seq,
				Columns: chunk.Columns,
				Rows:    chunk.Rows,
			})
			if err != nil {
				return withProgress(failed(current, cursor, task.Transient("stage", err)), res)
			}
			if err := e.sink.LoadStaged(ctx, loc, spec.Target, spec.Mode); err != nil {
				return withProgress(failed(current, cursor, classifyLoad(err)), res)
			}
			seq++
			rows += int64(len(chunk.Rows))
			res.Rows += int64(len(chunk.Rows))
		}
		res.Chunks++
		cursor = chunk.Next

		if chunk.Done {
			return e.complete(ctx, current, spec, seq, rows, res)
		}

		updated, err := e.store.TryTransition(ctx, t.RunID, t.ID, task.StatusRunning, task.StatusRunning, storage.Patch{
			Cursor:     storage.Ptr(cursor),
			ChunksDone: storage.Ptr(seq),
			RowsLoaded: storage.Ptr(rows),
		})
		if err != nil {
			return withProgress(failed(current, cursor, err), res)
		}
		current = updated

		if budget > 0 {
			elapsed := e.now().Sub(start)
			avg := elapsed / time.Duration(res.Chunks)
			if elapsed+avg > budget {
				return e.checkpoint(ctx, current, cursor, res)
			}
		}
	}
}

func (e *Executor) checkpoint(ctx context.Context, t *task.Task, cursor string, res Result) Result {
	updated, err := e.store.TryTransition(ctx, t.RunID, t.ID, task.StatusRunning, task.StatusCheckpointed, storage.Patch{
		Cursor: storage.Ptr(cursor),
	})
	if err != nil {
		return withProgress(failed(t, cursor, err), res)
	}
	log.Printf("⏸️ [Executor] Task %s/%s 预算用尽，检查点 cursor=%s (本次%d块)", t.RunID, t.ID, cursor, res.Chunks)
	res.Kind = NeedsResume
	res.Cursor = cursor
	res.Task = updated
	return res
}

func (e *Executor) complete(ctx context.Context, t *task.Task, spec connector.TableSpec, seq int, rows int64, res Result) Result {
	if spec.TimestampField != "" {
		mark, err := e.sink.MaxTimestamp(ctx, spec.Target, spec.TimestampField)
		if err != nil {
			return withProgress(failed(t, t.Cursor, task.Transient("read max timestamp", err)), res)
		}
		if mark != "" {
			if err := e.store.SetWatermark(ctx, spec.Target.URI(), mark); err != nil {
				return withProgress(failed(t, t.Cursor, task.Transient("set watermark", err)), res)
			}
		}
	}
	updated, err := e.store.TryTransition(ctx, t.RunID, t.ID, task.StatusRunning, task.StatusSucceeded, storage.Patch{
		Cursor:     storage.Ptr(task.CursorEnd),
		ChunksDone: storage.Ptr(seq),
		RowsLoaded: storage.Ptr(rows),
		LastError:  storage.Ptr(""),
		FinishedAt: storage.Ptr(e.now()),
	})
	if err != nil {
		return withProgress(failed(t, t.Cursor, err), res)
	}
	log.Printf("✅ [Executor] Task %s/%s 完成: %d块, %d行", t.RunID, t.ID, seq, rows)
	res.Kind = Completed
	res.Cursor = task.CursorEnd
	res.Task = updated
	return res
}

func failed(t *task.Task, cursor string, err error) Result {
	return Result{Kind: Failed, Cursor: cursor, Err: err, Task: t}
}

func withProgress(r Result, progress Result) Result {
	r.Chunks = progress.Chunks
	r.Rows = progress.Rows
	return r
}

func classifyExtract(err error) error {
	var te *task.TaskError
	if errors.As(err, &te) {
		return err
	}
	return task.Transient("extract", err)
}

func classifyLoad(err error) error {
	var le *connector.LoadError
	if errors.As(err, &le) && le.Permanent {
		return task.Permanent("load", err)
	}
	var te *task.TaskError
	if errors.As(err, &te) {
		return err
	}
	return task.Transient("load", err)
}
