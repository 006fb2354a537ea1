package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/LENAX/el-engine/pkg/connector/connectortest"
	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
	"github.com/LENAX/el-engine/pkg/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 每次抽取推进一秒
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *memory.StateStore
	source *connectortest.Source
	sink   *connectortest.Sink
	exec   *Executor
	clock  *fakeClock
	spec   connector.TableSpec
}

func setupExecutor(t *testing.T, chunks int) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	source := connectortest.NewSource().
		AddTable("orders", chunks, 5).
		OnChunk(func(string) { clock.Advance(time.Second) })
	sink := connectortest.NewSink()
	registry := connector.NewRegistry()
	require.NoError(t, registry.Register("crm", source))

	store := memory.NewStateStore()
	_, err := store.CreateRun(context.Background(), &storage.Run{ID: "r1", Pipeline: "p"}, []*task.Task{{ID: "orders"}})
	require.NoError(t, err)

	return &fixture{
		store:  store,
		source: source,
		sink:   sink,
		clock:  clock,
		exec:   NewExecutor(store, registry, sink).WithClock(clock.Now),
		spec: connector.TableSpec{
			TaskID:      "orders",
			Source:      "crm",
			SourceTable: "orders",
			Target:      connector.TargetTable{Schema: "dw", Name: "orders"},
			Mode:        connector.ModeAppend,
		},
	}
}

// claim 模拟协调者认领：ready/checkpointed -> running
func (f *fixture) claim(t *testing.T) *task.Task {
	t.Helper()
	ctx := context.Background()
	cur, err := f.store.Get(ctx, "r1", "orders")
	require.NoError(t, err)
	switch cur.Status {
	case task.StatusPending:
		_, err = f.store.TryTransition(ctx, "r1", "orders", task.StatusPending, task.StatusReady, storage.Patch{})
		require.NoError(t, err)
		fallthrough
	case task.StatusReady:
		cur, err = f.store.TryTransition(ctx, "r1", "orders", task.StatusReady, task.StatusRunning, storage.Patch{IncrementAttempts: true})
	case task.StatusCheckpointed:
		cur, err = f.store.TryTransition(ctx, "r1", "orders", task.StatusCheckpointed, task.StatusRunning, storage.Patch{})
	}
	require.NoError(t, err)
	return cur
}

func TestRun_ThreeChunksOneChunkBudget(t *testing.T) {
	f := setupExecutor(t, 3)
	budget := 1500 * time.Millisecond

	var statuses []task.Status
	var cursors []string
	for i := 0; i < 3; i++ {
		res := f.exec.Run(context.Background(), f.claim(t), f.spec, budget)
		require.NoError(t, res.Err)
		stored, err := f.store.Get(context.Background(), "r1", "orders")
		require.NoError(t, err)
		statuses = append(statuses, stored.Status)
		cursors = append(cursors, stored.Cursor)
	}

	assert.Equal(t, []task.Status{task.StatusCheckpointed, task.StatusCheckpointed, task.StatusSucceeded}, statuses)
	assert.Equal(t, []string{"1", "2", task.CursorEnd}, cursors)
	assert.Equal(t, 15, f.sink.RowCount("dw.orders"))
}

func TestRun_NChunksTakeNInvocations(t *testing.T) {
	for _, n := range []int{1, 2, 5, 8} {
		f := setupExecutor(t, n)
		invocations := 0
		for {
			invocations++
			res := f.exec.Run(context.Background(), f.claim(t), f.spec, time.Second)
			require.NoError(t, res.Err)
			if res.Kind == Completed {
				break
			}
			require.Equal(t, NeedsResume, res.Kind)
			require.LessOrEqual(t, invocations, n)
		}
		assert.Equal(t, n, invocations, "chunks=%d", n)

		stored, err := f.store.Get(context.Background(), "r1", "orders")
		require.NoError(t, err)
		assert.Equal(t, n, stored.ChunksDone)
		assert.Equal(t, int64(n*5), stored.RowsLoaded)
		// 续跑不增加尝试次数
		assert.Equal(t, 1, stored.Attempts)
	}
}

func TestRun_UnlimitedBudget(t *testing.T) {
	f := setupExecutor(t, 4)

	res := f.exec.Run(context.Background(), f.claim(t), f.spec, 0)

	require.NoError(t, res.Err)
	assert.Equal(t, Completed, res.Kind)
	assert.Equal(t, 4, res.Chunks)
	assert.Equal(t, int64(20), res.Rows)
	assert.Equal(t, []string{"dw.orders/r1"}, f.sink.Cleared())

	history, err := f.store.History(context.Background(), "r1", "orders")
	require.NoError(t, err)
	var progress int
	for _, tr := range history {
		if tr.From == task.StatusRunning && tr.To == task.StatusRunning {
			progress++
		}
	}
	assert.Equal(t, 3, progress, "每个非末尾分块都持久化一次进度")
}

func TestRun_FailureClassification(t *testing.T) {
	t.Run("抽取错误为可重试", func(t *testing.T) {
		f := setupExecutor(t, 2)
		f.source.FailWith("orders", errors.New("connection reset"))

		res := f.exec.Run(context.Background(), f.claim(t), f.spec, 0)

		assert.Equal(t, Failed, res.Kind)
		assert.False(t, task.IsPermanent(res.Err))
		stored, err := f.store.Get(context.Background(), "r1", "orders")
		require.NoError(t, err)
		assert.Equal(t, task.StatusRunning, stored.Status, "失败时执行器不修改状态")
	})

	t.Run("永久加载错误", func(t *testing.T) {
		f := setupExecutor(t, 2)
		f.sink.FailLoad("dw.orders", &connector.LoadError{Table: "dw.orders", Permanent: true, Err: errors.New("column mismatch")})

		res := f.exec.Run(context.Background(), f.claim(t), f.spec, 0)

		assert.Equal(t, Failed, res.Kind)
		assert.True(t, task.IsPermanent(res.Err))
	})

	t.Run("未知数据源为永久错误", func(t *testing.T) {
		f := setupExecutor(t, 1)
		spec := f.spec
		spec.Source = "missing"

		res := f.exec.Run(context.Background(), f.claim(t), spec, 0)

		assert.Equal(t, Failed, res.Kind)
		assert.True(t, task.IsPermanent(res.Err))
	})

	t.Run("未认领的Task", func(t *testing.T) {
		f := setupExecutor(t, 1)
		cur, err := f.store.Get(context.Background(), "r1", "orders")
		require.NoError(t, err)

		res := f.exec.Run(context.Background(), cur, f.spec, 0)

		assert.Equal(t, Failed, res.Kind)
		assert.Equal(t, 0, f.source.Calls("orders"))
	})
}

func TestRun_ResumeAfterFailureKeepsProgress(t *testing.T) {
	f := setupExecutor(t, 3)
	ctx := context.Background()

	res := f.exec.Run(ctx, f.claim(t), f.spec, time.Second)
	require.Equal(t, NeedsResume, res.Kind)

	f.sink.FailLoad("dw.orders", errors.New("warehouse down"))
	res = f.exec.Run(ctx, f.claim(t), f.spec, 0)
	require.Equal(t, Failed, res.Kind)

	// 协调者按重试策略退回pending，之后重新认领
	_, err := f.store.TryTransition(ctx, "r1", "orders", task.StatusRunning, task.StatusPending, storage.Patch{})
	require.NoError(t, err)
	f.sink.FailLoad("dw.orders", nil)

	res = f.exec.Run(ctx, f.claim(t), f.spec, 0)
	require.NoError(t, res.Err)
	assert.Equal(t, Completed, res.Kind)
	assert.Equal(t, 15, f.sink.RowCount("dw.orders"))
	assert.Len(t, f.sink.Cleared(), 1, "已有进度时不清理暂存")
}

func TestRun_Watermark(t *testing.T) {
	f := setupExecutor(t, 1)
	f.spec.TimestampField = "updated_at"
	f.sink.SetMaxTimestamp("dw.orders", "2024-01-01T10:00:00Z")

	res := f.exec.Run(context.Background(), f.claim(t), f.spec, 0)
	require.NoError(t, res.Err)

	mark, err := f.store.GetWatermark(context.Background(), "dw.orders")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T10:00:00Z", mark)
}

func TestRun_ConflictOnProgress(t *testing.T) {
	f := setupExecutor(t, 3)
	ctx := context.Background()
	claimed := f.claim(t)

	// 另一个协调者将其回收
	_, err := f.store.TryTransition(ctx, "r1", "orders", task.StatusRunning, task.StatusPending, storage.Patch{})
	require.NoError(t, err)

	res := f.exec.Run(ctx, claimed, f.spec, 0)

	assert.Equal(t, Failed, res.Kind)
	assert.ErrorIs(t, res.Err, storage.ErrConflict)
}
