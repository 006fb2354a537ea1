package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/LENAX/el-engine/pkg/connector/connectortest"
	"github.com/LENAX/el-engine/pkg/core/events"
	"github.com/LENAX/el-engine/pkg/core/executor"
	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
	"github.com/LENAX/el-engine/pkg/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackingSource 统计同时在抽取中的调用数
type trackingSource struct {
	*connectortest.Source
	delay   time.Duration
	current atomic.Int32
	max     atomic.Int32
}

func (s *trackingSource) ExtractChunk(ctx context.Context, spec connector.TableSpec, cursor string, chunkSize int, opts connector.ExtractOptions) (connector.Chunk, error) {
	n := s.current.Add(1)
	defer s.current.Add(-1)
	for {
		m := s.max.Load()
		if n <= m || s.max.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return connector.Chunk{}, ctx.Err()
	}
	return s.Source.ExtractChunk(ctx, spec, cursor, chunkSize, opts)
}

type testEnv struct {
	store  *memory.StateStore
	source *connectortest.Source
	sink   *connectortest.Sink
	engine *Engine
}

func testOptions() Options {
	return Options{
		MaxConcurrency: 4,
		MaxAttempts:    3,
		BackoffBase:    time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}
}

func setupEngine(t *testing.T, opts Options, wrap func(*connectortest.Source) connector.Source) *testEnv {
	t.Helper()
	source := connectortest.NewSource()
	var src connector.Source = source
	if wrap != nil {
		src = wrap(source)
	}
	registry := connector.NewRegistry()
	require.NoError(t, registry.Register("crm", src))
	sink := connectortest.NewSink()
	store := memory.NewStateStore()
	return &testEnv{
		store:  store,
		source: source,
		sink:   sink,
		engine: NewEngine(store, registry, sink, opts),
	}
}

// newPipeline 按 "ID:依赖1,依赖2" 的形式声明表
func newPipeline(name string, decls ...string) *Pipeline {
	p := &Pipeline{Name: name}
	for _, d := range decls {
		id, rest, found := strings.Cut(d, ":")
		var deps []string
		if found {
			deps = strings.Split(rest, ",")
		}
		p.Tables = append(p.Tables, TableDef{
			Spec: connector.TableSpec{
				TaskID:      id,
				Source:      "crm",
				SourceTable: id,
				Target:      connector.TargetTable{Schema: "dw", Name: id},
				Mode:        connector.ModeReplace,
			},
			DependsOn: deps,
		})
	}
	return p
}

func diamond() *Pipeline {
	return newPipeline("diamond", "A", "B:A", "C:A", "D:B,C")
}

func TestExecute_AllSucceeded(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	for _, id := range []string{"A", "B", "C", "D"} {
		env.source.AddTable(id, 2, 3)
	}

	res, err := env.engine.Execute(context.Background(), diamond(), "run-1")

	require.NoError(t, err)
	assert.Equal(t, storage.RunSucceeded, res.Status)
	assert.True(t, res.Succeeded())
	assert.Empty(t, res.Failures)
	assert.Equal(t, 4, res.Executions)
	for _, id := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, task.StatusSucceeded, res.Tasks[id])
		assert.Equal(t, 6, env.sink.RowCount("dw."+id))
	}

	run, err := env.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, run.Snapshot["D"])
}

func TestExecute_DiamondPartialFailure(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	for _, id := range []string{"A", "B", "C", "D"} {
		env.source.AddTable(id, 1, 1)
	}
	env.source.FailWith("C", task.Permanent("extract", errors.New("表结构不兼容")))

	res, err := env.engine.Execute(context.Background(), diamond(), "run-1")

	require.NoError(t, err)
	assert.Equal(t, storage.RunPartiallySucceeded, res.Status)
	assert.Equal(t, map[string]task.Status{
		"A": task.StatusSucceeded,
		"B": task.StatusSucceeded,
		"C": task.StatusFailed,
		"D": task.StatusSkipped,
	}, res.Tasks)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "C", res.Failures[0].TaskID)
	assert.Contains(t, res.Failures[0].Error, "表结构不兼容")
	assert.Equal(t, "D", res.Failures[1].TaskID)
	assert.Contains(t, res.Failures[1].Error, "C")

	c, err := env.store.Get(context.Background(), "run-1", "C")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Attempts, "永久错误不重试")
}

func TestExecute_SkippedNeverRuns(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	env.source.AddTable("A", 1, 1).AddTable("B", 1, 1).AddTable("C", 1, 1).AddTable("E", 1, 1)
	env.source.FailWith("A", task.Permanent("extract", errors.New("boom")))

	res, err := env.engine.Execute(context.Background(), newPipeline("chain", "A", "B:A", "C:B", "E"), "run-1")

	require.NoError(t, err)
	assert.Equal(t, storage.RunPartiallySucceeded, res.Status)
	assert.Equal(t, task.StatusSkipped, res.Tasks["B"])
	assert.Equal(t, task.StatusSkipped, res.Tasks["C"])
	assert.Equal(t, task.StatusSucceeded, res.Tasks["E"])
	assert.Zero(t, env.source.Calls("B"))
	assert.Zero(t, env.source.Calls("C"))

	history, err := env.store.History(context.Background(), "run-1", "C")
	require.NoError(t, err)
	for _, tr := range history {
		assert.NotEqual(t, task.StatusRunning, tr.To)
	}
}

func TestExecute_AllFailed(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	env.source.AddTable("A", 1, 1)
	env.source.FailWith("A", errors.New("connection refused"))

	res, err := env.engine.Execute(context.Background(), newPipeline("single", "A"), "run-1")

	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, res.Status)
	a, err := env.store.Get(context.Background(), "run-1", "A")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, a.Status)
	assert.Equal(t, 3, a.Attempts)
	assert.Equal(t, 3, env.source.Calls("A"))
	assert.Contains(t, a.LastError, "最大尝试次数")
}

func TestExecute_TransientRetrySucceeds(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	env.source.AddTable("A", 2, 2)
	env.source.FailTimes("A", 2, errors.New("timeout"))

	res, err := env.engine.Execute(context.Background(), newPipeline("single", "A"), "run-1")

	require.NoError(t, err)
	assert.Equal(t, storage.RunSucceeded, res.Status)
	a, err := env.store.Get(context.Background(), "run-1", "A")
	require.NoError(t, err)
	assert.Equal(t, 3, a.Attempts)
	assert.Equal(t, 3, res.Executions)

	history, err := env.store.History(context.Background(), "run-1", "A")
	require.NoError(t, err)
	retries := 0
	for _, tr := range history {
		if tr.From == task.StatusRunning && tr.To == task.StatusPending {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestExecute_ConcurrencyBound(t *testing.T) {
	opts := testOptions()
	opts.MaxConcurrency = 3
	var tracker *trackingSource
	env := setupEngine(t, opts, func(s *connectortest.Source) connector.Source {
		tracker = &trackingSource{Source: s, delay: 5 * time.Millisecond}
		return tracker
	})
	decls := make([]string, 8)
	for i := range decls {
		decls[i] = fmt.Sprintf("T%d", i)
		env.source.AddTable(decls[i], 3, 1)
	}

	res, err := env.engine.Execute(context.Background(), newPipeline("wide", decls...), "run-1")

	require.NoError(t, err)
	assert.Equal(t, storage.RunSucceeded, res.Status)
	assert.LessOrEqual(t, tracker.max.Load(), int32(3))
	assert.Greater(t, tracker.max.Load(), int32(1))
}

func TestExecute_CheckpointResume(t *testing.T) {
	opts := testOptions()
	opts.ChunkTimeBudget = time.Nanosecond
	env := setupEngine(t, opts, nil)
	env.source.AddTable("A", 4, 2).AddTable("B", 2, 2)

	res, err := env.engine.Execute(context.Background(), newPipeline("resume", "A", "B:A"), "run-1")

	require.NoError(t, err)
	assert.Equal(t, storage.RunSucceeded, res.Status)
	assert.Equal(t, 6, res.Executions, "每次调用只处理一个分块")
	assert.Equal(t, 8, env.sink.RowCount("dw.A"))

	a, err := env.store.Get(context.Background(), "run-1", "A")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Attempts)
	assert.Equal(t, task.CursorEnd, a.Cursor)
}

func TestExecute_IdempotentRerun(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	for _, id := range []string{"A", "B", "C", "D"} {
		env.source.AddTable(id, 1, 1)
	}
	first, err := env.engine.Execute(context.Background(), diamond(), "run-1")
	require.NoError(t, err)
	require.Equal(t, storage.RunSucceeded, first.Status)
	loads := len(env.sink.Loads())

	second, err := env.engine.Execute(context.Background(), diamond(), "run-1")

	require.NoError(t, err)
	assert.Equal(t, storage.RunSucceeded, second.Status)
	assert.Zero(t, second.Executions)
	assert.Len(t, env.sink.Loads(), loads)
}

func TestExecute_PipelineMismatch(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	env.source.AddTable("A", 1, 1)
	_, err := env.engine.Execute(context.Background(), newPipeline("one", "A"), "run-1")
	require.NoError(t, err)

	_, err = env.engine.Execute(context.Background(), newPipeline("two", "A"), "run-1")
	assert.Error(t, err)
}

func TestExecute_InvalidGraph(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)

	_, err := env.engine.Execute(context.Background(), newPipeline("cyclic", "A:B", "B:A"), "run-1")

	require.Error(t, err)
	_, getErr := env.store.GetRun(context.Background(), "run-1")
	assert.ErrorIs(t, getErr, storage.ErrNotFound, "环依赖时Run不会创建")
}

func TestExecute_RecoversStaleRunning(t *testing.T) {
	opts := testOptions()
	opts.StaleAfter = time.Minute
	env := setupEngine(t, opts, nil)
	env.source.AddTable("A", 1, 1)
	var skew atomic.Int64
	env.store.WithClock(func() time.Time { return time.Now().Add(time.Duration(skew.Load())) })
	ctx := context.Background()
	p := newPipeline("stale", "A")

	_, err := env.engine.Step(ctx, StepRequest{RunID: "run-1", Pipeline: p, Action: StepPlan})
	require.NoError(t, err)
	// 模拟一个早已崩溃的协调者持有A
	skew.Store(int64(-time.Hour))
	_, err = env.store.TryTransition(ctx, "run-1", "A", task.StatusReady, task.StatusRunning, storage.Patch{
		IncrementAttempts: true,
		StartedAt:         storage.Ptr(time.Now().Add(-time.Hour)),
	})
	require.NoError(t, err)
	skew.Store(0)

	res, err := env.engine.Execute(ctx, p, "run-1")

	require.NoError(t, err)
	assert.Equal(t, storage.RunSucceeded, res.Status)
	history, err := env.store.History(ctx, "run-1", "A")
	require.NoError(t, err)
	var recovered bool
	for _, tr := range history {
		if tr.From == task.StatusRunning && tr.To == task.StatusPending {
			recovered = true
		}
	}
	assert.True(t, recovered)
}

func TestExecute_RunTimeout(t *testing.T) {
	opts := testOptions()
	opts.RunTimeout = 60 * time.Millisecond
	env := setupEngine(t, opts, func(s *connectortest.Source) connector.Source {
		return &trackingSource{Source: s, delay: 20 * time.Millisecond}
	})
	env.source.AddTable("A", 100, 1).AddTable("B", 1, 1)

	res, err := env.engine.Execute(context.Background(), newPipeline("slow", "A", "B:A"), "run-1")

	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, res.Status)
	assert.Contains(t, res.Error, "超时")
	assert.Equal(t, task.StatusSkipped, res.Tasks["B"])
}

func TestExecute_ParentContextCancelled(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	env.source.AddTable("A", 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.engine.Execute(ctx, newPipeline("single", "A"), "run-1")

	assert.ErrorIs(t, err, context.Canceled)
	run, err := env.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RunInProgress, run.Status, "父ctx取消时Run保持可续跑")
}

func TestCancel(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	env.source.AddTable("A", 1, 1)
	ctx := context.Background()
	p := newPipeline("single", "A")
	_, err := env.engine.Step(ctx, StepRequest{RunID: "run-1", Pipeline: p, Action: StepPlan})
	require.NoError(t, err)

	run, err := env.engine.Cancel(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, run.Status)
	assert.Equal(t, "cancelled", run.Error)

	res, err := env.engine.Execute(ctx, p, "run-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, res.Status)
	assert.Zero(t, res.Executions)
	assert.Zero(t, env.source.Calls("A"))

	_, err = env.engine.Cancel(ctx, "run-1")
	assert.ErrorIs(t, err, ErrRunFinalized)
}

func TestStep_DrivesRunToCompletion(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	for _, id := range []string{"A", "B", "C", "D"} {
		env.source.AddTable(id, 1, 1)
	}
	ctx := context.Background()
	p := diamond()

	plan, err := env.engine.Step(ctx, StepRequest{RunID: "run-1", Pipeline: p, Action: StepPlan})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, plan.Eligible)

	// 重复plan是幂等的
	plan, err = env.engine.Step(ctx, StepRequest{RunID: "run-1", Pipeline: p, Action: StepPlan})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, plan.Eligible)

	fin, err := env.engine.Step(ctx, StepRequest{RunID: "run-1", Pipeline: p, Action: StepFinalize})
	require.NoError(t, err)
	assert.False(t, fin.Terminal, "仍有未完成Task时不结束")

	dispatched := 0
	for i := 0; i < 10; i++ {
		step, err := env.engine.Step(ctx, StepRequest{RunID: "run-1", Pipeline: p, Action: StepDispatch})
		require.NoError(t, err)
		dispatched += step.Dispatched
		if step.Terminal {
			break
		}
	}
	assert.Equal(t, 4, dispatched)

	fin, err = env.engine.Step(ctx, StepRequest{RunID: "run-1", Pipeline: p, Action: StepFinalize})
	require.NoError(t, err)
	assert.True(t, fin.Terminal)
	assert.Equal(t, storage.RunSucceeded, fin.RunStatus)

	_, err = env.engine.Step(ctx, StepRequest{RunID: "run-1", Pipeline: p, Action: "bogus"})
	require.NoError(t, err, "已结束的Run对任意动作都直接返回")
}

func TestForceRetry(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	for _, id := range []string{"A", "B", "C", "D"} {
		env.source.AddTable(id, 1, 1)
	}
	env.source.FailWith("C", task.Permanent("extract", errors.New("bad")))
	ctx := context.Background()
	p := diamond()

	for i := 0; i < 10; i++ {
		step, err := env.engine.Step(ctx, StepRequest{RunID: "run-1", Pipeline: p, Action: StepDispatch})
		require.NoError(t, err)
		if step.Terminal {
			break
		}
	}
	d, err := env.store.Get(ctx, "run-1", "D")
	require.NoError(t, err)
	require.Equal(t, task.StatusSkipped, d.Status)

	env.source.FailWith("C", nil)
	reset, err := env.engine.ForceRetry(ctx, p, "run-1", "C")
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "D"}, reset)

	c, err := env.store.Get(ctx, "run-1", "C")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, c.Status)
	assert.Zero(t, c.Attempts)
	assert.Empty(t, c.LastError)

	res, err := env.engine.Execute(ctx, p, "run-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RunSucceeded, res.Status)

	_, err = env.engine.ForceRetry(ctx, p, "run-1", "C")
	assert.ErrorIs(t, err, ErrRunFinalized)
}

func TestForceRetry_KeepsSkippedWhenOtherUpstreamFailed(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	for _, id := range []string{"A", "B", "C", "D"} {
		env.source.AddTable(id, 1, 1)
	}
	env.source.FailWith("B", task.Permanent("extract", errors.New("bad")))
	env.source.FailWith("C", task.Permanent("extract", errors.New("bad")))
	ctx := context.Background()
	p := diamond()

	for i := 0; i < 10; i++ {
		step, err := env.engine.Step(ctx, StepRequest{RunID: "run-1", Pipeline: p, Action: StepDispatch})
		require.NoError(t, err)
		if step.Terminal {
			break
		}
	}

	t.Run("另一上游仍失败时下游保持skipped", func(t *testing.T) {
		reset, err := env.engine.ForceRetry(ctx, p, "run-1", "C")
		require.NoError(t, err)
		assert.Equal(t, []string{"C"}, reset)
		d, err := env.store.Get(ctx, "run-1", "D")
		require.NoError(t, err)
		assert.Equal(t, task.StatusSkipped, d.Status)
	})

	t.Run("最后一个失败上游重试后恢复下游", func(t *testing.T) {
		reset, err := env.engine.ForceRetry(ctx, p, "run-1", "B")
		require.NoError(t, err)
		assert.Equal(t, []string{"B", "D"}, reset)
	})
}

func TestRetryFailed(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	for _, id := range []string{"A", "B", "C", "D"} {
		env.source.AddTable(id, 1, 1)
	}
	env.source.FailWith("C", task.Permanent("extract", errors.New("bad")))
	ctx := context.Background()
	p := diamond()

	first, err := env.engine.Execute(ctx, p, "run-1")
	require.NoError(t, err)
	require.Equal(t, storage.RunPartiallySucceeded, first.Status)

	env.source.FailWith("C", nil)
	newRunID, err := env.engine.RetryFailed(ctx, p, "run-1")
	require.NoError(t, err)
	assert.NotEqual(t, "run-1", newRunID)

	res, err := env.engine.Execute(ctx, p, newRunID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunSucceeded, res.Status)
	assert.Equal(t, 2, res.Executions, "只执行C与D")
	assert.Equal(t, 1, env.source.Calls("A"))
	assert.Equal(t, 1, env.source.Calls("B"))
}

func TestExecute_PublishesEvents(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	env.source.AddTable("A", 1, 1)
	bus := events.NewBus(events.Options{})
	defer bus.Close()
	env.engine.WithPublisher(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, events.EventTaskTransitioned, events.EventRunFinalized)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []*events.Event
	go func() {
		for e := range ch {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
		}
	}()

	_, err = env.engine.Execute(context.Background(), newPipeline("single", "A"), "run-1")
	require.NoError(t, err)

	// 不同事件类型分属不同topic，到达顺序不保证
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		transitions, finalized := 0, false
		for _, e := range got {
			switch e.Type {
			case events.EventTaskTransitioned:
				transitions++
			case events.EventRunFinalized:
				finalized = e.RunID == "run-1"
			}
		}
		// pending->ready, ready->running, running->succeeded
		return finalized && transitions >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegisterPipeline(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)

	require.NoError(t, env.engine.RegisterPipeline(newPipeline("b", "A")))
	scheduled := newPipeline("a", "A")
	scheduled.Schedule = "0 */5 * * * *"
	require.NoError(t, env.engine.RegisterPipeline(scheduled))

	assert.Error(t, env.engine.RegisterPipeline(newPipeline("b", "A")), "重复注册")
	assert.Error(t, env.engine.RegisterPipeline(newPipeline("c", "A:B")), "未知依赖")
	bad := newPipeline("d", "A")
	bad.Schedule = "not a cron"
	assert.Error(t, env.engine.RegisterPipeline(bad))
	_, ok := env.engine.GetPipeline("d")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, env.engine.Pipelines())
	entries := env.engine.CronScheduler().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Pipeline)
	assert.False(t, entries[0].Next.IsZero())

	t.Run("注销后移除定时调度", func(t *testing.T) {
		require.NoError(t, env.engine.UnregisterPipeline("a"))
		assert.Equal(t, []string{"b"}, env.engine.Pipelines())
		assert.Empty(t, env.engine.CronScheduler().Entries())
		assert.Error(t, env.engine.UnregisterPipeline("a"))
		require.NoError(t, env.engine.RegisterPipeline(scheduled))
	})
}

// flakyStore 前N次认领(ready->running)返回存储不可用
type flakyStore struct {
	*memory.StateStore
	claimFailures atomic.Int32
}

func (s *flakyStore) TryTransition(ctx context.Context, runID, taskID string, expected, next task.Status, patch storage.Patch) (*task.Task, error) {
	if expected == task.StatusReady && next == task.StatusRunning && s.claimFailures.Add(-1) >= 0 {
		return nil, storage.Unavailable("try transition", errors.New("connection refused"))
	}
	return s.StateStore.TryTransition(ctx, runID, taskID, expected, next, patch)
}

func newFlakyEngine(t *testing.T, failures int32) (*flakyStore, *connectortest.Source, *Engine) {
	t.Helper()
	source := connectortest.NewSource()
	registry := connector.NewRegistry()
	require.NoError(t, registry.Register("crm", source))
	store := &flakyStore{StateStore: memory.NewStateStore()}
	store.claimFailures.Store(failures)
	return store, source, NewEngine(store, registry, connectortest.NewSink(), testOptions())
}

func TestExecute_StoreUnavailableOnClaimRetries(t *testing.T) {
	store, source, eng := newFlakyEngine(t, 2)
	source.AddTable("A", 1, 1).AddTable("B", 1, 1)
	ctx := context.Background()

	res, err := eng.Execute(ctx, newPipeline("flaky", "A", "B:A"), "run-1")

	require.NoError(t, err)
	assert.Equal(t, storage.RunSucceeded, res.Status)
	assert.Empty(t, res.Failures)
	a, err := store.Get(ctx, "run-1", "A")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Attempts, "认领失败不计入尝试次数")
	assert.Equal(t, 1, source.Calls("A"))
}

func TestStep_DispatchSurfacesStoreUnavailable(t *testing.T) {
	_, source, eng := newFlakyEngine(t, 1)
	source.AddTable("A", 1, 1)
	ctx := context.Background()
	p := newPipeline("flaky", "A")

	_, err := eng.Step(ctx, StepRequest{RunID: "run-1", Pipeline: p, Action: StepPlan})
	require.NoError(t, err)

	_, err = eng.Step(ctx, StepRequest{RunID: "run-1", Pipeline: p, Action: StepDispatch})
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
	a, err := eng.Store().Get(ctx, "run-1", "A")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, a.Status, "不可用时不能判定为阻塞")

	res, err := eng.Step(ctx, StepRequest{RunID: "run-1", Pipeline: p, Action: StepDispatch})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, executor.Completed, res.Results["A"])
}

func TestExecute_StaleTaskAtCeilingFails(t *testing.T) {
	opts := testOptions()
	opts.StaleAfter = time.Minute
	env := setupEngine(t, opts, nil)
	env.source.AddTable("A", 1, 1).AddTable("B", 1, 1)
	ctx := context.Background()
	p := newPipeline("stale", "A", "B:A")

	_, err := env.engine.Step(ctx, StepRequest{RunID: "run-1", Pipeline: p, Action: StepPlan})
	require.NoError(t, err)
	// 最后一次尝试所在的调用早已崩溃
	env.store.WithClock(func() time.Time { return time.Now().Add(-time.Hour) })
	_, err = env.store.TryTransition(ctx, "run-1", "A", task.StatusReady, task.StatusRunning, storage.Patch{
		Attempts:  storage.Ptr(3),
		StartedAt: storage.Ptr(time.Now().Add(-time.Hour)),
	})
	require.NoError(t, err)
	env.store.WithClock(time.Now)

	res, err := env.engine.Execute(ctx, p, "run-1")

	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, res.Status)
	assert.Equal(t, task.StatusFailed, res.Tasks["A"])
	assert.Equal(t, task.StatusSkipped, res.Tasks["B"])
	a, err := env.store.Get(ctx, "run-1", "A")
	require.NoError(t, err)
	assert.Contains(t, a.LastError, "最大尝试次数")
	b, err := env.store.Get(ctx, "run-1", "B")
	require.NoError(t, err)
	assert.Contains(t, b.LastError, "上游 A")
	assert.Zero(t, env.source.Calls("A"))
}

func TestExecute_IgnoresResultsAfterCancel(t *testing.T) {
	env := setupEngine(t, testOptions(), nil)
	env.source.AddTable("A", 1, 1).FailWith("A", errors.New("connection reset"))
	ctx := context.Background()
	env.source.OnChunk(func(string) {
		_, err := env.engine.Cancel(ctx, "run-1")
		assert.NoError(t, err)
	})

	res, err := env.engine.Execute(ctx, newPipeline("single", "A"), "run-1")

	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, res.Status)
	assert.Equal(t, "cancelled", res.Error)
	assert.Equal(t, 1, env.source.Calls("A"))
	history, err := env.store.History(ctx, "run-1", "A")
	require.NoError(t, err)
	for _, tr := range history {
		assert.NotEqual(t, task.StatusRunning, tr.From, "取消后不再写回执行结果")
	}
}
