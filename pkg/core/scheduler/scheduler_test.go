package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/LENAX/el-engine/pkg/core/dag"
	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
	"github.com/LENAX/el-engine/pkg/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, decls []dag.Declaration) (*dag.Graph, *memory.StateStore) {
	t.Helper()
	g, err := dag.Build(decls)
	require.NoError(t, err)
	store := memory.NewStateStore()
	tasks := make([]*task.Task, 0, g.Len())
	for _, d := range g.Declarations() {
		tasks = append(tasks, &task.Task{ID: d.ID, DependsOn: d.DependsOn})
	}
	_, err = store.CreateRun(context.Background(), &storage.Run{ID: "r1", Pipeline: "p"}, tasks)
	require.NoError(t, err)
	return g, store
}

// force 沿允许的转换路径把Task推进到目标状态
func force(t *testing.T, s storage.StateStore, id string, path ...task.Status) {
	t.Helper()
	ctx := context.Background()
	cur, err := s.Get(ctx, "r1", id)
	require.NoError(t, err)
	for _, next := range path {
		cur, err = s.TryTransition(ctx, "r1", id, cur.Status, next, storage.Patch{})
		require.NoError(t, err)
	}
}

func ids(ts []*task.Task) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func TestNextEligible_RootsFirst(t *testing.T) {
	g, store := setup(t, []dag.Declaration{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C"},
	})
	s := NewScheduler(store, 3)

	got, err := s.NextEligible(context.Background(), g, "r1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, ids(got))

	b, err := store.Get(context.Background(), "r1", "B")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, b.Status)
}

func TestNextEligible_CascadingSkip(t *testing.T) {
	g, store := setup(t, []dag.Declaration{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
		{ID: "D", DependsOn: []string{"C"}},
		{ID: "E"},
	})
	force(t, store, "A", task.StatusReady, task.StatusRunning, task.StatusFailed)
	s := NewScheduler(store, 3)

	plan, err := s.Plan(context.Background(), g, "r1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "D"}, plan.Skipped)
	assert.Equal(t, []string{"E"}, ids(plan.Eligible))

	for _, id := range []string{"B", "C", "D"} {
		got, err := store.Get(context.Background(), "r1", id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusSkipped, got.Status, id)
		assert.Contains(t, got.LastError, "A")
	}
}

func TestNextEligible_ConcurrencyCap(t *testing.T) {
	decls := make([]dag.Declaration, 6)
	for i := range decls {
		decls[i] = dag.Declaration{ID: fmt.Sprintf("t%d", i)}
	}
	g, store := setup(t, decls)
	force(t, store, "t0", task.StatusReady, task.StatusRunning)
	force(t, store, "t1", task.StatusReady, task.StatusRunning, task.StatusCheckpointed)
	s := NewScheduler(store, 3)

	plan, err := s.Plan(context.Background(), g, "r1", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.InFlight)
	assert.Equal(t, []string{"t2"}, ids(plan.Eligible), "宽度3减去2个在途只剩1个")

	plan, err = s.Plan(context.Background(), g, "r1", 2)
	require.NoError(t, err)
	assert.Empty(t, plan.Eligible)
}

func TestNextEligible_BackoffAndCeiling(t *testing.T) {
	g, store := setup(t, []dag.Declaration{{ID: "A"}, {ID: "B"}, {ID: "C", DependsOn: []string{"B"}}})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	force(t, store, "A", task.StatusReady, task.StatusRunning)
	_, err := store.TryTransition(ctx, "r1", "A", task.StatusRunning, task.StatusPending, storage.Patch{
		NotBefore: storage.Ptr(now.Add(time.Minute)),
	})
	require.NoError(t, err)
	force(t, store, "B", task.StatusReady)
	_, err = store.TryTransition(ctx, "r1", "B", task.StatusReady, task.StatusPending, storage.Patch{Attempts: storage.Ptr(3)})
	require.NoError(t, err)

	s := NewScheduler(store, 3).WithClock(func() time.Time { return now })
	plan, err := s.Plan(ctx, g, "r1", 10)
	require.NoError(t, err)
	assert.Empty(t, plan.Eligible, "A在退避中，B已达上限")
	require.Len(t, plan.Waiting, 1)
	assert.Equal(t, now.Add(time.Minute), plan.EarliestRetry())

	t.Run("达到上限的Task置为failed并级联跳过下游", func(t *testing.T) {
		assert.Equal(t, []string{"B"}, plan.Exhausted)
		assert.Equal(t, []string{"C"}, plan.Skipped)
		b, err := store.Get(ctx, "r1", "B")
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, b.Status)
		assert.Contains(t, b.LastError, "已达最大尝试次数")
		c, err := store.Get(ctx, "r1", "C")
		require.NoError(t, err)
		assert.Equal(t, task.StatusSkipped, c.Status)
	})

	s.WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	got, err := s.NextEligible(ctx, g, "r1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(got))
}

func TestPlan_Idempotent(t *testing.T) {
	g, store := setup(t, []dag.Declaration{{ID: "A"}, {ID: "B", DependsOn: []string{"A"}}})
	force(t, store, "A", task.StatusReady, task.StatusRunning, task.StatusFailed)
	s := NewScheduler(store, 3)

	first, err := s.Plan(context.Background(), g, "r1", 1)
	require.NoError(t, err)
	second, err := s.Plan(context.Background(), g, "r1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, first.Skipped)
	assert.Empty(t, second.Skipped)
	assert.Empty(t, second.Eligible)
}
