// Package storagetest 提供StateStore实现共用的一致性测试
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory 为每个子测试创建全新的存储
type Factory func(t *testing.T) storage.StateStore

// Run 执行全部一致性测试
func Run(t *testing.T, newStore Factory) {
	t.Run("创建Run幂等", func(t *testing.T) { testCreateRunIdempotent(t, newStore(t)) })
	t.Run("比较交换成功", func(t *testing.T) { testTransition(t, newStore(t)) })
	t.Run("过期期望状态返回冲突且不修改", func(t *testing.T) { testStaleExpected(t, newStore(t)) })
	t.Run("并发认领只有一个成功", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("非法转换被拒绝", func(t *testing.T) { testInvalidTransition(t, newStore(t)) })
	t.Run("按状态列出", func(t *testing.T) { testListByStatus(t, newStore(t)) })
	t.Run("Run只结束一次", func(t *testing.T) { testFinalizeOnce(t, newStore(t)) })
	t.Run("审计与水位", func(t *testing.T) { testHistoryAndWatermark(t, newStore(t)) })
	t.Run("不存在返回NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
}

func seed(t *testing.T, s storage.StateStore, runID string, ids ...string) {
	t.Helper()
	tasks := make([]*task.Task, len(ids))
	for i, id := range ids {
		tasks[i] = &task.Task{ID: id}
		if i > 0 {
			tasks[i].DependsOn = []string{ids[i-1]}
		}
	}
	_, err := s.CreateRun(context.Background(), &storage.Run{ID: runID, Pipeline: "p"}, tasks)
	require.NoError(t, err)
}

func testCreateRunIdempotent(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	seed(t, s, "r1", "a", "b")
	_, err := s.TryTransition(ctx, "r1", "a", task.StatusPending, task.StatusReady, storage.Patch{})
	require.NoError(t, err)

	run, err := s.CreateRun(ctx, &storage.Run{ID: "r1", Pipeline: "p"}, []*task.Task{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)
	assert.Equal(t, storage.RunInProgress, run.Status)

	a, err := s.Get(ctx, "r1", "a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusReady, a.Status, "重复创建不应覆盖已有状态")

	b, err := s.Get(ctx, "r1", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, b.DependsOn)
	assert.Equal(t, task.StatusPending, b.Status)
}

func testTransition(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	seed(t, s, "r1", "a")
	started := time.Now().UTC().Truncate(time.Second)

	_, err := s.TryTransition(ctx, "r1", "a", task.StatusPending, task.StatusReady, storage.Patch{})
	require.NoError(t, err)
	got, err := s.TryTransition(ctx, "r1", "a", task.StatusReady, task.StatusRunning, storage.Patch{
		IncrementAttempts: true,
		StartedAt:         &started,
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.StartedAt.Equal(started))

	got, err = s.TryTransition(ctx, "r1", "a", task.StatusRunning, task.StatusCheckpointed, storage.Patch{
		Cursor:     storage.Ptr("1"),
		ChunksDone: storage.Ptr(1),
		RowsLoaded: storage.Ptr(int64(100)),
	})
	require.NoError(t, err)
	assert.Equal(t, "1", got.Cursor)
	assert.Equal(t, 1, got.ChunksDone)
	assert.Equal(t, int64(100), got.RowsLoaded)

	reread, err := s.Get(ctx, "r1", "a")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCheckpointed, reread.Status)
	assert.Equal(t, "1", reread.Cursor)
}

func testStaleExpected(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	seed(t, s, "r1", "a")
	before, err := s.Get(ctx, "r1", "a")
	require.NoError(t, err)

	// 存储中为pending，用ready作为期望状态
	_, err = s.TryTransition(ctx, "r1", "a", task.StatusReady, task.StatusRunning, storage.Patch{
		Cursor:            storage.Ptr("999"),
		IncrementAttempts: true,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrConflict))
	var ce *storage.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, task.StatusPending, ce.Actual)

	after, err := s.Get(ctx, "r1", "a")
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Cursor, after.Cursor)
	assert.Equal(t, before.Attempts, after.Attempts)
}

func testConcurrentClaim(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	seed(t, s, "r1", "a")
	_, err := s.TryTransition(ctx, "r1", "a", task.StatusPending, task.StatusReady, storage.Patch{})
	require.NoError(t, err)

	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TryTransition(ctx, "r1", "a", task.StatusReady, task.StatusRunning, storage.Patch{IncrementAttempts: true})
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, storage.ErrConflict):
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(7), conflicts)

	a, err := s.Get(ctx, "r1", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Attempts)
}

func testInvalidTransition(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	seed(t, s, "r1", "a")
	_, err := s.TryTransition(ctx, "r1", "a", task.StatusPending, task.StatusSucceeded, storage.Patch{})
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func testListByStatus(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	seed(t, s, "r1", "a", "b", "c")
	_, err := s.TryTransition(ctx, "r1", "b", task.StatusPending, task.StatusSkipped, storage.Patch{LastError: storage.Ptr("上游失败")})
	require.NoError(t, err)

	all, err := s.ListByStatus(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "c", all[2].ID)

	pending, err := s.ListByStatus(ctx, "r1", task.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, []string{"a", "c"}, []string{pending[0].ID, pending[1].ID})

	skipped, err := s.ListByStatus(ctx, "r1", task.StatusSkipped, task.StatusFailed)
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, "上游失败", skipped[0].LastError)

	none, err := s.ListByStatus(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testFinalizeOnce(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	seed(t, s, "r1", "a")
	snapshot := map[string]task.Status{"a": task.StatusSucceeded}

	run, err := s.FinalizeRun(ctx, "r1", storage.RunSucceeded, "", snapshot)
	require.NoError(t, err)
	assert.Equal(t, storage.RunSucceeded, run.Status)
	assert.Equal(t, snapshot, run.Snapshot)
	assert.False(t, run.FinishedAt.IsZero())

	_, err = s.FinalizeRun(ctx, "r1", storage.RunFailed, "cancelled", nil)
	assert.ErrorIs(t, err, storage.ErrConflict)

	again, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, storage.RunSucceeded, again.Status)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func testHistoryAndWatermark(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	seed(t, s, "r1", "a")
	_, err := s.TryTransition(ctx, "r1", "a", task.StatusPending, task.StatusReady, storage.Patch{})
	require.NoError(t, err)
	_, err = s.TryTransition(ctx, "r1", "a", task.StatusReady, task.StatusRunning, storage.Patch{IncrementAttempts: true})
	require.NoError(t, err)

	history, err := s.History(ctx, "r1", "a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, task.StatusPending, history[0].From)
	assert.Equal(t, task.StatusRunning, history[1].To)
	assert.Equal(t, 1, history[1].Attempts)

	wm, err := s.GetWatermark(ctx, "dw.orders")
	require.NoError(t, err)
	assert.Empty(t, wm)
	require.NoError(t, s.SetWatermark(ctx, "dw.orders", "2024-01-01"))
	require.NoError(t, s.SetWatermark(ctx, "dw.orders", "2024-02-01"))
	wm, err = s.GetWatermark(ctx, "dw.orders")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-01", wm)
}

func testNotFound(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	_, err := s.Get(ctx, "nope", "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.TryTransition(ctx, "nope", "a", task.StatusPending, task.StatusReady, storage.Patch{})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
