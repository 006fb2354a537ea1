package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/LENAX/el-engine/pkg/core/dag"
	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
)

// Plan 一轮调度的结果（对外导出）
type Plan struct {
	Eligible  []*task.Task // 可立即派发，已按声明顺序截断到剩余并发
	Waiting   []*task.Task // ready但仍在退避中
	InFlight  int          // running/checkpointed数量
	Skipped   []string     // 本轮被级联跳过的Task
	Promoted  []string     // 本轮由pending提升为ready的Task
	Exhausted []string     // 本轮因达到尝试上限置为failed的Task
	Pending   int          // 仍为pending的Task数量
}

// EarliestRetry 退避中Task最早可调度时间，没有时返回零值
func (p *Plan) EarliestRetry() time.Time {
	var earliest time.Time
	for _, t := range p.Waiting {
		if earliest.IsZero() || t.NotBefore.Before(earliest) {
			earliest = t.NotBefore
		}
	}
	return earliest
}

// Scheduler 根据依赖图与存储中的最新状态计算可执行Task（对外导出）
// 每次调用都重新读取StateStore，不缓存状态
type Scheduler struct {
	store       storage.StateStore
	maxAttempts int
	now         func() time.Time
}

// NewScheduler 创建调度器
func NewScheduler(store storage.StateStore, maxAttempts int) *Scheduler {
	return &Scheduler{
		store:       store,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// WithClock 替换时钟（测试使用）
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// NextEligible 返回可派发的Task，数量不超过 maxConcurrency 减去在途数量
func (s *Scheduler) NextEligible(ctx context.Context, g *dag.Graph, runID string, maxConcurrency int) ([]*task.Task, error) {
	plan, err := s.Plan(ctx, g, runID, maxConcurrency)
	if err != nil {
		return nil, err
	}
	return plan.Eligible, nil
}

// Plan 执行一轮级联跳过与提升，并计算可派发集合
// 规划步骤是幂等的，可被多个协调者并发进入
func (s *Scheduler) Plan(ctx context.Context, g *dag.Graph, runID string, maxConcurrency int) (*Plan, error) {
	tasks, err := s.store.ListByStatus(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("读取Task状态失败: %w", err)
	}
	state := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		state[t.ID] = t
	}
	plan := &Plan{}

	// 1. 提升：依赖全部成功的pending -> ready
	for _, id := range g.IDs() {
		t, ok := state[id]
		if !ok || t.Status != task.StatusPending || !s.dependenciesSucceeded(g, id, state) {
			continue
		}
		updated, err := s.transition(ctx, t, task.StatusReady, storage.Patch{})
		if err != nil {
			return nil, err
		}
		state[id] = updated
		if updated.Status == task.StatusReady {
			plan.Promoted = append(plan.Promoted, id)
		}
	}

	// 2. 已达尝试上限的ready不会再被派发，直接置为failed，下游随后级联跳过
	if s.maxAttempts > 0 {
		for _, id := range g.IDs() {
			t, ok := state[id]
			if !ok || t.Status != task.StatusReady || t.Attempts < s.maxAttempts {
				continue
			}
			reason := fmt.Sprintf("已达最大尝试次数(%d)", s.maxAttempts)
			if t.LastError != "" {
				reason += ": " + t.LastError
			}
			updated, err := s.transition(ctx, t, task.StatusFailed, storage.Patch{
				LastError:  &reason,
				FinishedAt: storage.Ptr(s.now().UTC()),
			})
			if err != nil {
				return nil, err
			}
			state[id] = updated
			if updated.Status == task.StatusFailed {
				plan.Exhausted = append(plan.Exhausted, id)
			}
		}
	}

	// 3. 级联跳过：失败/跳过Task的全部下游
	for _, id := range g.IDs() {
		t, ok := state[id]
		if !ok || (t.Status != task.StatusFailed && t.Status != task.StatusSkipped) {
			continue
		}
		for _, desc := range g.Descendants(id) {
			d, ok := state[desc]
			if !ok || (d.Status != task.StatusPending && d.Status != task.StatusReady) {
				continue
			}
			reason := fmt.Sprintf("上游 %s %s", id, t.Status)
			updated, err := s.transition(ctx, d, task.StatusSkipped, storage.Patch{
				LastError:  &reason,
				FinishedAt: storage.Ptr(s.now().UTC()),
			})
			if err != nil {
				return nil, err
			}
			state[desc] = updated
			if updated.Status == task.StatusSkipped {
				plan.Skipped = append(plan.Skipped, desc)
			}
		}
	}

	// 4. 统计在途并筛选可派发
	now := s.now()
	ready := make([]*task.Task, 0)
	for _, id := range g.IDs() {
		t, ok := state[id]
		if !ok {
			continue
		}
		switch {
		case t.Status.IsInFlight():
			plan.InFlight++
		case t.Status == task.StatusPending:
			plan.Pending++
		case t.Status == task.StatusReady:
			if !t.NotBefore.IsZero() && t.NotBefore.After(now) {
				plan.Waiting = append(plan.Waiting, t)
				continue
			}
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool { return g.Position(ready[i].ID) < g.Position(ready[j].ID) })

	capacity := maxConcurrency - plan.InFlight
	if capacity < 0 {
		capacity = 0
	}
	if len(ready) > capacity {
		ready = ready[:capacity]
	}
	plan.Eligible = ready

	if len(plan.Exhausted) > 0 {
		log.Printf("❌ [Scheduler] Run=%s 达到尝试上限: %v", runID, plan.Exhausted)
	}
	if len(plan.Skipped) > 0 {
		log.Printf("⏭️ [Scheduler] Run=%s 级联跳过: %v", runID, plan.Skipped)
	}
	return plan, nil
}

func (s *Scheduler) dependenciesSucceeded(g *dag.Graph, id string, state map[string]*task.Task) bool {
	for _, dep := range g.Dependencies(id) {
		d, ok := state[dep]
		if !ok || d.Status != task.StatusSucceeded {
			return false
		}
	}
	return true
}

// transition 条件更新；冲突时重读并返回最新状态，由调用方依据新状态判断
func (s *Scheduler) transition(ctx context.Context, t *task.Task, next task.Status, patch storage.Patch) (*task.Task, error) {
	updated, err := s.store.TryTransition(ctx, t.RunID, t.ID, t.Status, next, patch)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return nil, fmt.Errorf("更新Task %s 失败: %w", t.ID, err)
	}
	current, err := s.store.Get(ctx, t.RunID, t.ID)
	if err != nil {
		return nil, fmt.Errorf("重读Task %s 失败: %w", t.ID, err)
	}
	return current, nil
}
