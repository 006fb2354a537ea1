package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/LENAX/el-engine/pkg/core/dag"
	"github.com/LENAX/el-engine/pkg/core/events"
	"github.com/LENAX/el-engine/pkg/core/executor"
	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
)

// StepAction 单步执行的动作
type StepAction string

const (
	// StepPlan 创建Run并执行一次级联跳过与提升
	StepPlan StepAction = "plan"
	// StepDispatch 执行一轮认领与派发
	StepDispatch StepAction = "dispatch"
	// StepFinalize 所有Task到达终态时结束Run
	StepFinalize StepAction = "finalize"
)

// StepRequest 单步执行请求，供外部持久化工作流逐步驱动
type StepRequest struct {
	RunID    string
	Pipeline *Pipeline
	Action   StepAction
}

// StepResult 单步执行结果
type StepResult struct {
	RunID      string                         `json:"run_id"`
	Action     StepAction                     `json:"action"`
	Eligible   []string                       `json:"eligible,omitempty"`
	Skipped    []string                       `json:"skipped,omitempty"`
	Dispatched int                            `json:"dispatched"`
	Results    map[string]executor.ResultKind `json:"results,omitempty"`
	WaitUntil  time.Time                      `json:"wait_until,omitempty"`
	Terminal   bool                           `json:"terminal"` // 所有Task已到终态
	RunStatus  storage.RunStatus              `json:"run_status"`
}

// Step 执行单个动作，可重入，每个动作幂等
func (e *Engine) Step(ctx context.Context, req StepRequest) (*StepResult, error) {
	g, err := req.Pipeline.Graph()
	if err != nil {
		return nil, err
	}
	run, err := e.ensureRun(ctx, req.Pipeline, g, req.RunID)
	if err != nil {
		return nil, err
	}
	res := &StepResult{RunID: req.RunID, Action: req.Action, RunStatus: run.Status}
	if run.Status.IsTerminal() {
		res.Terminal = true
		return res, nil
	}

	switch req.Action {
	case StepPlan:
		plan, err := e.scheduler.Plan(ctx, g, req.RunID, e.opts.MaxConcurrency)
		if err != nil {
			return nil, err
		}
		for _, t := range plan.Eligible {
			res.Eligible = append(res.Eligible, t.ID)
		}
		res.Skipped = plan.Skipped
		res.WaitUntil = plan.EarliestRetry()
	case StepDispatch:
		if err := e.recoverStale(ctx, req.RunID); err != nil {
			return nil, err
		}
		out, err := e.round(ctx, ctx, g, req.RunID, req.Pipeline.specIndex())
		if err != nil {
			return nil, err
		}
		if out.Cancelled {
			stored, err := e.store.GetRun(ctx, req.RunID)
			if err != nil {
				return nil, err
			}
			res.RunStatus = stored.Status
			res.Terminal = stored.Status.IsTerminal()
			res.Dispatched = out.Dispatched
			return res, nil
		}
		if len(out.Blocked) > 0 {
			if err := e.skip(ctx, req.RunID, out.Blocked, "blocked: 无可执行路径"); err != nil {
				return nil, err
			}
			res.Skipped = out.Blocked
		}
		res.Eligible = out.Eligible
		res.Dispatched = out.Dispatched
		res.WaitUntil = out.WaitUntil
		res.Terminal = out.Terminal
		res.Results = make(map[string]executor.ResultKind, len(out.Results))
		for id, r := range out.Results {
			res.Results[id] = r.Kind
		}
	case StepFinalize:
		active, err := e.store.ListByStatus(ctx, req.RunID, task.StatusPending, task.StatusReady, task.StatusRunning, task.StatusCheckpointed)
		if err != nil {
			return nil, err
		}
		if len(active) > 0 {
			return res, nil
		}
		final, err := e.finalize(ctx, req.RunID, req.Pipeline.Name)
		if err != nil {
			return nil, err
		}
		res.Terminal = true
		res.RunStatus = final.Status
	default:
		return nil, fmt.Errorf("未知的Step动作: %s", req.Action)
	}
	return res, nil
}

// Cancel 将in-progress的Run直接结束为failed
// 在途的Executor调用会正常结束，但不再派发新的Task
func (e *Engine) Cancel(ctx context.Context, runID string) (*storage.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("Run %s 状态为%s: %w", runID, run.Status, ErrRunFinalized)
	}
	final, err := e.finalizeAs(ctx, runID, run.Pipeline, storage.RunFailed, "cancelled")
	if err != nil {
		return nil, err
	}
	if final.Error != "cancelled" {
		return nil, fmt.Errorf("Run %s 已由其他调用结束(%s): %w", runID, final.Status, ErrRunFinalized)
	}
	e.publish(ctx, events.NewEvent(events.EventRunCancelled, runID, "", &events.RunPayload{Pipeline: run.Pipeline, Status: string(final.Status), Error: final.Error}))
	log.Printf("🛑 [Engine] Run %s 已取消", runID)
	return final, nil
}

// ForceRetry 将failed的Task重置为pending，并恢复其被跳过的下游
// 只对in-progress的Run有效；已结束的Run使用RetryFailed
func (e *Engine) ForceRetry(ctx context.Context, p *Pipeline, runID, taskID string) ([]string, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("Run %s 状态为%s，请使用retry-failed: %w", runID, run.Status, ErrRunFinalized)
	}
	g, err := p.Graph()
	if err != nil {
		return nil, err
	}
	if !g.Has(taskID) {
		return nil, fmt.Errorf("Task %s: %w", taskID, storage.ErrNotFound)
	}

	// 先重置失败的Task，再恢复下游，避免并发规划把下游再次跳过
	if _, err := e.store.TryTransition(ctx, runID, taskID, task.StatusFailed, task.StatusPending, storage.Patch{
		Attempts:   storage.Ptr(0),
		LastError:  storage.Ptr(""),
		NotBefore:  storage.Ptr(time.Time{}),
		FinishedAt: storage.Ptr(time.Time{}),
	}); err != nil {
		return nil, fmt.Errorf("重置Task %s 失败: %w", taskID, err)
	}
	reset := []string{taskID}

	failed, err := e.store.ListByStatus(ctx, runID, task.StatusFailed)
	if err != nil {
		return reset, err
	}
	stillFailed := make(map[string]bool, len(failed))
	for _, t := range failed {
		stillFailed[t.ID] = true
	}
	for _, id := range g.Descendants(taskID) {
		t, err := e.store.Get(ctx, runID, id)
		if err != nil {
			return reset, err
		}
		if t.Status != task.StatusSkipped || blockedBy(g.Ancestors(id), stillFailed) {
			continue
		}
		_, err = e.store.TryTransition(ctx, runID, id, task.StatusSkipped, task.StatusPending, storage.Patch{
			LastError:  storage.Ptr(""),
			FinishedAt: storage.Ptr(time.Time{}),
		})
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return reset, err
		}
		reset = append(reset, id)
	}
	log.Printf("🔁 [Engine] 强制重试: Run=%s, Tasks=%v", runID, reset)
	return reset, nil
}

// blockedBy 上游中是否仍有failed的Task，此时下游保持skipped
func blockedBy(ancestors []string, failed map[string]bool) bool {
	for _, id := range ancestors {
		if failed[id] {
			return true
		}
	}
	return false
}

// RetryFailed 以新Run重跑已结束Run中未成功的子图
// 原Run中已成功的Task在新Run里直接标记为succeeded
func (e *Engine) RetryFailed(ctx context.Context, p *Pipeline, runID string) (string, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if !run.Status.IsTerminal() {
		return "", fmt.Errorf("Run %s: %w", runID, ErrRunInProgress)
	}
	if run.Pipeline != p.Name {
		return "", fmt.Errorf("Run %s 属于Pipeline %s，而非 %s", runID, run.Pipeline, p.Name)
	}
	g, err := p.Graph()
	if err != nil {
		return "", err
	}
	previous, err := e.store.ListByStatus(ctx, runID)
	if err != nil {
		return "", err
	}
	done := make(map[string]*task.Task, len(previous))
	for _, t := range previous {
		if t.Status == task.StatusSucceeded {
			done[t.ID] = t
		}
	}

	newRunID := NewRunID()
	tasks := seedTasks(g, done, e.now())
	if _, err := e.store.CreateRun(ctx, &storage.Run{ID: newRunID, Pipeline: p.Name}, tasks); err != nil {
		return "", fmt.Errorf("创建Run失败: %w", err)
	}
	log.Printf("🔁 [Engine] 重跑Run %s 的失败子图: 新Run=%s, 已成功=%d/%d", runID, newRunID, len(done), g.Len())
	return newRunID, nil
}

func seedTasks(g *dag.Graph, done map[string]*task.Task, now time.Time) []*task.Task {
	tasks := make([]*task.Task, 0, g.Len())
	for _, d := range g.Declarations() {
		t := &task.Task{ID: d.ID, DependsOn: d.DependsOn}
		if prev, ok := done[d.ID]; ok {
			t.Status = task.StatusSucceeded
			t.Cursor = task.CursorEnd
			t.ChunksDone = prev.ChunksDone
			t.RowsLoaded = prev.RowsLoaded
			t.FinishedAt = now
		}
		tasks = append(tasks, t)
	}
	return tasks
}
