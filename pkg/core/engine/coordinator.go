package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/LENAX/el-engine/pkg/core/dag"
	"github.com/LENAX/el-engine/pkg/core/events"
	"github.com/LENAX/el-engine/pkg/core/executor"
	"github.com/LENAX/el-engine/pkg/core/retry"
	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
	"golang.org/x/sync/errgroup"
)

// TaskFailure 报告中的失败或跳过Task
type TaskFailure struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
	Error  string      `json:"error"`
}

// RunResult Run报告（对外导出）
type RunResult struct {
	RunID      string                 `json:"run_id"`
	Pipeline   string                 `json:"pipeline"`
	Status     storage.RunStatus      `json:"status"`
	Error      string                 `json:"error,omitempty"`
	Tasks      map[string]task.Status `json:"tasks"`
	Failures   []TaskFailure          `json:"failures,omitempty"`
	Executions int                    `json:"executions"` // 本次Execute发起的Executor调用次数
	CreatedAt  time.Time              `json:"created_at"`
	FinishedAt time.Time              `json:"finished_at,omitempty"`
}

// Succeeded 是否全部成功
func (r *RunResult) Succeeded() bool {
	return r.Status == storage.RunSucceeded
}

// roundOutcome 一轮协调的结果
type roundOutcome struct {
	Cancelled  bool
	Terminal   bool
	Eligible   []string
	Dispatched int
	Results    map[string]executor.Result
	InFlight   int       // 本轮结束时仍在途（含其他协调者持有）的Task
	Blocked    []string  // 无法再推进的pending/ready Task
	WaitUntil  time.Time // 最早的退避结束时间
}

// Execute 创建或恢复Run并执行到终态
// 父ctx取消时立即返回错误，Run保持in-progress，可再次Execute续跑
func (e *Engine) Execute(ctx context.Context, p *Pipeline, runID string) (*RunResult, error) {
	g, err := p.Graph()
	if err != nil {
		return nil, err
	}
	run, err := e.ensureRun(ctx, p, g, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		log.Printf("ℹ️ [Engine] Run %s 已结束(%s)，直接返回报告", runID, run.Status)
		return e.report(ctx, run)
	}
	e.publish(ctx, events.NewEvent(events.EventRunStarted, runID, "", &events.RunPayload{Pipeline: p.Name, Status: string(run.Status)}))
	log.Printf("🚀 [Engine] 执行Run: %s, Pipeline=%s, Tasks=%d", runID, p.Name, g.Len())

	runCtx := ctx
	if e.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.RunTimeout)
		defer cancel()
	}

	specs := p.specIndex()
	executions := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if runCtx.Err() != nil {
			log.Printf("⏰ [Engine] Run %s 超时(%s)", runID, e.opts.RunTimeout)
			if err := e.skipRemaining(ctx, runID, "运行超时，未执行"); err != nil {
				return nil, err
			}
			final, err := e.finalizeAs(ctx, runID, p.Name, storage.RunFailed, fmt.Sprintf("运行超时(%s)", e.opts.RunTimeout))
			if err != nil {
				return nil, err
			}
			return e.withExecutions(ctx, final, executions)
		}

		if err := e.recoverStale(runCtx, runID); err != nil {
			return nil, err
		}
		out, err := e.round(ctx, runCtx, g, runID, specs)
		if out != nil {
			executions += out.Dispatched
		}
		if err != nil {
			if runCtx.Err() != nil {
				continue
			}
			if errors.Is(err, storage.ErrStoreUnavailable) {
				log.Printf("⚠️ [Engine] 状态存储暂不可用，稍后重试: %v", err)
				if err := e.sleep(runCtx, e.opts.PollInterval); err != nil && ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, err
		}

		if out.Cancelled {
			stored, err := e.store.GetRun(ctx, runID)
			if err != nil {
				return nil, err
			}
			log.Printf("🛑 [Engine] Run %s 已被终止(%s)，停止派发", runID, stored.Status)
			return e.withExecutions(ctx, stored, executions)
		}
		if out.Terminal {
			final, err := e.finalize(ctx, runID, p.Name)
			if err != nil {
				return nil, err
			}
			return e.withExecutions(ctx, final, executions)
		}
		if out.Dispatched > 0 {
			continue
		}

		switch {
		case !out.WaitUntil.IsZero():
			if err := e.sleep(runCtx, out.WaitUntil.Sub(e.now())); err != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
		case out.InFlight > 0:
			// 其他协调者持有的Task，等待其完成或失联回收
			if err := e.sleep(runCtx, e.opts.PollInterval); err != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
		case len(out.Blocked) > 0:
			if err := e.skip(ctx, runID, out.Blocked, "blocked: 无可执行路径"); err != nil {
				return nil, err
			}
		}
	}
}

// ensureRun 幂等创建Run，已存在时返回存储中的Run
func (e *Engine) ensureRun(ctx context.Context, p *Pipeline, g *dag.Graph, runID string) (*storage.Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("Run ID不能为空")
	}
	tasks := make([]*task.Task, 0, g.Len())
	for _, d := range g.Declarations() {
		tasks = append(tasks, &task.Task{ID: d.ID, DependsOn: d.DependsOn})
	}
	run, err := e.store.CreateRun(ctx, &storage.Run{ID: runID, Pipeline: p.Name}, tasks)
	if err != nil {
		return nil, fmt.Errorf("创建Run失败: %w", err)
	}
	if run.Pipeline != p.Name {
		return nil, fmt.Errorf("Run %s 属于Pipeline %s，而非 %s", runID, run.Pipeline, p.Name)
	}
	return run, nil
}

// round 执行一轮：规划、认领、派发、应用结果
// execCtx只用于Executor调用，状态写回使用ctx，保证超时后结果仍能落盘
func (e *Engine) round(ctx, execCtx context.Context, g *dag.Graph, runID string, specs map[string]connector.TableSpec) (*roundOutcome, error) {
	out := &roundOutcome{Results: make(map[string]executor.Result)}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != storage.RunInProgress {
		out.Cancelled = true
		return out, nil
	}

	plan, err := e.scheduler.Plan(ctx, g, runID, e.opts.MaxConcurrency)
	if err != nil {
		return nil, err
	}
	for _, t := range plan.Eligible {
		out.Eligible = append(out.Eligible, t.ID)
	}

	checkpointed, err := e.store.ListByStatus(ctx, runID, task.StatusCheckpointed)
	if err != nil {
		return nil, err
	}
	running := plan.InFlight - len(checkpointed)
	if running < 0 {
		running = 0
	}
	capacity := e.opts.MaxConcurrency - running

	// 认领出错时停止认领，已认领的照常派发，错误交由调用方退避重试
	claimed := make([]*task.Task, 0, capacity)
	var claimErr error
	candidates := append(append([]*task.Task(nil), checkpointed...), plan.Eligible...)
	for _, t := range candidates {
		if len(claimed) >= capacity {
			break
		}
		c, err := e.claim(ctx, t)
		if err != nil {
			claimErr = err
			break
		}
		if c != nil {
			claimed = append(claimed, c)
		}
	}

	if len(claimed) > 0 {
		results := e.dispatch(execCtx, claimed, specs)
		out.Dispatched = len(claimed)
		for i, t := range claimed {
			out.Results[t.ID] = results[i]
		}
		// 派发期间Run可能已被取消，此时不再处理结果
		current, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return out, err
		}
		if current.Status != storage.RunInProgress {
			log.Printf("🛑 [Engine] Run %s 已被终止(%s)，忽略本轮%d个结果", runID, current.Status, len(claimed))
			out.Cancelled = true
			return out, nil
		}
		for i, t := range claimed {
			e.apply(ctx, t, results[i])
		}
		return out, claimErr
	}
	if claimErr != nil {
		return out, claimErr
	}

	// 本轮无可派发Task，判断终态、退避或阻塞
	tasks, err := e.store.ListByStatus(ctx, runID)
	if err != nil {
		return nil, err
	}
	active := 0
	for _, t := range tasks {
		switch t.Status {
		case task.StatusRunning, task.StatusCheckpointed:
			out.InFlight++
			active++
		case task.StatusPending, task.StatusReady:
			active++
		}
	}
	if active == 0 {
		out.Terminal = true
		return out, nil
	}
	out.WaitUntil = plan.EarliestRetry()
	if out.InFlight == 0 && out.WaitUntil.IsZero() {
		for _, t := range tasks {
			if t.Status == task.StatusPending || t.Status == task.StatusReady {
				out.Blocked = append(out.Blocked, t.ID)
			}
		}
	}
	return out, nil
}

// claim 以CAS认领Task，冲突时返回(nil, nil)，其他错误原样返回
func (e *Engine) claim(ctx context.Context, t *task.Task) (*task.Task, error) {
	patch := storage.Patch{StartedAt: storage.Ptr(e.now())}
	if t.Status == task.StatusReady {
		patch.IncrementAttempts = true
	}
	claimed, err := e.store.TryTransition(ctx, t.RunID, t.ID, t.Status, task.StatusRunning, patch)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, nil
		}
		log.Printf("⚠️ [Engine] 认领Task失败: %s/%s, Error=%v", t.RunID, t.ID, err)
		return nil, fmt.Errorf("认领Task %s 失败: %w", t.ID, err)
	}
	return claimed, nil
}

// dispatch 并发执行已认领的Task，宽度不超过MaxConcurrency
func (e *Engine) dispatch(ctx context.Context, claimed []*task.Task, specs map[string]connector.TableSpec) []executor.Result {
	results := make([]executor.Result, len(claimed))
	var eg errgroup.Group
	eg.SetLimit(e.opts.MaxConcurrency)
	for i, t := range claimed {
		eg.Go(func() error {
			spec, ok := specs[t.ID]
			if !ok {
				results[i] = executor.Result{Kind: executor.Failed, Task: t, Err: task.Permanent("dispatch", fmt.Errorf("Task %s 没有表定义", t.ID))}
				return nil
			}
			results[i] = e.executor.Run(ctx, t, spec, e.opts.ChunkTimeBudget)
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// apply 根据执行结果与重试策略推进Task状态
func (e *Engine) apply(ctx context.Context, claimed *task.Task, res executor.Result) {
	if res.Kind != executor.Failed {
		return
	}
	t := res.Task
	if t == nil {
		t = claimed
	}
	decision := e.policy.Decide(t, res.Err)
	switch decision.Action {
	case retry.ActionDrop:
		log.Printf("ℹ️ [Engine] Task %s/%s 已被其他调用认领，丢弃本次结果", t.RunID, t.ID)
	case retry.ActionRetry:
		notBefore := e.now().Add(decision.Delay)
		_, err := e.store.TryTransition(ctx, t.RunID, t.ID, task.StatusRunning, task.StatusPending, storage.Patch{
			LastError: storage.Ptr(res.Err.Error()),
			NotBefore: storage.Ptr(notBefore),
		})
		if err != nil {
			log.Printf("⚠️ [Engine] Task %s/%s 退回pending失败: %v", t.RunID, t.ID, err)
			return
		}
		log.Printf("🔄 [Engine] Task %s/%s 第%d次尝试失败，%s后重试: %v", t.RunID, t.ID, t.Attempts, decision.Delay, res.Err)
		e.publish(ctx, events.NewEvent(events.EventTaskRetryWaiting, t.RunID, t.ID, &events.RetryPayload{
			Attempts:  t.Attempts,
			NotBefore: notBefore,
			Error:     res.Err.Error(),
		}))
	case retry.ActionGiveUp:
		msg := fmt.Sprintf("%s: %v", decision.Reason, res.Err)
		_, err := e.store.TryTransition(ctx, t.RunID, t.ID, task.StatusRunning, task.StatusFailed, storage.Patch{
			LastError:  storage.Ptr(msg),
			FinishedAt: storage.Ptr(e.now()),
		})
		if err != nil {
			log.Printf("⚠️ [Engine] Task %s/%s 置为failed失败: %v", t.RunID, t.ID, err)
			return
		}
		log.Printf("❌ [Engine] Task %s/%s 失败: %s", t.RunID, t.ID, msg)
	}
}

// recoverStale 回收长时间未更新的running Task
// 已达尝试上限的置为failed；有游标的回到checkpointed，否则回到pending，尝试次数不变
func (e *Engine) recoverStale(ctx context.Context, runID string) error {
	running, err := e.store.ListByStatus(ctx, runID, task.StatusRunning)
	if err != nil {
		return err
	}
	now := e.now()
	for _, t := range running {
		last := t.StartedAt
		if t.UpdatedAt.After(last) {
			last = t.UpdatedAt
		}
		if now.Sub(last) <= e.opts.StaleAfter {
			continue
		}
		next := task.StatusPending
		patch := storage.Patch{LastError: storage.Ptr(fmt.Sprintf("执行失联(超过%s未更新)，已回收", e.opts.StaleAfter))}
		switch {
		case e.policy.MaxAttempts() > 0 && t.Attempts >= e.policy.MaxAttempts():
			// 最后一次尝试失联，不再重试
			next = task.StatusFailed
			patch.LastError = storage.Ptr(fmt.Sprintf("执行失联且已达最大尝试次数(%d)", e.policy.MaxAttempts()))
			patch.FinishedAt = storage.Ptr(now)
		case t.Cursor != "":
			next = task.StatusCheckpointed
		}
		_, err := e.store.TryTransition(ctx, runID, t.ID, task.StatusRunning, next, patch)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return err
		}
		log.Printf("♻️ [Engine] 回收失联Task: %s/%s -> %s", runID, t.ID, next)
	}
	return nil
}

// skipRemaining 将仍为pending/ready的Task全部置为skipped
func (e *Engine) skipRemaining(ctx context.Context, runID, reason string) error {
	tasks, err := e.store.ListByStatus(ctx, runID, task.StatusPending, task.StatusReady)
	if err != nil {
		return err
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return e.skip(ctx, runID, ids, reason)
}

// skip 将无法推进的Task置为skipped
func (e *Engine) skip(ctx context.Context, runID string, ids []string, reason string) error {
	for _, id := range ids {
		t, err := e.store.Get(ctx, runID, id)
		if err != nil {
			return err
		}
		if t.Status != task.StatusPending && t.Status != task.StatusReady {
			continue
		}
		_, err = e.store.TryTransition(ctx, runID, id, t.Status, task.StatusSkipped, storage.Patch{
			LastError:  storage.Ptr(reason),
			FinishedAt: storage.Ptr(e.now()),
		})
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			return err
		}
		log.Printf("⏭️ [Engine] Task %s/%s 置为skipped: %s", runID, id, reason)
	}
	return nil
}

// finalize 根据各Task终态计算Run状态并写入
func (e *Engine) finalize(ctx context.Context, runID, pipeline string) (*storage.Run, error) {
	tasks, err := e.store.ListByStatus(ctx, runID)
	if err != nil {
		return nil, err
	}
	succeeded := 0
	for _, t := range tasks {
		if t.Status == task.StatusSucceeded {
			succeeded++
		}
	}
	status := storage.RunFailed
	switch {
	case succeeded == len(tasks):
		status = storage.RunSucceeded
	case succeeded > 0:
		status = storage.RunPartiallySucceeded
	}
	return e.finalizeAs(ctx, runID, pipeline, status, "")
}

// finalizeAs 写入Run终态；已被其他调用写入时返回存储中的Run
func (e *Engine) finalizeAs(ctx context.Context, runID, pipeline string, status storage.RunStatus, errMsg string) (*storage.Run, error) {
	tasks, err := e.store.ListByStatus(ctx, runID)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]task.Status, len(tasks))
	for _, t := range tasks {
		snapshot[t.ID] = t.Status
	}
	run, err := e.store.FinalizeRun(ctx, runID, status, errMsg, snapshot)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return e.store.GetRun(ctx, runID)
		}
		return nil, fmt.Errorf("结束Run失败: %w", err)
	}
	log.Printf("🏁 [Engine] Run %s 结束: %s", runID, run.Status)

	payload := &events.RunPayload{Pipeline: pipeline, Status: string(run.Status), Error: run.Error}
	for _, t := range tasks {
		if t.Status == task.StatusFailed || t.Status == task.StatusSkipped {
			payload.Failures = append(payload.Failures, events.Failure{TaskID: t.ID, Status: string(t.Status), Error: t.LastError})
		}
	}
	e.publish(ctx, events.NewEvent(events.EventRunFinalized, runID, "", payload))
	return run, nil
}

// RunResult 读取Run报告
func (e *Engine) RunResult(ctx context.Context, runID string) (*RunResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return e.report(ctx, run)
}

func (e *Engine) withExecutions(ctx context.Context, run *storage.Run, executions int) (*RunResult, error) {
	res, err := e.report(ctx, run)
	if err != nil {
		return nil, err
	}
	res.Executions = executions
	return res, nil
}

// report 由存储中的Run与Task构造报告
func (e *Engine) report(ctx context.Context, run *storage.Run) (*RunResult, error) {
	tasks, err := e.store.ListByStatus(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	res := &RunResult{
		RunID:      run.ID,
		Pipeline:   run.Pipeline,
		Status:     run.Status,
		Error:      run.Error,
		Tasks:      make(map[string]task.Status, len(tasks)),
		CreatedAt:  run.CreatedAt,
		FinishedAt: run.FinishedAt,
	}
	for _, t := range tasks {
		res.Tasks[t.ID] = t.Status
		if t.Status == task.StatusFailed || t.Status == task.StatusSkipped {
			res.Failures = append(res.Failures, TaskFailure{TaskID: t.ID, Status: t.Status, Error: t.LastError})
		}
	}
	return res, nil
}

func (e *Engine) publish(ctx context.Context, event *events.Event) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		log.Printf("⚠️ [Engine] 发布事件失败: %s, Error=%v", event.Type, err)
	}
}

// sleep 可被ctx打断的等待
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
