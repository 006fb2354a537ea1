package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/LENAX/el-engine/pkg/api/dto"
	"github.com/LENAX/el-engine/pkg/core/cache"
	"github.com/LENAX/el-engine/pkg/core/engine"
	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
	"github.com/gin-gonic/gin"
)

// ReportTTL 未配置时已结束Run报告的缓存时长
const ReportTTL = 10 * time.Minute

// RunHandler Run API处理器
type RunHandler struct {
	engine *engine.Engine
	runner *Runner
	cache  cache.ResultCache
	ttl    time.Duration
}

// NewRunHandler 创建RunHandler，cache可为nil，ttl<=0时使用ReportTTL
func NewRunHandler(eng *engine.Engine, runner *Runner, c cache.ResultCache, ttl time.Duration) *RunHandler {
	if ttl <= 0 {
		ttl = ReportTTL
	}
	return &RunHandler{engine: eng, runner: runner, cache: c, ttl: ttl}
}

// List 列出最近的Run
// GET /api/v1/runs
func (h *RunHandler) List(c *gin.Context) {
	var query dto.ListQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf("查询参数错误: %v", err)))
		return
	}

	runs, err := h.engine.Store().ListRuns(c.Request.Context(), query.GetDefaultLimit())
	if err != nil {
		writeError(c, "查询Run失败", err)
		return
	}
	items := make([]dto.RunSummary, 0, len(runs))
	for _, run := range runs {
		items = append(items, runSummary(run))
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.RunSummary]{
		Total: len(items),
		Items: items,
	}))
}

// Start 启动Run
// 默认在后台执行并返回202，wait=true时同步等待Run结束
// POST /api/v1/runs
func (h *RunHandler) Start(c *gin.Context) {
	var req dto.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf("请求参数错误: %v", err)))
		return
	}
	p, ok := h.engine.GetPipeline(req.Pipeline)
	if !ok {
		c.JSON(http.StatusNotFound, dto.NewErrorResponse(404, fmt.Sprintf("Pipeline不存在: %s", req.Pipeline)))
		return
	}
	runID := req.RunID
	if runID == "" {
		runID = engine.NewRunID()
	}

	if req.Wait {
		res, err := h.engine.Execute(c.Request.Context(), p, runID)
		if err != nil {
			writeError(c, "执行Run失败", err)
			return
		}
		h.remember(res)
		c.JSON(http.StatusOK, dto.NewSuccessResponse(res))
		return
	}

	// 先同步创建Run，返回后即可查询
	if _, err := h.engine.Step(c.Request.Context(), engine.StepRequest{RunID: runID, Pipeline: p, Action: engine.StepPlan}); err != nil {
		writeError(c, "创建Run失败", err)
		return
	}
	h.runner.Go(p, runID)
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(dto.RunAccepted{RunID: runID, Pipeline: p.Name}))
}

// Get 获取Run报告
// GET /api/v1/runs/:id
func (h *RunHandler) Get(c *gin.Context) {
	runID := c.Param("id")
	if h.cache != nil {
		if v, ok := h.cache.Get(runID); ok {
			if res, ok := v.(*engine.RunResult); ok {
				c.JSON(http.StatusOK, dto.NewSuccessResponse(res))
				return
			}
		}
	}

	res, err := h.engine.RunResult(c.Request.Context(), runID)
	if err != nil {
		writeError(c, "查询Run失败", err)
		return
	}
	h.remember(res)
	c.JSON(http.StatusOK, dto.NewSuccessResponse(res))
}

// Tasks 列出Run的Task，支持按状态过滤
// GET /api/v1/runs/:id/tasks?status=failed,skipped
func (h *RunHandler) Tasks(c *gin.Context) {
	runID := c.Param("id")
	var query dto.TaskQueryRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf("查询参数错误: %v", err)))
		return
	}
	statuses, err := parseStatuses(query.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, err.Error()))
		return
	}

	ctx := c.Request.Context()
	if _, err := h.engine.Store().GetRun(ctx, runID); err != nil {
		writeError(c, "查询Run失败", err)
		return
	}
	tasks, err := h.engine.Store().ListByStatus(ctx, runID, statuses...)
	if err != nil {
		writeError(c, "查询Task失败", err)
		return
	}
	items := make([]dto.TaskDetail, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, taskDetail(t))
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.TaskDetail]{
		Total: len(items),
		Items: items,
	}))
}

// History 获取Task的状态转换记录
// GET /api/v1/runs/:id/tasks/:task/history
func (h *RunHandler) History(c *gin.Context) {
	runID, taskID := c.Param("id"), c.Param("task")
	ctx := c.Request.Context()
	if _, err := h.engine.Store().Get(ctx, runID, taskID); err != nil {
		writeError(c, "查询Task失败", err)
		return
	}
	history, err := h.engine.Store().History(ctx, runID, taskID)
	if err != nil {
		writeError(c, "查询转换记录失败", err)
		return
	}
	items := make([]dto.TransitionRecord, 0, len(history))
	for _, tr := range history {
		items = append(items, dto.TransitionRecord{
			From:      tr.From,
			To:        tr.To,
			Attempts:  tr.Attempts,
			Cursor:    tr.Cursor,
			Error:     tr.Error,
			CreatedAt: tr.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.TransitionRecord]{
		Total: len(items),
		Items: items,
	}))
}

// Cancel 取消Run
// POST /api/v1/runs/:id/cancel
func (h *RunHandler) Cancel(c *gin.Context) {
	run, err := h.engine.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "取消Run失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(runSummary(run)))
}

// Retry 强制重试失败的Task，并在后台继续驱动Run
// POST /api/v1/runs/:id/tasks/:task/retry
func (h *RunHandler) Retry(c *gin.Context) {
	runID, taskID := c.Param("id"), c.Param("task")
	p, ok := h.pipelineForRun(c, runID)
	if !ok {
		return
	}
	reset, err := h.engine.ForceRetry(c.Request.Context(), p, runID, taskID)
	if err != nil {
		writeError(c, "重试Task失败", err)
		return
	}
	h.runner.Go(p, runID)
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(dto.RetryResponse{RunID: runID, Reset: reset}))
}

// RetryFailed 以新Run重跑已结束Run中未成功的部分
// POST /api/v1/runs/:id/retry-failed
func (h *RunHandler) RetryFailed(c *gin.Context) {
	runID := c.Param("id")
	p, ok := h.pipelineForRun(c, runID)
	if !ok {
		return
	}
	newRunID, err := h.engine.RetryFailed(c.Request.Context(), p, runID)
	if err != nil {
		writeError(c, "重跑Run失败", err)
		return
	}
	h.runner.Go(p, newRunID)
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(dto.RunAccepted{RunID: newRunID, Pipeline: p.Name}))
}

// Step 单步执行
// POST /api/v1/step
func (h *RunHandler) Step(c *gin.Context) {
	var req dto.StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf("请求参数错误: %v", err)))
		return
	}
	p, ok := h.engine.GetPipeline(req.Pipeline)
	if !ok {
		c.JSON(http.StatusNotFound, dto.NewErrorResponse(404, fmt.Sprintf("Pipeline不存在: %s", req.Pipeline)))
		return
	}
	res, err := h.engine.Step(c.Request.Context(), engine.StepRequest{
		RunID:    req.RunID,
		Pipeline: p,
		Action:   engine.StepAction(req.Action),
	})
	if err != nil {
		writeError(c, "单步执行失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(res))
}

// pipelineForRun 查找Run所属的已注册Pipeline，失败时已写入响应
func (h *RunHandler) pipelineForRun(c *gin.Context, runID string) (*engine.Pipeline, bool) {
	run, err := h.engine.Store().GetRun(c.Request.Context(), runID)
	if err != nil {
		writeError(c, "查询Run失败", err)
		return nil, false
	}
	p, ok := h.engine.GetPipeline(run.Pipeline)
	if !ok {
		c.JSON(http.StatusNotFound, dto.NewErrorResponse(404, fmt.Sprintf("Pipeline不存在: %s", run.Pipeline)))
		return nil, false
	}
	return p, true
}

// remember 缓存已结束的Run报告，终态不会再变化
func (h *RunHandler) remember(res *engine.RunResult) {
	if h.cache == nil || res == nil || !res.Status.IsTerminal() {
		return
	}
	_ = h.cache.Set(res.RunID, res, h.ttl)
}

func parseStatuses(raw string) ([]task.Status, error) {
	if raw == "" {
		return nil, nil
	}
	var out []task.Status
	for _, part := range strings.Split(raw, ",") {
		s := task.Status(strings.TrimSpace(part))
		if !s.IsValid() {
			return nil, fmt.Errorf("未知的Task状态: %s", part)
		}
		out = append(out, s)
	}
	return out, nil
}

func runSummary(run *storage.Run) dto.RunSummary {
	s := dto.RunSummary{
		ID:         run.ID,
		Pipeline:   run.Pipeline,
		Status:     run.Status,
		Error:      run.Error,
		CreatedAt:  run.CreatedAt,
		FinishedAt: dto.TimePtr(run.FinishedAt),
	}
	if !run.FinishedAt.IsZero() {
		s.Duration = formatDuration(run.FinishedAt.Sub(run.CreatedAt))
	}
	return s
}

func taskDetail(t *task.Task) dto.TaskDetail {
	return dto.TaskDetail{
		ID:         t.ID,
		DependsOn:  t.DependsOn,
		Status:     t.Status,
		Attempts:   t.Attempts,
		Cursor:     t.Cursor,
		ChunksDone: t.ChunksDone,
		RowsLoaded: t.RowsLoaded,
		LastError:  t.LastError,
		NotBefore:  dto.TimePtr(t.NotBefore),
		StartedAt:  dto.TimePtr(t.StartedAt),
		FinishedAt: dto.TimePtr(t.FinishedAt),
	}
}

// writeError 按错误类型映射HTTP状态码
func writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrRunFinalized), errors.Is(err, engine.ErrRunInProgress), errors.Is(err, storage.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, dto.NewErrorResponse(status, fmt.Sprintf("%s: %v", msg, err)))
}
