package handler

import (
	"fmt"
	"net/http"

	"github.com/LENAX/el-engine/pkg/api/dto"
	"github.com/LENAX/el-engine/pkg/core/engine"
	"github.com/gin-gonic/gin"
)

// PipelineHandler Pipeline API处理器
type PipelineHandler struct {
	engine *engine.Engine
}

// NewPipelineHandler 创建PipelineHandler
func NewPipelineHandler(eng *engine.Engine) *PipelineHandler {
	return &PipelineHandler{engine: eng}
}

// List 列出已注册的Pipeline
// GET /api/v1/pipelines
func (h *PipelineHandler) List(c *gin.Context) {
	names := h.engine.Pipelines()
	items := make([]dto.PipelineSummary, 0, len(names))
	for _, name := range names {
		if p, ok := h.engine.GetPipeline(name); ok {
			items = append(items, pipelineSummary(p))
		}
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.PipelineSummary]{
		Total: len(items),
		Items: items,
	}))
}

// Get 获取Pipeline定义
// GET /api/v1/pipelines/:name
func (h *PipelineHandler) Get(c *gin.Context) {
	name := c.Param("name")
	p, ok := h.engine.GetPipeline(name)
	if !ok {
		c.JSON(http.StatusNotFound, dto.NewErrorResponse(404, fmt.Sprintf("Pipeline不存在: %s", name)))
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(pipelineSummary(p)))
}

// Schedules 列出定时调度
// GET /api/v1/schedules
func (h *PipelineHandler) Schedules(c *gin.Context) {
	entries := h.engine.CronScheduler().Entries()
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[engine.ScheduleEntry]{
		Total: len(entries),
		Items: entries,
	}))
}

func pipelineSummary(p *engine.Pipeline) dto.PipelineSummary {
	s := dto.PipelineSummary{Name: p.Name, Schedule: p.Schedule, Tables: make([]dto.TableSummary, 0, len(p.Tables))}
	for _, t := range p.Tables {
		table := t.Spec.SourceTable
		if table == "" && t.Spec.Query != "" {
			table = "(query)"
		}
		s.Tables = append(s.Tables, dto.TableSummary{
			ID:        t.Spec.TaskID,
			Source:    t.Spec.Source,
			Table:     table,
			Target:    t.Spec.Target.URI(),
			Mode:      string(t.Spec.Mode),
			DependsOn: t.DependsOn,
		})
	}
	return s
}
