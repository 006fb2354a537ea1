package api

import (
	"time"

	"github.com/LENAX/el-engine/pkg/api/handler"
	"github.com/LENAX/el-engine/pkg/api/middleware"
	"github.com/LENAX/el-engine/pkg/core/cache"
	"github.com/LENAX/el-engine/pkg/core/engine"
	"github.com/LENAX/el-engine/pkg/core/events"
	"github.com/gin-gonic/gin"
)

// Deps 路由依赖
type Deps struct {
	Engine   *engine.Engine
	Bus      *events.Bus       // 为nil时不提供事件推送
	Cache    cache.ResultCache // 为nil时不缓存Run报告
	CacheTTL time.Duration     // Run报告缓存时长，为0时使用handler.ReportTTL
	Runner   *handler.Runner   // 后台Run驱动
}

// SetupRouter 设置路由
func SetupRouter(deps Deps, version string) *gin.Engine {
	router := gin.New()

	// 全局中间件
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS())

	runner := deps.Runner
	if runner == nil {
		runner = handler.NewRunner(deps.Engine)
	}
	runHandler := handler.NewRunHandler(deps.Engine, runner, deps.Cache, deps.CacheTTL)
	pipelineHandler := handler.NewPipelineHandler(deps.Engine)
	eventHandler := handler.NewEventHandler(deps.Bus)
	healthHandler := handler.NewHealthHandler(deps.Engine.Store(), version)

	// 健康检查路由（不带前缀）
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	v1 := router.Group("/api/v1")
	{
		pipelines := v1.Group("/pipelines")
		{
			pipelines.GET("", pipelineHandler.List)
			pipelines.GET("/:name", pipelineHandler.Get)
		}
		v1.GET("/schedules", pipelineHandler.Schedules)

		runs := v1.Group("/runs")
		{
			runs.GET("", runHandler.List)
			runs.POST("", runHandler.Start)
			runs.GET("/:id", runHandler.Get)
			runs.GET("/:id/events", eventHandler.Stream)
			runs.GET("/:id/tasks", runHandler.Tasks)
			runs.GET("/:id/tasks/:task/history", runHandler.History)
			runs.POST("/:id/tasks/:task/retry", runHandler.Retry)
			runs.POST("/:id/cancel", runHandler.Cancel)
			runs.POST("/:id/retry-failed", runHandler.RetryFailed)
		}
		v1.POST("/step", runHandler.Step)
	}

	return router
}
