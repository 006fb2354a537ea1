package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/LENAX/el-engine/pkg/api/handler"
	"github.com/gin-gonic/gin"
)

// ServerConfig API服务器配置
type ServerConfig struct {
	Host         string        // 监听地址
	Port         int           // 监听端口
	ReadTimeout  time.Duration // 读取超时
	WriteTimeout time.Duration // 写入超时，同步执行Run时需足够长
}

// DefaultServerConfig 默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
	}
}

// APIServer HTTP API服务器
type APIServer struct {
	deps       Deps
	httpServer *http.Server
	config     ServerConfig
	version    string
}

// NewAPIServer 创建API服务器
func NewAPIServer(deps Deps, config ServerConfig, version string) *APIServer {
	if deps.Runner == nil {
		deps.Runner = handler.NewRunner(deps.Engine)
	}
	return &APIServer{
		deps:    deps,
		config:  config,
		version: version,
	}
}

// Handler 返回路由，便于测试直接调用
func (s *APIServer) Handler() *gin.Engine {
	return SetupRouter(s.deps, s.version)
}

// Start 启动服务器，阻塞直到Shutdown
func (s *APIServer) Start() error {
	gin.SetMode(gin.ReleaseMode)
	addr := s.Addr()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	log.Printf("🚀 EL Engine API Server starting on %s", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server listen failed: %w", err)
	}

	return nil
}

// Shutdown 优雅关闭服务器，并中断后台Run
func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.deps.Runner.Close()
	if s.httpServer == nil {
		return nil
	}

	log.Println("🛑 Shutting down API Server...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Println("✅ API Server stopped")
	return nil
}

// Addr 获取服务器地址
func (s *APIServer) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
