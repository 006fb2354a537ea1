package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/LENAX/el-engine/internal/bootstrap"
	"github.com/LENAX/el-engine/pkg/api"
	"github.com/LENAX/el-engine/pkg/config"
)

var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "./configs/el-engine.yaml", "引擎配置文件路径")
	host := flag.String("host", "", "监听地址（默认取配置）")
	port := flag.Int("port", 0, "监听端口（默认取配置）")
	flag.Parse()

	log.Printf("EL Engine Server v%s (%s, %s)", Version, GitCommit, BuildTime)
	log.Printf("配置文件: %s", *configPath)

	// 1. 加载配置并组装运行环境
	cfg, err := config.LoadFrameworkConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	defer app.Close()

	paths, err := cfg.PipelinePaths(filepath.Dir(*configPath))
	if err != nil {
		log.Fatalf("解析流水线路径失败: %v", err)
	}
	if err := app.LoadPipelines(paths...); err != nil {
		log.Fatalf("加载流水线失败: %v", err)
	}

	// 2. 启动Engine（定时调度）
	if err := app.Engine.Start(ctx); err != nil {
		log.Fatalf("启动Engine失败: %v", err)
	}

	// 3. 创建API服务器
	serverConfig := api.DefaultServerConfig()
	serverConfig.Host, serverConfig.Port = cfg.GetAPIAddr()
	if *host != "" {
		serverConfig.Host = *host
	}
	if *port > 0 {
		serverConfig.Port = *port
	}
	apiServer := api.NewAPIServer(app.APIDeps(), serverConfig, Version)

	// 4. 在goroutine中启动API服务器
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("API服务器错误: %v", err)
		}
	}()

	log.Printf("✅ EL Engine Server started on %s", apiServer.Addr())

	// 5. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 6. 优雅关闭：先停止接收请求并中断后台Run，再停止定时调度
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭API服务器失败: %v", err)
	}

	app.Engine.Stop()
	log.Println("✅ 服务已停止")
}
