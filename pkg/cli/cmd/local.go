package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/LENAX/el-engine/internal/bootstrap"
	"github.com/LENAX/el-engine/pkg/cli/output"
	"github.com/LENAX/el-engine/pkg/config"
)

// defaultConfigPaths 未指定--config时依次查找
var defaultConfigPaths = []string{
	"./configs/el-engine.yaml",
	"./config/el-engine.yaml",
	"./el-engine.yaml",
}

// loadConfig 加载引擎配置，返回配置与其所在目录
// 找不到配置文件时使用默认配置
func loadConfig() (*config.EngineConfig, string, error) {
	path := configPath
	if path == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		output.Warning("未找到配置文件，使用默认配置")
		return config.DefaultFrameworkConfig(), "", nil
	}
	cfg, err := config.LoadFrameworkConfig(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, filepath.Dir(path), nil
}

// openApp 组装运行环境并加载流水线（配置中的与--pipeline指定的）
func openApp(ctx context.Context) (*bootstrap.App, error) {
	cfg, baseDir, err := loadConfig()
	if err != nil {
		return nil, err
	}
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	paths, err := cfg.PipelinePaths(baseDir)
	if err != nil {
		app.Close()
		return nil, err
	}
	paths = append(paths, pipelineFiles...)
	if err := app.LoadPipelines(paths...); err != nil {
		app.Close()
		return nil, fmt.Errorf("加载流水线失败: %w", err)
	}
	return app, nil
}
