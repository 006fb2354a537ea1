package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFrameworkConfig 加载引擎框架配置，应用默认值并校验
// 配置内容中的${VAR}按环境变量展开
func LoadFrameworkConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cfg EngineConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	cfg.ApplyDefaults()
	if err := ValidateFrameworkConfig(&cfg); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &cfg, nil
}

// DefaultFrameworkConfig 返回只含默认值的配置（本地sqlite+文件暂存）
func DefaultFrameworkConfig() *EngineConfig {
	cfg := &EngineConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// LoadPipelineConfig 加载流水线配置，应用默认值并校验
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取流水线配置失败: %w", err)
	}
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析流水线配置失败: %w", err)
	}
	cfg.ApplyDefaults()
	if err := ValidatePipelineConfig(&cfg); err != nil {
		return nil, fmt.Errorf("流水线配置校验失败: %w", err)
	}
	return &cfg, nil
}
