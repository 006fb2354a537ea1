package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/LENAX/el-engine/pkg/core/engine"
)

// EngineConfig 引擎框架配置（对外导出）
type EngineConfig struct {
	ELEngine struct {
		General struct {
			InstanceName string `yaml:"instance_name"`
			LogLevel     string `yaml:"log_level"`
			Env          string `yaml:"env"`
		} `yaml:"general"`
		Storage struct {
			Database struct {
				Type            string        `yaml:"type"`
				DSN             string        `yaml:"dsn"`
				MaxOpenConns    int           `yaml:"max_open_conns"`
				MaxIdleConns    int           `yaml:"max_idle_conns"`
				ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
				ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
			} `yaml:"database"`
			Cache struct {
				Enabled       bool          `yaml:"enabled"`
				DefaultTTL    time.Duration `yaml:"default_ttl"`
				CleanInterval time.Duration `yaml:"clean_interval"`
			} `yaml:"cache"`
		} `yaml:"storage"`
		Execution struct {
			MaxConcurrency     int           `yaml:"max_concurrency"`
			MaxAttemptsPerTask int           `yaml:"max_attempts_per_task"`
			ChunkTimeBudget    time.Duration `yaml:"chunk_time_budget"` // 负数表示不限
			BackoffBase        time.Duration `yaml:"backoff_base"`
			BackoffMax         time.Duration `yaml:"backoff_max"`
			Jitter             *bool         `yaml:"jitter"`
			ChunkSize          int           `yaml:"chunk_size"`
			RunTimeout         time.Duration `yaml:"run_timeout"`
			StaleAfter         time.Duration `yaml:"stale_after"`
			PollInterval       time.Duration `yaml:"poll_interval"`
		} `yaml:"execution"`
		Staging   StagingConfig   `yaml:"staging"`
		Warehouse WarehouseConfig `yaml:"warehouse"`
		Sources   []SourceConfig  `yaml:"sources"`
		Pipelines []string        `yaml:"pipelines"` // 流水线配置文件，支持通配符
		API       struct {
			Host        string `yaml:"host"`
			Port        int    `yaml:"port"`
			EventBuffer int    `yaml:"event_buffer"`
		} `yaml:"api"`
		Alerts struct {
			Email EmailAlertConfig `yaml:"email"`
		} `yaml:"alerts"`
	} `yaml:"el-engine"`
}

// StagingConfig 暂存区配置
type StagingConfig struct {
	Type string `yaml:"type"` // fs/s3/memory
	Path string `yaml:"path"` // fs根目录
	S3   struct {
		Bucket    string `yaml:"bucket"`
		Prefix    string `yaml:"prefix"`
		Region    string `yaml:"region"`
		Endpoint  string `yaml:"endpoint"`
		PathStyle bool   `yaml:"path_style"`
	} `yaml:"s3"`
}

// WarehouseConfig 目标仓库配置
type WarehouseConfig struct {
	Type       string `yaml:"type"` // sqlite/postgres/mysql
	DSN        string `yaml:"dsn"`
	CopyLoader bool   `yaml:"copy_loader"` // PostgreSQL使用COPY批量加载
}

// SourceConfig 数据源配置
type SourceConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // sqlite/postgres/mysql
	DSN  string `yaml:"dsn"`
}

// EmailAlertConfig 邮件告警配置
type EmailAlertConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// GetDatabaseType 获取数据库类型
func (c *EngineConfig) GetDatabaseType() string {
	return c.ELEngine.Storage.Database.Type
}

// GetDatabaseDSN 获取数据库DSN
func (c *EngineConfig) GetDatabaseDSN() string {
	return c.ELEngine.Storage.Database.DSN
}

// GetMaxConcurrency 获取同一Run的并发上限
func (c *EngineConfig) GetMaxConcurrency() int {
	concurrency := c.ELEngine.Execution.MaxConcurrency
	if concurrency <= 0 {
		return 4 // 默认值
	}
	return concurrency
}

// PipelinePaths 展开流水线配置文件列表，相对路径基于baseDir
func (c *EngineConfig) PipelinePaths(baseDir string) ([]string, error) {
	var out []string
	for _, pattern := range c.ELEngine.Pipelines {
		if !filepath.IsAbs(pattern) && baseDir != "" {
			pattern = filepath.Join(baseDir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("流水线路径无效(%s): %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("流水线路径无匹配文件: %s", pattern)
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out, nil
}

// GetAPIAddr 获取API监听地址
func (c *EngineConfig) GetAPIAddr() (string, int) {
	port := c.ELEngine.API.Port
	if port <= 0 {
		port = 8080
	}
	return c.ELEngine.API.Host, port
}

// EngineOptions 转换为引擎运行参数
func (c *EngineConfig) EngineOptions() engine.Options {
	exec := c.ELEngine.Execution
	jitter := true
	if exec.Jitter != nil {
		jitter = *exec.Jitter
	}
	return engine.Options{
		MaxConcurrency:  c.GetMaxConcurrency(),
		MaxAttempts:     exec.MaxAttemptsPerTask,
		ChunkTimeBudget: exec.ChunkTimeBudget,
		BackoffBase:     exec.BackoffBase,
		BackoffMax:      exec.BackoffMax,
		Jitter:          jitter,
		ChunkSize:       exec.ChunkSize,
		RunTimeout:      exec.RunTimeout,
		StaleAfter:      exec.StaleAfter,
		PollInterval:    exec.PollInterval,
	}
}

// ApplyDefaults 应用默认值
func (c *EngineConfig) ApplyDefaults() {
	e := &c.ELEngine

	// General默认值
	if e.General.InstanceName == "" {
		e.General.InstanceName = "el-engine"
	}
	if e.General.LogLevel == "" {
		e.General.LogLevel = "info"
	}
	if e.General.Env == "" {
		e.General.Env = "dev"
	}

	// Database默认值
	if e.Storage.Database.Type == "" {
		e.Storage.Database.Type = "sqlite"
	}
	if e.Storage.Database.DSN == "" && e.Storage.Database.Type == "sqlite" {
		e.Storage.Database.DSN = "./data/el-engine.db"
	}
	if e.Storage.Database.MaxOpenConns <= 0 {
		e.Storage.Database.MaxOpenConns = 10
	}
	if e.Storage.Database.MaxIdleConns <= 0 {
		e.Storage.Database.MaxIdleConns = 5
	}
	if e.Storage.Database.ConnMaxLifetime <= 0 {
		e.Storage.Database.ConnMaxLifetime = 2 * time.Hour
	}
	if e.Storage.Database.ConnMaxIdleTime <= 0 {
		e.Storage.Database.ConnMaxIdleTime = 1 * time.Hour
	}

	// Cache默认值
	if e.Storage.Cache.DefaultTTL <= 0 {
		e.Storage.Cache.DefaultTTL = 1 * time.Hour
	}
	if e.Storage.Cache.CleanInterval <= 0 {
		e.Storage.Cache.CleanInterval = 30 * time.Minute
	}

	// Execution默认值
	d := engine.DefaultOptions()
	if e.Execution.MaxConcurrency <= 0 {
		e.Execution.MaxConcurrency = d.MaxConcurrency
	}
	if e.Execution.MaxAttemptsPerTask <= 0 {
		e.Execution.MaxAttemptsPerTask = d.MaxAttempts
	}
	if e.Execution.ChunkTimeBudget == 0 {
		e.Execution.ChunkTimeBudget = d.ChunkTimeBudget
	}
	if e.Execution.BackoffBase <= 0 {
		e.Execution.BackoffBase = d.BackoffBase
	}
	if e.Execution.BackoffMax <= 0 {
		e.Execution.BackoffMax = d.BackoffMax
	}
	if e.Execution.ChunkSize <= 0 {
		e.Execution.ChunkSize = d.ChunkSize
	}
	if e.Execution.PollInterval <= 0 {
		e.Execution.PollInterval = d.PollInterval
	}

	// Staging默认值
	if e.Staging.Type == "" {
		e.Staging.Type = "fs"
	}
	if e.Staging.Type == "fs" && e.Staging.Path == "" {
		e.Staging.Path = "./data/stage"
	}

	// Warehouse默认值（本地sqlite仓库）
	if e.Warehouse.Type == "" {
		e.Warehouse.Type = "sqlite"
		if e.Warehouse.DSN == "" {
			e.Warehouse.DSN = "./data/warehouse.db"
		}
	}

	// API默认值
	if e.API.Port <= 0 {
		e.API.Port = 8080
	}
	if e.API.EventBuffer <= 0 {
		e.API.EventBuffer = 256
	}

	if e.Alerts.Email.SMTPPort <= 0 {
		e.Alerts.Email.SMTPPort = 587
	}
}
