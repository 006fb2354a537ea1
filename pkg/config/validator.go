package config

import (
	"fmt"

	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/LENAX/el-engine/pkg/core/engine"
)

var validDBTypes = map[string]bool{
	"sqlite":     true,
	"postgres":   true,
	"postgresql": true,
	"mysql":      true,
}

// ValidateFrameworkConfig 校验框架配置合法性
func ValidateFrameworkConfig(cfg *EngineConfig) error {
	if cfg == nil {
		return fmt.Errorf("配置不能为空")
	}
	e := &cfg.ELEngine

	// 校验General
	if e.General.InstanceName == "" {
		return fmt.Errorf("instance_name不能为空")
	}
	if e.General.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[e.General.LogLevel] {
			return fmt.Errorf("log_level必须是debug/info/warn/error之一")
		}
	}

	// 校验Storage.Database
	if e.Storage.Database.Type == "" {
		return fmt.Errorf("database.type不能为空")
	}
	if !validDBTypes[e.Storage.Database.Type] {
		return fmt.Errorf("database.type必须是sqlite/postgres/mysql之一")
	}
	if e.Storage.Database.DSN == "" {
		return fmt.Errorf("database.dsn不能为空")
	}
	if e.Storage.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns必须大于0")
	}
	if e.Storage.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns不能为负数")
	}

	// 校验Execution
	if e.Execution.MaxConcurrency <= 0 {
		return fmt.Errorf("execution.max_concurrency必须大于0")
	}
	if e.Execution.MaxAttemptsPerTask <= 0 {
		return fmt.Errorf("execution.max_attempts_per_task必须大于0")
	}
	if e.Execution.BackoffBase < 0 || e.Execution.BackoffMax < 0 {
		return fmt.Errorf("execution.backoff_base/backoff_max不能为负数")
	}
	if e.Execution.BackoffMax > 0 && e.Execution.BackoffBase > e.Execution.BackoffMax {
		return fmt.Errorf("execution.backoff_base不能大于backoff_max")
	}
	if e.Execution.ChunkSize < 0 {
		return fmt.Errorf("execution.chunk_size不能为负数")
	}
	if e.Execution.RunTimeout < 0 || e.Execution.StaleAfter < 0 {
		return fmt.Errorf("execution.run_timeout/stale_after不能为负数")
	}

	// 校验Staging
	switch e.Staging.Type {
	case "fs":
		if e.Staging.Path == "" {
			return fmt.Errorf("staging.path不能为空")
		}
	case "s3":
		if e.Staging.S3.Bucket == "" {
			return fmt.Errorf("staging.s3.bucket不能为空")
		}
	case "memory":
	default:
		return fmt.Errorf("staging.type必须是fs/s3/memory之一")
	}

	// 校验Warehouse
	if e.Warehouse.Type != "" {
		if !validDBTypes[e.Warehouse.Type] {
			return fmt.Errorf("warehouse.type必须是sqlite/postgres/mysql之一")
		}
		if e.Warehouse.DSN == "" {
			return fmt.Errorf("warehouse.dsn不能为空")
		}
		if e.Warehouse.CopyLoader && e.Warehouse.Type != "postgres" && e.Warehouse.Type != "postgresql" {
			return fmt.Errorf("warehouse.copy_loader仅支持postgres")
		}
	}

	// 校验Sources
	names := make(map[string]bool)
	for i, src := range e.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources[%d].name不能为空", i)
		}
		if names[src.Name] {
			return fmt.Errorf("sources中存在重复的name: %s", src.Name)
		}
		names[src.Name] = true
		if !validDBTypes[src.Type] {
			return fmt.Errorf("sources[%d].type必须是sqlite/postgres/mysql之一", i)
		}
		if src.DSN == "" {
			return fmt.Errorf("sources[%d].dsn不能为空", i)
		}
	}

	// 校验Alerts
	if email := e.Alerts.Email; email.Enabled {
		if email.SMTPHost == "" || email.From == "" || len(email.To) == 0 {
			return fmt.Errorf("alerts.email启用时smtp_host/from/to不能为空")
		}
	}
	return nil
}

// ValidatePipelineConfig 校验流水线配置合法性（需先ApplyDefaults）
func ValidatePipelineConfig(cfg *PipelineConfig) error {
	if cfg == nil {
		return fmt.Errorf("配置不能为空")
	}
	p := &cfg.Pipeline
	if p.Name == "" {
		return fmt.Errorf("pipeline.name不能为空")
	}
	if p.Schedule != "" {
		if err := engine.ValidateSchedule(p.Schedule); err != nil {
			return err
		}
	}
	if len(p.Tables) == 0 {
		return fmt.Errorf("pipeline.tables不能为空")
	}

	ids := make(map[string]bool, len(p.Tables))
	for i, t := range p.Tables {
		if t.ID == "" {
			return fmt.Errorf("tables[%d].id不能为空", i)
		}
		if ids[t.ID] {
			return fmt.Errorf("tables中存在重复的id: %s", t.ID)
		}
		ids[t.ID] = true
	}

	for i, t := range p.Tables {
		if t.Source == "" {
			return fmt.Errorf("tables[%d].source不能为空", i)
		}
		if t.Table == "" && t.Query == "" {
			return fmt.Errorf("tables[%d]必须设置table或query", i)
		}
		if t.Target.Name == "" {
			return fmt.Errorf("tables[%d].target.name不能为空", i)
		}
		mode := connector.LoadMode(t.Mode)
		if !mode.IsValid() {
			return fmt.Errorf("tables[%d].mode必须是replace/append/upsert之一", i)
		}
		if mode == connector.ModeUpsert && len(t.Target.PrimaryKey) == 0 {
			return fmt.Errorf("tables[%d]为upsert模式，target.primary_key不能为空", i)
		}
		if t.ChunkSize < 0 {
			return fmt.Errorf("tables[%d].chunk_size不能为负数", i)
		}
		if len(t.OrderBy) == 0 && len(t.Target.PrimaryKey) == 0 && t.TimestampField == "" {
			return fmt.Errorf("tables[%d]需要order_by、primary_key或timestamp_field之一以确定分块顺序", i)
		}
		for k, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("tables[%d].depends_on[%d] 不能依赖自己", i, k)
			}
			if !ids[dep] {
				return fmt.Errorf("tables[%d].depends_on[%d] %s 不存在于tables中", i, k, dep)
			}
		}
	}
	return nil
}
