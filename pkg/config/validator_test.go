package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFrameworkConfig(t *testing.T) {
	valid := func(mutate func(cfg *EngineConfig)) *EngineConfig {
		cfg := DefaultFrameworkConfig()
		if mutate != nil {
			mutate(cfg)
		}
		return cfg
	}

	tests := []struct {
		name    string
		cfg     *EngineConfig
		wantErr string
	}{
		{name: "有效配置", cfg: valid(nil)},
		{name: "空配置", cfg: nil, wantErr: "配置不能为空"},
		{
			name:    "无效的数据库类型",
			cfg:     valid(func(c *EngineConfig) { c.ELEngine.Storage.Database.Type = "oracle" }),
			wantErr: "database.type",
		},
		{
			name:    "无效的日志级别",
			cfg:     valid(func(c *EngineConfig) { c.ELEngine.General.LogLevel = "trace" }),
			wantErr: "log_level",
		},
		{
			name: "退避基数大于上限",
			cfg: valid(func(c *EngineConfig) {
				c.ELEngine.Execution.BackoffBase = 10
				c.ELEngine.Execution.BackoffMax = 5
			}),
			wantErr: "backoff_base",
		},
		{
			name:    "S3暂存缺少bucket",
			cfg:     valid(func(c *EngineConfig) { c.ELEngine.Staging.Type = "s3" }),
			wantErr: "staging.s3.bucket",
		},
		{
			name: "COPY加载器仅支持postgres",
			cfg: valid(func(c *EngineConfig) {
				c.ELEngine.Warehouse.Type = "mysql"
				c.ELEngine.Warehouse.DSN = "dsn"
				c.ELEngine.Warehouse.CopyLoader = true
			}),
			wantErr: "copy_loader",
		},
		{
			name: "重复的数据源",
			cfg: valid(func(c *EngineConfig) {
				c.ELEngine.Sources = []SourceConfig{
					{Name: "crm", Type: "mysql", DSN: "a"},
					{Name: "crm", Type: "postgres", DSN: "b"},
				}
			}),
			wantErr: "重复的name",
		},
		{
			name:    "邮件告警缺少收件人",
			cfg:     valid(func(c *EngineConfig) { c.ELEngine.Alerts.Email = EmailAlertConfig{Enabled: true, SMTPHost: "smtp", From: "a@b"} }),
			wantErr: "alerts.email",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFrameworkConfig(tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidatePipelineConfig(t *testing.T) {
	build := func(tables ...TableConfig) *PipelineConfig {
		cfg := &PipelineConfig{}
		cfg.Pipeline.Name = "crm"
		cfg.Pipeline.Defaults.Source = "crm"
		cfg.Pipeline.Tables = tables
		cfg.ApplyDefaults()
		return cfg
	}
	table := func(id string, deps ...string) TableConfig {
		return TableConfig{ID: id, Table: id, OrderBy: []string{"id"}, DependsOn: deps}
	}

	tests := []struct {
		name    string
		cfg     *PipelineConfig
		wantErr string
	}{
		{name: "有效配置", cfg: build(table("a"), table("b", "a"))},
		{name: "空配置", cfg: nil, wantErr: "配置不能为空"},
		{name: "没有表", cfg: build(), wantErr: "pipeline.tables"},
		{name: "重复的id", cfg: build(table("a"), table("a")), wantErr: "重复的id"},
		{name: "依赖自己", cfg: build(table("a", "a")), wantErr: "不能依赖自己"},
		{name: "依赖不存在", cfg: build(table("a", "x")), wantErr: "不存在于tables中"},
		{
			name:    "无效的加载模式",
			cfg:     build(TableConfig{ID: "a", Table: "a", OrderBy: []string{"id"}, Mode: "merge"}),
			wantErr: "mode",
		},
		{
			name:    "upsert缺少主键",
			cfg:     build(TableConfig{ID: "a", Table: "a", OrderBy: []string{"id"}, Mode: "upsert"}),
			wantErr: "primary_key",
		},
		{
			name:    "缺少排序键",
			cfg:     build(TableConfig{ID: "a", Table: "a"}),
			wantErr: "确定分块顺序",
		},
		{
			name:    "缺少源表与查询",
			cfg:     build(TableConfig{ID: "a", OrderBy: []string{"id"}, Target: TargetTableConfig{Name: "a"}}),
			wantErr: "table或query",
		},
		{
			name: "无效的Cron表达式",
			cfg: func() *PipelineConfig {
				cfg := build(table("a"))
				cfg.Pipeline.Schedule = "every day"
				return cfg
			}(),
			wantErr: "Cron",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePipelineConfig(tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
