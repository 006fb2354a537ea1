package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFrameworkConfig(t *testing.T) {
	t.Setenv("EL_WAREHOUSE_DSN", "postgres://u:p@localhost/dw")
	path := writeFile(t, "el-engine.yaml", `
el-engine:
  general:
    instance_name: "test-engine"
    log_level: "debug"
  storage:
    database:
      type: "sqlite"
      dsn: "./test.db"
      max_open_conns: 5
      conn_max_lifetime: "1h"
  execution:
    max_concurrency: 8
    max_attempts_per_task: 5
    chunk_time_budget: "90s"
    backoff_base: "2s"
    backoff_max: "1m"
    jitter: false
    chunk_size: 500
    run_timeout: "2h"
  staging:
    type: "s3"
    s3:
      bucket: "el-stage"
      prefix: "stage"
      region: "eu-west-1"
  warehouse:
    type: "postgres"
    dsn: "${EL_WAREHOUSE_DSN}"
    copy_loader: true
  sources:
    - name: "crm"
      type: "mysql"
      dsn: "user:pass@tcp(localhost:3306)/crm"
  api:
    port: 9090
`)

	cfg, err := LoadFrameworkConfig(path)
	require.NoError(t, err)

	e := cfg.ELEngine
	assert.Equal(t, "test-engine", e.General.InstanceName)
	assert.Equal(t, "dev", e.General.Env, "未设置时使用默认值")
	assert.Equal(t, "sqlite", cfg.GetDatabaseType())
	assert.Equal(t, "./test.db", cfg.GetDatabaseDSN())
	assert.Equal(t, time.Hour, e.Storage.Database.ConnMaxLifetime)
	assert.Equal(t, "postgres://u:p@localhost/dw", e.Warehouse.DSN, "环境变量展开")
	assert.Equal(t, "el-stage", e.Staging.S3.Bucket)
	require.Len(t, e.Sources, 1)
	assert.Equal(t, "crm", e.Sources[0].Name)

	host, port := cfg.GetAPIAddr()
	assert.Equal(t, "", host)
	assert.Equal(t, 9090, port)

	opts := cfg.EngineOptions()
	assert.Equal(t, 8, opts.MaxConcurrency)
	assert.Equal(t, 5, opts.MaxAttempts)
	assert.Equal(t, 90*time.Second, opts.ChunkTimeBudget)
	assert.Equal(t, 2*time.Second, opts.BackoffBase)
	assert.Equal(t, time.Minute, opts.BackoffMax)
	assert.False(t, opts.Jitter)
	assert.Equal(t, 500, opts.ChunkSize)
	assert.Equal(t, 2*time.Hour, opts.RunTimeout)
}

func TestLoadFrameworkConfig_Errors(t *testing.T) {
	t.Run("文件不存在", func(t *testing.T) {
		_, err := LoadFrameworkConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("YAML格式错误", func(t *testing.T) {
		_, err := LoadFrameworkConfig(writeFile(t, "bad.yaml", "el-engine: [unclosed"))
		assert.Error(t, err)
	})

	t.Run("校验失败", func(t *testing.T) {
		_, err := LoadFrameworkConfig(writeFile(t, "invalid.yaml", "el-engine:\n  staging:\n    type: ftp\n"))
		assert.ErrorContains(t, err, "staging.type")
	})
}

func TestDefaultFrameworkConfig(t *testing.T) {
	cfg := DefaultFrameworkConfig()
	require.NoError(t, ValidateFrameworkConfig(cfg))
	assert.Equal(t, "fs", cfg.ELEngine.Staging.Type)

	opts := cfg.EngineOptions()
	assert.Equal(t, 4, opts.MaxConcurrency)
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, 5*time.Minute, opts.ChunkTimeBudget)
	assert.True(t, opts.Jitter)
}

const tablesYAML = `
pipeline:
  name: crm
  schedule: "0 0 2 * * *"
  defaults:
    source: crm
    schema: raw
    chunk_size: 1000
  tables:
    - table: public.customers
      order_by: [id]
    - id: orders
      table: public.orders
      timestamp_field: updated_at
      mode: append
      depends_on: [customers]
    - id: order_items
      query: "SELECT * FROM public.order_items"
      target:
        name: order_items
        primary_key: [order_id, line]
      mode: upsert
      chunk_size: 200
      depends_on: [orders]
    - id: legacy
      table: public.legacy
      order_by: [id]
      ignore: true
`

func TestLoadPipelineConfig(t *testing.T) {
	cfg, err := LoadPipelineConfig(writeFile(t, "tables.yaml", tablesYAML))
	require.NoError(t, err)

	customers := cfg.GetTableByID("customers")
	require.NotNil(t, customers, "未设置id时取目标表名")
	assert.Equal(t, "crm", customers.Source)
	assert.Equal(t, "raw", customers.Target.Schema)
	assert.Equal(t, "replace", customers.Mode)
	assert.Equal(t, 1000, customers.ChunkSize)

	p, err := cfg.ToPipeline()
	require.NoError(t, err)
	assert.Equal(t, "crm", p.Name)
	assert.Equal(t, "0 0 2 * * *", p.Schedule)
	require.Len(t, p.Tables, 3, "ignore的表不参与执行")

	spec, ok := p.Spec("order_items")
	require.True(t, ok)
	assert.Equal(t, connector.ModeUpsert, spec.Mode)
	assert.Equal(t, 200, spec.ChunkSize)
	assert.Equal(t, "raw.order_items", spec.Target.URI())
	assert.Equal(t, []string{"order_id", "line"}, spec.Target.PrimaryKey)

	g, err := p.Graph()
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "order_items"}, g.Descendants("customers"))
}

func TestPipelineConfig_IgnoredDependency(t *testing.T) {
	cfg := &PipelineConfig{}
	cfg.Pipeline.Name = "p"
	cfg.Pipeline.Tables = []TableConfig{
		{ID: "a", Source: "s", Table: "a", OrderBy: []string{"id"}, Ignore: true},
		{ID: "b", Source: "s", Table: "b", OrderBy: []string{"id"}, DependsOn: []string{"a"}},
	}
	cfg.ApplyDefaults()
	require.NoError(t, ValidatePipelineConfig(cfg))

	_, err := cfg.ToPipeline()
	assert.ErrorContains(t, err, "被忽略")
}

func TestPipelinePaths(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yaml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	t.Run("相对路径基于配置目录展开", func(t *testing.T) {
		cfg := DefaultFrameworkConfig()
		cfg.ELEngine.Pipelines = []string{"*.yaml"}
		paths, err := cfg.PipelinePaths(dir)
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yaml")}, paths)
	})

	t.Run("无匹配文件返回错误", func(t *testing.T) {
		cfg := DefaultFrameworkConfig()
		cfg.ELEngine.Pipelines = []string{"missing/*.yaml"}
		_, err := cfg.PipelinePaths(dir)
		assert.Error(t, err)
	})

	t.Run("未配置时为空", func(t *testing.T) {
		paths, err := DefaultFrameworkConfig().PipelinePaths(dir)
		require.NoError(t, err)
		assert.Empty(t, paths)
	})
}
