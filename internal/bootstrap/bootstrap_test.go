package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LENAX/el-engine/pkg/config"
	"github.com/LENAX/el-engine/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()

	srcPath := filepath.Join(dir, "crm.db")
	src, err := sqlx.Open("sqlite3", srcPath)
	require.NoError(t, err)
	src.MustExec(`CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT)`)
	src.MustExec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER, amount TEXT)`)
	for i := 1; i <= 7; i++ {
		src.MustExec(`INSERT INTO customers (id, name) VALUES (?, ?)`, i, fmt.Sprintf("c-%d", i))
		src.MustExec(`INSERT INTO orders (id, customer_id, amount) VALUES (?, ?, ?)`, i, i, fmt.Sprintf("%d.50", i))
	}
	require.NoError(t, src.Close())

	cfg := config.DefaultFrameworkConfig()
	e := &cfg.ELEngine
	e.Storage.Database.DSN = filepath.Join(dir, "state", "el.db")
	e.Storage.Cache.Enabled = true
	e.Staging.Type = "fs"
	e.Staging.Path = filepath.Join(dir, "stage")
	e.Warehouse.DSN = filepath.Join(dir, "dw", "warehouse.db")
	e.Execution.ChunkSize = 3
	e.Execution.BackoffBase = time.Millisecond
	e.Execution.BackoffMax = 5 * time.Millisecond
	e.Execution.PollInterval = 5 * time.Millisecond
	e.Sources = []config.SourceConfig{{Name: "crm", Type: "sqlite", DSN: srcPath}}
	require.NoError(t, config.ValidateFrameworkConfig(cfg))

	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	tables := filepath.Join(dir, "tables.yaml")
	require.NoError(t, os.WriteFile(tables, []byte(`
pipeline:
  name: crm
  defaults:
    source: crm
  tables:
    - table: customers
      columns: [id, name]
      order_by: [id]
    - table: orders
      columns: [id, customer_id, amount]
      order_by: [id]
      mode: append
      depends_on: [customers]
`), 0644))
	require.NoError(t, app.LoadPipelines(tables))
	return app, dir
}

func TestApp_RunPipelineEndToEnd(t *testing.T) {
	app, dir := setupApp(t)
	ctx := context.Background()

	created, err := app.CreateTables(ctx, "crm")
	require.NoError(t, err)
	assert.Equal(t, []string{"customers", "orders"}, created)

	p, err := app.Pipeline("crm")
	require.NoError(t, err)
	res, err := app.Engine.StartRun(ctx, p)
	require.NoError(t, err)
	require.Equal(t, storage.RunSucceeded, res.Status, "failures: %v", res.Failures)

	var n int
	require.NoError(t, app.Sink.DB().Get(&n, `SELECT COUNT(*) FROM "orders"`))
	assert.Equal(t, 7, n)
	require.NoError(t, app.Sink.DB().Get(&n, `SELECT COUNT(*) FROM "customers"`))
	assert.Equal(t, 7, n)

	// 7行、每块3行：3个暂存对象
	keys, err := app.Stage.List(ctx, "default/orders/"+res.RunID+"/")
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	assert.DirExists(t, filepath.Join(dir, "stage", "default", "orders", res.RunID))

	orders, err := app.Store.Get(ctx, res.RunID, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(7), orders.RowsLoaded)
	assert.Equal(t, 3, orders.ChunksDone)

	// 再次执行新的Run：replace表保持7行，append表按新批次追加
	res2, err := app.Engine.StartRun(ctx, p)
	require.NoError(t, err)
	require.Equal(t, storage.RunSucceeded, res2.Status)
	require.NoError(t, app.Sink.DB().Get(&n, `SELECT COUNT(*) FROM "customers"`))
	assert.Equal(t, 7, n)
	require.NoError(t, app.Sink.DB().Get(&n, `SELECT COUNT(*) FROM "orders"`))
	assert.Equal(t, 14, n)
}

func TestApp_MissingTableFailsPermanently(t *testing.T) {
	app, _ := setupApp(t)
	ctx := context.Background()

	// 未建目标表：加载为永久错误，下游被跳过
	p, err := app.Pipeline("crm")
	require.NoError(t, err)
	res, err := app.Engine.StartRun(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, storage.RunFailed, res.Status)
	require.Len(t, res.Failures, 2)

	customers, err := app.Store.Get(ctx, res.RunID, "customers")
	require.NoError(t, err)
	assert.Equal(t, 1, customers.Attempts, "永久错误不重试")
}

func TestApp_Errors(t *testing.T) {
	t.Run("未知的Pipeline", func(t *testing.T) {
		app, _ := setupApp(t)
		_, err := app.Pipeline("missing")
		assert.Error(t, err)
		_, ok := app.PipelineConfig("crm")
		assert.True(t, ok)
	})

	t.Run("不支持的暂存类型", func(t *testing.T) {
		_, err := NewStage(context.Background(), config.StagingConfig{Type: "ftp"})
		assert.Error(t, err)
	})

	t.Run("不支持的数据源类型", func(t *testing.T) {
		_, err := NewSource(config.SourceConfig{Name: "x", Type: "oracle", DSN: "x"})
		assert.Error(t, err)
	})
}

func TestApp_APIDeps(t *testing.T) {
	app, _ := setupApp(t)

	deps := app.APIDeps()

	require.NotNil(t, deps.Cache)
	assert.Equal(t, app.Config.ELEngine.Storage.Cache.DefaultTTL, deps.CacheTTL)
	assert.Positive(t, deps.CacheTTL)
	assert.Same(t, app.Engine, deps.Engine)
}
