// Package bootstrap 按配置组装状态存储、连接器、事件总线与引擎
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	intstorage "github.com/LENAX/el-engine/internal/storage"
	"github.com/LENAX/el-engine/pkg/api"
	"github.com/LENAX/el-engine/pkg/config"
	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/LENAX/el-engine/pkg/connector/objectstore"
	"github.com/LENAX/el-engine/pkg/connector/sqlsource"
	"github.com/LENAX/el-engine/pkg/connector/warehouse"
	"github.com/LENAX/el-engine/pkg/core/cache"
	"github.com/LENAX/el-engine/pkg/core/engine"
	"github.com/LENAX/el-engine/pkg/core/events"
	"github.com/LENAX/el-engine/pkg/plugin"
	"github.com/LENAX/el-engine/pkg/storage"
)

// App 组装完成的运行环境
type App struct {
	Config  *config.EngineConfig
	Store   storage.StateStore
	Sources *connector.Registry
	Stage   objectstore.Store
	Sink    *warehouse.Sink
	Bus     *events.Bus
	Engine  *engine.Engine
	Plugins plugin.PluginManager
	Cache   *cache.MemoryResultCache // 未启用时为nil

	pipelines map[string]*config.PipelineConfig
	cancel    context.CancelFunc
}

// New 按配置创建运行环境，失败时释放已创建的资源
func New(ctx context.Context, cfg *config.EngineConfig) (_ *App, err error) {
	e := cfg.ELEngine
	ctx, cancel := context.WithCancel(ctx)
	app := &App{
		Config:    cfg,
		Sources:   connector.NewRegistry(),
		Plugins:   plugin.NewPluginManager(),
		pipelines: make(map[string]*config.PipelineConfig),
		cancel:    cancel,
	}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	db := e.Storage.Database
	if err := ensureSQLiteDir(db.Type, db.DSN); err != nil {
		return nil, err
	}
	app.Store, err = intstorage.NewStateStore(db.Type, db.DSN, intstorage.PoolConfig{
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
		ConnMaxIdleTime: db.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("创建状态存储失败: %w", err)
	}

	if app.Stage, err = NewStage(ctx, e.Staging); err != nil {
		return nil, err
	}
	if app.Sink, err = NewSink(ctx, e.Warehouse, app.Stage); err != nil {
		return nil, err
	}
	for _, src := range e.Sources {
		source, err := NewSource(src)
		if err != nil {
			return nil, err
		}
		if err := app.Sources.Register(src.Name, source); err != nil {
			return nil, err
		}
	}

	app.Bus = events.NewBus(events.Options{
		BufferSize: int64(e.API.EventBuffer),
		Debug:      e.General.LogLevel == "debug",
	})
	app.Engine = engine.NewEngine(app.Store, app.Sources, app.Sink, cfg.EngineOptions()).WithPublisher(app.Bus)

	if e.Storage.Cache.Enabled {
		app.Cache = cache.NewMemoryResultCache(e.Storage.Cache.CleanInterval)
	}
	if e.Alerts.Email.Enabled {
		if err := app.bindEmailAlerts(ctx, e.Alerts.Email); err != nil {
			return nil, err
		}
	}

	log.Printf("✅ [Bootstrap] 实例 %s 已就绪: Store=%s, Staging=%s, Warehouse=%s, Sources=%v",
		e.General.InstanceName, db.Type, e.Staging.Type, e.Warehouse.Type, app.Sources.Names())
	return app, nil
}

// NewStage 按配置创建暂存对象存储
func NewStage(ctx context.Context, cfg config.StagingConfig) (objectstore.Store, error) {
	switch cfg.Type {
	case "memory":
		return objectstore.NewMemoryStore(), nil
	case "fs", "":
		return objectstore.NewFSStore(cfg.Path)
	case "s3":
		return objectstore.NewS3Store(ctx, objectstore.S3Config{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
		})
	default:
		return nil, fmt.Errorf("不支持的暂存类型: %s", cfg.Type)
	}
}

// NewSink 按配置创建仓库连接器
func NewSink(ctx context.Context, cfg config.WarehouseConfig, stage objectstore.Store) (*warehouse.Sink, error) {
	dialect, err := intstorage.NewDialect(cfg.Type)
	if err != nil {
		return nil, err
	}
	dsn, err := intstorage.NormalizeDSN(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := ensureSQLiteDir(cfg.Type, dsn); err != nil {
		return nil, err
	}
	sink, err := warehouse.Open(dialect, dsn, stage)
	if err != nil {
		return nil, err
	}
	if cfg.CopyLoader {
		loader, err := warehouse.NewPGCopyLoader(ctx, cfg.DSN)
		if err != nil {
			sink.Close()
			return nil, err
		}
		sink.WithLoader(loader)
	}
	return sink, nil
}

// NewSource 按配置创建数据源
func NewSource(cfg config.SourceConfig) (connector.Source, error) {
	dialect, err := intstorage.NewDialect(cfg.Type)
	if err != nil {
		return nil, fmt.Errorf("数据源%s: %w", cfg.Name, err)
	}
	dsn, err := intstorage.NormalizeDSN(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("数据源%s: %w", cfg.Name, err)
	}
	return sqlsource.New(cfg.Name, dialect, dsn), nil
}

func (a *App) bindEmailAlerts(ctx context.Context, cfg config.EmailAlertConfig) error {
	params := map[string]string{
		"smtp_host": cfg.SMTPHost,
		"smtp_port": strconv.Itoa(cfg.SMTPPort),
		"username":  cfg.Username,
		"password":  cfg.Password,
		"from":      cfg.From,
		"to":        strings.Join(cfg.To, ","),
	}
	email := plugin.NewEmailPlugin()
	if err := a.Plugins.RegisterWithInit(email, params); err != nil {
		return err
	}
	for _, et := range []events.EventType{events.EventRunFinalized, events.EventRunCancelled} {
		if err := a.Plugins.Bind(plugin.PluginBinding{PluginName: email.Name(), Event: et, Condition: plugin.AlertOnFailure}); err != nil {
			return err
		}
	}
	return a.Plugins.Attach(ctx, a.Bus)
}

// LoadPipelines 加载流水线配置并注册到引擎
func (a *App) LoadPipelines(paths ...string) error {
	for _, path := range paths {
		pc, err := config.LoadPipelineConfig(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		p, err := pc.ToPipeline()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := a.Engine.RegisterPipeline(p); err != nil {
			return err
		}
		a.pipelines[p.Name] = pc
	}
	return nil
}

// PipelineConfig 返回已加载的流水线配置
func (a *App) PipelineConfig(name string) (*config.PipelineConfig, bool) {
	pc, ok := a.pipelines[name]
	return pc, ok
}

// Pipeline 按名称获取已注册的流水线
func (a *App) Pipeline(name string) (*engine.Pipeline, error) {
	p, ok := a.Engine.GetPipeline(name)
	if !ok {
		return nil, fmt.Errorf("Pipeline %s 未注册", name)
	}
	return p, nil
}

// PipelineForRun 返回Run所属的流水线
func (a *App) PipelineForRun(ctx context.Context, runID string) (*engine.Pipeline, error) {
	run, err := a.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return a.Pipeline(run.Pipeline)
}

// CreateTables 按流水线定义创建全部目标表
func (a *App) CreateTables(ctx context.Context, name string) ([]string, error) {
	p, err := a.Pipeline(name)
	if err != nil {
		return nil, err
	}
	var created []string
	for _, t := range p.Tables {
		columns := t.Spec.Target.Columns
		if len(columns) == 0 {
			columns = t.Spec.Columns
		}
		if len(columns) == 0 {
			return created, fmt.Errorf("表%s未声明columns，无法建表", t.Spec.TaskID)
		}
		if err := a.Sink.CreateTable(ctx, t.Spec.Target, columns); err != nil {
			return created, err
		}
		created = append(created, t.Spec.Target.URI())
	}
	return created, nil
}

// APIDeps 返回HTTP API所需的依赖
func (a *App) APIDeps() api.Deps {
	deps := api.Deps{Engine: a.Engine, Bus: a.Bus}
	if a.Cache != nil {
		deps.Cache = a.Cache
		deps.CacheTTL = a.Config.ELEngine.Storage.Cache.DefaultTTL
	}
	return deps
}

// Close 释放全部资源
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.Engine != nil {
		a.Engine.Stop()
	}
	var errs []error
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close())
	}
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.Sources != nil {
		errs = append(errs, a.Sources.Close())
	}
	if a.Sink != nil {
		errs = append(errs, a.Sink.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// ensureSQLiteDir 为sqlite文件路径创建父目录
func ensureSQLiteDir(dbType, dsn string) error {
	if dbType != "sqlite" || dsn == "" || strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		return nil
	}
	path := dsn
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	return nil
}
