package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/LENAX/el-engine/pkg/core/events"
	"github.com/LENAX/el-engine/pkg/core/executor"
	"github.com/LENAX/el-engine/pkg/core/retry"
	"github.com/LENAX/el-engine/pkg/core/scheduler"
	"github.com/LENAX/el-engine/pkg/storage"
	"github.com/oklog/ulid/v2"
)

// ErrRunFinalized Run已写入终态，不能再修改
var ErrRunFinalized = errors.New("Run已结束")

// ErrRunInProgress Run尚未结束
var ErrRunInProgress = errors.New("Run仍在执行中")

// Options 引擎运行参数
type Options struct {
	MaxConcurrency  int           // 同一Run同时执行的Task上限
	MaxAttempts     int           // 每个Task的最大尝试次数
	ChunkTimeBudget time.Duration // 单次Executor调用的时间预算，0表示不限
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	Jitter          bool
	ChunkSize       int           // 默认分块大小
	RunTimeout      time.Duration // 单次Execute的总时长上限，0表示不限
	StaleAfter      time.Duration // running超过该时长未更新视为失联，0表示2倍预算
	PollInterval    time.Duration // 其他协调者持有Task时的轮询间隔
}

// DefaultOptions 默认运行参数
func DefaultOptions() Options {
	return Options{
		MaxConcurrency:  4,
		MaxAttempts:     3,
		ChunkTimeBudget: 5 * time.Minute,
		BackoffBase:     time.Second,
		BackoffMax:      30 * time.Second,
		Jitter:          true,
		ChunkSize:       executor.DefaultChunkSize,
		PollInterval:    time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = d.MaxConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = d.BackoffMax
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.StaleAfter <= 0 {
		if o.ChunkTimeBudget > 0 {
			o.StaleAfter = 2 * o.ChunkTimeBudget
		} else {
			o.StaleAfter = 10 * time.Minute
		}
	}
	return o
}

// Engine Run协调者（对外导出）
// 引擎本身不持有Task状态，多个Engine可对同一Run并发执行
type Engine struct {
	store     storage.StateStore
	sources   *connector.Registry
	sink      connector.Sink
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	policy    *retry.Policy
	publisher events.Publisher
	opts      Options
	now       func() time.Time

	cronScheduler *CronScheduler
	pipelines     map[string]*Pipeline
	mu            sync.RWMutex
	running       bool
}

// NewEngine 创建Engine实例（对外导出的工厂方法）
func NewEngine(store storage.StateStore, sources *connector.Registry, sink connector.Sink, opts Options) *Engine {
	opts = opts.withDefaults()
	eng := &Engine{
		sources:   sources,
		sink:      sink,
		policy:    retry.NewPolicy(retry.Config{MaxAttempts: opts.MaxAttempts, BackoffBase: opts.BackoffBase, BackoffMax: opts.BackoffMax, Jitter: opts.Jitter}),
		opts:      opts,
		now:       time.Now,
		pipelines: make(map[string]*Pipeline),
	}
	eng.setStore(store, events.NopPublisher{})
	eng.cronScheduler = NewCronScheduler(eng)
	return eng
}

func (e *Engine) setStore(store storage.StateStore, publisher events.Publisher) {
	if ps, ok := store.(*publishingStore); ok {
		store = ps.StateStore
	}
	e.publisher = publisher
	e.store = newPublishingStore(store, publisher)
	e.scheduler = scheduler.NewScheduler(e.store, e.opts.MaxAttempts).WithClock(e.now)
	e.executor = executor.NewExecutor(e.store, e.sources, e.sink).WithClock(e.now).WithChunkSize(e.opts.ChunkSize)
}

// WithPublisher 设置事件发布者
func (e *Engine) WithPublisher(publisher events.Publisher) *Engine {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	e.setStore(e.store, publisher)
	return e
}

// WithClock 替换时钟（测试使用）
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.setStore(e.store, e.publisher)
	return e
}

// Options 返回生效的运行参数
func (e *Engine) Options() Options {
	return e.opts
}

// Store 返回引擎使用的状态存储
func (e *Engine) Store() storage.StateStore {
	return e.store
}

// Start 启动引擎（启动定时调度）
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	e.cronScheduler.Start()
	e.running = true
	log.Println("✅ [Engine] 已启动")
	return nil
}

// Stop 停止引擎，等待定时触发的Run退出
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()
	e.cronScheduler.Stop()
	log.Println("✅ [Engine] 已停止")
}

// RegisterPipeline 注册流水线；设置了Schedule时同时注册定时调度
func (e *Engine) RegisterPipeline(p *Pipeline) error {
	if _, err := p.Graph(); err != nil {
		return fmt.Errorf("Pipeline %s 依赖图无效: %w", p.Name, err)
	}
	e.mu.Lock()
	if _, exists := e.pipelines[p.Name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("Pipeline %s 已注册", p.Name)
	}
	e.pipelines[p.Name] = p
	e.mu.Unlock()

	if p.Schedule != "" {
		if err := e.cronScheduler.RegisterPipeline(p); err != nil {
			e.mu.Lock()
			delete(e.pipelines, p.Name)
			e.mu.Unlock()
			return err
		}
	}
	log.Printf("✅ [Engine] 已注册Pipeline: %s (%d张表)", p.Name, len(p.Tables))
	return nil
}

// UnregisterPipeline 注销流水线及其定时调度，已创建的Run不受影响
func (e *Engine) UnregisterPipeline(name string) error {
	e.mu.Lock()
	p, exists := e.pipelines[name]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("Pipeline %s 未注册", name)
	}
	delete(e.pipelines, name)
	e.mu.Unlock()

	if p.Schedule != "" {
		if err := e.cronScheduler.UnregisterPipeline(name); err != nil {
			return err
		}
	}
	log.Printf("✅ [Engine] 已注销Pipeline: %s", name)
	return nil
}

// GetPipeline 按名称获取已注册的流水线
func (e *Engine) GetPipeline(name string) (*Pipeline, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pipelines[name]
	return p, ok
}

// Pipelines 返回已注册的流水线名称（有序）
func (e *Engine) Pipelines() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.pipelines))
	for name := range e.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CronScheduler 返回定时调度器
func (e *Engine) CronScheduler() *CronScheduler {
	return e.cronScheduler
}

// NewRunID 生成按时间有序的Run ID
func NewRunID() string {
	return ulid.Make().String()
}

// StartRun 以新的Run ID执行流水线
func (e *Engine) StartRun(ctx context.Context, p *Pipeline) (*RunResult, error) {
	return e.Execute(ctx, p, NewRunID())
}
