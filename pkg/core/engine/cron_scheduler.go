package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser 支持秒级精度与描述符（@every 1h等）
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ScheduleEntry 一条定时调度记录
type ScheduleEntry struct {
	Pipeline string    `json:"pipeline"`
	CronExpr string    `json:"cron_expr"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitempty"`
	Running  bool      `json:"running"`
}

// CronScheduler 定时调度器（对外导出）
// 同一Pipeline的上一次定时Run未结束时跳过本次触发
type CronScheduler struct {
	cron      *cron.Cron
	engine    *Engine
	pipelines map[string]*Pipeline    // pipeline -> 定义
	entries   map[string]cron.EntryID // pipeline -> cron.EntryID
	active    map[string]bool         // pipeline -> 是否有定时Run在执行
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewCronScheduler 创建定时调度器（对外导出）
func NewCronScheduler(eng *Engine) *CronScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &CronScheduler{
		cron:      cron.New(cron.WithParser(cronParser)),
		engine:    eng,
		pipelines: make(map[string]*Pipeline),
		entries:   make(map[string]cron.EntryID),
		active:    make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ValidateSchedule 校验Cron表达式
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("Cron表达式无效(%s): %w", expr, err)
	}
	return nil
}

// RegisterPipeline 注册Pipeline到定时调度器（对外导出）
func (cs *CronScheduler) RegisterPipeline(p *Pipeline) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, exists := cs.pipelines[p.Name]; exists {
		return fmt.Errorf("Pipeline %s 已注册到定时调度器", p.Name)
	}
	if p.Schedule == "" {
		return fmt.Errorf("Pipeline %s 未设置Cron表达式", p.Name)
	}
	if err := ValidateSchedule(p.Schedule); err != nil {
		return fmt.Errorf("Pipeline %s: %w", p.Name, err)
	}

	entryID, err := cs.cron.AddFunc(p.Schedule, func() {
		cs.trigger(p)
	})
	if err != nil {
		return fmt.Errorf("添加Cron任务失败: %w", err)
	}

	cs.pipelines[p.Name] = p
	cs.entries[p.Name] = entryID

	log.Printf("✅ [Cron调度器] 已注册Pipeline: %s, CronExpr=%s", p.Name, p.Schedule)
	return nil
}

// UnregisterPipeline 取消注册Pipeline（对外导出）
func (cs *CronScheduler) UnregisterPipeline(name string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entryID, exists := cs.entries[name]
	if !exists {
		return fmt.Errorf("Pipeline %s 未注册到定时调度器", name)
	}
	cs.cron.Remove(entryID)
	delete(cs.pipelines, name)
	delete(cs.entries, name)

	log.Printf("✅ [Cron调度器] 已取消注册Pipeline: %s", name)
	return nil
}

// trigger 以新Run执行Pipeline（内部方法）
func (cs *CronScheduler) trigger(p *Pipeline) {
	cs.mu.Lock()
	if cs.active[p.Name] {
		cs.mu.Unlock()
		log.Printf("⚠️ [Cron调度器] Pipeline %s 上一次Run尚未结束，跳过本次触发", p.Name)
		return
	}
	cs.active[p.Name] = true
	cs.wg.Add(1)
	cs.mu.Unlock()

	defer func() {
		cs.mu.Lock()
		cs.active[p.Name] = false
		cs.mu.Unlock()
		cs.wg.Done()
	}()

	log.Printf("🕐 [Cron调度器] 触发Pipeline执行: %s", p.Name)
	res, err := cs.engine.StartRun(cs.ctx, p)
	if err != nil {
		log.Printf("❌ [Cron调度器] Pipeline执行失败: %s, Error=%v", p.Name, err)
		return
	}
	log.Printf("✅ [Cron调度器] Pipeline执行结束: %s, Run=%s, Status=%s", p.Name, res.RunID, res.Status)
}

// Start 启动定时调度器（对外导出）
func (cs *CronScheduler) Start() {
	cs.cron.Start()
	log.Println("✅ [Cron调度器] 已启动")
}

// Stop 停止定时调度器，取消并等待在途的定时Run（对外导出）
func (cs *CronScheduler) Stop() {
	cs.cancel()
	<-cs.cron.Stop().Done()
	cs.wg.Wait()
	log.Println("✅ [Cron调度器] 已停止")
}

// Entries 获取已注册的定时调度（按Pipeline名称排序）
func (cs *CronScheduler) Entries() []ScheduleEntry {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	out := make([]ScheduleEntry, 0, len(cs.pipelines))
	for name, p := range cs.pipelines {
		entry := cs.cron.Entry(cs.entries[name])
		next := entry.Next
		if next.IsZero() {
			if sched, err := cronParser.Parse(p.Schedule); err == nil {
				next = sched.Next(time.Now())
			}
		}
		out = append(out, ScheduleEntry{
			Pipeline: name,
			CronExpr: p.Schedule,
			Next:     next,
			Prev:     entry.Prev,
			Running:  cs.active[name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pipeline < out[j].Pipeline })
	return out
}
