package handler

import (
	"context"
	"log"
	"sync"

	"github.com/LENAX/el-engine/pkg/core/engine"
)

// Runner 在后台驱动Run，生命周期跟随API服务器
type Runner struct {
	engine *engine.Engine
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner 创建Runner
func NewRunner(eng *engine.Engine) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{engine: eng, ctx: ctx, cancel: cancel}
}

// Go 在后台执行Run直到终态或Runner关闭
// 同一Run可被多个协调者同时驱动
func (r *Runner) Go(p *engine.Pipeline, runID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res, err := r.engine.Execute(r.ctx, p, runID)
		if err != nil {
			log.Printf("❌ [API] 后台Run执行中断: Run=%s, Error=%v", runID, err)
			return
		}
		log.Printf("✅ [API] 后台Run结束: Run=%s, Status=%s", runID, res.Status)
	}()
}

// Close 取消在途的后台Run并等待退出
// 被中断的Run保持in-progress，可再次Execute恢复
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}
