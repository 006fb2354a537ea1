package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/LENAX/el-engine/pkg/connector"
	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
)

// Action 重试决策
type Action string

const (
	// ActionRetry 退避后重新调度
	ActionRetry Action = "retry"
	// ActionGiveUp 放弃，Task置为failed
	ActionGiveUp Action = "give-up"
	// ActionDrop 其他调用已认领该Task，静默丢弃本次结果
	ActionDrop Action = "drop"
)

// Decision 一次失败后的处理决定
type Decision struct {
	Action Action
	Delay  time.Duration
	Kind   task.ErrorKind
	Reason string
}

// Config 重试策略配置
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      bool
}

// DefaultConfig 默认：最多3次，1s起步，上限30s，带抖动
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
		Jitter:      true,
	}
}

// Policy 失败分类与重试决策（对外导出）
type Policy struct {
	maxAttempts int
	backoff     Backoff
}

// NewPolicy 创建重试策略
func NewPolicy(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	return &Policy{
		maxAttempts: cfg.MaxAttempts,
		backoff:     NewBackoff(cfg.BackoffBase, cfg.BackoffMax, 2.0, cfg.Jitter),
	}
}

// MaxAttempts 每个Task允许的最大尝试次数
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Decide 根据Task当前尝试次数与错误给出决定
func (p *Policy) Decide(t *task.Task, err error) Decision {
	if errors.Is(err, storage.ErrConflict) {
		return Decision{Action: ActionDrop, Reason: "已被其他调用认领"}
	}
	kind := Classify(err)
	if kind == task.KindPermanent {
		return Decision{Action: ActionGiveUp, Kind: kind, Reason: "永久错误"}
	}
	if t.Attempts >= p.maxAttempts {
		return Decision{
			Action: ActionGiveUp,
			Kind:   kind,
			Reason: fmt.Sprintf("已达最大尝试次数 %d", p.maxAttempts),
		}
	}
	return Decision{Action: ActionRetry, Kind: kind, Delay: p.backoff.Next(t.Attempts)}
}

// Classify 将错误归类为可重试或永久
// 未知错误按可重试处理，由最大尝试次数兜底
func Classify(err error) task.ErrorKind {
	if err == nil {
		return task.KindTransient
	}
	var te *task.TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	var le *connector.LoadError
	if errors.As(err, &le) {
		if le.Permanent {
			return task.KindPermanent
		}
		return task.KindTransient
	}
	// 网络、超时、存储不可用等均落在这里
	return task.KindTransient
}
