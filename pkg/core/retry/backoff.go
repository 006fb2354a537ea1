package retry

import (
	"math/rand/v2"
	"time"
)

// Backoff 指数退避，带抖动（对外导出）
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool
	rand       func() float64
}

// NewBackoff 创建指数退避，multiplier小于1时取2
func NewBackoff(base, max time.Duration, multiplier float64, jitter bool) Backoff {
	if multiplier < 1.0 {
		multiplier = 2.0
	}
	return Backoff{Base: base, Multiplier: multiplier, Max: max, Jitter: jitter, rand: rand.Float64}
}

// Next 计算第attempt次失败后的等待时间（attempt从1开始）
// 不抖动时为 min(Base*Multiplier^(attempt-1), Max)；抖动时在 [d/2, d] 内均匀分布
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base)
	for i := 1; i < attempt; i++ {
		delay *= b.Multiplier
		if b.Max > 0 && delay >= float64(b.Max) {
			break
		}
	}
	result := time.Duration(delay)
	if b.Max > 0 && result > b.Max {
		result = b.Max
	}
	if b.Jitter && result > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		half := result / 2
		result = half + time.Duration(r()*float64(result-half))
	}
	return result
}
