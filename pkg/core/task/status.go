package task

// Status Task状态枚举（对外导出）
type Status string

const (
	// StatusPending 等待依赖完成
	StatusPending Status = "pending"
	// StatusReady 所有依赖已成功，可被调度
	StatusReady Status = "ready"
	// StatusRunning 已被某次调用认领，正在执行
	StatusRunning Status = "running"
	// StatusCheckpointed 部分完成，可从游标续跑
	StatusCheckpointed Status = "checkpointed"
	// StatusSucceeded 执行成功（终态）
	StatusSucceeded Status = "succeeded"
	// StatusFailed 重试耗尽或永久失败（终态）
	StatusFailed Status = "failed"
	// StatusSkipped 上游失败导致跳过（终态）
	StatusSkipped Status = "skipped"
)

// AllStatuses 全部状态，按生命周期顺序
var AllStatuses = []Status{
	StatusPending,
	StatusReady,
	StatusRunning,
	StatusCheckpointed,
	StatusSucceeded,
	StatusFailed,
	StatusSkipped,
}

// IsValid 检查状态是否有效（对外导出）
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusReady, StatusRunning, StatusCheckpointed,
		StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsTerminal 是否为终态
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// IsInFlight 是否占用并发槽位（running/checkpointed）
func (s Status) IsInFlight() bool {
	return s == StatusRunning || s == StatusCheckpointed
}

// CanTransitionTo 检查是否可以转换到目标状态（对外导出）
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusReady || target == StatusSkipped
	case StatusReady:
		// ready -> pending 用于依赖被强制重试后回退
		// ready -> failed 为已达最大尝试次数、不会再被派发
		return target == StatusRunning || target == StatusSkipped || target == StatusPending || target == StatusFailed
	case StatusRunning:
		// running -> running 为分块进度写入
		// running -> pending 为退避后重试
		return target == StatusRunning || target == StatusCheckpointed ||
			target == StatusSucceeded || target == StatusPending || target == StatusFailed
	case StatusCheckpointed:
		// checkpointed -> pending 仅用于失联恢复后无游标的情况
		return target == StatusRunning || target == StatusPending
	case StatusFailed, StatusSkipped:
		// 人工强制重试
		return target == StatusPending
	case StatusSucceeded:
		return false
	default:
		return false
	}
}
