package dto

// StartRunRequest 启动Run请求
type StartRunRequest struct {
	Pipeline string `json:"pipeline" binding:"required"`
	RunID    string `json:"run_id" binding:"omitempty"` // 指定时恢复或幂等启动该Run
	Wait     bool   `json:"wait"`                       // 同步等待Run结束
}

// StepRequest 单步执行请求
type StepRequest struct {
	RunID    string `json:"run_id" binding:"required"`
	Pipeline string `json:"pipeline" binding:"required"`
	Action   string `json:"action" binding:"required,oneof=plan dispatch finalize"`
}

// ListQueryRequest 通用列表查询请求
type ListQueryRequest struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

// TaskQueryRequest Task列表查询请求，status可逗号分隔多个
type TaskQueryRequest struct {
	Status string `form:"status" binding:"omitempty"`
}

// GetDefaultLimit 获取默认limit
func (r *ListQueryRequest) GetDefaultLimit() int {
	if r.Limit <= 0 {
		return 20
	}
	return r.Limit
}
