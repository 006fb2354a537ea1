// Package events 提供Run与Task状态变更的事件定义与事件总线
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType 事件类型
type EventType string

const (
	// Run事件
	EventRunStarted   EventType = "run.started"   // Run创建或恢复
	EventRunFinalized EventType = "run.finalized" // Run写入终态
	EventRunCancelled EventType = "run.cancelled" // Run被取消

	// Task事件
	EventTaskTransitioned EventType = "task.transitioned" // Task状态变更（每次成功的CAS）
	EventTaskRetryWaiting EventType = "task.retry_waiting" // Task进入退避
)

// AllEventTypes 全部事件类型
var AllEventTypes = []EventType{
	EventRunStarted,
	EventRunFinalized,
	EventRunCancelled,
	EventTaskTransitioned,
	EventTaskRetryWaiting,
}

// Event 事件基础结构
type Event struct {
	ID        string            `json:"id"`        // 事件ID（UUID）
	Type      EventType         `json:"type"`      // 事件类型
	RunID     string            `json:"run_id"`    // 关联Run ID
	TaskID    string            `json:"task_id"`   // 关联Task ID（Run事件为空）
	Timestamp time.Time         `json:"timestamp"` // 事件时间
	Payload   interface{}       `json:"payload"`   // 事件负载
	Metadata  map[string]string `json:"metadata"`  // 元数据
}

// NewEvent 创建事件
func NewEvent(eventType EventType, runID, taskID string, payload interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		RunID:     runID,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Payload:   payload,
		Metadata:  make(map[string]string),
	}
}

// WithMetadata 添加元数据
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// DecodePayload 将负载解码到v
// 经总线传递的事件负载为JSON解码后的通用结构
func (e *Event) DecodePayload(v interface{}) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("序列化负载失败: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("解码负载失败: %w", err)
	}
	return nil
}

// TransitionPayload Task状态变更负载
// From与To相同表示一次分块进度
type TransitionPayload struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Attempts   int    `json:"attempts"`
	Cursor     string `json:"cursor,omitempty"`
	ChunksDone int    `json:"chunks_done"`
	RowsLoaded int64  `json:"rows_loaded"`
	Error      string `json:"error,omitempty"`
}

// RetryPayload 退避负载
type RetryPayload struct {
	Attempts  int       `json:"attempts"`
	NotBefore time.Time `json:"not_before"`
	Error     string    `json:"error"`
}

// Failure Run报告中的一条失败或跳过记录
type Failure struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// RunPayload Run事件负载
type RunPayload struct {
	Pipeline string    `json:"pipeline"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Failures []Failure `json:"failures,omitempty"`
}
