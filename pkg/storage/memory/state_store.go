package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
)

// StateStore 进程内StateStore实现（对外导出）
// 用于测试与dry-run，比较-交换语义与SQL实现一致
type StateStore struct {
	mu          sync.RWMutex
	runs        map[string]*storage.Run
	tasks       map[string]map[string]*entry // runID -> taskID -> entry
	transitions map[string][]*task.Transition
	watermarks  map[string]string
	now         func() time.Time
}

type entry struct {
	seq  int
	task *task.Task
}

// NewStateStore 创建进程内状态存储（对外导出）
func NewStateStore() *StateStore {
	return &StateStore{
		runs:        make(map[string]*storage.Run),
		tasks:       make(map[string]map[string]*entry),
		transitions: make(map[string][]*task.Transition),
		watermarks:  make(map[string]string),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock 替换时钟（测试使用）
func (s *StateStore) WithClock(now func() time.Time) *StateStore {
	s.now = now
	return s
}

// Get 读取单个Task
func (s *StateStore) Get(ctx context.Context, runID, taskID string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.lookup(runID, taskID)
	if err != nil {
		return nil, err
	}
	return e.task.Clone(), nil
}

func (s *StateStore) lookup(runID, taskID string) (*entry, error) {
	e, ok := s.tasks[runID][taskID]
	if !ok {
		return nil, fmt.Errorf("Task %s/%s: %w", runID, taskID, storage.ErrNotFound)
	}
	return e, nil
}

// TryTransition 比较-交换，整个过程持有写锁
func (s *StateStore) TryTransition(ctx context.Context, runID, taskID string, expected, next task.Status, patch storage.Patch) (*task.Task, error) {
	if err := storage.ValidateTransition(expected, next); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(runID, taskID)
	if err != nil {
		return nil, err
	}
	if e.task.Status != expected {
		return nil, &storage.ConflictError{RunID: runID, TaskID: taskID, Expected: expected, Actual: e.task.Status}
	}
	now := s.now()
	storage.ApplyPatch(e.task, next, patch, now)

	key := runID + "/" + taskID
	s.transitions[key] = append(s.transitions[key], &task.Transition{
		RunID:     runID,
		TaskID:    taskID,
		From:      expected,
		To:        next,
		Attempts:  e.task.Attempts,
		Cursor:    e.task.Cursor,
		Error:     e.task.LastError,
		CreatedAt: now,
	})
	return e.task.Clone(), nil
}

// ListByStatus 按状态列出Task，按声明顺序
func (s *StateStore) ListByStatus(ctx context.Context, runID string, statuses ...task.Status) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[task.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	entries := make([]*entry, 0, len(s.tasks[runID]))
	for _, e := range s.tasks[runID] {
		if len(want) == 0 || want[e.task.Status] {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*task.Task, len(entries))
	for i, e := range entries {
		out[i] = e.task.Clone()
	}
	return out, nil
}

// CreateRun 幂等创建Run及其Task
func (s *StateStore) CreateRun(ctx context.Context, run *storage.Run, tasks []*task.Task) (*storage.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, exists := s.runs[run.ID]; !exists {
		r := *run
		if r.Status == "" {
			r.Status = storage.RunInProgress
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		s.runs[run.ID] = &r
	}
	if s.tasks[run.ID] == nil {
		s.tasks[run.ID] = make(map[string]*entry)
	}
	for i, t := range tasks {
		if _, exists := s.tasks[run.ID][t.ID]; exists {
			continue
		}
		c := t.Clone()
		c.RunID = run.ID
		if c.Status == "" {
			c.Status = task.StatusPending
		}
		if c.QueuedAt.IsZero() {
			c.QueuedAt = now
		}
		c.UpdatedAt = now
		s.tasks[run.ID][t.ID] = &entry{seq: i, task: c}
	}
	return copyRun(s.runs[run.ID]), nil
}

// GetRun 读取Run
func (s *StateStore) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("Run %s: %w", runID, storage.ErrNotFound)
	}
	return copyRun(r), nil
}

// ListRuns 按创建时间倒序列出Run
func (s *StateStore) ListRuns(ctx context.Context, limit int) ([]*storage.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, copyRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FinalizeRun 仅当Run为in-progress时写入终态
func (s *StateStore) FinalizeRun(ctx context.Context, runID string, status storage.RunStatus, errMsg string, snapshot map[string]task.Status) (*storage.Run, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("Run终态无效: %s", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("Run %s: %w", runID, storage.ErrNotFound)
	}
	if r.Status != storage.RunInProgress {
		return nil, fmt.Errorf("Run %s 已结束(%s): %w", runID, r.Status, storage.ErrConflict)
	}
	r.Status = status
	r.Error = errMsg
	r.Snapshot = make(map[string]task.Status, len(snapshot))
	for k, v := range snapshot {
		r.Snapshot[k] = v
	}
	r.FinishedAt = s.now()
	return copyRun(r), nil
}

// History 返回Task的状态转换审计记录
func (s *StateStore) History(ctx context.Context, runID, taskID string) ([]*task.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.transitions[runID+"/"+taskID]
	out := make([]*task.Transition, len(src))
	for i, tr := range src {
		c := *tr
		out[i] = &c
	}
	return out, nil
}

// GetWatermark 读取目标表水位
func (s *StateStore) GetWatermark(ctx context.Context, table string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[table], nil
}

// SetWatermark 写入目标表水位
func (s *StateStore) SetWatermark(ctx context.Context, table, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[table] = value
	return nil
}

// Close 进程内存储无需释放资源
func (s *StateStore) Close() error {
	return nil
}

func copyRun(r *storage.Run) *storage.Run {
	c := *r
	if r.Snapshot != nil {
		c.Snapshot = make(map[string]task.Status, len(r.Snapshot))
		for k, v := range r.Snapshot {
			c.Snapshot[k] = v
		}
	}
	return &c
}

var _ storage.StateStore = (*StateStore)(nil)
