package engine

import (
	"context"
	"log"

	"github.com/LENAX/el-engine/pkg/core/events"
	"github.com/LENAX/el-engine/pkg/core/task"
	"github.com/LENAX/el-engine/pkg/storage"
)

// publishingStore 在每次成功的状态转换后发布事件
// 调度器与执行器共用同一个包装后的存储
type publishingStore struct {
	storage.StateStore
	publisher events.Publisher
}

func newPublishingStore(store storage.StateStore, publisher events.Publisher) *publishingStore {
	return &publishingStore{StateStore: store, publisher: publisher}
}

// TryTransition 转换成功后发布task.transitioned事件，发布失败只记录日志
func (s *publishingStore) TryTransition(ctx context.Context, runID, taskID string, expected, next task.Status, patch storage.Patch) (*task.Task, error) {
	updated, err := s.StateStore.TryTransition(ctx, runID, taskID, expected, next, patch)
	if err != nil {
		return nil, err
	}
	event := events.NewEvent(events.EventTaskTransitioned, runID, taskID, &events.TransitionPayload{
		From:       string(expected),
		To:         string(next),
		Attempts:   updated.Attempts,
		Cursor:     updated.Cursor,
		ChunksDone: updated.ChunksDone,
		RowsLoaded: updated.RowsLoaded,
		Error:      updated.LastError,
	})
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Printf("⚠️ [Engine] 发布事件失败: Run=%s, Task=%s, Error=%v", runID, taskID, err)
	}
	return updated, nil
}

var _ storage.StateStore = (*publishingStore)(nil)
