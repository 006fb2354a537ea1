package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// Publisher 事件发布接口（对外导出）
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Handler 事件处理器函数类型
type Handler func(event *Event) error

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

// Publish 实现Publisher
func (NopPublisher) Publish(ctx context.Context, event *Event) error {
	return nil
}

// Options 事件总线选项
type Options struct {
	BufferSize int64 // 每个订阅者的输出缓冲，写满后发布方阻塞
	Debug      bool
	Trace      bool
}

// Topic 所有事件共用的topic，类型写在消息元数据 event_type 中
const Topic = "el.events"

// Bus 基于Watermill GoChannel的进程内事件总线（对外导出）
// 所有事件发布到同一topic并等待订阅者确认，订阅者按发布顺序收到事件
type Bus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter
	buffer int

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewBus 创建事件总线
func NewBus(opts Options) *Bus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	logger := watermill.NewStdLogger(opts.Debug, opts.Trace)
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            opts.BufferSize,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: true,
		},
		logger,
	)
	return &Bus{pubsub: pubsub, logger: logger, buffer: int(opts.BufferSize)}
}

// Publish 发布事件
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("事件总线已关闭")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("event_type", string(event.Type))
	msg.Metadata.Set("run_id", event.RunID)
	msg.Metadata.Set("task_id", event.TaskID)
	msg.Metadata.Set("timestamp", event.Timestamp.Format(time.RFC3339Nano))

	if err := b.pubsub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("发布事件失败: %w", err)
	}
	return nil
}

// Subscribe 订阅若干事件类型，返回的通道在ctx结束或总线关闭时关闭
// 未指定类型时订阅全部；同一订阅内事件顺序与发布顺序一致
func (b *Bus) Subscribe(ctx context.Context, types ...EventType) (<-chan *Event, error) {
	if len(types) == 0 {
		types = AllEventTypes
	}
	wanted := make(map[string]bool, len(types))
	for _, et := range types {
		wanted[string(et)] = true
	}
	msgs, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("订阅事件 %v 失败: %w", types, err)
	}

	out := make(chan *Event, b.buffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			// 先确认再转发，发布方只等待本订阅者取走消息
			msg.Ack()
			if !wanted[msg.Metadata.Get("event_type")] {
				continue
			}
			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				log.Printf("⚠️ [EventBus] 反序列化事件失败: %v", err)
				continue
			}
			select {
			case out <- &event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SubscribeFunc 以回调方式订阅，处理器错误只记录日志
func (b *Bus) SubscribeFunc(ctx context.Context, handler Handler, types ...EventType) error {
	ch, err := b.Subscribe(ctx, types...)
	if err != nil {
		return err
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			if err := handler(event); err != nil {
				log.Printf("⚠️ [EventBus] 处理事件 %s 失败: %v", event.Type, err)
			}
		}
	}()
	return nil
}

// Close 关闭总线，所有订阅通道随之关闭
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = NopPublisher{}
)
