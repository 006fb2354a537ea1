package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	payload := &TransitionPayload{From: "ready", To: "running", Attempts: 1}

	event := NewEvent(EventTaskTransitioned, "r1", "orders", payload)

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, EventTaskTransitioned, event.Type)
	assert.Equal(t, "r1", event.RunID)
	assert.Equal(t, "orders", event.TaskID)
	assert.NotZero(t, event.Timestamp)
	assert.Equal(t, payload, event.Payload)

	event.WithMetadata("pipeline", "crm")
	assert.Equal(t, "crm", event.Metadata["pipeline"])
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(Options{})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, EventRunFinalized)
	require.NoError(t, err)

	// 未订阅的类型不会出现在通道里
	require.NoError(t, bus.Publish(ctx, NewEvent(EventTaskTransitioned, "r1", "a", nil)))
	require.NoError(t, bus.Publish(ctx, NewEvent(EventRunFinalized, "r1", "", &RunPayload{Pipeline: "crm", Status: "succeeded"})))

	select {
	case got := <-ch:
		assert.Equal(t, EventRunFinalized, got.Type)
		assert.Equal(t, "r1", got.RunID)
		payload, ok := got.Payload.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "succeeded", payload["status"])

		var decoded RunPayload
		require.NoError(t, got.DecodePayload(&decoded))
		assert.Equal(t, "crm", decoded.Pipeline)
	case <-time.After(2 * time.Second):
		t.Fatal("未收到事件")
	}
}

func TestBus_SubscribeFunc(t *testing.T) {
	bus := NewBus(Options{})

	received := make(chan *Event, 4)
	require.NoError(t, bus.SubscribeFunc(context.Background(), func(e *Event) error {
		received <- e
		return nil
	}))

	for _, et := range []EventType{EventRunStarted, EventTaskTransitioned} {
		require.NoError(t, bus.Publish(context.Background(), NewEvent(et, "r1", "", nil)))
	}

	types := map[EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-received:
			types[e.Type] = true
		case <-time.After(2 * time.Second):
			t.Fatal("未收到事件")
		}
	}
	assert.True(t, types[EventRunStarted])
	assert.True(t, types[EventTaskTransitioned])

	require.NoError(t, bus.Close())
	assert.Error(t, bus.Publish(context.Background(), NewEvent(EventRunStarted, "r1", "", nil)))
}

func TestBus_SubscribeKeepsPublishOrder(t *testing.T) {
	bus := NewBus(Options{})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	// 跨类型交替发布，订阅者收到的顺序与发布一致
	var want []EventType
	for i := 0; i < 20; i++ {
		want = append(want, EventTaskTransitioned)
	}
	want = append(want, EventRunFinalized)
	for i, et := range want {
		require.NoError(t, bus.Publish(ctx, NewEvent(et, "r1", fmt.Sprintf("t%d", i), nil)))
	}

	for i, et := range want {
		select {
		case got := <-ch:
			assert.Equal(t, et, got.Type)
			assert.Equal(t, fmt.Sprintf("t%d", i), got.TaskID)
		case <-time.After(2 * time.Second):
			t.Fatalf("第%d个事件未收到", i)
		}
	}
}
