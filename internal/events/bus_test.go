package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foodbridge/internal/model"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBus(time.Second)
	var got atomic.Int64
	b.Subscribe("a", func(_ context.Context, ev MessageCreated) { got.Add(ev.Message.ID) })
	b.Subscribe("b", func(_ context.Context, ev MessageCreated) { got.Add(ev.Message.ID) })

	b.PublishMessageCreated(MessageCreated{Message: model.Message{ID: 21}})
	b.Wait()
	if got.Load() != 42 {
		t.Fatalf("sum = %d, want 42", got.Load())
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := NewBus(time.Second)
	var ok atomic.Bool
	b.Subscribe("bad", func(context.Context, MessageCreated) { panic("boom") })
	b.Subscribe("good", func(context.Context, MessageCreated) { ok.Store(true) })

	b.PublishMessageCreated(MessageCreated{Message: model.Message{ID: 1}})
	b.Wait()
	if !ok.Load() {
		t.Fatal("good subscriber did not run")
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	b.PublishMessageCreated(MessageCreated{})
}
