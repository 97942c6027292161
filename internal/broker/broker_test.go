package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestLocalDeliversToAllSubscribers(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Delivery, 2)
	for i := 0; i < 2; i++ {
		go l.Subscribe(ctx, func(d Delivery) { got <- d })
	}
	waitSubscribers(t, l, 2)

	if err := l.Publish(ctx, Delivery{Origin: "a", UserID: 7, Frame: json.RawMessage(`{"type":"typing"}`)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case d := <-got:
			if d.UserID != 7 || string(d.Frame) != `{"type":"typing"}` {
				t.Fatalf("unexpected delivery %+v", d)
			}
		case <-time.After(time.Second):
			t.Fatal("delivery not received")
		}
	}
}

func TestLocalUnsubscribesOnCancel(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Subscribe(ctx, func(Delivery) {})
		close(done)
	}()
	waitSubscribers(t, l, 1)
	cancel()
	<-done
	waitSubscribers(t, l, 0)
}

func waitSubscribers(t *testing.T, l *Local, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if l.Subscribers() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscribers != %d", n)
}
