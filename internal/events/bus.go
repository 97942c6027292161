// Package events — внутрипроцессные хуки на события домена. Подписчики работают
// асинхронно и не блокируют и не ломают операцию, опубликовавшую событие.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/foodbridge/internal/logger"
	"github.com/foodbridge/internal/model"
)

// MessageCreated публикуется после того, как сообщение сохранено.
type MessageCreated struct {
	Message model.Message
	Sender  model.User
}

type Handler func(ctx context.Context, ev MessageCreated)

type Bus struct {
	mu       sync.RWMutex
	handlers []namedHandler
	wg       sync.WaitGroup
	timeout  time.Duration
}

type namedHandler struct {
	name string
	fn   Handler
}

// NewBus: timeout ограничивает каждый вызов обработчика (0 — 10s).
func NewBus(timeout time.Duration) *Bus {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Bus{timeout: timeout}
}

// Subscribe подписывает fn на message.created. name — для логов.
func (b *Bus) Subscribe(name string, fn Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, namedHandler{name: name, fn: fn})
	b.mu.Unlock()
}

// PublishMessageCreated отдаёт событие каждому подписчику в отдельной горутине.
func (b *Bus) PublishMessageCreated(ev MessageCreated) {
	if b == nil {
		return
	}
	b.mu.RLock()
	hs := make([]namedHandler, len(b.handlers))
	copy(hs, b.handlers)
	b.mu.RUnlock()

	for _, h := range hs {
		b.wg.Add(1)
		go func(h namedHandler) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("events: handler %s panicked on message %d: %v", h.name, ev.Message.ID, r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			defer cancel()
			h.fn(ctx, ev)
		}(h)
	}
}

// Wait ждёт завершения всех запущенных обработчиков.
func (b *Bus) Wait() {
	b.wg.Wait()
}
