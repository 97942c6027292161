// Package broker доставляет кадры между экземплярами сервиса: кадр для пользователя
// доходит до всех его соединений, к какому бы экземпляру они ни были подключены.
package broker

import (
	"context"
	"encoding/json"
	"sync"
)

// Delivery — кадр для всех соединений UserID, кроме соединения с id Except.
// Invalidate: состояние переписки пользователя изменилось, производный кэш на
// принимающем экземпляре надо сбросить.
type Delivery struct {
	Origin     string          `json:"origin"`
	UserID     int64           `json:"user_id"`
	Except     string          `json:"except,omitempty"`
	Invalidate bool            `json:"invalidate,omitempty"`
	Frame      json.RawMessage `json:"frame"`
}

// Relay публикует доставки всем экземплярам, включая отправителя; свои (Origin)
// получатель пропускает.
type Relay interface {
	Publish(ctx context.Context, d Delivery) error
	// Subscribe вызывает fn на каждую доставку, пока ctx не отменён.
	Subscribe(ctx context.Context, fn func(Delivery)) error
}

// Local — Relay внутри процесса. Несколько хабов на одном Local ведут себя как
// экземпляры на общем канале Redis.
type Local struct {
	mu   sync.RWMutex
	subs map[int]func(Delivery)
	next int
}

func NewLocal() *Local {
	return &Local{subs: make(map[int]func(Delivery))}
}

// Subscribers — число активных подписок.
func (l *Local) Subscribers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

func (l *Local) Publish(_ context.Context, d Delivery) error {
	l.mu.RLock()
	fns := make([]func(Delivery), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(d)
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, fn func(Delivery)) error {
	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = fn
	l.mu.Unlock()

	<-ctx.Done()

	l.mu.Lock()
	delete(l.subs, id)
	l.mu.Unlock()
	return nil
}
