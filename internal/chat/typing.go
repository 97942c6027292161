package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type typingKey struct {
	sender, receiver int64
}

type typingEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// TypingThrottle — минимальный интервал между кадрами typing одной упорядоченной пары
// (sender, receiver). Неактивные пары удаляются через ttl.
type TypingThrottle struct {
	mu       sync.Mutex
	m        map[typingKey]*typingEntry
	interval time.Duration
	ttl      time.Duration
	now      func() time.Time
	calls    int
}

// NewTypingThrottle: interval <= 0 отключает ограничение.
func NewTypingThrottle(interval time.Duration) *TypingThrottle {
	return &TypingThrottle{
		m:        make(map[typingKey]*typingEntry),
		interval: interval,
		ttl:      time.Minute,
		now:      time.Now,
	}
}

// Allow: можно ли сейчас переслать typing от sender к receiver.
func (t *TypingThrottle) Allow(senderID, receiverID int64) bool {
	if t == nil || t.interval <= 0 {
		return true
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.calls%1024 == 0 {
		t.sweepLocked(now)
	}
	k := typingKey{senderID, receiverID}
	e, ok := t.m[k]
	if !ok {
		e = &typingEntry{l: rate.NewLimiter(rate.Every(t.interval), 1)}
		t.m[k] = e
	}
	e.lastSeen = now
	return e.l.AllowN(now, 1)
}

// Forget сбрасывает состояние пары, например после stop_typing.
func (t *TypingThrottle) Forget(senderID, receiverID int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.m, typingKey{senderID, receiverID})
	t.mu.Unlock()
}

func (t *TypingThrottle) sweepLocked(now time.Time) {
	cutoff := now.Add(-t.ttl)
	for k, e := range t.m {
		if e.lastSeen.Before(cutoff) {
			delete(t.m, k)
		}
	}
}

func (t *TypingThrottle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
