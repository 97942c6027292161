// Package retry — повтор с backoff: N попыток, фиксированный или растущий интервал,
// явная ошибка при отказе.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrGaveUp возвращается (оборачивая последнюю ошибку), когда попытки исчерпаны.
var ErrGaveUp = errors.New("retry: gave up")

// Policy — как часто и сколько повторять.
// Attempts <= 0: повторять до отмены ctx. Multiplier <= 1: интервал не растёт.
type Policy struct {
	Attempts    int
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration
	// OnRetry вызывается перед каждой паузой с номером неудачной попытки (с 1).
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Fixed: n попыток с одинаковым интервалом.
func Fixed(n int, interval time.Duration) Policy {
	return Policy{Attempts: n, Interval: interval}
}

// Exponential удваивает интервал после каждой неудачи, не больше max.
func Exponential(n int, initial, max time.Duration) Policy {
	return Policy{Attempts: n, Interval: initial, Multiplier: 2, MaxInterval: max}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent помечает err как неисправимую: Do сразу возвращает её без обёртки.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do вызывает fn до успеха, Permanent-ошибки, исчерпания попыток или отмены ctx.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	wait := p.Interval
	var last error
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err
		if p.Attempts > 0 && attempt >= p.Attempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, attempt, last)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w (last: %v)", ErrGaveUp, ctx.Err(), last)
		case <-t.C:
		}
		if p.Multiplier > 1 {
			wait = time.Duration(float64(wait) * p.Multiplier)
			if p.MaxInterval > 0 && wait > p.MaxInterval {
				wait = p.MaxInterval
			}
		}
	}
}
