package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/foodbridge/internal/metrics"
)

// limiterIdleTTL — лимитеры, не использовавшиеся дольше, удаляются при очередной чистке.
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// limiterPool — token bucket на ключ (IP или user_id).
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	limit rate.Limit
	burst int
	calls int
	now   func() time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{m: make(map[string]*limiterEntry), limit: rate.Limit(rps), burst: burst, now: time.Now}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.calls++
	if p.calls%1024 == 0 {
		for k, e := range p.m {
			if now.Sub(e.seen) > limiterIdleTTL {
				delete(p.m, k)
			}
		}
	}
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(p.limit, p.burst)}
		p.m[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// RateLimitAPI ограничивает запросы к /api/* по IP и по user_id (если есть в контексте). 429 при превышении.
// Лимит на пользователя вдвое ниже лимита на IP (за одним NAT может быть много пользователей).
func RateLimitAPI(rps float64, burst int) func(http.Handler) http.Handler {
	byIP := newLimiterPool(rps, burst)
	byUser := newLimiterPool(rps/2, burst/2)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !byIP.allow(clientIP(r)) {
				metrics.HTTPRateLimited.WithLabelValues("ip").Inc()
				tooManyRequests(w)
				return
			}
			if userID := GetUserID(r.Context()); userID != 0 {
				if !byUser.allow("u:" + strconv.FormatInt(userID, 10)) {
					metrics.HTTPRateLimited.WithLabelValues("user").Inc()
					tooManyRequests(w)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
}

// clientIP: X-Real-Ip, первый адрес X-Forwarded-For, иначе RemoteAddr без порта.
func clientIP(r *http.Request) string {
	if x := strings.TrimSpace(r.Header.Get("X-Real-Ip")); x != "" {
		return x
	}
	if x := r.Header.Get("X-Forwarded-For"); x != "" {
		if idx := strings.Index(x, ","); idx > 0 {
			x = x[:idx]
		}
		return strings.TrimSpace(x)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
