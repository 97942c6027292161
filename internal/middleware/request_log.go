package middleware

import (
	"net/http"
	"time"

	"github.com/foodbridge/internal/logger"
)

// RequestLog пишет method, path, статус и время выполнения. 5xx — уровнем error, остальное — debug.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrapWriter(w)
		next.ServeHTTP(sw, r)
		if sw.status >= http.StatusInternalServerError {
			logger.Errorf("http %s %s status=%d in %v", r.Method, r.URL.Path, sw.status, time.Since(start))
			return
		}
		logger.Debugf("http %s %s status=%d in %v", r.Method, r.URL.Path, sw.status, time.Since(start))
	})
}
