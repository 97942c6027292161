package middleware

import (
	"net"
	"net/http"
)

// InternalOnly пропускает запрос только с приватных/loopback IP или с заголовком
// X-Internal-Secret == secret. Используется для /metrics: наружу не экспонируется.
func InternalOnly(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && r.Header.Get("X-Internal-Secret") == secret {
				next.ServeHTTP(w, r)
				return
			}
			if isPrivateIP(clientIP(r)) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
