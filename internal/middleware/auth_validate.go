package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/foodbridge/internal/logger"
)

// AuthServiceValidate вызывает сервис идентификации для проверки сессии (X-Session-Id, X-Timestamp, X-Signature).
// Пользователи и сессии принадлежат подсистеме регистрации; здесь только user_id для ядра переписки.
func AuthServiceValidate(authServiceURL string, client *http.Client) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	authServiceURL = strings.TrimRight(authServiceURL, "/")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := headerOrQuery(r, "X-Session-Id", "session_id")
			timestamp := headerOrQuery(r, "X-Timestamp", "timestamp")
			signature := headerOrQuery(r, "X-Signature", "signature")
			if sessionID == "" || timestamp == "" || signature == "" {
				unauthorized(w)
				return
			}
			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(r.Body)
				if err != nil {
					http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
			// Путь для подписи: только pathname (r.URL.Path), без query.
			reqBody := map[string]string{
				"session_id": sessionID,
				"timestamp":  timestamp,
				"signature":  signature,
				"method":     r.Method,
				"path":       r.URL.Path,
				"body":       string(body),
			}
			jsonBody, _ := json.Marshal(reqBody)
			req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, authServiceURL+"/internal/validate", bytes.NewReader(jsonBody))
			if err != nil {
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				logger.Errorf("auth validate session=%s: %v", maskSessionID(sessionID), err)
				http.Error(w, `{"error":"auth service unavailable"}`, http.StatusServiceUnavailable)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				logger.Debugf("auth validate session=%s: status %d", maskSessionID(sessionID), resp.StatusCode)
				unauthorized(w)
				return
			}
			// user_id приходит числом или строкой с числом.
			var result struct {
				UserID json.Number `json:"user_id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				unauthorized(w)
				return
			}
			userID, err := result.UserID.Int64()
			if err != nil || userID <= 0 {
				unauthorized(w)
				return
			}
			ctx := WithUserID(r.Context(), userID)
			ctx = context.WithValue(ctx, SessionIDKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DevIdentity — режим разработки без сервиса идентификации: user id из X-User-Id или ?user_id=
// (браузерный WebSocket не умеет ставить заголовки).
func DevIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(headerOrQuery(r, "X-User-Id", "user_id"), 10, 64)
		if err != nil || userID <= 0 {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func headerOrQuery(r *http.Request, header, query string) string {
	if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get(query))
}

func unauthorized(w http.ResponseWriter) {
	http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
}

// maskSessionID маскирует session_id в логах (в prod не светить полный id).
func maskSessionID(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
