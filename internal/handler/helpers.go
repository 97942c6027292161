package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foodbridge/internal/apperr"
	"github.com/foodbridge/internal/logger"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeAppError отвечает статусом по виду ошибки; текст — только безопасный для клиента.
func writeAppError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorResponse{
		Error:     apperr.PublicReason(err),
		Code:      apperr.KindOf(err).String(),
		Retryable: apperr.Retryable(err),
	})
}

func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindProtocol:
		return http.StatusBadRequest
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// pathID разбирает числовой параметр маршрута chi.
func pathID(r *http.Request, key string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("%s must be a positive integer", key)
	}
	return id, nil
}
