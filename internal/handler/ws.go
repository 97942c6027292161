package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/foodbridge/internal/logger"
	"github.com/foodbridge/internal/middleware"
	"github.com/foodbridge/internal/storage"
	"github.com/foodbridge/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	users          storage.UserDirectory
	allowedOrigins string
	upgrader       websocket.Upgrader
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins — как в CORS (через запятую или "*").
func NewWSHandler(hub *ws.Hub, users storage.UserDirectory, allowedOrigins string) *WSHandler {
	h := &WSHandler{hub: hub, users: users, allowedOrigins: strings.TrimSpace(allowedOrigins)}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// ServeWS — GET /ws. Идентичность уже установлена middleware; здесь только проверка,
// что пользователь есть в справочнике (роль нужна для авторизации кадров).
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	user, err := h.users.GetUser(r.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusForbidden, "user is not registered")
		return
	}
	if err != nil {
		logger.Errorf("ws user lookup %d: %v", userID, err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	// Время жизни соединения не связано с контекстом запроса.
	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, *user)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
