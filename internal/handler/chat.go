package handler

import (
	"net/http"
	"strconv"

	"github.com/foodbridge/internal/apperr"
	"github.com/foodbridge/internal/chat"
	"github.com/foodbridge/internal/middleware"
	"github.com/foodbridge/internal/ws"
)

// ChatHandler — HTTP-доступ к тем же операциям, что и WebSocket-кадры (для первичной загрузки страницы).
type ChatHandler struct {
	svc *chat.Service
	hub *ws.Hub
}

func NewChatHandler(svc *chat.Service, hub *ws.Hub) *ChatHandler {
	return &ChatHandler{svc: svc, hub: hub}
}

// ListChats — GET /api/chats
func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.svc.GetActiveChats(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

// GetMessages — GET /api/chats/{peerId}/messages?before_id=&limit=
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	peerID, err := pathID(r, "peerId")
	if err != nil {
		writeAppError(w, err)
		return
	}
	var beforeID int64
	if v := r.URL.Query().Get("before_id"); v != "" {
		beforeID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeAppError(w, apperr.Validation("before_id must be an integer"))
			return
		}
	}
	page, err := h.svc.GetHistory(r.Context(), middleware.GetUserID(r.Context()), peerID, beforeID, queryInt(r, "limit", 0))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// MarkRead — POST /api/chats/{peerId}/read. Собеседник получает кадр read, вкладки читателя — active_chats_update.
func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	peerID, err := pathID(r, "peerId")
	if err != nil {
		writeAppError(w, err)
		return
	}
	viewerID := middleware.GetUserID(r.Context())
	res, err := h.svc.MarkConversationRead(r.Context(), viewerID, peerID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	h.hub.BroadcastRead(viewerID, peerID, res)
	ids := res.Flipped
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_ids": ids, "chat": res.Chat})
}

// SearchUsers — GET /api/users/search?q=&target=
func (h *ChatHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	results, err := h.svc.Search(r.Context(), middleware.GetUserID(r.Context()), q.Get("target"), q.Get("q"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
