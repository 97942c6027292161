package ws

import (
	"encoding/json"

	"github.com/valyala/bytebufferpool"

	"github.com/foodbridge/internal/apperr"
	"github.com/foodbridge/internal/model"
)

type FrameType string

// Inbound.
const (
	FrameMessage        FrameType = "message"
	FrameGetHistory     FrameType = "get_history"
	FrameGetActiveChats FrameType = "get_active_chats"
	FrameTyping         FrameType = "typing"
	FrameStopTyping     FrameType = "stop_typing"
	FrameSearch         FrameType = "search"
	FrameMarkRead       FrameType = "mark_read"
)

// Outbound only (message, typing and stop_typing are used both ways).
const (
	FrameHistory           FrameType = "history"
	FrameActiveChats       FrameType = "active_chats"
	FrameActiveChatsUpdate FrameType = "active_chats_update"
	FrameSearchResults     FrameType = "search_results"
	FrameRead              FrameType = "read"
	FrameError             FrameType = "error"
)

// Meta is common to every inbound frame. RequestID is optional and echoed back in
// replies so the client can match them.
type Meta struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
}

func (m Meta) meta() Meta { return m }

// InReplyTo identifies the request in an error frame.
func (m Meta) InReplyTo() string {
	if m.RequestID != "" {
		return m.RequestID
	}
	return string(m.Type)
}

// Inbound is the closed set of client frames; only the types below implement it.
type Inbound interface {
	meta() Meta
}

type SendMessageFrame struct {
	Meta
	SenderID   int64  `json:"sender_id,omitempty"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

type GetHistoryFrame struct {
	Meta
	PeerID   int64 `json:"peer_id"`
	BeforeID int64 `json:"before_id,omitempty"`
	Limit    int   `json:"limit,omitempty"`
}

type GetActiveChatsFrame struct {
	Meta
}

// TypingFrame is typing or stop_typing, told apart by Type.
type TypingFrame struct {
	Meta
	SenderID   int64 `json:"sender_id,omitempty"`
	ReceiverID int64 `json:"receiver_id"`
}

type SearchFrame struct {
	Meta
	Target string `json:"target,omitempty"`
	Query  string `json:"query"`
}

type MarkReadFrame struct {
	Meta
	PeerID int64 `json:"peer_id"`
}

// DecodeInbound parses one client frame. On error the returned Meta holds whatever
// could be read of the envelope, for the error reply.
func DecodeInbound(raw []byte) (Inbound, Meta, error) {
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, Meta{}, apperr.Protocol("malformed frame")
	}
	var f Inbound
	switch m.Type {
	case FrameMessage:
		f = &SendMessageFrame{}
	case FrameGetHistory:
		f = &GetHistoryFrame{}
	case FrameGetActiveChats:
		f = &GetActiveChatsFrame{}
	case FrameTyping, FrameStopTyping:
		f = &TypingFrame{}
	case FrameSearch:
		f = &SearchFrame{}
	case FrameMarkRead:
		f = &MarkReadFrame{}
	case "":
		return nil, m, apperr.Protocol("frame type is required")
	default:
		return nil, m, apperr.Protocol("unknown frame type %q", m.Type)
	}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, m, apperr.Protocol("malformed %s frame", m.Type)
	}
	return f, m, nil
}

// --- outbound ---

type MessageOut struct {
	Type FrameType `json:"type"`
	model.Message
	RequestID string `json:"request_id,omitempty"`
}

type HistoryOut struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	PeerID    int64           `json:"peer_id"`
	Messages  []model.Message `json:"messages"`
	HasMore   bool            `json:"has_more"`
}

type ActiveChatsOut struct {
	Type      FrameType          `json:"type"`
	RequestID string             `json:"request_id,omitempty"`
	Chats     []model.ActiveChat `json:"chats"`
}

type ActiveChatsUpdateOut struct {
	Type      FrameType        `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	Chat      model.ActiveChat `json:"chat"`
}

type TypingOut struct {
	Type     FrameType `json:"type"`
	SenderID int64     `json:"sender_id"`
}

type SearchResultsOut struct {
	Type      FrameType            `json:"type"`
	RequestID string               `json:"request_id,omitempty"`
	Results   []model.SearchResult `json:"results"`
}

// ReadOut tells the sender that the reader has seen the listed messages.
type ReadOut struct {
	Type       FrameType `json:"type"`
	ReaderID   int64     `json:"reader_id"`
	MessageIDs []int64   `json:"message_ids"`
}

type ErrorOut struct {
	Type      FrameType `json:"type"`
	InReplyTo string    `json:"in_reply_to"`
	Reason    string    `json:"reason"`
	Code      string    `json:"code"`
	Retryable bool      `json:"retryable"`
}

func errorFrame(m Meta, err error) ErrorOut {
	return ErrorOut{
		Type:      FrameError,
		InReplyTo: m.InReplyTo(),
		Reason:    apperr.PublicReason(err),
		Code:      apperr.KindOf(err).String(),
		Retryable: apperr.Retryable(err),
	}
}

// encode marshals v once; the result is shared by every connection it is sent to.
func encode(v any) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	data := buf.B
	// json.Encoder appends '\n'; trim it for WebSocket text messages.
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
