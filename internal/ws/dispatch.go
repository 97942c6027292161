package ws

import (
	"context"
	"time"

	"github.com/foodbridge/internal/apperr"
	"github.com/foodbridge/internal/chat"
	"github.com/foodbridge/internal/logger"
	"github.com/foodbridge/internal/metrics"
	"github.com/foodbridge/internal/model"
)

// dispatch decodes one frame and runs it. Every failure is answered with an error
// frame; the connection stays open.
func (h *Hub) dispatch(ctx context.Context, c *Client, raw []byte) {
	frame, meta, err := DecodeInbound(raw)
	if err != nil {
		h.replyError(c, meta, err)
		return
	}
	metrics.FramesReceived.WithLabelValues(string(meta.Type)).Inc()

	switch f := frame.(type) {
	case *SendMessageFrame:
		err = h.handleSend(ctx, c, f)
	case *GetHistoryFrame:
		err = h.handleHistory(ctx, c, f)
	case *GetActiveChatsFrame:
		err = h.handleActiveChats(ctx, c, f)
	case *TypingFrame:
		err = h.handleTyping(ctx, c, f)
	case *SearchFrame:
		err = h.handleSearch(ctx, c, f)
	case *MarkReadFrame:
		err = h.handleMarkRead(ctx, c, f)
	default:
		err = apperr.Protocol("unsupported frame %q", meta.Type)
	}
	if err != nil {
		h.replyError(c, meta, err)
	}
}

func (h *Hub) replyError(c *Client, meta Meta, err error) {
	kind := apperr.KindOf(err)
	metrics.FramesRejected.WithLabelValues(kind.String()).Inc()
	switch kind {
	case apperr.KindInternal, apperr.KindTransient:
		logger.Errorf("ws %s user=%d conn=%s: %v", meta.InReplyTo(), c.UserID(), c.ID(), err)
	default:
		logger.Debugf("ws %s rejected user=%d: %v", meta.InReplyTo(), c.UserID(), err)
	}
	h.reply(c, errorFrame(meta, err))
}

// reply encodes v and queues it for c only.
func (h *Hub) reply(c *Client, v any) {
	data, err := encode(v)
	if err != nil {
		logger.Errorf("ws marshal error user=%d: %v", c.UserID(), err)
		return
	}
	h.sendToClient(c, data)
}

func checkSender(c *Client, claimed int64) error {
	if claimed != 0 && claimed != c.UserID() {
		return apperr.Authorization("sender_id does not match the authenticated user")
	}
	return nil
}

func (h *Hub) handleSend(ctx context.Context, c *Client, f *SendMessageFrame) error {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	if err := checkSender(c, f.SenderID); err != nil {
		return err
	}
	res, err := h.svc.SubmitMessage(ctx, c.UserID(), f.ReceiverID, f.Content)
	if err != nil {
		return err
	}
	h.broadcastMessage(res, c, f.RequestID)
	return nil
}

// broadcastMessage: the origin gets the echo with its request_id, the sender's other
// tabs and the receiver get the plain frame, then both sides get their chat update.
func (h *Hub) broadcastMessage(res *chat.SubmitResult, origin *Client, requestID string) {
	m := res.Message
	except := ""
	if origin != nil {
		except = origin.ID()
		h.reply(origin, MessageOut{Type: FrameMessage, Message: m, RequestID: requestID})
	}
	plain, err := encode(MessageOut{Type: FrameMessage, Message: m})
	if err != nil {
		logger.Errorf("ws marshal message %d: %v", m.ID, err)
		return
	}
	h.fanout(m.SenderID, except, plain, true)
	h.fanout(m.ReceiverID, "", plain, true)

	h.sendChatUpdate(m.SenderID, "", res.SenderChat)
	h.sendChatUpdate(m.ReceiverID, "", res.ReceiverChat)
}

func (h *Hub) sendChatUpdate(userID int64, except string, ch *model.ActiveChat) {
	if ch == nil {
		return
	}
	data, err := encode(ActiveChatsUpdateOut{Type: FrameActiveChatsUpdate, Chat: *ch})
	if err != nil {
		logger.Errorf("ws marshal chat update user=%d: %v", userID, err)
		return
	}
	h.fanout(userID, except, data, true)
}

func (h *Hub) handleHistory(ctx context.Context, c *Client, f *GetHistoryFrame) error {
	defer logger.DeferLogDuration("ws.handleHistory", time.Now())()
	page, err := h.svc.GetHistory(ctx, c.UserID(), f.PeerID, f.BeforeID, f.Limit)
	if err != nil {
		return err
	}
	h.reply(c, HistoryOut{
		Type:      FrameHistory,
		RequestID: f.RequestID,
		PeerID:    f.PeerID,
		Messages:  page.Messages,
		HasMore:   page.HasMore,
	})
	return nil
}

func (h *Hub) handleActiveChats(ctx context.Context, c *Client, f *GetActiveChatsFrame) error {
	chats, err := h.svc.GetActiveChats(ctx, c.UserID())
	if err != nil {
		return err
	}
	h.reply(c, ActiveChatsOut{Type: FrameActiveChats, RequestID: f.RequestID, Chats: chats})
	return nil
}

// handleTyping forwards typing state to the receiver only. Throttled frames are
// dropped without a reply.
func (h *Hub) handleTyping(ctx context.Context, c *Client, f *TypingFrame) error {
	if err := checkSender(c, f.SenderID); err != nil {
		return err
	}
	forward, err := h.svc.NotifyTyping(ctx, c.UserID(), f.ReceiverID, f.Type == FrameStopTyping)
	if err != nil || !forward {
		return err
	}
	data, err := encode(TypingOut{Type: f.Type, SenderID: c.UserID()})
	if err != nil {
		return err
	}
	h.fanout(f.ReceiverID, "", data, false)
	return nil
}

func (h *Hub) handleSearch(ctx context.Context, c *Client, f *SearchFrame) error {
	results, err := h.svc.Search(ctx, c.UserID(), f.Target, f.Query)
	if err != nil {
		return err
	}
	h.reply(c, SearchResultsOut{Type: FrameSearchResults, RequestID: f.RequestID, Results: results})
	return nil
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, f *MarkReadFrame) error {
	res, err := h.svc.MarkConversationRead(ctx, c.UserID(), f.PeerID)
	if err != nil {
		return err
	}
	h.broadcastRead(c.UserID(), f.PeerID, res, c, f.RequestID)
	return nil
}

// BroadcastRead notifies both sides of a mark-read done outside a WebSocket (HTTP).
func (h *Hub) BroadcastRead(viewerID, peerID int64, res *chat.ReadResult) {
	h.broadcastRead(viewerID, peerID, res, nil, "")
}

func (h *Hub) broadcastRead(viewerID, peerID int64, res *chat.ReadResult, origin *Client, requestID string) {
	if len(res.Flipped) > 0 {
		data, err := encode(ReadOut{Type: FrameRead, ReaderID: viewerID, MessageIDs: res.Flipped})
		if err != nil {
			logger.Errorf("ws marshal read: %v", err)
		} else {
			h.fanout(peerID, "", data, true)
		}
	}
	if res.Chat == nil {
		return
	}
	except := ""
	if origin != nil {
		except = origin.ID()
		h.reply(origin, ActiveChatsUpdateOut{Type: FrameActiveChatsUpdate, RequestID: requestID, Chat: *res.Chat})
	}
	h.sendChatUpdate(viewerID, except, res.Chat)
}
