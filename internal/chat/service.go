// Package chat — операции переписки: отправка, история, прочтение, список активных
// переписок, набор текста и поиск собеседников. Транспорт (кадры, рассылка) — в пакете ws;
// здесь только значения и ошибки apperr.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/foodbridge/internal/apperr"
	"github.com/foodbridge/internal/config"
	"github.com/foodbridge/internal/events"
	"github.com/foodbridge/internal/logger"
	"github.com/foodbridge/internal/metrics"
	"github.com/foodbridge/internal/model"
	"github.com/foodbridge/internal/storage"
)

type Service struct {
	store  storage.MessageStore
	users  storage.UserDirectory
	chats  *ActiveChats
	typing *TypingThrottle
	bus    *events.Bus
	cfg    config.ChatConfig
}

// NewService. bus может быть nil (нет подписчиков message.created).
func NewService(store storage.MessageStore, users storage.UserDirectory, bus *events.Bus, cfg config.ChatConfig) *Service {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = model.DefaultMaxContentLength
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 200
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 20
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &Service{
		store:  store,
		users:  users,
		chats:  NewActiveChats(store),
		typing: NewTypingThrottle(cfg.TypingMinInterval),
		bus:    bus,
		cfg:    cfg,
	}
}

// SubmitResult — сохранённое сообщение и переписка глазами каждой стороны.
// nil-переписка: эту сторону посчитать не удалось, обновление не отправляется.
type SubmitResult struct {
	Message      model.Message
	SenderChat   *model.ActiveChat
	ReceiverChat *model.ActiveChat
}

// ReadResult — результат MarkConversationRead.
type ReadResult struct {
	Flipped []int64
	Chat    *model.ActiveChat
}

// MaxContentLength — лимит content в символах.
func (s *Service) MaxContentLength() int {
	return s.cfg.MaxContentLength
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *Service) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.Validation("content must not be empty")
	}
	if n := utf8.RuneCountInString(content); n > s.cfg.MaxContentLength {
		return apperr.Validation("content is %d characters, the limit is %d", n, s.cfg.MaxContentLength)
	}
	return nil
}

// resolvePair загружает обоих участников и проверяет, что a может писать b.
func (s *Service) resolvePair(ctx context.Context, aID, bID int64, field string) (model.User, model.User, error) {
	var a, b model.User
	if bID <= 0 {
		return a, b, apperr.Validation("%s is required", field)
	}
	if aID == bID {
		return a, b, apperr.Authorization("cannot start a conversation with yourself")
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	found, err := s.users.GetUsers(sctx, []int64{aID, bID})
	if err != nil {
		return a, b, apperr.Transient(err)
	}
	a, ok := found[aID]
	if !ok {
		return a, b, apperr.Authorization("user %d is not registered", aID)
	}
	b, ok = found[bID]
	if !ok {
		return a, b, apperr.Validation("unknown %s %d", field, bID)
	}
	if !a.Role.CanMessage(b.Role) {
		return a, b, apperr.Authorization("%s users can only talk to %s users", a.Role, a.Role.Counterpart())
	}
	return a, b, nil
}

// SubmitMessage проверяет, сохраняет и возвращает сообщение с присвоенными id и временем.
// Отмена ctx игнорируется (действует только StoreTimeout): если отправитель отключился
// посреди запроса, сообщение всё равно сохраняется.
func (s *Service) SubmitMessage(ctx context.Context, senderID, receiverID int64, content string) (*SubmitResult, error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.validateContent(content); err != nil {
		return nil, err
	}
	sender, receiver, err := s.resolvePair(ctx, senderID, receiverID, "receiver_id")
	if err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	msg, senderSum, receiverSum, err := s.chats.Append(sctx, senderID, receiverID, content)
	if err != nil {
		logger.Errorf("chat: append %d->%d: %v", senderID, receiverID, err)
		return nil, apperr.Transient(err)
	}
	metrics.MessagesSubmitted.Inc()
	s.bus.PublishMessageCreated(events.MessageCreated{Message: *msg, Sender: sender})

	res := &SubmitResult{Message: *msg}
	if senderSum != nil {
		res.SenderChat = &model.ActiveChat{Peer: receiver.ToSummary(), LastMessage: senderSum.LastMessage, Unread: senderSum.Unread}
	}
	if receiverSum != nil {
		res.ReceiverChat = &model.ActiveChat{Peer: sender.ToSummary(), LastMessage: receiverSum.LastMessage, Unread: receiverSum.Unread}
	}
	return res, nil
}

// GetHistory — последняя страница переписки (по возрастанию), старше beforeID при
// beforeID > 0. Признак прочтения не меняется.
func (s *Service) GetHistory(ctx context.Context, viewerID, peerID, beforeID int64, limit int) (*model.HistoryPage, error) {
	if beforeID < 0 {
		return nil, apperr.Validation("before_id must not be negative")
	}
	if limit <= 0 || limit > s.cfg.HistoryPageSize {
		limit = s.cfg.HistoryPageSize
	}
	if _, _, err := s.resolvePair(ctx, viewerID, peerID, "peer_id"); err != nil {
		return nil, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	msgs, more, err := s.store.History(sctx, viewerID, peerID, beforeID, limit)
	if err != nil {
		logger.Errorf("chat: history %d/%d: %v", viewerID, peerID, err)
		return nil, apperr.Transient(err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return &model.HistoryPage{Messages: msgs, HasMore: more}, nil
}

// MarkConversationRead помечает прочитанным всё, что peer отправил viewer. Повторный
// вызов ничего не меняет и завершается успешно.
func (s *Service) MarkConversationRead(ctx context.Context, viewerID, peerID int64) (*ReadResult, error) {
	_, peer, err := s.resolvePair(ctx, viewerID, peerID, "peer_id")
	if err != nil {
		return nil, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	flipped, sum, err := s.chats.MarkRead(sctx, viewerID, peerID)
	if err != nil {
		logger.Errorf("chat: mark read %d<-%d: %v", viewerID, peerID, err)
		return nil, apperr.Transient(err)
	}
	res := &ReadResult{Flipped: flipped}
	if sum != nil {
		res.Chat = &model.ActiveChat{Peer: peer.ToSummary(), LastMessage: sum.LastMessage, Unread: sum.Unread}
	}
	return res, nil
}

// GetActiveChats — переписки viewer, самые свежие первыми.
func (s *Service) GetActiveChats(ctx context.Context, viewerID int64) ([]model.ActiveChat, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	sums, err := s.chats.Get(sctx, viewerID)
	if err != nil {
		logger.Errorf("chat: active chats %d: %v", viewerID, err)
		return nil, apperr.Transient(err)
	}
	ids := make([]int64, len(sums))
	for i := range sums {
		ids[i] = sums[i].PeerID
	}
	peers, err := s.users.GetUsers(sctx, ids)
	if err != nil {
		return nil, apperr.Transient(err)
	}
	out := make([]model.ActiveChat, len(sums))
	for i, sum := range sums {
		p := model.PeerSummary{ID: sum.PeerID}
		if u, ok := peers[sum.PeerID]; ok {
			p = u.ToSummary()
		}
		out[i] = model.ActiveChat{Peer: p, LastMessage: sum.LastMessage, Unread: sum.Unread}
	}
	return out, nil
}

// NotifyTyping: переслать ли сигнал typing (stop_typing при stop) от sender к receiver.
// Сигнал, отсечённый лимитом, даёт false без ошибки. До лимита доходят только
// разрешённые пары.
func (s *Service) NotifyTyping(ctx context.Context, senderID, receiverID int64, stop bool) (bool, error) {
	if _, _, err := s.resolvePair(ctx, senderID, receiverID, "receiver_id"); err != nil {
		return false, err
	}
	if stop {
		s.typing.Forget(senderID, receiverID)
		return true, nil
	}
	if !s.typing.Allow(senderID, receiverID) {
		metrics.TypingThrottled.Inc()
		return false, nil
	}
	return true, nil
}

// ForgetViewer сбрасывает кэш активных переписок viewer.
func (s *Service) ForgetViewer(viewerID int64) {
	s.chats.Evict(viewerID)
}

// Reconcile пересобирает активные переписки viewer из хранилища и возвращает число расхождений.
func (s *Service) Reconcile(ctx context.Context, viewerID int64) (int, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.chats.Reconcile(sctx, viewerID)
}

// RunReconciler раз в interval пересобирает все представления в кэше, пока ctx не отменён.
// Представления тех, для кого live возвращает false (нет открытого сокета, например
// загружены через HTTP), сбрасываются; live == nil оставляет все.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration, live func(viewerID int64) bool) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			n, err := s.chats.ReconcileAll(ctx, live)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("chat: reconcile: %v", err)
				continue
			}
			logger.Debugf("chat: reconcile done in %v, %d diverged entries", time.Since(start), n)
		}
	}
}
