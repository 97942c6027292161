package storage

import (
	"context"
	"errors"

	"github.com/foodbridge/internal/model"
)

var ErrNotFound = errors.New("not found")

// MessageStore — надёжный журнал сообщений (только добавление), единственный источник
// истины о переписках. Реализации: repository.MessageRepository (PostgreSQL),
// memory.Client (тесты и локальный запуск без БД).
type MessageStore interface {
	// Append присваивает id и серверное время, не убывающее внутри переписки, и сохраняет
	// сообщение с IsRead=false. Всё или ничего.
	Append(ctx context.Context, senderID, receiverID int64, content string) (*model.Message, error)
	// History возвращает до limit последних сообщений переписки с id < beforeID
	// (beforeID <= 0 — без границы) по возрастанию (timestamp, id).
	// hasMore: остались ли более старые.
	History(ctx context.Context, a, b int64, beforeID int64, limit int) (msgs []model.Message, hasMore bool, err error)
	// MarkRead ставит IsRead для receiver=viewerID, sender=peerID. Возвращает id изменённых.
	MarkRead(ctx context.Context, viewerID, peerID int64) ([]int64, error)
	// Conversations проходит журнал для viewerID: последнее сообщение и число непрочитанных по каждому собеседнику.
	Conversations(ctx context.Context, viewerID int64) ([]model.ConversationSummary, error)
	// CountUnread считает строки receiver=viewerID, sender=peerID, is_read=false.
	CountUnread(ctx context.Context, viewerID, peerID int64) (int, error)
}

// UserDirectory — справочник пользователей; ведёт его внешняя подсистема регистрации.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetUsers(ctx context.Context, ids []int64) (map[int64]model.User, error)
	// SearchUsers ищет подстроку в имени без учёта регистра среди пользователей роли role.
	SearchUsers(ctx context.Context, role model.Role, query string, limit int) ([]model.User, error)
}
