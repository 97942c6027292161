package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foodbridge/internal/logger"
	"github.com/foodbridge/internal/model"
	"github.com/foodbridge/internal/storage"
)

const msgCols = `id, sender_id, receiver_id, content, created_at, is_read`

// MessageRepository is the PostgreSQL message log. Appends take a per-conversation
// advisory lock inside the transaction, so the id from the global sequence and the
// clamped timestamp are assigned in the same order.
type MessageRepository struct {
	pool  *pgxpool.Pool
	clock func() time.Time
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool, clock: time.Now}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	if err := s.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Timestamp, &m.IsRead); err != nil {
		return err
	}
	m.Timestamp = m.Timestamp.UTC()
	return nil
}

func (r *MessageRepository) Append(ctx context.Context, senderID, receiverID int64, content string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	key := model.KeyOf(senderID, receiverID)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Append begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		fmt.Sprintf("conv:%d:%d", key.Low, key.High)); err != nil {
		return nil, fmt.Errorf("msgRepo.Append lock: %w", err)
	}

	var last time.Time
	err = tx.QueryRow(ctx,
		`SELECT created_at FROM messages
		 WHERE user_low = $1 AND user_high = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, key.Low, key.High,
	).Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("msgRepo.Append last: %w", err)
	}

	m := &model.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Timestamp:  model.NextTimestamp(r.clock(), last),
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (sender_id, receiver_id, user_low, user_high, content, created_at, is_read)
		 VALUES ($1, $2, $3, $4, $5, $6, false)
		 RETURNING id`,
		m.SenderID, m.ReceiverID, key.Low, key.High, m.Content, m.Timestamp,
	).Scan(&m.ID)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Append insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("msgRepo.Append commit: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) History(ctx context.Context, a, b int64, beforeID int64, limit int) ([]model.Message, bool, error) {
	defer logger.DeferLogDuration("msg.History", time.Now())()
	key := model.KeyOf(a, b)
	if beforeID <= 0 {
		beforeID = 1<<63 - 1
	}
	// One extra row tells whether an older page exists.
	rows, err := r.pool.Query(ctx,
		`SELECT `+msgCols+` FROM messages
		 WHERE user_low = $1 AND user_high = $2 AND id < $3
		 ORDER BY created_at DESC, id DESC
		 LIMIT $4`, key.Low, key.High, beforeID, limit+1,
	)
	if err != nil {
		return nil, false, fmt.Errorf("msgRepo.History query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, limit+1)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, false, fmt.Errorf("msgRepo.History scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("msgRepo.History rows: %w", err)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, hasMore, nil
}

func (r *MessageRepository) MarkRead(ctx context.Context, viewerID, peerID int64) ([]int64, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	rows, err := r.pool.Query(ctx,
		`UPDATE messages SET is_read = true
		 WHERE receiver_id = $1 AND sender_id = $2 AND is_read = false
		 RETURNING id`, viewerID, peerID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("msgRepo.MarkRead scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead rows: %w", err)
	}
	return ids, nil
}

// Conversations rebuilds a viewer's conversation summaries straight from the log.
func (r *MessageRepository) Conversations(ctx context.Context, viewerID int64) ([]model.ConversationSummary, error) {
	defer logger.DeferLogDuration("msg.Conversations", time.Now())()
	rows, err := r.pool.Query(ctx,
		`WITH last AS (
			SELECT DISTINCT ON (user_low, user_high) `+msgCols+`
			FROM messages
			WHERE user_low = $1 OR user_high = $1
			ORDER BY user_low, user_high, created_at DESC, id DESC
		 ), unread AS (
			SELECT sender_id, COUNT(*) AS cnt
			FROM messages
			WHERE receiver_id = $1 AND is_read = false
			GROUP BY sender_id
		 )
		 SELECT l.id, l.sender_id, l.receiver_id, l.content, l.created_at, l.is_read, COALESCE(u.cnt, 0)
		 FROM last l
		 LEFT JOIN unread u ON u.sender_id = CASE WHEN l.sender_id = $1 THEN l.receiver_id ELSE l.sender_id END
		 ORDER BY l.created_at DESC, l.id DESC`, viewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Conversations query: %w", err)
	}
	defer rows.Close()

	out := make([]model.ConversationSummary, 0, 16)
	for rows.Next() {
		var s model.ConversationSummary
		m := &s.LastMessage
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Timestamp, &m.IsRead, &s.Unread); err != nil {
			return nil, fmt.Errorf("msgRepo.Conversations scan: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		s.PeerID = m.Peer(viewerID)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.Conversations rows: %w", err)
	}
	return out, nil
}

func (r *MessageRepository) CountUnread(ctx context.Context, viewerID, peerID int64) (int, error) {
	defer logger.DeferLogDuration("msg.CountUnread", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE receiver_id = $1 AND sender_id = $2 AND is_read = false`,
		viewerID, peerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.CountUnread: %w", err)
	}
	return n, nil
}

var _ storage.MessageStore = (*MessageRepository)(nil)
