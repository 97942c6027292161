package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/foodbridge/internal/model"
	"github.com/foodbridge/internal/storage"
)

// Client — MessageStore и UserDirectory в памяти процесса. Один мьютекс упорядочивает
// выдачу id и добавление: id растут глобально, время внутри переписки не убывает.
type Client struct {
	mu       sync.RWMutex
	clock    func() time.Time
	nextID   int64
	log      []model.Message
	byConv   map[model.ConversationKey][]int // индексы в log, в порядке добавления
	users    map[int64]model.User
	failNext error
}

type Option func(*Client)

// WithClock подменяет time.Now, например для имитации сдвига часов.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) { c.clock = clock }
}

func New(opts ...Option) *Client {
	c := &Client{
		clock:  time.Now,
		nextID: 1,
		byConv: make(map[model.ConversationKey][]int),
		users:  make(map[int64]model.User),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Close() error { return nil }

// PutUser добавляет или заменяет запись справочника.
func (c *Client) PutUser(u model.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.ID] = u
}

// FailNext: следующий вызов хранилища вернёт err, не меняя состояние.
func (c *Client) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

func (c *Client) takeFailure() error {
	err := c.failNext
	c.failNext = nil
	return err
}

// Len — число сохранённых сообщений.
func (c *Client) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.log)
}

func (c *Client) Append(ctx context.Context, senderID, receiverID int64, content string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return nil, err
	}
	key := model.KeyOf(senderID, receiverID)
	var last time.Time
	if idx := c.byConv[key]; len(idx) > 0 {
		last = c.log[idx[len(idx)-1]].Timestamp
	}
	m := model.Message{
		ID:         c.nextID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Timestamp:  model.NextTimestamp(c.clock(), last),
	}
	c.nextID++
	c.log = append(c.log, m)
	c.byConv[key] = append(c.byConv[key], len(c.log)-1)
	out := m
	return &out, nil
}

func (c *Client) History(ctx context.Context, a, b int64, beforeID int64, limit int) ([]model.Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return nil, false, err
	}
	idx := c.byConv[model.KeyOf(a, b)]
	msgs := make([]model.Message, 0, len(idx))
	for _, i := range idx {
		if beforeID > 0 && c.log[i].ID >= beforeID {
			continue
		}
		msgs = append(msgs, c.log[i])
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Before(&msgs[j]) })
	hasMore := false
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
		hasMore = true
	}
	return msgs, hasMore, nil
}

func (c *Client) MarkRead(ctx context.Context, viewerID, peerID int64) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return nil, err
	}
	var flipped []int64
	for _, i := range c.byConv[model.KeyOf(viewerID, peerID)] {
		m := &c.log[i]
		if m.ReceiverID == viewerID && m.SenderID == peerID && !m.IsRead {
			m.IsRead = true
			flipped = append(flipped, m.ID)
		}
	}
	return flipped, nil
}

func (c *Client) Conversations(ctx context.Context, viewerID int64) ([]model.ConversationSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return nil, err
	}
	var out []model.ConversationSummary
	for key, idx := range c.byConv {
		if key.Low != viewerID && key.High != viewerID {
			continue
		}
		s := model.ConversationSummary{PeerID: key.Low}
		if key.Low == viewerID {
			s.PeerID = key.High
		}
		for n, i := range idx {
			m := c.log[i]
			if n == 0 || s.LastMessage.Before(&m) {
				s.LastMessage = m
			}
			if m.ReceiverID == viewerID && !m.IsRead {
				s.Unread++
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[j].LastMessage.Before(&out[i].LastMessage) })
	return out, nil
}

func (c *Client) CountUnread(ctx context.Context, viewerID, peerID int64) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, i := range c.byConv[model.KeyOf(viewerID, peerID)] {
		m := c.log[i]
		if m.ReceiverID == viewerID && m.SenderID == peerID && !m.IsRead {
			n++
		}
	}
	return n, nil
}

func (c *Client) GetUser(ctx context.Context, id int64) (*model.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &u, nil
}

func (c *Client) GetUsers(ctx context.Context, ids []int64) (map[int64]model.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]model.User, len(ids))
	for _, id := range ids {
		if u, ok := c.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (c *Client) SearchUsers(ctx context.Context, role model.Role, query string, limit int) ([]model.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q := strings.ToLower(query)
	var out []model.User
	for _, u := range c.users {
		if u.Role == role && strings.Contains(strings.ToLower(u.DisplayName), q) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ storage.MessageStore  = (*Client)(nil)
	_ storage.UserDirectory = (*Client)(nil)
)
