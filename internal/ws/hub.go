package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foodbridge/internal/broker"
	"github.com/foodbridge/internal/chat"
	"github.com/foodbridge/internal/config"
	"github.com/foodbridge/internal/logger"
	"github.com/foodbridge/internal/metrics"
	"github.com/foodbridge/internal/model"
)

// Hub is the connection registry: user id -> live connections on this instance.
// With a relay, every fan-out is also published for the other instances.
type Hub struct {
	mu         sync.RWMutex
	clients    map[int64]map[*Client]struct{}
	total      int
	cfg        config.WSConfig
	svc        *chat.Service
	relay      broker.Relay
	instanceID string
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// NewHub. relay may be nil for a single instance.
func NewHub(svc *chat.Service, cfg config.WSConfig, relay broker.Relay) *Hub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if floor := model.FrameSizeFor(svc.MaxContentLength()); cfg.MaxFrameSize < floor {
		cfg.MaxFrameSize = floor
	}
	return &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		cfg:        cfg,
		svc:        svc,
		relay:      relay,
		instanceID: uuid.NewString(),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	var relayWg sync.WaitGroup
	if h.relay != nil {
		relayWg.Add(1)
		go func() {
			defer relayWg.Done()
			if err := h.relay.Subscribe(ctx, h.onRemote); err != nil && ctx.Err() == nil {
				logger.Errorf("ws relay subscribe: %v", err)
			}
		}()
	}
	for {
		select {
		case <-ctx.Done():
			// done first: closing clients unregister themselves and must not block.
			close(h.done)
			h.shutdown()
			relayWg.Wait()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[int64]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()
	metrics.ActiveConnections.Sub(float64(len(allClients)))

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.cfg.MaxConnections {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%d", h.cfg.MaxConnections, c.UserID())
		metrics.ConnectionsRejected.Inc()
		c.Close()
		return
	}
	if !c.open() {
		h.mu.Unlock()
		return
	}
	if _, ok := h.clients[c.UserID()]; !ok {
		h.clients[c.UserID()] = make(map[*Client]struct{})
	}
	h.clients[c.UserID()][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	metrics.ActiveConnections.Inc()
	logger.Debugf("ws open user=%d conn=%s", c.UserID(), c.ID())
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.UserID()]
	if !ok {
		h.mu.Unlock()
		c.Close()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		c.Close()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.UserID())
	}
	h.mu.Unlock()
	metrics.ActiveConnections.Dec()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		h.svc.ForgetViewer(c.UserID())
	}
	logger.Debugf("ws closed user=%d conn=%s last=%v", c.UserID(), c.ID(), lastClient)
}

// Connections returns the number of live connections of userID on this instance.
func (h *Hub) Connections(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Online reports whether userID has a live connection on this instance.
func (h *Hub) Online(userID int64) bool {
	return h.Connections(userID) > 0
}

// Total returns the number of live connections on this instance.
func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// SendToUser delivers frame to every connection of userID. Offline users are a no-op:
// they catch up through get_history / get_active_chats.
func (h *Hub) SendToUser(userID int64, frame []byte) {
	h.fanout(userID, "", frame, false)
}

// SendToUserExcept skips the connection with id except (the one that already got a
// reply carrying its request_id).
func (h *Hub) SendToUserExcept(userID int64, except string, frame []byte) {
	h.fanout(userID, except, frame, false)
}

// fanout delivers locally and publishes for the other instances. invalidate marks
// frames that change the user's conversation state.
func (h *Hub) fanout(userID int64, except string, frame []byte, invalidate bool) {
	h.sendLocal(userID, except, frame)
	if h.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d := broker.Delivery{Origin: h.instanceID, UserID: userID, Except: except, Invalidate: invalidate, Frame: frame}
	if err := h.relay.Publish(ctx, d); err != nil {
		metrics.FanoutPublishErrors.Inc()
		logger.Errorf("ws relay publish user=%d: %v", userID, err)
	}
}

func (h *Hub) onRemote(d broker.Delivery) {
	if d.Origin == h.instanceID {
		return
	}
	if d.Invalidate {
		h.svc.ForgetViewer(d.UserID)
	}
	h.sendLocal(d.UserID, d.Except, d.Frame)
}

func (h *Hub) sendLocal(userID int64, except string, frame []byte) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		if c.id != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, frame)
	}
}

func (h *Hub) sendToClient(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%d conn=%s", c.UserID(), c.ID())
		metrics.SlowConsumers.Inc()
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
