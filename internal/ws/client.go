package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/foodbridge/internal/logger"
	"github.com/foodbridge/internal/model"
)

// State of a connection. Transitions: Connecting -> Open -> Closed, or
// Connecting -> Closed when registration is refused.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Client represents a single WebSocket connection.
// Lifecycle: NewClient -> Start(ctx, cancel) -> Hub.Register (OPEN) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	user model.User
	id   string

	state atomic.Int32
	// opened is closed on entering OPEN; readPump does not dispatch before that.
	opened chan struct{}
	// done is used as a non-blocking guard in sendToClient.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, user model.User) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, hub.cfg.SendBufferSize),
		user:   user,
		id:     uuid.NewString(),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }
func (c *Client) UserID() int64 { return c.user.ID }
func (c *Client) User() model.User { return c.user }
func (c *Client) State() State { return State(c.state.Load()) }

// open moves CONNECTING -> OPEN. Returns false if the client is already closed.
func (c *Client) open() bool {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return false
	}
	close(c.opened)
	return true
}

// Start launches readPump and writePump goroutines with controlled lifecycle.
// ctx controls pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

// readPump reads frames from the WebSocket connection and dispatches them in order.
// Exits on read error (triggered by conn.Close from Close() or writePump exit).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	select {
	case <-c.opened:
	case <-ctx.Done():
		return
	}

	pongWait := c.hub.cfg.PongTimeout
	c.conn.SetReadLimit(c.hub.cfg.MaxFrameSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%d: %v", c.user.ID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%d conn=%s: %v", c.user.ID, c.id, err)
			}
			return
		}
		if c.State() != StateOpen {
			return
		}
		c.hub.dispatch(ctx, c, raw)
	}
}

// writePump writes queued frames to the WebSocket connection.
// Exits on ctx cancellation, write error, or connection close.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	writeWait := c.hub.cfg.WriteTimeout
	ticker := time.NewTicker(c.hub.cfg.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%d: %v", c.user.ID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%d: %v", c.user.ID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
