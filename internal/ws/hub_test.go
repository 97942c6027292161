package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodbridge/internal/broker"
	"github.com/foodbridge/internal/chat"
	"github.com/foodbridge/internal/config"
	"github.com/foodbridge/internal/model"
	"github.com/foodbridge/internal/storage/memory"
)

const (
	farm    int64 = 1 // supplier
	bank    int64 = 2 // requester
	shelter int64 = 3 // requester
)

func newStore() *memory.Client {
	store := memory.New()
	store.PutUser(model.User{ID: farm, Role: model.RoleSupplier, DisplayName: "Green Farm"})
	store.PutUser(model.User{ID: bank, Role: model.RoleRequester, DisplayName: "Food Bank North"})
	store.PutUser(model.User{ID: shelter, Role: model.RoleRequester, DisplayName: "Shelter Three"})
	return store
}

type testEnv struct {
	store *memory.Client
	svc   *chat.Service
	hub   *Hub
	srv   *httptest.Server
	// clients receives every server-side client, in connection order.
	clients chan *Client
	noPumps bool
}

// newTestEnv starts a hub behind an httptest server. The user is taken from ?user=.
func newTestEnv(t *testing.T, store *memory.Client, cfg config.WSConfig, relay broker.Relay, opts ...func(*testEnv)) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   store,
		svc:     chat.NewService(store, store, nil, config.ChatConfig{TypingMinInterval: time.Hour}),
		clients: make(chan *Client, 16),
	}
	for _, o := range opts {
		o(env)
	}
	env.hub = NewHub(env.svc, cfg, relay)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		env.hub.Run(ctx)
		close(runDone)
	}()

	upgrader := websocket.Upgrader{}
	env.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
		u, err := store.GetUser(r.Context(), id)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(env.hub, conn, *u)
		if !env.noPumps {
			cctx, ccancel := context.WithCancel(context.Background())
			c.Start(cctx, ccancel)
		}
		env.hub.Register(c)
		env.clients <- c
	}))
	t.Cleanup(func() {
		cancel()
		<-runDone
		env.srv.Close()
	})
	return env
}

func (e *testEnv) dial(t *testing.T, userID int64) *websocket.Conn {
	t.Helper()
	before := e.hub.Connections(userID)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?user=" + strconv.FormatInt(userID, 10)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return e.hub.Connections(userID) == before+1 },
		2*time.Second, 5*time.Millisecond, "connection of user %d not registered", userID)
	return conn
}

func write(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m), string(data))
	return m
}

func readType(t *testing.T, conn *websocket.Conn, typ FrameType) map[string]any {
	t.Helper()
	m := read(t, conn)
	require.Equal(t, string(typ), m["type"], "frame %v", m)
	return m
}

func TestSendEchoAndFanout(t *testing.T) {
	env := newTestEnv(t, newStore(), config.WSConfig{}, nil)
	tabA := env.dial(t, farm)
	tabB := env.dial(t, farm)
	recv := env.dial(t, bank)

	write(t, tabA, `{"type":"message","request_id":"r1","receiver_id":2,"content":"Hello"}`)

	echo := readType(t, tabA, FrameMessage)
	assert.Equal(t, "r1", echo["request_id"])
	assert.Equal(t, "Hello", echo["content"])
	assert.EqualValues(t, farm, echo["sender_id"])
	assert.Equal(t, false, echo["is_read"])
	id := echo["id"]
	require.NotNil(t, id)

	other := readType(t, tabB, FrameMessage)
	assert.NotContains(t, other, "request_id")
	assert.Equal(t, id, other["id"])

	got := readType(t, recv, FrameMessage)
	assert.Equal(t, id, got["id"])
	assert.EqualValues(t, bank, got["receiver_id"])

	for _, conn := range []*websocket.Conn{tabA, tabB} {
		upd := readType(t, conn, FrameActiveChatsUpdate)
		ch := upd["chat"].(map[string]any)
		assert.EqualValues(t, bank, ch["peer"].(map[string]any)["id"])
		assert.EqualValues(t, 0, ch["unread"])
	}
	upd := readType(t, recv, FrameActiveChatsUpdate)
	ch := upd["chat"].(map[string]any)
	assert.EqualValues(t, farm, ch["peer"].(map[string]any)["id"])
	assert.EqualValues(t, 1, ch["unread"])
	assert.Equal(t, id, ch["last_message"].(map[string]any)["id"])

	assert.Equal(t, 1, env.store.Len())
}

func TestValidationErrorFrame(t *testing.T) {
	env := newTestEnv(t, newStore(), config.WSConfig{}, nil)
	conn := env.dial(t, shelter)

	write(t, conn, `{"type":"message","receiver_id":1,"content":"   "}`)
	e := readType(t, conn, FrameError)
	assert.Equal(t, "message", e["in_reply_to"])
	assert.Equal(t, "validation_error", e["code"])
	assert.Equal(t, false, e["retryable"])

	write(t, conn, `{"type":"message","request_id":"x","receiver_id":2,"content":"hi"}`)
	e = readType(t, conn, FrameError)
	assert.Equal(t, "x", e["in_reply_to"])
	assert.Equal(t, "authorization_error", e["code"])

	write(t, conn, `{"type":"message","sender_id":1,"receiver_id":1,"content":"spoof"}`)
	e = readType(t, conn, FrameError)
	assert.Equal(t, "authorization_error", e["code"])

	assert.Equal(t, 0, env.store.Len())
}

// A max-length content in \u escapes is well over 32 KiB; it must reach validation
// instead of tripping the read limit.
func TestMaxLengthContentFitsReadLimit(t *testing.T) {
	env := newTestEnv(t, newStore(), config.WSConfig{MaxFrameSize: 1024}, nil)
	conn := env.dial(t, farm)

	apple := `\ud83c\udf4e` // one rune, 12 bytes on the wire
	write(t, conn, `{"type":"message","request_id":"max","receiver_id":2,"content":"`+strings.Repeat(apple, 4000)+`"}`)
	echo := readType(t, conn, FrameMessage)
	assert.Equal(t, "max", echo["request_id"])
	assert.Equal(t, 4000, utf8.RuneCountInString(echo["content"].(string)))
	readType(t, conn, FrameActiveChatsUpdate)
	assert.Equal(t, 1, env.store.Len())
}

func TestOversizedContentIsValidationError(t *testing.T) {
	env := newTestEnv(t, newStore(), config.WSConfig{}, nil)
	conn := env.dial(t, farm)

	write(t, conn, `{"type":"message","request_id":"big","receiver_id":2,"content":"`+strings.Repeat(`\ud83c\udf4e`, 4001)+`"}`)
	e := readType(t, conn, FrameError)
	assert.Equal(t, "big", e["in_reply_to"])
	assert.Equal(t, "validation_error", e["code"])

	write(t, conn, `{"type":"message","request_id":"long","receiver_id":2,"content":"`+strings.Repeat("a", 40000)+`"}`)
	e = readType(t, conn, FrameError)
	assert.Equal(t, "long", e["in_reply_to"])
	assert.Equal(t, "validation_error", e["code"])

	// connection still usable
	write(t, conn, `{"type":"message","request_id":"ok","receiver_id":2,"content":"still here"}`)
	echo := readType(t, conn, FrameMessage)
	assert.Equal(t, "ok", echo["request_id"])
	assert.Equal(t, 1, env.store.Len())
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	env := newTestEnv(t, newStore(), config.WSConfig{}, nil)
	conn := env.dial(t, bank)

	write(t, conn, `not json`)
	e := readType(t, conn, FrameError)
	assert.Equal(t, "protocol_error", e["code"])
	assert.Equal(t, "", e["in_reply_to"])

	write(t, conn, `{"type":"dance","request_id":"d1"}`)
	e = readType(t, conn, FrameError)
	assert.Equal(t, "protocol_error", e["code"])
	assert.Equal(t, "d1", e["in_reply_to"])

	write(t, conn, `{"type":"get_active_chats","request_id":"c1"}`)
	chats := readType(t, conn, FrameActiveChats)
	assert.Equal(t, "c1", chats["request_id"])
	assert.Equal(t, []any{}, chats["chats"])
}

func TestNothingPushedOnOpen(t *testing.T) {
	env := newTestEnv(t, newStore(), config.WSConfig{}, nil)
	_, err := env.svc.SubmitMessage(context.Background(), farm, bank, "waiting for you")
	require.NoError(t, err)

	conn := env.dial(t, bank)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestHistoryOverSocket(t *testing.T) {
	env := newTestEnv(t, newStore(), config.WSConfig{}, nil)
	for _, text := range []string{"one", "two", "three"} {
		_, err := env.svc.SubmitMessage(context.Background(), farm, bank, text)
		require.NoError(t, err)
	}
	conn := env.dial(t, bank)

	write(t, conn, `{"type":"get_history","request_id":"h1","peer_id":1,"limit":2}`)
	h := readType(t, conn, FrameHistory)
	assert.Equal(t, "h1", h["request_id"])
	assert.Equal(t, true, h["has_more"])
	msgs := h["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].(map[string]any)["content"])
	assert.Equal(t, "three", msgs[1].(map[string]any)["content"])
	assert.Equal(t, false, msgs[1].(map[string]any)["is_read"])
}

func TestTypingGoesToReceiverOnly(t *testing.T) {
	env := newTestEnv(t, newStore(), config.WSConfig{}, nil)
	sender := env.dial(t, farm)
	otherTab := env.dial(t, farm)
	recv := env.dial(t, bank)

	write(t, sender, `{"type":"typing","receiver_id":2}`)
	tf := readType(t, recv, FrameTyping)
	assert.EqualValues(t, farm, tf["sender_id"])

	// within the interval: dropped silently
	write(t, sender, `{"type":"typing","receiver_id":2}`)
	write(t, sender, `{"type":"stop_typing","receiver_id":2}`)
	st := readType(t, recv, FrameStopTyping)
	assert.EqualValues(t, farm, st["sender_id"])

	// the sender's other tab got nothing: its first frame is the reply to its own request
	write(t, otherTab, `{"type":"get_active_chats"}`)
	readType(t, otherTab, FrameActiveChats)
	// and so did the sender
	write(t, sender, `{"type":"get_active_chats"}`)
	readType(t, sender, FrameActiveChats)
}

func TestMarkReadNotifiesSender(t *testing.T) {
	env := newTestEnv(t, newStore(), config.WSConfig{}, nil)
	res, err := env.svc.SubmitMessage(context.Background(), farm, bank, "pallets ready")
	require.NoError(t, err)

	sender := env.dial(t, farm)
	reader := env.dial(t, bank)

	write(t, reader, `{"type":"mark_read","request_id":"m1","peer_id":1}`)
	upd := readType(t, reader, FrameActiveChatsUpdate)
	assert.Equal(t, "m1", upd["request_id"])
	ch := upd["chat"].(map[string]any)
	assert.EqualValues(t, 0, ch["unread"])
	assert.Equal(t, true, ch["last_message"].(map[string]any)["is_read"])

	rf := readType(t, sender, FrameRead)
	assert.EqualValues(t, bank, rf["reader_id"])
	assert.Equal(t, []any{float64(res.Message.ID)}, rf["message_ids"])

	// nothing left to flip: the reader still gets its update, the sender nothing
	write(t, reader, `{"type":"mark_read","request_id":"m2","peer_id":1}`)
	upd = readType(t, reader, FrameActiveChatsUpdate)
	assert.Equal(t, "m2", upd["request_id"])
	write(t, sender, `{"type":"get_active_chats","request_id":"after"}`)
	chats := readType(t, sender, FrameActiveChats)
	assert.Equal(t, "after", chats["request_id"])
}

func TestSearchOverSocket(t *testing.T) {
	env := newTestEnv(t, newStore(), config.WSConfig{}, nil)
	conn := env.dial(t, farm)

	write(t, conn, `{"type":"search","request_id":"s1","query":"bank"}`)
	res := readType(t, conn, FrameSearchResults)
	results := res["results"].([]any)
	require.Len(t, results, 1)
	assert.EqualValues(t, bank, results[0].(map[string]any)["id"])

	write(t, conn, `{"type":"search","request_id":"s2","query":"farm"}`)
	res = readType(t, conn, FrameSearchResults)
	assert.Equal(t, []any{}, res["results"])
}

func TestSlowConsumerIsClosed(t *testing.T) {
	env := newTestEnv(t, newStore(), config.WSConfig{SendBufferSize: 2}, nil, func(e *testEnv) { e.noPumps = true })
	env.dial(t, bank)
	c := <-env.clients
	require.Equal(t, StateOpen, c.State())

	for i := 0; i < 2; i++ {
		env.hub.SendToUser(bank, []byte(`{"type":"ping"}`))
	}
	assert.Equal(t, StateOpen, c.State())
	env.hub.SendToUser(bank, []byte(`{"type":"ping"}`))
	assert.Equal(t, StateClosed, c.State())
}

func TestConnectionLimit(t *testing.T) {
	env := newTestEnv(t, newStore(), config.WSConfig{MaxConnections: 1}, nil)
	env.dial(t, bank)
	<-env.clients

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?user=" + strconv.FormatInt(farm, 10)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	rejected := <-env.clients
	require.Eventually(t, func() bool { return rejected.State() == StateClosed }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 1, env.hub.Total())
	assert.Equal(t, 0, env.hub.Connections(farm))
}

func TestUnknownUserRefused(t *testing.T) {
	env := newTestEnv(t, newStore(), config.WSConfig{}, nil)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws?user=99"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCloseUnregisters(t *testing.T) {
	env := newTestEnv(t, newStore(), config.WSConfig{}, nil)
	conn := env.dial(t, bank)
	assert.True(t, env.hub.Online(bank))
	assert.False(t, env.hub.Online(farm))
	conn.Close()
	require.Eventually(t, func() bool { return env.hub.Connections(bank) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, env.hub.Total())
	assert.False(t, env.hub.Online(bank))
}

// Two instances share the store and a relay, as they would share PostgreSQL and Redis.
func TestCrossInstanceDelivery(t *testing.T) {
	store := newStore()
	relay := broker.NewLocal()
	a := newTestEnv(t, store, config.WSConfig{}, relay)
	b := newTestEnv(t, store, config.WSConfig{}, relay)
	require.Eventually(t, func() bool { return relay.Subscribers() == 2 }, 2*time.Second, 5*time.Millisecond)

	sender := a.dial(t, farm)
	senderOtherInstance := b.dial(t, farm)
	recv := b.dial(t, bank)

	// load bank's view on instance b before anything exists
	write(t, recv, `{"type":"get_active_chats","request_id":"c0"}`)
	chats := readType(t, recv, FrameActiveChats)
	assert.Equal(t, []any{}, chats["chats"])

	write(t, sender, `{"type":"message","request_id":"r1","receiver_id":2,"content":"from a"}`)
	echo := readType(t, sender, FrameMessage)
	assert.Equal(t, "r1", echo["request_id"])

	got := readType(t, recv, FrameMessage)
	assert.Equal(t, "from a", got["content"])
	assert.NotContains(t, got, "request_id")
	readType(t, recv, FrameActiveChatsUpdate)

	mirror := readType(t, senderOtherInstance, FrameMessage)
	assert.Equal(t, echo["id"], mirror["id"])
	assert.NotContains(t, mirror, "request_id")

	// b's cached view was invalidated by the relayed frame
	write(t, recv, `{"type":"get_active_chats","request_id":"c1"}`)
	chats = readType(t, recv, FrameActiveChats)
	list := chats["chats"].([]any)
	require.Len(t, list, 1)
	assert.EqualValues(t, 1, list[0].(map[string]any)["unread"])
}
