package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foodbridge/internal/events"
	"github.com/foodbridge/internal/model"
)

func TestOnMessageCreatedPostsNotify(t *testing.T) {
	got := make(chan NotifyRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/notify" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req NotifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- req
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	c.OnMessageCreated(context.Background(), events.MessageCreated{
		Message: model.Message{ID: 7, SenderID: 1, ReceiverID: 2, Content: strings.Repeat("я", 200)},
		Sender:  model.User{ID: 1, DisplayName: "Green Farm"},
	})

	req := <-got
	if req.UserID != "2" || req.Title != "Green Farm" || req.Data["message_id"] != "7" {
		t.Fatalf("unexpected notify %+v", req)
	}
	if n := len([]rune(req.Body)); n != previewRunes+1 {
		t.Errorf("preview length = %d runes", n)
	}
}

func TestDisabledClientIsNoop(t *testing.T) {
	c := NewClient("")
	if c.Enabled() {
		t.Fatal("empty url must disable the client")
	}
	if err := c.Notify(context.Background(), 1, "t", "b", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}

func TestNotifyReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if err := NewClient(srv.URL).Notify(context.Background(), 1, "t", "b", nil); err == nil {
		t.Fatal("expected error on 502")
	}
}
