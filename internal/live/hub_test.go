package live

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/calltrack/internal/database/models"
	"github.com/flowpbx/calltrack/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(NewHandler(hub, nil))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubDeliversNotifications(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv)
	waitClients(t, hub, 1)

	err := hub.Notify(context.Background(), notify.Notification{
		Kind:    notify.SessionEnded,
		Session: &models.CallSession{ID: "s1", LinkedID: "L1", Disposition: models.DispositionAnswered},
	})
	if err != nil {
		t.Fatalf("Notify() error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error: %v", err)
	}
	var msg notify.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("json.Unmarshal() error: %v", err)
	}
	if msg.Kind != notify.SessionEnded || msg.Session == nil || msg.Session.LinkedID != "L1" {
		t.Errorf("message = %+v, want session.ended for L1", msg)
	}
}

func TestHubUnregistersOnClose(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv)
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)
}

func TestBroadcastDropsWhenQueueFull(t *testing.T) {
	// Run is not started, so nothing drains the queue.
	hub := NewHub(testLogger())
	for i := 0; i < broadcastBuffer; i++ {
		if !hub.Broadcast([]byte("x")) {
			t.Fatalf("Broadcast() #%d dropped, want queued", i)
		}
	}
	if hub.Broadcast([]byte("x")) {
		t.Error("Broadcast() on full queue = true, want false")
	}
	if err := hub.Notify(context.Background(), notify.Notification{Kind: notify.CallbackDue}); err == nil {
		t.Error("Notify() on full queue expected error")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://dash.example.com"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://dash.example.com", true},
		{"https://DASH.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/live", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q allowed = %v, want %v", tt.origin, got, tt.want)
		}
	}
	if !originChecker(nil)(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Error("empty allow list rejected request")
	}
}
