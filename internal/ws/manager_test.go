package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"messenger-backend/internal/notify"
	"messenger-backend/internal/roles"
)

type mockTokenValidator struct {
	mu     sync.Mutex
	tokens map[string]int64
}

func (m *mockTokenValidator) ValidateToken(_ context.Context, token string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if userID, ok := m.tokens[token]; ok {
		return userID, nil
	}
	return 0, errors.New("invalid token")
}

// mockAuthorizer lets a user read the chats listed for it.
type mockAuthorizer struct {
	readable map[int64][]int64
}

func (m mockAuthorizer) Require(_ context.Context, userID, chatID int64, _ roles.Permission) error {
	for _, id := range m.readable[userID] {
		if id == chatID {
			return nil
		}
	}
	return fmt.Errorf("user %d may not read chat %d", userID, chatID)
}

func setupTestManager(t *testing.T) (*Manager, *notify.Registry, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	tv := &mockTokenValidator{tokens: map[string]int64{"tokenA": 1, "tokenB": 2}}
	auth := mockAuthorizer{readable: map[int64][]int64{1: {10, 11}, 2: {10}}}
	registry := notify.NewRegistry()
	m := NewManager(logger, tv, auth, registry)
	server := httptest.NewServer(m.Handler())
	t.Cleanup(server.Close)
	return m, registry, server
}

func connectWS(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return env
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRejectsMissingToken(t *testing.T) {
	_, _, server := setupTestManager(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial error without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=bogus", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token: err = %v, resp = %v", err, resp)
	}
}

func TestWatchChatPushesChangesAndRearms(t *testing.T) {
	_, registry, server := setupTestManager(t)
	conn := connectWS(t, server, "tokenA")

	send(t, conn, `{"type":"watch","chatId":10}`)
	if env := readEnvelope(t, conn); env.Type != TypeWatchOK || env.ChatID != 10 {
		t.Fatalf("ack = %+v, want watch.ok for chat 10", env)
	}

	for i := 0; i < 2; i++ {
		if n := registry.Notify(notify.ChatKey(10)); n != 1 {
			t.Fatalf("Notify #%d fired %d waiters, want 1", i, n)
		}
		env := readEnvelope(t, conn)
		if env.Type != TypeChatChanged || env.ChatID != 10 {
			t.Fatalf("push #%d = %+v, want chat.changed for chat 10", i, env)
		}
	}
	if got := registry.Pending(notify.ChatKey(10)); got != 1 {
		t.Fatalf("Pending = %d, want 1 re-armed waiter", got)
	}
}

func TestWatchIsIdempotent(t *testing.T) {
	_, registry, server := setupTestManager(t)
	conn := connectWS(t, server, "tokenA")

	send(t, conn, `{"type":"watch","chatId":10}`)
	readEnvelope(t, conn)
	send(t, conn, `{"type":"watch","chatId":10}`)
	readEnvelope(t, conn)

	if got := registry.Pending(notify.ChatKey(10)); got != 1 {
		t.Fatalf("Pending = %d, want 1", got)
	}
}

func TestWatchRequiresReadPermission(t *testing.T) {
	_, registry, server := setupTestManager(t)
	conn := connectWS(t, server, "tokenB")

	send(t, conn, `{"type":"watch","chatId":11}`)
	env := readEnvelope(t, conn)
	if env.Type != TypeError || env.ChatID != 11 {
		t.Fatalf("reply = %+v, want error for chat 11", env)
	}
	if registry.Len() != 0 {
		t.Fatalf("registry holds %d waiters, want 0", registry.Len())
	}
}

func TestUnwatchReleasesWaiter(t *testing.T) {
	_, registry, server := setupTestManager(t)
	conn := connectWS(t, server, "tokenA")

	send(t, conn, `{"type":"watch","chatId":10}`)
	readEnvelope(t, conn)
	send(t, conn, `{"type":"unwatch","chatId":10}`)
	if env := readEnvelope(t, conn); env.Type != TypeUnwatchOK {
		t.Fatalf("reply = %+v, want unwatch.ok", env)
	}
	if registry.Len() != 0 {
		t.Fatalf("registry holds %d waiters, want 0", registry.Len())
	}
}

func TestWatchChatsUsesUserKey(t *testing.T) {
	_, registry, server := setupTestManager(t)
	connA := connectWS(t, server, "tokenA")
	connB := connectWS(t, server, "tokenB")

	send(t, connA, `{"type":"watch.chats"}`)
	if env := readEnvelope(t, connA); env.Type != TypeWatchOK || env.UserID != 1 {
		t.Fatalf("ack = %+v, want watch.ok for user 1", env)
	}

	registry.Notify(notify.UserKey(1))
	if env := readEnvelope(t, connA); env.Type != TypeChatsChanged || env.UserID != 1 {
		t.Fatalf("push = %+v, want chats.changed", env)
	}

	_ = connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := connB.ReadMessage(); err == nil {
		t.Fatal("other user received a push for user 1")
	}
}

func TestDisconnectReleasesWaiters(t *testing.T) {
	m, registry, server := setupTestManager(t)
	conn := connectWS(t, server, "tokenA")

	send(t, conn, `{"type":"watch","chatId":10}`)
	readEnvelope(t, conn)
	send(t, conn, `{"type":"watch","chatId":11}`)
	readEnvelope(t, conn)
	if registry.Len() != 2 {
		t.Fatalf("registry holds %d waiters, want 2", registry.Len())
	}

	_ = conn.Close()
	waitFor(t, func() bool { return registry.Len() == 0 && m.Clients() == 0 })
}

func TestUnknownMessageType(t *testing.T) {
	_, _, server := setupTestManager(t)
	conn := connectWS(t, server, "tokenA")

	send(t, conn, `{"type":"audio.frame"}`)
	if env := readEnvelope(t, conn); env.Type != TypeError {
		t.Fatalf("reply = %+v, want error", env)
	}
	send(t, conn, `not json`)
	if env := readEnvelope(t, conn); env.Type != TypeError {
		t.Fatalf("reply = %+v, want error", env)
	}
}
