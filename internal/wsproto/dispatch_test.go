package wsproto

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/malcolmhoward/dawn/internal/authn"
	"github.com/malcolmhoward/dawn/internal/commandbus"
	"github.com/malcolmhoward/dawn/internal/queue"
	"github.com/malcolmhoward/dawn/internal/session"
	"github.com/malcolmhoward/dawn/internal/worker"
)

type stubLLM struct{ reply string }

func (s *stubLLM) Stream(ctx context.Context, history []session.Message, onDelta func(worker.StreamDelta)) (string, error) {
	onDelta(worker.StreamDelta{Content: s.reply})
	return s.reply, nil
}

type memAuthStore struct {
	users    map[string]*authn.User
	sessions map[string]*authn.AuthSession
}

func newMemAuthStore() *memAuthStore {
	return &memAuthStore{users: map[string]*authn.User{}, sessions: map[string]*authn.AuthSession{}}
}

func (m *memAuthStore) GetUser(username string) (*authn.User, bool, error) {
	u, ok := m.users[username]
	return u, ok, nil
}
func (m *memAuthStore) GetFailureState(username string) (authn.FailureState, error) {
	return authn.FailureState{}, nil
}
func (m *memAuthStore) IncrementFailure(username string, threshold int, dur time.Duration) error {
	return nil
}
func (m *memAuthStore) ResetFailure(username string) error { return nil }
func (m *memAuthStore) CreateSession(sess authn.AuthSession) error {
	m.sessions[sess.Token] = &sess
	return nil
}
func (m *memAuthStore) GetSession(token string) (*authn.AuthSession, bool, error) {
	s, ok := m.sessions[token]
	return s, ok, nil
}
func (m *memAuthStore) DeleteSession(token string) error { delete(m.sessions, token); return nil }
func (m *memAuthStore) TouchSession(token string) error  { return nil }
func (m *memAuthStore) PersistentRateLimitOver(username string) (bool, error) {
	return false, nil
}

func newTestDispatcher() *Dispatcher {
	mgr := session.NewManager(32, session.LLMConfig{Provider: "local", Model: "test"}, nil, time.Hour)
	q := queue.New(128)
	return &Dispatcher{
		Manager:   mgr,
		Queue:     q,
		Bus:       commandbus.New(),
		AuthStore: newMemAuthStore(),
		Worker:    worker.Deps{Manager: mgr, Queue: q, Bus: commandbus.New(), LLM: &stubLLM{reply: "ok"}},
	}
}

// wsClientPair spins up a real httptest server running d.Handler and returns
// a connected client websocket.Conn, mirroring the teacher's tunnel tests'
// preference for exercising the real upgrade path over hand-rolled frames.
func wsClientPair(t *testing.T, d *Dispatcher) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(d.Handler())
	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestHandleInit_IssuesSessionTokenAndConfig(t *testing.T) {
	d := newTestDispatcher()
	conn, cleanup := wsClientPair(t, d)
	defer cleanup()

	if err := conn.WriteJSON(map[string]any{"type": "init", "payload": map[string]any{}}); err != nil {
		t.Fatal(err)
	}

	var sawSessionToken, sawConfig, sawState bool
	for i := 0; i < 3; i++ {
		var msg map[string]json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal(err)
		}
		var typ string
		_ = json.Unmarshal(msg["type"], &typ)
		switch typ {
		case "session-token":
			sawSessionToken = true
		case "config":
			sawConfig = true
		case "state":
			sawState = true
		}
	}
	if !sawSessionToken || !sawConfig || !sawState {
		t.Fatalf("expected session-token, config, state; got token=%v config=%v state=%v", sawSessionToken, sawConfig, sawState)
	}
}

func TestHandleQuery_WithoutInitReturnsNoSessionError(t *testing.T) {
	d := newTestDispatcher()
	conn, cleanup := wsClientPair(t, d)
	defer cleanup()

	_ = conn.WriteJSON(map[string]any{"type": "query", "payload": map[string]any{"text": "hi"}})

	var msg map[string]json.RawMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	var typ string
	_ = json.Unmarshal(msg["type"], &typ)
	if typ != "error" {
		t.Fatalf("expected error envelope, got %q", typ)
	}
}

func TestDispatch_UnrecognizedTypeReturnsBadRequest(t *testing.T) {
	d := newTestDispatcher()
	conn, cleanup := wsClientPair(t, d)
	defer cleanup()

	_ = conn.WriteJSON(map[string]any{"type": "not-a-real-type"})

	var msg map[string]json.RawMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	var typ string
	_ = json.Unmarshal(msg["type"], &typ)
	if typ != "error" {
		t.Fatalf("expected error envelope, got %q", typ)
	}
}

func TestHandleUsersList_RequiresAdmin(t *testing.T) {
	d := newTestDispatcher()
	store := d.AuthStore.(*memAuthStore)
	store.users["plain"] = &authn.User{Username: "plain", IsAdmin: false}
	store.sessions["tok"] = &authn.AuthSession{Token: "tok", Username: "plain", ExpiresAt: time.Now().Add(time.Hour)}

	conn, cleanup := wsClientPair(t, d)
	defer cleanup()

	// No cookie was sent (httptest dialer doesn't carry one here), so the
	// connection has no AuthSession and requireAdmin must reject it.
	_ = conn.WriteJSON(map[string]any{"type": "users-list"})

	var msg map[string]json.RawMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	var typ string
	_ = json.Unmarshal(msg["type"], &typ)
	if typ != "error" {
		t.Fatalf("expected error envelope for unauthenticated users-list, got %q", typ)
	}
}
