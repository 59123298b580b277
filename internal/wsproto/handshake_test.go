package wsproto

import (
	"encoding/json"
	"testing"

	"github.com/malcolmhoward/dawn/internal/session"
)

func TestHandleReconnect_UnknownTokenFallsBackToInit(t *testing.T) {
	d := newTestDispatcher()
	conn, cleanup := wsClientPair(t, d)
	defer cleanup()

	_ = conn.WriteJSON(map[string]any{
		"type":    "reconnect",
		"payload": map[string]any{"token": "does-not-exist"},
	})

	var sawSessionToken bool
	for i := 0; i < 3; i++ {
		var msg map[string]json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal(err)
		}
		var typ string
		_ = json.Unmarshal(msg["type"], &typ)
		if typ == "session-token" {
			sawSessionToken = true
		}
	}
	if !sawSessionToken {
		t.Fatal("expected fallback to init to still issue a session-token")
	}
}

func TestHandleReconnect_ValidTokenReplaysHistory(t *testing.T) {
	d := newTestDispatcher()

	// Seed a session with history and a token the way handleInit would.
	ref, err := d.Manager.Create(session.TypeWebSocket)
	if err != nil {
		t.Fatal(err)
	}
	ref.Session().AppendHistory(session.Message{Role: session.RoleUser, Content: "earlier message"})
	token, err := d.Manager.Tokens().Issue(ref.Session().ID)
	if err != nil {
		t.Fatal(err)
	}
	ref.Session().MarkDisconnected()
	ref.Release()

	conn, cleanup := wsClientPair(t, d)
	defer cleanup()

	_ = conn.WriteJSON(map[string]any{
		"type":    "reconnect",
		"payload": map[string]any{"token": token},
	})

	var sawTranscript bool
	for i := 0; i < 4; i++ {
		var msg map[string]json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal(err)
		}
		var typ string
		_ = json.Unmarshal(msg["type"], &typ)
		if typ == "transcript" {
			sawTranscript = true
		}
	}
	if !sawTranscript {
		t.Fatal("expected history replay to include the seeded message")
	}
}
