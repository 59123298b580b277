package wsproto

import (
	"encoding/json"

	"github.com/malcolmhoward/dawn/internal/session"
)

// initPayload is the payload shape of the `init` handshake message (spec
// §4.6 "Handshake and session binding", "Capability negotiation").
type initPayload struct {
	Capabilities struct {
		AudioCodecs []string `json:"audio_codecs"`
	} `json:"capabilities"`
}

// reconnectPayload is the payload shape of the `reconnect` message.
type reconnectPayload struct {
	Token string `json:"token"`
}

// handleInit creates a fresh TypeWebSocket session for the connection; the
// dispatch table has no satellite registration message, so every socket
// that sends init gets a browser-type session. Replies with a
// session-token acknowledgment and the current configuration snapshot.
func (d *Dispatcher) handleInit(c *Connection, raw json.RawMessage) {
	var p initPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			c.sendJSON(errorEnvelope("BAD_REQUEST", "malformed init payload", true))
			return
		}
	}
	if len(p.Capabilities.AudioCodecs) > maxAudioCodecEntries {
		c.sendJSON(errorEnvelope("BAD_REQUEST", "too many audio codec entries", true))
		return
	}
	for _, codec := range p.Capabilities.AudioCodecs {
		if codec == "opus" {
			c.OpusCapable = true
		}
	}

	ref, err := d.Manager.Create(session.TypeWebSocket)
	if err != nil {
		c.sendJSON(errorEnvelope("MAX_SESSIONS", "server is at capacity", true))
		return
	}
	c.bindSession(ref)
	d.register(ref.Session().ID, c)

	token, err := d.Manager.Tokens().Issue(ref.Session().ID)
	if err != nil {
		c.sendJSON(errorEnvelope("INTERNAL", "could not allocate reconnection token", false))
		return
	}
	c.ReconnectTok = token

	c.sendJSON(map[string]any{
		"type": "session-token",
		"payload": map[string]any{
			"session_id": ref.Session().ID,
			"token":      token,
		},
	})
	d.sendConfigSnapshot(c, ref.Session())
	c.sendJSON(map[string]any{"type": "state", "payload": map[string]any{"state": "idle"}})
}

// handleReconnect re-binds an existing session by reconnection token,
// replaying session token ack, config snapshot, history (minus system
// messages), and current state (spec §4.6 "Reconnect").
func (d *Dispatcher) handleReconnect(c *Connection, raw json.RawMessage) {
	var p reconnectPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Token == "" {
		c.sendJSON(errorEnvelope("BAD_REQUEST", "missing reconnect token", true))
		return
	}

	id, ok := d.Manager.Tokens().Lookup(p.Token)
	if !ok {
		d.handleInit(c, nil)
		return
	}

	ref, err := d.Manager.GetForReconnect(id)
	if err != nil {
		// Token pointed at a destroyed session: fall through to a fresh one.
		d.handleInit(c, nil)
		return
	}
	c.bindSession(ref)
	d.register(ref.Session().ID, c)
	c.ReconnectTok = p.Token

	sess := ref.Session()
	c.sendJSON(map[string]any{
		"type":    "session-token",
		"payload": map[string]any{"session_id": sess.ID, "token": p.Token},
	})
	d.sendConfigSnapshot(c, sess)

	for _, msg := range sess.HistoryWithoutSystem() {
		c.sendJSON(map[string]any{
			"type": "transcript",
			"payload": map[string]any{
				"role":    msg.Role,
				"content": msg.Content,
			},
		})
	}
	c.sendJSON(map[string]any{"type": "state", "payload": map[string]any{"state": "idle"}})
}

// sendConfigSnapshot emits the session's current LLM configuration.
func (d *Dispatcher) sendConfigSnapshot(c *Connection, s *session.Session) {
	cfg := s.LLMConfig()
	c.sendJSON(map[string]any{
		"type": "config",
		"payload": map[string]any{
			"provider": cfg.Provider,
			"model":    cfg.Model,
		},
	})
}

func errorEnvelope(code, message string, recoverable bool) map[string]any {
	return map[string]any{
		"type": "error",
		"payload": map[string]any{
			"code":        code,
			"message":     message,
			"recoverable": recoverable,
		},
	}
}
