// Package wsproto implements the WebSocket connection lifecycle, handshake,
// and message dispatch described in spec §4.6. It maps the spec's
// single-threaded "service loop" model onto per-connection reader/writer
// goroutines (see SPEC_FULL.md §5.1): socket reads happen on the reader
// goroutine, socket writes happen only on the writer goroutine draining a
// capacity-1 channel, preserving the "exactly one write per dispatch"
// discipline from spec §4.5 without a literal poll loop.
package wsproto

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/malcolmhoward/dawn/internal/authn"
	"github.com/malcolmhoward/dawn/internal/session"
)

// Binary opcodes (spec §4.6 "Binary messages").
const (
	OpcodeAudioIn        byte = 0x01
	OpcodeAudioInEnd     byte = 0x02
	OpcodeAudioOut       byte = 0x11
	OpcodeAudioSegmentEnd byte = 0x12
)

// maxSendBufferBytes bounds a single outbound JSON frame (spec §6
// "Server-side send buffer is bounded (16 KiB) for JSON messages").
const maxSendBufferBytes = 16 * 1024

// maxAudioAccumBytes bounds the inbound audio accumulation buffer (spec
// §4.6 "growable up to a hard cap").
const maxAudioAccumBytes = 2 * 1024 * 1024

// maxAudioCodecEntries bounds the capability list in the init payload
// (spec §4.6 "length-bounded (reject > 16 entries)").
const maxAudioCodecEntries = 16

// Connection is per-socket state for one WebSocket client (spec §3
// "Connection").
type Connection struct {
	ws *websocket.Conn

	ID            string
	PeerIP        string
	ReconnectTok  string
	OpusCapable   bool

	mu          sync.Mutex
	sessionRef  *session.Ref
	authSession *authn.AuthSession

	audioMu     sync.Mutex
	audioBuf    []byte
	fragOpcode  byte
	fragActive  bool

	outbound chan []byte
	closed   chan struct{}
	closeOne sync.Once

	logger *slog.Logger
}

// newConnection wraps an upgraded websocket.Conn.
func newConnection(ws *websocket.Conn, peerIP string, authSess *authn.AuthSession, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ws:          ws,
		ID:          randomConnectionID(),
		PeerIP:      peerIP,
		authSession: authSess,
		outbound:    make(chan []byte, 1),
		closed:      make(chan struct{}),
		logger:      logger,
	}
}

// SessionRef returns the currently bound session reference, if any.
func (c *Connection) SessionRef() *session.Ref {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionRef
}

// bindSession attaches ref as the connection's session, releasing any
// previously bound reference (a connection holds at most one at a time).
func (c *Connection) bindSession(ref *session.Ref) {
	c.mu.Lock()
	prev := c.sessionRef
	c.sessionRef = ref
	c.mu.Unlock()
	if prev != nil {
		prev.Release()
	}
}

// AuthSession returns the connection's authenticated identity, re-read
// fields come from the store at handshake time; is_admin itself is never
// cached (spec §4.3 "Auth re-validation") — callers needing is_admin must
// re-query the auth store directly rather than trust this snapshot's zero
// value.
func (c *Connection) AuthSession() *authn.AuthSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authSession
}

// writerLoop drains outbound and performs all socket writes, the only
// goroutine permitted to call ws.WriteMessage (spec §5 "All socket I/O
// ... runs on the service loop only").
func (c *Connection) writerLoop() {
	for {
		select {
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("websocket write error", "conn_id", c.ID, "error", err)
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// sendJSON marshals v and queues it for the writer goroutine. Oversized
// payloads are refused and logged rather than silently truncated (spec §4.2
// "refused with a logged error").
func (c *Connection) sendJSON(v any) {
	body, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshalling outbound message", "conn_id", c.ID, "error", err)
		return
	}
	if len(body) > maxSendBufferBytes {
		c.logger.Error("outbound message exceeds send buffer, refusing", "conn_id", c.ID, "size", len(body))
		return
	}
	select {
	case c.outbound <- body:
	case <-c.closed:
	}
}

// sendBinary queues a raw binary frame for the writer goroutine, splitting
// large outbound audio into <=8KiB chunks per spec §4.6.
func (c *Connection) sendBinary(opcode byte, payload []byte) {
	const maxChunk = 8 * 1024
	for first := true; first || len(payload) > 0; first = false {
		n := len(payload)
		if n > maxChunk {
			n = maxChunk
		}
		frame := make([]byte, 1+n)
		frame[0] = opcode
		copy(frame[1:], payload[:n])
		select {
		case <-c.closed:
			return
		default:
		}
		if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			c.logger.Debug("websocket binary write error", "conn_id", c.ID, "error", err)
			c.Close()
			return
		}
		payload = payload[n:]
	}
}

// Close tears the connection down exactly once, releasing any bound
// session reference.
func (c *Connection) Close() {
	c.closeOne.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
		c.mu.Lock()
		ref := c.sessionRef
		c.sessionRef = nil
		c.mu.Unlock()
		if ref != nil {
			if s := ref.Session(); s != nil {
				s.MarkDisconnected()
			}
			ref.Release()
		}
	})
}

func randomConnectionID() string {
	return uuid.NewString()
}
