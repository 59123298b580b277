package wsproto

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/malcolmhoward/dawn/internal/authn"
	"github.com/malcolmhoward/dawn/internal/commandbus"
	"github.com/malcolmhoward/dawn/internal/convstore"
	"github.com/malcolmhoward/dawn/internal/metrics"
	"github.com/malcolmhoward/dawn/internal/queue"
	"github.com/malcolmhoward/dawn/internal/session"
	"github.com/malcolmhoward/dawn/internal/worker"
)

// envelope is the wire shape of every inbound text message (spec §4.6
// "Text messages are a JSON envelope with a `type` discriminator").
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Dispatcher routes inbound text/binary messages for one connection to the
// appropriate handler, holding the shared collaborators every handler needs
// (spec §4.6's type table). It is stateless with respect to any single
// connection — all per-connection state lives on Connection.
type Dispatcher struct {
	Manager   *session.Manager
	Queue     *queue.Queue
	Bus       *commandbus.Bus
	AuthStore authn.Store
	UserAdmin authn.UserAdmin
	Convs     convstore.Store
	Worker    worker.Deps
	Audio     *worker.AudioDeps // nil if no audio backend configured
	Metrics   *metrics.Registry // optional
	Logger    *slog.Logger

	regMu    sync.RWMutex
	registry map[uint64]*Connection

	queriesTotal atomic.Uint64
}

// QueriesTotal reports the number of queries dispatched since startup (for
// GET /health's "queries" field).
func (d *Dispatcher) QueriesTotal() uint64 { return d.queriesTotal.Load() }

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// register records the connection currently serving sessionID, so the
// dispatch loop (Deliver) can route a worker's queued envelope to the right
// socket (spec §4.5 "routes by session ID").
func (d *Dispatcher) register(sessionID uint64, c *Connection) {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	if d.registry == nil {
		d.registry = make(map[uint64]*Connection)
	}
	d.registry[sessionID] = c
}

// unregister removes sessionID's entry, but only if it still points at c —
// a reconnect on a different connection may have already replaced it.
func (d *Dispatcher) unregister(sessionID uint64, c *Connection) {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	if d.registry[sessionID] == c {
		delete(d.registry, sessionID)
	}
}

// Deliver routes one dispatch-loop envelope to its owning connection's
// outbound channel, translating the internal queue.Envelope into the wire
// JSON/binary shapes (spec §4.5, §4.6). A session with no currently
// connected socket (disconnected, or reconnect pending) is a silent no-op:
// the envelope was already best-effort by nature of the response queue.
func (d *Dispatcher) Deliver(env queue.Envelope) {
	d.regMu.RLock()
	c, ok := d.registry[env.SessionID]
	d.regMu.RUnlock()
	if !ok {
		return
	}

	switch env.Tag {
	case queue.TagState:
		c.sendJSON(map[string]any{"type": "state", "payload": map[string]any{"state": env.State}})
	case queue.TagTranscript:
		c.sendJSON(map[string]any{"type": "transcript", "payload": map[string]any{"role": env.Role, "content": env.Content}})
	case queue.TagError:
		c.sendJSON(errorEnvelope(env.ErrorCode, env.ErrorMessage, env.Recoverable))
	case queue.TagStreamStart:
		c.sendJSON(map[string]any{"type": "stream-start", "payload": map[string]any{"stream_id": env.StreamID}})
	case queue.TagStreamDelta:
		c.sendJSON(map[string]any{"type": "stream-delta", "payload": map[string]any{"stream_id": env.StreamID, "content": env.Content}})
	case queue.TagStreamEnd:
		c.sendJSON(map[string]any{"type": "stream-end", "payload": map[string]any{"stream_id": env.StreamID, "reason": env.Reason}})
	case queue.TagContextUsage:
		c.sendJSON(map[string]any{"type": "context-usage", "payload": map[string]any{"used_tokens": env.UsedTokens, "max_tokens": env.MaxTokens}})
	case queue.TagAudioChunk:
		c.sendBinary(OpcodeAudioOut, env.AudioData)
	case queue.TagAudioEnd:
		c.sendBinary(OpcodeAudioSegmentEnd, nil)
	case queue.TagMetrics:
		c.sendJSON(map[string]any{"type": "metrics", "payload": map[string]any{"name": env.MetricName, "value": env.MetricValue}})
	case queue.TagCompactionComplete:
		c.sendJSON(map[string]any{"type": "compaction-complete", "payload": map[string]any{}})
	}
}

// RunDispatchLoop drains the response queue and delivers each envelope,
// waking on either the queue's own poke channel or a coarse poll tick (spec
// §4.1's "service loop", generalized here since delivery itself no longer
// needs a literal single-threaded poll — only ordering per session matters,
// which Deliver's direct channel write preserves).
func (d *Dispatcher) RunDispatchLoop(q *queue.Queue, stop <-chan struct{}) {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		for {
			env, ok := q.Dequeue()
			if !ok {
				break
			}
			d.Deliver(env)
		}
		select {
		case <-stop:
			return
		case <-q.Wake():
		case <-tick.C:
		}
	}
}

// Dispatch routes one decoded text frame (spec §4.6's dispatch table). Types
// outside this table get a BAD_REQUEST error, never a silent drop, so a
// misbehaving client can tell its message wasn't understood.
func (d *Dispatcher) Dispatch(c *Connection, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendJSON(errorEnvelope("BAD_REQUEST", "malformed message envelope", true))
		return
	}

	switch env.Type {
	case "init":
		d.handleInit(c, env.Payload)
	case "reconnect":
		d.handleReconnect(c, env.Payload)
	case "query":
		d.handleQuery(c, env.Payload)
	case "cancel":
		d.handleCancel(c)
	case "get-configuration":
		d.handleGetConfiguration(c)
	case "set-configuration":
		d.handleSetConfiguration(c, env.Payload)
	case "list-models":
		d.handleListModels(c)
	case "conversations-list":
		d.handleConversationsList(c, env.Payload)
	case "conversations-create":
		d.handleConversationsCreate(c, env.Payload)
	case "conversations-get":
		d.handleConversationsGet(c, env.Payload)
	case "conversations-rename":
		d.handleConversationsRename(c, env.Payload)
	case "conversations-delete":
		d.handleConversationsDelete(c, env.Payload)
	case "sessions-list":
		d.handleSessionsList(c)
	case "sessions-revoke":
		d.handleSessionsRevoke(c, env.Payload)
	case "users-list":
		d.handleUsersList(c)
	case "users-create":
		d.handleUsersCreate(c, env.Payload)
	case "users-delete":
		d.handleUsersDelete(c, env.Payload)
	case "users-set-password":
		d.handleUsersSetPassword(c, env.Payload)
	case "users-set-locked":
		d.handleUsersSetLocked(c, env.Payload)
	default:
		c.sendJSON(errorEnvelope("BAD_REQUEST", "unrecognized message type: "+env.Type, true))
	}
}

// requireAdmin re-reads is_admin from the auth store at the moment of the
// call, never from a cached flag (spec §4.3 "Auth re-validation" applies to
// the WebSocket admin commands exactly as it does to the HTTP layer).
func (d *Dispatcher) requireAdmin(c *Connection) bool {
	sess := c.AuthSession()
	if sess == nil {
		c.sendJSON(errorEnvelope("UNAUTHENTICATED", "login required", false))
		return false
	}
	user, found, err := d.AuthStore.GetUser(sess.Username)
	if err != nil || !found || !user.IsAdmin {
		c.sendJSON(errorEnvelope("FORBIDDEN", "admin privileges required", false))
		return false
	}
	return true
}

type queryPayload struct {
	Text string `json:"text"`
}

// handleQuery starts a detached worker for one text query (spec §4.7). The
// worker delivers all of its results through the shared queue; Dispatch
// itself never blocks on the reply.
func (d *Dispatcher) handleQuery(c *Connection, raw json.RawMessage) {
	var p queryPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Text == "" {
		c.sendJSON(errorEnvelope("BAD_REQUEST", "missing query text", true))
		return
	}
	ref := c.SessionRef()
	if ref == nil {
		c.sendJSON(errorEnvelope("NO_SESSION", "send init before querying", true))
		return
	}
	// RunText releases whatever Ref it's handed, so the worker goroutine
	// needs its own independent reference, not the connection's.
	workerRef, err := d.Manager.Get(ref.Session().ID)
	if err != nil {
		c.sendJSON(errorEnvelope("NO_SESSION", "session no longer exists", true))
		return
	}
	d.queriesTotal.Add(1)
	if d.Metrics != nil {
		d.Metrics.QueriesTotal.Inc()
	}
	go worker.RunText(context.Background(), d.Worker, workerRef, p.Text)
}

// handleCancel advances the session's request generation, causing any
// in-flight worker to observe supersession at its next checkpoint (spec
// §4.6 "Cancellation").
func (d *Dispatcher) handleCancel(c *Connection) {
	ref := c.SessionRef()
	if ref == nil {
		return
	}
	ref.Session().AdvanceRequestGeneration()
}

func (d *Dispatcher) handleGetConfiguration(c *Connection) {
	ref := c.SessionRef()
	if ref == nil {
		c.sendJSON(errorEnvelope("NO_SESSION", "send init first", true))
		return
	}
	d.sendConfigSnapshot(c, ref.Session())
}

type setConfigPayload struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (d *Dispatcher) handleSetConfiguration(c *Connection, raw json.RawMessage) {
	ref := c.SessionRef()
	if ref == nil {
		c.sendJSON(errorEnvelope("NO_SESSION", "send init first", true))
		return
	}
	var p setConfigPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Provider == "" {
		c.sendJSON(errorEnvelope("BAD_REQUEST", "malformed configuration payload", true))
		return
	}
	cfg := session.LLMConfig{Provider: p.Provider, Model: p.Model}
	if err := ref.Session().SetLLMConfig(cfg, d.Manager.KeyAvailable); err != nil {
		c.sendJSON(errorEnvelope("PROVIDER_KEY_MISSING", err.Error(), true))
		return
	}
	d.sendConfigSnapshot(c, ref.Session())
}

// handleListModels returns the static, built-in model catalog. The actual
// backend catalog is out of scope (spec §1); this lists only the providers
// a session is allowed to switch to.
func (d *Dispatcher) handleListModels(c *Connection) {
	c.sendJSON(map[string]any{
		"type": "models",
		"payload": map[string]any{
			"providers": []string{"local", "openai", "anthropic"},
		},
	})
}

type conversationsListPayload struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

func (d *Dispatcher) handleConversationsList(c *Connection, raw json.RawMessage) {
	if d.Convs == nil {
		c.sendJSON(errorEnvelope("NOT_CONFIGURED", "conversation storage not configured", false))
		return
	}
	var p conversationsListPayload
	_ = json.Unmarshal(raw, &p)
	if p.Limit <= 0 {
		p.Limit = 50
	}
	owner := ownerOf(c)
	page, err := d.Convs.List(owner, p.Cursor, p.Limit)
	if err != nil {
		c.sendJSON(errorEnvelope("INTERNAL", err.Error(), true))
		return
	}
	c.sendJSON(map[string]any{"type": "conversations", "payload": page})
}

type conversationsCreatePayload struct {
	Title string `json:"title"`
}

func (d *Dispatcher) handleConversationsCreate(c *Connection, raw json.RawMessage) {
	if d.Convs == nil {
		c.sendJSON(errorEnvelope("NOT_CONFIGURED", "conversation storage not configured", false))
		return
	}
	var p conversationsCreatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Title == "" {
		c.sendJSON(errorEnvelope("BAD_REQUEST", "missing title", true))
		return
	}
	conv, err := d.Convs.Create(ownerOf(c), p.Title)
	if err != nil {
		c.sendJSON(errorEnvelope("INTERNAL", err.Error(), true))
		return
	}
	c.sendJSON(map[string]any{"type": "conversation-created", "payload": conv})
}

type conversationIDPayload struct {
	ID string `json:"id"`
}

func (d *Dispatcher) handleConversationsGet(c *Connection, raw json.RawMessage) {
	if d.Convs == nil {
		c.sendJSON(errorEnvelope("NOT_CONFIGURED", "conversation storage not configured", false))
		return
	}
	var p conversationIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		c.sendJSON(errorEnvelope("BAD_REQUEST", "missing id", true))
		return
	}
	conv, msgs, err := d.Convs.Get(p.ID)
	if err != nil {
		c.sendJSON(errorEnvelope("NOT_FOUND", err.Error(), true))
		return
	}
	c.sendJSON(map[string]any{
		"type":    "conversation",
		"payload": map[string]any{"conversation": conv, "messages": msgs},
	})
}

type conversationsRenamePayload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (d *Dispatcher) handleConversationsRename(c *Connection, raw json.RawMessage) {
	if d.Convs == nil {
		c.sendJSON(errorEnvelope("NOT_CONFIGURED", "conversation storage not configured", false))
		return
	}
	var p conversationsRenamePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" || p.Title == "" {
		c.sendJSON(errorEnvelope("BAD_REQUEST", "missing id or title", true))
		return
	}
	if err := d.Convs.Rename(p.ID, p.Title); err != nil {
		c.sendJSON(errorEnvelope("INTERNAL", err.Error(), true))
		return
	}
	c.sendJSON(map[string]any{"type": "conversation-renamed", "payload": p})
}

func (d *Dispatcher) handleConversationsDelete(c *Connection, raw json.RawMessage) {
	if d.Convs == nil {
		c.sendJSON(errorEnvelope("NOT_CONFIGURED", "conversation storage not configured", false))
		return
	}
	var p conversationIDPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		c.sendJSON(errorEnvelope("BAD_REQUEST", "missing id", true))
		return
	}
	if err := d.Convs.Delete(p.ID); err != nil {
		c.sendJSON(errorEnvelope("INTERNAL", err.Error(), true))
		return
	}
	c.sendJSON(map[string]any{"type": "conversation-deleted", "payload": p})
}

// handleSessionsList lists the calling user's own live sessions. Only the
// reserved local session is ever shared between users; WebSocket sessions
// are 1:1 with a connection, so this reports just the caller's own.
func (d *Dispatcher) handleSessionsList(c *Connection) {
	ref := c.SessionRef()
	if ref == nil {
		c.sendJSON(map[string]any{"type": "sessions", "payload": []any{}})
		return
	}
	s := ref.Session()
	c.sendJSON(map[string]any{
		"type": "sessions",
		"payload": []map[string]any{{
			"session_id": s.ID,
			"type":       s.Type,
			"created_at": s.CreatedAt,
		}},
	})
}

type sessionsRevokePayload struct {
	SessionID uint64 `json:"session_id"`
}

func (d *Dispatcher) handleSessionsRevoke(c *Connection, raw json.RawMessage) {
	var p sessionsRevokePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendJSON(errorEnvelope("BAD_REQUEST", "missing session_id", true))
		return
	}
	if err := d.Manager.Destroy(p.SessionID); err != nil {
		c.sendJSON(errorEnvelope("NOT_FOUND", err.Error(), true))
		return
	}
	c.sendJSON(map[string]any{"type": "session-revoked", "payload": p})
}

func (d *Dispatcher) handleUsersList(c *Connection) {
	if !d.requireAdmin(c) {
		return
	}
	if d.UserAdmin == nil {
		c.sendJSON(errorEnvelope("NOT_CONFIGURED", "user administration not configured", false))
		return
	}
	users, err := d.UserAdmin.ListUsers()
	if err != nil {
		c.sendJSON(errorEnvelope("INTERNAL", err.Error(), true))
		return
	}
	sanitized := make([]map[string]any, 0, len(users))
	for _, u := range users {
		sanitized = append(sanitized, map[string]any{"username": u.Username, "is_admin": u.IsAdmin})
	}
	c.sendJSON(map[string]any{"type": "users", "payload": sanitized})
}

type usersCreatePayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

func (d *Dispatcher) handleUsersCreate(c *Connection, raw json.RawMessage) {
	if !d.requireAdmin(c) {
		return
	}
	if d.UserAdmin == nil {
		c.sendJSON(errorEnvelope("NOT_CONFIGURED", "user administration not configured", false))
		return
	}
	var p usersCreatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Username == "" || p.Password == "" {
		c.sendJSON(errorEnvelope("BAD_REQUEST", "missing username or password", true))
		return
	}
	if err := d.UserAdmin.CreateUser(p.Username, p.Password, p.IsAdmin); err != nil {
		c.sendJSON(errorEnvelope("INTERNAL", err.Error(), true))
		return
	}
	c.sendJSON(map[string]any{"type": "user-created", "payload": map[string]any{"username": p.Username}})
}

type usersUsernamePayload struct {
	Username string `json:"username"`
}

func (d *Dispatcher) handleUsersDelete(c *Connection, raw json.RawMessage) {
	if !d.requireAdmin(c) {
		return
	}
	if d.UserAdmin == nil {
		c.sendJSON(errorEnvelope("NOT_CONFIGURED", "user administration not configured", false))
		return
	}
	var p usersUsernamePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Username == "" {
		c.sendJSON(errorEnvelope("BAD_REQUEST", "missing username", true))
		return
	}
	if err := d.UserAdmin.DeleteUser(p.Username); err != nil {
		c.sendJSON(errorEnvelope("INTERNAL", err.Error(), true))
		return
	}
	c.sendJSON(map[string]any{"type": "user-deleted", "payload": p})
}

type usersSetPasswordPayload struct {
	Username    string `json:"username"`
	NewPassword string `json:"new_password"`
}

// handleUsersSetPassword allows a user to change their own password, or an
// admin to change anyone's (spec §4.6 "Change password (self or admin)").
func (d *Dispatcher) handleUsersSetPassword(c *Connection, raw json.RawMessage) {
	var p usersSetPasswordPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Username == "" || p.NewPassword == "" {
		c.sendJSON(errorEnvelope("BAD_REQUEST", "missing username or new_password", true))
		return
	}
	sess := c.AuthSession()
	if sess == nil {
		c.sendJSON(errorEnvelope("UNAUTHENTICATED", "login required", false))
		return
	}
	if sess.Username != p.Username && !d.requireAdmin(c) {
		return
	}
	if d.UserAdmin == nil {
		c.sendJSON(errorEnvelope("NOT_CONFIGURED", "user administration not configured", false))
		return
	}
	if err := d.UserAdmin.SetPassword(p.Username, p.NewPassword); err != nil {
		c.sendJSON(errorEnvelope("INTERNAL", err.Error(), true))
		return
	}
	c.sendJSON(map[string]any{"type": "password-changed", "payload": map[string]any{"username": p.Username}})
}

type usersSetLockedPayload struct {
	Username string `json:"username"`
	Locked   bool   `json:"locked"`
}

func (d *Dispatcher) handleUsersSetLocked(c *Connection, raw json.RawMessage) {
	if !d.requireAdmin(c) {
		return
	}
	if d.UserAdmin == nil {
		c.sendJSON(errorEnvelope("NOT_CONFIGURED", "user administration not configured", false))
		return
	}
	var p usersSetLockedPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Username == "" {
		c.sendJSON(errorEnvelope("BAD_REQUEST", "missing username", true))
		return
	}
	if err := d.UserAdmin.SetLocked(p.Username, p.Locked); err != nil {
		c.sendJSON(errorEnvelope("INTERNAL", err.Error(), true))
		return
	}
	c.sendJSON(map[string]any{"type": "user-lock-changed", "payload": p})
}

// ownerOf identifies the conversation owner for the connection's
// authenticated user, falling back to "anonymous" for unauthenticated local
// connections (conversation storage is opt-in; spec §1).
func ownerOf(c *Connection) string {
	if sess := c.AuthSession(); sess != nil {
		return sess.Username
	}
	return "anonymous"
}
