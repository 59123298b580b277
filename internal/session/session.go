// Package session implements the DAWN session manager: reference-counted
// conversation contexts shared between the network service loop and worker
// goroutines (spec §3, §4.4).
package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type tags a session by the kind of client that owns it.
type Type string

const (
	TypeLocal           Type = "local"
	TypeSatelliteTier1  Type = "satellite-tier-1"
	TypeSatelliteTier2  Type = "satellite-tier-2"
	TypeWebSocket       Type = "websocket"
)

// Role is the speaker of a conversation history message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history.
type Message struct {
	Role    Role
	Content string
}

// LLMConfig is a per-session copy of the global default LLM configuration,
// mutable independently (spec §4.4).
type LLMConfig struct {
	Provider string
	Model    string
	// Overrides holds optional provider-specific knobs (temperature, etc.)
	// as an opaque bag; the core never interprets their contents.
	Overrides map[string]string
}

// Clone returns a deep copy so sessions never alias the default config.
func (c LLMConfig) Clone() LLMConfig {
	out := LLMConfig{Provider: c.Provider, Model: c.Model}
	if c.Overrides != nil {
		out.Overrides = make(map[string]string, len(c.Overrides))
		for k, v := range c.Overrides {
			out.Overrides[k] = v
		}
	}
	return out
}

// Satellite holds identity fields populated only for satellite sessions.
type Satellite struct {
	UUID     string
	Name     string
	Location string
	Tier     Type
}

// ReservedLocalSessionID is the never-destroyed sentinel session (invariant i).
const ReservedLocalSessionID uint64 = 0

// Session represents one conversation context. Fields are grouped by the
// mutex that protects them, matching the lock-order contract in §4.4:
// history, LLM config, metrics (tool list), and the reference count each
// have their own leaf mutex, never held simultaneously with another leaf.
type Session struct {
	ID        uint64
	Type      Type
	CreatedAt time.Time

	Satellite *Satellite

	// Atomic status flags, read/written via acquire/release semantics at
	// worker checkpoints per §5 and §9 ("Supersession + cancellation").
	disconnected        atomic.Bool
	llmStreamingActive  atomic.Bool
	streamHadContent    atomic.Bool
	streamID            atomic.Uint64
	requestGeneration   atomic.Uint64
	lastActivityUnixNano atomic.Int64

	refMu    sync.Mutex
	refCount int
	zeroCond *sync.Cond

	historyMu sync.Mutex
	history   []Message

	llmMu  sync.Mutex
	llmCfg LLMConfig

	toolsMu      sync.Mutex
	activeTools  []string
	maxToolSlots int

	filter commandFilterState
}

// newSession constructs a session with its condition variable wired up.
// Unexported: sessions are only created via the Manager.
func newSession(id uint64, typ Type, defaultCfg LLMConfig) *Session {
	s := &Session{
		ID:           id,
		Type:         typ,
		CreatedAt:    time.Now(),
		llmCfg:       defaultCfg.Clone(),
		maxToolSlots: 8,
	}
	s.zeroCond = sync.NewCond(&s.refMu)
	s.lastActivityUnixNano.Store(s.CreatedAt.UnixNano())
	return s
}

// touch records activity for the idle-expiry sweep.
func (s *Session) touch() {
	s.lastActivityUnixNano.Store(time.Now().UnixNano())
}

// LastActivity returns the last recorded activity time.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivityUnixNano.Load())
}

// Disconnected reports whether the session has been marked disconnected.
// Workers must check this at every suspension checkpoint (§5).
func (s *Session) Disconnected() bool { return s.disconnected.Load() }

// MarkDisconnected sets the disconnected flag. Terminal: once set, the
// session is only returned by an explicit reconnect lookup (invariant iv).
func (s *Session) MarkDisconnected() { s.disconnected.Store(true) }

// clearDisconnected is used only by the reconnection path.
func (s *Session) clearDisconnected() { s.disconnected.Store(false) }

// RequestGeneration returns the current generation counter.
func (s *Session) RequestGeneration() uint64 { return s.requestGeneration.Load() }

// AdvanceRequestGeneration increments and returns the new generation. Called
// on every new user query and on cancellation, so in-flight workers started
// under a stale generation can detect supersession (§4.6 Cancellation, §8.9).
func (s *Session) AdvanceRequestGeneration() uint64 {
	return s.requestGeneration.Add(1)
}

// StreamID returns the current stream identifier.
func (s *Session) StreamID() uint64 { return s.streamID.Load() }

// BeginStream increments the monotonic stream ID and marks streaming active,
// satisfying the strict-monotonicity invariant (§8.8).
func (s *Session) BeginStream() uint64 {
	s.llmStreamingActive.Store(true)
	s.streamHadContent.Store(false)
	return s.streamID.Add(1)
}

// EndStream clears the streaming-active flag.
func (s *Session) EndStream() {
	s.llmStreamingActive.Store(false)
}

// StreamingActive reports whether a stream is currently being produced.
func (s *Session) StreamingActive() bool { return s.llmStreamingActive.Load() }

// MarkStreamHadContent records that at least one non-empty delta was sent
// for the current stream, used to decide whether a trailing assistant
// message is worth appending to history.
func (s *Session) MarkStreamHadContent() { s.streamHadContent.Store(true) }

// StreamHadContent reports the flag set by MarkStreamHadContent.
func (s *Session) StreamHadContent() bool { return s.streamHadContent.Load() }

// AppendHistory adds a message under the history leaf mutex.
func (s *Session) AppendHistory(msg Message) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append(s.history, msg)
	s.touch()
}

// History returns a copy of the conversation history (copy-under-lock
// pattern per §4.4, so callers never hold the leaf mutex while using it).
func (s *Session) History() []Message {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// HistoryWithoutSystem returns history minus any leading system message,
// used when replaying to a reconnecting client (§4.6 Reconnect).
func (s *Session) HistoryWithoutSystem() []Message {
	full := s.History()
	out := make([]Message, 0, len(full))
	for _, m := range full {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// SetSystemPrompt replaces the leading system message in place if present,
// else prepends one, without clearing the rest of history (invariant ii,
// §4.4 "system-prompt update").
func (s *Session) SetSystemPrompt(content string) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	if len(s.history) > 0 && s.history[0].Role == RoleSystem {
		s.history[0].Content = content
		return
	}
	s.history = append([]Message{{Role: RoleSystem, Content: content}}, s.history...)
}

// LLMConfig returns a copy of the session's current LLM configuration.
func (s *Session) LLMConfig() LLMConfig {
	s.llmMu.Lock()
	defer s.llmMu.Unlock()
	return s.llmCfg.Clone()
}

// KeyAvailableFunc reports whether an API key is configured for a provider.
// Injected so the session package doesn't depend on the config/secrets store.
type KeyAvailableFunc func(provider string) bool

// SetLLMConfig validates and replaces the per-session LLM configuration.
// Refuses to switch to a cloud provider lacking a configured API key
// (§4.4 "set-validation").
func (s *Session) SetLLMConfig(cfg LLMConfig, keyAvailable KeyAvailableFunc) error {
	if keyAvailable != nil && !keyAvailable(cfg.Provider) {
		return ErrProviderKeyMissing
	}
	s.llmMu.Lock()
	defer s.llmMu.Unlock()
	s.llmCfg = cfg.Clone()
	return nil
}

// ActiveTools returns a bounded snapshot of currently-executing tool names
// for UI display.
func (s *Session) ActiveTools() []string {
	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()
	out := make([]string, len(s.activeTools))
	copy(out, s.activeTools)
	return out
}

// PushActiveTool records a tool invocation starting, bounded to avoid
// unbounded growth if a model loops (the worker pool's follow-up guard is
// the primary defense; this is a display-layer backstop).
func (s *Session) PushActiveTool(name string) {
	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()
	if len(s.activeTools) >= s.maxToolSlots {
		s.activeTools = s.activeTools[1:]
	}
	s.activeTools = append(s.activeTools, name)
}

// PopActiveTool records a tool invocation completing.
func (s *Session) PopActiveTool(name string) {
	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()
	for i, t := range s.activeTools {
		if t == name {
			s.activeTools = append(s.activeTools[:i], s.activeTools[i+1:]...)
			return
		}
	}
}
