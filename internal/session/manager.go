package session

import (
	"fmt"
	"sync"
	"time"
)

// Ref is a reference-counted handle to a Session. Holders must call
// Release exactly once when done; the session is not destroyed while any
// Ref is outstanding (§3 "Ownership", §8.7).
type Ref struct {
	s       *Session
	mgr     *Manager
	release sync.Once
}

// Session returns the underlying session. Valid until Release is called.
func (r *Ref) Session() *Session { return r.s }

// Release decrements the reference count, waking any pending destroyer once
// the count reaches zero. Idempotent.
func (r *Ref) Release() {
	r.release.Do(func() {
		r.mgr.release(r.s)
	})
}

// Manager owns the indexed collection of sessions. Lock acquisition order is
// a hard contract (§4.4):
//  1. Manager-wide read-write lock (mu)
//  2. Per-session reference-count mutex (Session.refMu)
//  3. Per-session leaf mutexes (history, LLM config, tools) — never held
//     simultaneously with one another.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	byUUID   map[string]uint64 // weak index: satellite UUID -> session ID

	nextID       uint64
	maxSessions  int
	defaultLLM   LLMConfig
	keyAvailable KeyAvailableFunc
	idleTimeout  time.Duration

	tokens *TokenMap
}

// NewManager constructs a Manager with session 0 reserved and immortal
// (invariant i).
func NewManager(maxSessions int, defaultLLM LLMConfig, keyAvailable KeyAvailableFunc, idleTimeout time.Duration) *Manager {
	m := &Manager{
		sessions:     make(map[uint64]*Session),
		byUUID:       make(map[string]uint64),
		maxSessions:  maxSessions,
		defaultLLM:   defaultLLM,
		keyAvailable: keyAvailable,
		idleTimeout:  idleTimeout,
		tokens:       NewTokenMap(16),
	}
	local := newSession(ReservedLocalSessionID, TypeLocal, defaultLLM)
	m.sessions[ReservedLocalSessionID] = local
	m.nextID = 1
	return m
}

// Tokens exposes the reconnection token map to the WebSocket handshake layer.
func (m *Manager) Tokens() *TokenMap { return m.tokens }

// KeyAvailable exposes the injected provider-key lookup for session config
// validation from other packages.
func (m *Manager) KeyAvailable(provider string) bool {
	if m.keyAvailable == nil {
		return true
	}
	return m.keyAvailable(provider)
}

// Create allocates a fresh session of the given type, enforcing the
// max-session cap (invariant iii). Refusal is clean: no partial state.
func (m *Manager) Create(typ Type) (*Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		return nil, ErrMaxSessions
	}

	id := m.nextID
	m.nextID++

	s := newSession(id, typ, m.defaultLLM)
	m.sessions[id] = s
	return m.acquireLocked(s), nil
}

// CreateOrReconnectSatellite matches on UUID under the write lock: a known,
// live UUID reconnects in place (preserving history); an unknown or
// destroyed UUID allocates a fresh session. This happens atomically so a
// concurrent refresh storm cannot create two sessions for one satellite
// (§4.4 "Creation", §9 Open Question ii).
func (m *Manager) CreateOrReconnectSatellite(typ Type, sat Satellite) (*Ref, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byUUID[sat.UUID]; ok {
		if s, ok := m.sessions[id]; ok {
			s.refMu.Lock()
			s.clearDisconnected()
			s.refMu.Unlock()
			s.touch()
			return m.acquireLocked(s), true, nil
		}
		// Stale index entry pointing at a destroyed session: fall through
		// to create fresh, per §4.6 "Token lookup that finds a destroyed
		// session falls through to creating a new one."
		delete(m.byUUID, sat.UUID)
	}

	if len(m.sessions) >= m.maxSessions {
		return nil, false, ErrMaxSessions
	}

	id := m.nextID
	m.nextID++

	s := newSession(id, typ, m.defaultLLM)
	satCopy := sat
	s.Satellite = &satCopy
	m.sessions[id] = s
	m.byUUID[sat.UUID] = id
	return m.acquireLocked(s), false, nil
}

// Get looks up a session by ID, returning a new Ref. Sessions marked
// disconnected are not returned except via GetForReconnect (invariant iv).
func (m *Manager) Get(id uint64) (*Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Disconnected() {
		return nil, ErrNotFound
	}
	return m.acquireLocked(s), nil
}

// GetForReconnect looks up a session by ID regardless of its disconnected
// flag, clearing it on success. This is the only path that can revive a
// disconnected session (invariant iv, §4.6 Reconnect).
func (m *Manager) GetForReconnect(id uint64) (*Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.refMu.Lock()
	s.clearDisconnected()
	s.refMu.Unlock()
	s.touch()
	return m.acquireLocked(s), nil
}

// acquireLocked increments the refcount. Caller must hold m.mu (any mode).
func (m *Manager) acquireLocked(s *Session) *Ref {
	s.refMu.Lock()
	s.refCount++
	s.refMu.Unlock()
	return &Ref{s: s, mgr: m}
}

// release decrements the refcount and signals any destroyer waiting for it
// to reach zero.
func (m *Manager) release(s *Session) {
	s.refMu.Lock()
	s.refCount--
	if s.refCount < 0 {
		// Should never happen; guard against double-release bugs rather
		// than corrupting accounting silently.
		s.refCount = 0
	}
	if s.refCount == 0 {
		s.zeroCond.Broadcast()
	}
	s.refMu.Unlock()
}

// Destroy begins two-phase destruction (§4.4 "Destruction"): phase one marks
// disconnected and removes the session from the active index so no new
// references are granted; phase two (WaitZeroRefs) blocks until the last
// outstanding reference is released. Session 0 is never destroyed
// (invariant i).
func (m *Manager) Destroy(id uint64) error {
	if id == ReservedLocalSessionID {
		return ErrReservedID
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.MarkDisconnected()
	delete(m.sessions, id)
	if s.Satellite != nil {
		delete(m.byUUID, s.Satellite.UUID)
	}
	m.mu.Unlock()

	return nil
}

// WaitZeroRefs blocks until the session's reference count reaches zero.
// Callers that don't need to observe the moment of destruction (the common
// case — Go's GC reclaims the Session once unreferenced) can skip calling
// this; it exists to satisfy §8.7's testable property.
func (s *Session) WaitZeroRefs() {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	for s.refCount > 0 {
		s.zeroCond.Wait()
	}
}

// RefCount reports the current reference count (test/introspection only).
func (s *Session) RefCount() int {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.refCount
}

// ActiveCount returns the number of sessions currently indexed (for the
// health endpoint's active_sessions field).
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ExpireIdle destroys sessions idle beyond the configured timeout. Intended
// to be called periodically from a background sweep (§4.4 "Expiry").
func (m *Manager) ExpireIdle(now time.Time) int {
	m.mu.RLock()
	var expired []uint64
	for id, s := range m.sessions {
		if id == ReservedLocalSessionID {
			continue
		}
		if now.Sub(s.LastActivity()) > m.idleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		_ = m.Destroy(id)
	}
	return len(expired)
}

// RunExpirySweep runs ExpireIdle on the given interval until stop is closed.
func (m *Manager) RunExpirySweep(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.ExpireIdle(time.Now())
		}
	}
}

// String implements fmt.Stringer for diagnostic logging.
func (m *Manager) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("session.Manager{active=%d, max=%d}", len(m.sessions), m.maxSessions)
}
