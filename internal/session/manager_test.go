package session

import (
	"testing"
	"time"
)

func testManager(max int) *Manager {
	return NewManager(max, LLMConfig{Provider: "local", Model: "default"}, nil, time.Hour)
}

func TestManager_ReservedSessionZero(t *testing.T) {
	m := testManager(10)
	ref, err := m.Get(ReservedLocalSessionID)
	if err != nil {
		t.Fatalf("expected session 0 to exist: %v", err)
	}
	if ref.Session().Type != TypeLocal {
		t.Fatalf("expected local type, got %v", ref.Session().Type)
	}
	ref.Release()

	if err := m.Destroy(ReservedLocalSessionID); err != ErrReservedID {
		t.Fatalf("expected ErrReservedID, got %v", err)
	}
}

func TestManager_MaxSessionsEnforced(t *testing.T) {
	m := testManager(2) // session 0 + 1 more slot
	_, err := m.Create(TypeWebSocket)
	if err != nil {
		t.Fatalf("first create should succeed: %v", err)
	}
	_, err = m.Create(TypeWebSocket)
	if err != ErrMaxSessions {
		t.Fatalf("expected ErrMaxSessions, got %v", err)
	}
}

func TestManager_RefCountBlocksDestructionUntilReleased(t *testing.T) {
	m := testManager(10)
	ref, err := m.Create(TypeWebSocket)
	if err != nil {
		t.Fatal(err)
	}
	s := ref.Session()
	id := s.ID

	if err := m.Destroy(id); err != nil {
		t.Fatalf("destroy phase one failed: %v", err)
	}

	// The backing session object must remain usable while ref is held.
	if s.RefCount() != 1 {
		t.Fatalf("expected refcount 1, got %d", s.RefCount())
	}

	done := make(chan struct{})
	go func() {
		s.WaitZeroRefs()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitZeroRefs returned before release")
	case <-time.After(20 * time.Millisecond):
	}

	ref.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitZeroRefs did not unblock after release")
	}

	// Destroyed session is no longer reachable via Get.
	if _, err := m.Get(id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after destroy, got %v", err)
	}
}

func TestManager_SatelliteReconnectPreservesHistory(t *testing.T) {
	m := testManager(10)
	ref, existed, err := m.CreateOrReconnectSatellite(TypeSatelliteTier1, Satellite{UUID: "sat-1", Name: "kitchen"})
	if err != nil || existed {
		t.Fatalf("expected fresh create, err=%v existed=%v", err, existed)
	}
	ref.Session().AppendHistory(Message{Role: RoleUser, Content: "hi"})
	id := ref.Session().ID
	ref.Release()

	// Simulate disconnect without full destroy (e.g. socket drop).
	ref2, _ := m.Get(id)
	ref2.Session().MarkDisconnected()
	ref2.Release()

	ref3, existed2, err := m.CreateOrReconnectSatellite(TypeSatelliteTier1, Satellite{UUID: "sat-1", Name: "kitchen"})
	if err != nil || !existed2 {
		t.Fatalf("expected reconnect to existing session, err=%v existed=%v", err, existed2)
	}
	if ref3.Session().ID != id {
		t.Fatalf("expected same session id %d, got %d", id, ref3.Session().ID)
	}
	if ref3.Session().Disconnected() {
		t.Fatal("reconnect should clear disconnected flag")
	}
	hist := ref3.Session().History()
	if len(hist) != 1 || hist[0].Content != "hi" {
		t.Fatalf("expected preserved history, got %+v", hist)
	}
	ref3.Release()
}

func TestManager_ExpireIdleDestroysOnlyStale(t *testing.T) {
	m := NewManager(10, LLMConfig{}, nil, 10*time.Millisecond)
	ref, _ := m.Create(TypeWebSocket)
	id := ref.Session().ID
	ref.Release()

	time.Sleep(25 * time.Millisecond)
	n := m.ExpireIdle(time.Now())
	if n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	if _, err := m.Get(id); err != ErrNotFound {
		t.Fatalf("expected session to be gone, got %v", err)
	}
	// Reserved session must survive regardless of idle time.
	if _, err := m.Get(ReservedLocalSessionID); err != nil {
		t.Fatalf("reserved session should never expire: %v", err)
	}
}

func TestTokenMap_LRUEviction(t *testing.T) {
	tm := NewTokenMap(2)
	t1, _ := tm.Issue(1)
	time.Sleep(time.Millisecond)
	t2, _ := tm.Issue(2)
	time.Sleep(time.Millisecond)

	// Access t1 to make it more recent than t2.
	if _, ok := tm.Lookup(t1); !ok {
		t.Fatal("t1 should be present")
	}
	time.Sleep(time.Millisecond)

	t3, _ := tm.Issue(3) // should evict t2, the least-recently-accessed.
	if _, ok := tm.Lookup(t2); ok {
		t.Fatal("t2 should have been evicted")
	}
	if _, ok := tm.Lookup(t1); !ok {
		t.Fatal("t1 should still be present")
	}
	if _, ok := tm.Lookup(t3); !ok {
		t.Fatal("t3 should be present")
	}
	if tm.Len() != 2 {
		t.Fatalf("expected table to stay at capacity 2, got %d", tm.Len())
	}
}
