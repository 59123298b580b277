package memstore

import (
	"testing"
	"time"

	"github.com/malcolmhoward/dawn/internal/authn"
)

func TestSeedAndGetUser(t *testing.T) {
	s := New()
	if err := s.Seed("admin", "hunter22", true); err != nil {
		t.Fatal(err)
	}
	u, found, err := s.GetUser("admin")
	if err != nil || !found {
		t.Fatalf("expected seeded user to be found, err=%v found=%v", err, found)
	}
	ok, err := authn.VerifyPassword("hunter22", u.PasswordHash)
	if err != nil || !ok {
		t.Fatalf("expected seeded password to verify, err=%v ok=%v", err, ok)
	}
	if !u.IsAdmin {
		t.Fatal("expected seeded user to be admin")
	}
}

func TestCreateUser_RejectsDuplicate(t *testing.T) {
	s := New()
	if err := s.CreateUser("alice", "pw12345", false); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser("alice", "other", false); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
}

func TestSetLocked_BlocksViaFailureState(t *testing.T) {
	s := New()
	_ = s.CreateUser("bob", "pw12345", false)
	if err := s.SetLocked("bob", true); err != nil {
		t.Fatal(err)
	}
	st, err := s.GetFailureState("bob")
	if err != nil {
		t.Fatal(err)
	}
	if !st.LockedUntil.After(time.Now()) {
		t.Fatal("expected locked user to have a future LockedUntil")
	}

	if err := s.SetLocked("bob", false); err != nil {
		t.Fatal(err)
	}
	st, _ = s.GetFailureState("bob")
	if st.LockedUntil.After(time.Now().Add(-time.Second)) && !st.LockedUntil.IsZero() {
		t.Fatalf("expected lock cleared, got LockedUntil=%v", st.LockedUntil)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := New()
	sess := authn.AuthSession{Token: "tok123", Username: "bob", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.CreateSession(sess); err != nil {
		t.Fatal(err)
	}
	got, found, err := s.GetSession("tok123")
	if err != nil || !found || got.Username != "bob" {
		t.Fatalf("expected session lookup to succeed, got=%v found=%v err=%v", got, found, err)
	}
	if err := s.DeleteSession("tok123"); err != nil {
		t.Fatal(err)
	}
	_, found, _ = s.GetSession("tok123")
	if found {
		t.Fatal("expected session to be gone after delete")
	}
}

func TestSetAdmin_PromotesExistingUser(t *testing.T) {
	s := New()
	_ = s.CreateUser("carol", "pw12345", false)
	if err := s.SetAdmin("carol", true); err != nil {
		t.Fatal(err)
	}
	u, _, _ := s.GetUser("carol")
	if !u.IsAdmin {
		t.Fatal("expected carol to be promoted to admin")
	}
}
