package authn

import (
	"testing"
	"time"
)

func TestCSRF_IssueAndVerifyOnce(t *testing.T) {
	c := NewCSRFIssuer([]byte("test-secret"), time.Minute)
	tok, err := c.Issue()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Verify(tok); err != nil {
		t.Fatalf("first verify should succeed: %v", err)
	}
}

func TestCSRF_SingleUse_SecondVerifyIsReplay(t *testing.T) {
	// §8.3: for all valid tokens t, the first use may succeed or fail on
	// credentials (irrelevant to this package), but the second always
	// returns the replay error.
	c := NewCSRFIssuer([]byte("test-secret"), time.Minute)
	tok, _ := c.Issue()

	_ = c.Verify(tok)
	if err := c.Verify(tok); err != ErrCSRFReplay {
		t.Fatalf("expected ErrCSRFReplay, got %v", err)
	}
}

func TestCSRF_TamperedTokenRejected(t *testing.T) {
	c := NewCSRFIssuer([]byte("test-secret"), time.Minute)
	tok, _ := c.Issue()
	tampered := tok[:len(tok)-2] + "AA"
	if err := c.Verify(tampered); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
}

func TestCSRF_WrongSecretRejected(t *testing.T) {
	c1 := NewCSRFIssuer([]byte("secret-one"), time.Minute)
	c2 := NewCSRFIssuer([]byte("secret-two"), time.Minute)
	tok, _ := c1.Issue()
	if err := c2.Verify(tok); err != ErrCSRFInvalid {
		t.Fatalf("expected ErrCSRFInvalid, got %v", err)
	}
}

func TestCSRF_ExpiredTokenRejected(t *testing.T) {
	c := NewCSRFIssuer([]byte("test-secret"), time.Millisecond)
	tok, _ := c.Issue()
	time.Sleep(5 * time.Millisecond)
	if err := c.Verify(tok); err != ErrCSRFExpired {
		t.Fatalf("expected ErrCSRFExpired, got %v", err)
	}
}

func TestNonceRing_EvictsOldestOnOverflow(t *testing.T) {
	r := newNonceRing(2)
	n1 := []byte("0123456789abcdef")
	n2 := []byte("fedcba9876543210")
	n3 := []byte("aaaaaaaaaaaaaaaa")

	if !r.consume(n1) {
		t.Fatal("n1 should be fresh")
	}
	if !r.consume(n2) {
		t.Fatal("n2 should be fresh")
	}
	if !r.consume(n3) {
		t.Fatal("n3 should be fresh (causes eviction of n1)")
	}
	// n1 was evicted, so it should be considered fresh again.
	if !r.consume(n1) {
		t.Fatal("n1 should be fresh again after eviction")
	}
}
