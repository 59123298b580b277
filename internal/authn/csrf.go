package authn

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

const csrfNonceLength = 16

// ErrCSRFReplay is returned by VerifyCSRFToken when the token's nonce has
// already been consumed (spec §8.3 "Single-use CSRF").
var ErrCSRFReplay = errors.New("authn: CSRF token already used")

// ErrCSRFInvalid is returned for a malformed or unverifiable token.
var ErrCSRFInvalid = errors.New("authn: CSRF token invalid")

// ErrCSRFExpired is returned when the token's issuance time exceeds its TTL.
var ErrCSRFExpired = errors.New("authn: CSRF token expired")

// CSRFIssuer issues and verifies single-use CSRF tokens. The wire format is
// base64url(nonce[16] || issuedAtUnix[8] || hmac-sha256(nonce||issuedAt)[32]),
// following the teacher's HMAC verification pattern in its tunnel JWT
// checker (constant-time compare of a computed digest against the token).
type CSRFIssuer struct {
	secret []byte
	ttl    time.Duration
	ring   *nonceRing

	onReplay func()
}

// NewCSRFIssuer constructs an issuer with the given HMAC secret and token
// time-to-live.
func NewCSRFIssuer(secret []byte, ttl time.Duration) *CSRFIssuer {
	return &CSRFIssuer{secret: secret, ttl: ttl, ring: newNonceRing(1024)}
}

// OnReplay registers a callback invoked whenever Verify rejects a token as
// an already-consumed replay, so a caller can surface it as a metric
// without this package depending on a metrics library itself (mirrors
// queue.Queue.OnDrop).
func (c *CSRFIssuer) OnReplay(fn func()) {
	c.onReplay = fn
}

// Issue generates a fresh, single-use CSRF token.
func (c *CSRFIssuer) Issue() (string, error) {
	nonce := make([]byte, csrfNonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating CSRF nonce: %w", err)
	}

	issuedAt := make([]byte, 8)
	binary.BigEndian.PutUint64(issuedAt, uint64(time.Now().Unix()))

	mac := hmac.New(sha256.New, c.secret)
	mac.Write(nonce)
	mac.Write(issuedAt)
	sig := mac.Sum(nil)

	raw := append(append(append([]byte{}, nonce...), issuedAt...), sig...)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Verify checks the token's HMAC binding, expiry, and single-use status.
// On success, the nonce is recorded as consumed so any subsequent
// verification of the same token returns ErrCSRFReplay — recorded before
// the caller's credential check, per §4.3 step 5, so replays are always
// rejected even against wrong credentials.
func (c *CSRFIssuer) Verify(token string) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrCSRFInvalid
	}
	if len(raw) != csrfNonceLength+8+sha256.Size {
		return ErrCSRFInvalid
	}

	nonce := raw[:csrfNonceLength]
	issuedAt := raw[csrfNonceLength : csrfNonceLength+8]
	sig := raw[csrfNonceLength+8:]

	mac := hmac.New(sha256.New, c.secret)
	mac.Write(nonce)
	mac.Write(issuedAt)
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, sig) {
		return ErrCSRFInvalid
	}

	issuedUnix := int64(binary.BigEndian.Uint64(issuedAt))
	if time.Since(time.Unix(issuedUnix, 0)) > c.ttl {
		return ErrCSRFExpired
	}

	if !c.ring.consume(nonce) {
		if c.onReplay != nil {
			c.onReplay()
		}
		return ErrCSRFReplay
	}

	return nil
}

// nonceRing is a circular buffer of the last N consumed CSRF nonces, used to
// enforce single use (spec §3 "CSRF Nonce Ring"). N is a power of two.
type nonceRing struct {
	mu      sync.Mutex
	seen    map[[csrfNonceLength]byte]struct{}
	order   [][csrfNonceLength]byte
	next    int
	size    int
	full    bool
}

func newNonceRing(size int) *nonceRing {
	return &nonceRing{
		seen:  make(map[[csrfNonceLength]byte]struct{}, size),
		order: make([][csrfNonceLength]byte, size),
		size:  size,
	}
}

// consume checks nonce against the ring, then records it. The nonce itself
// was already authenticated by the caller's HMAC check (constant-time via
// hmac.Equal in Verify) before reaching here, so the ring lookup only needs
// to be correct, not additionally constant-time. Returns false if the nonce
// was already present (replay).
func (r *nonceRing) consume(nonce []byte) bool {
	var key [csrfNonceLength]byte
	copy(key[:], nonce)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.seen[key]; seen {
		return false
	}

	if r.full {
		delete(r.seen, r.order[r.next])
	}
	r.order[r.next] = key
	r.seen[key] = struct{}{}
	r.next = (r.next + 1) % r.size
	if r.next == 0 {
		r.full = true
	}

	return true
}
