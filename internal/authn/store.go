package authn

import "time"

// User is the subset of a persisted user record the login flow needs. The
// actual storage backend is out of scope (spec §1 "opaque auth_db"); this
// package only defines the contract it requires.
type User struct {
	Username     string
	PasswordHash string // Argon2id-encoded, e.g. "$argon2id$v=19$..."
	IsAdmin      bool
}

// FailureState is the persistent per-user failure/lockout record.
type FailureState struct {
	ConsecutiveFailures int
	LockedUntil         time.Time // zero value means not locked
}

// AuthSession is a server-side record created on successful login.
type AuthSession struct {
	Token     string
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is the opaque persistence contract the spec calls auth_db (§1, §4.3).
// DAWN's core never interprets how it's implemented — only that it behaves
// like a key-value-ish store with these operations.
type Store interface {
	GetUser(username string) (*User, bool, error)

	GetFailureState(username string) (FailureState, error)
	IncrementFailure(username string, lockoutThreshold int, lockoutDuration time.Duration) error
	ResetFailure(username string) error

	CreateSession(sess AuthSession) error
	GetSession(token string) (*AuthSession, bool, error)
	DeleteSession(token string) error
	TouchSession(token string) error

	// PersistentRateLimitOver reports whether username has exceeded the
	// persistent (cross-process) failure threshold independent of lockout,
	// per §4.3 step 2. Implementations may fold this into GetFailureState's
	// bookkeeping; it is kept separate here because the spec treats the
	// in-memory rate limiter (step 1) and the persistent counter (step 2)
	// as distinct checks.
	PersistentRateLimitOver(username string) (bool, error)
}
