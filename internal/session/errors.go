package session

import "errors"

// Sentinel errors the session package returns, so callers (the HTTP/WS
// layers) can branch on condition rather than parsing strings (§7).
var (
	ErrMaxSessions        = errors.New("session: max active sessions reached")
	ErrNotFound           = errors.New("session: not found")
	ErrProviderKeyMissing = errors.New("session: cloud provider has no configured API key")
	ErrReservedID         = errors.New("session: id 0 is reserved for the immortal local session")
)
