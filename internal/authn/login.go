package authn

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// sessionTokenBytes produces a 32-hex-character token (16 random bytes).
const sessionTokenBytes = 16

// LoginDeps bundles everything the login handler needs, all already
// constructed by the server wiring (spec §4.3).
type LoginDeps struct {
	Store            Store
	CSRF             *CSRFIssuer
	RateLimiter      *RateLimiter
	LockoutThreshold int
	LockoutDuration  time.Duration
	CookieMaxAge     time.Duration
	Logger           *slog.Logger
}

type loginRequest struct {
	CSRFToken string `json:"csrf_token"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// HandleLogin implements POST /api/auth/login, steps 1-10 of §4.3.
func HandleLogin(d LoginDeps) http.HandlerFunc {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ip := NormalizeIP(peerIP(r))

		// Step 1: in-memory rate limit.
		if !d.RateLimiter.Check(ip) {
			logger.Warn("login rate limited", "event", "RATE_LIMITED", "ip", ip)
			writeLoginError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many attempts")
			return
		}

		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeLoginError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
			return
		}
		if req.CSRFToken == "" || req.Username == "" || req.Password == "" {
			writeLoginError(w, http.StatusBadRequest, "BAD_REQUEST", "csrf_token, username, and password are required")
			return
		}

		// Step 2: persistent failure counter, independent of the in-memory
		// limiter above.
		over, err := d.Store.PersistentRateLimitOver(req.Username)
		if err != nil {
			logger.Error("checking persistent rate limit", "error", err)
			writeLoginError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}
		if over {
			writeLoginError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many attempts")
			return
		}

		// Steps 3-5: CSRF verification and single-use enforcement. Verify
		// records the nonce as consumed on success, before any credential
		// check, so replays are rejected unconditionally.
		if err := d.CSRF.Verify(req.CSRFToken); err != nil {
			switch {
			case errors.Is(err, ErrCSRFReplay):
				writeLoginError(w, http.StatusForbidden, "CSRF_REPLAY", "CSRF token already used")
			case errors.Is(err, ErrCSRFExpired):
				writeLoginError(w, http.StatusForbidden, "CSRF_INVALID", "CSRF token expired")
			default:
				writeLoginError(w, http.StatusForbidden, "CSRF_INVALID", "CSRF token invalid")
			}
			return
		}

		// Step 6: user lookup, with dummy verification on miss to equalize
		// timing between "no such user" and "wrong password".
		user, found, err := d.Store.GetUser(req.Username)
		if err != nil {
			logger.Error("looking up user", "error", err)
			writeLoginError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}
		if !found {
			verifyDummy(req.Password)
			logger.Warn("login failed: unknown user", "username", req.Username, "ip", ip)
			writeLoginError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password")
			return
		}

		// Steps 7-8: lockout check.
		failState, err := d.Store.GetFailureState(user.Username)
		if err != nil {
			logger.Error("reading failure state", "error", err)
			writeLoginError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}
		if !failState.LockedUntil.IsZero() {
			if time.Now().Before(failState.LockedUntil) {
				writeLoginError(w, http.StatusForbidden, "ACCOUNT_LOCKED", "account temporarily locked")
				return
			}
			if err := d.Store.ResetFailure(user.Username); err != nil {
				logger.Error("clearing expired lockout", "error", err)
			}
		}

		// Step 9: password verification.
		ok, err := VerifyPassword(req.Password, user.PasswordHash)
		if err != nil {
			logger.Error("verifying password", "error", err)
			writeLoginError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}
		if !ok {
			if err := d.Store.IncrementFailure(user.Username, d.LockoutThreshold, d.LockoutDuration); err != nil {
				logger.Error("incrementing failure counter", "error", err)
			}
			logger.Warn("login failed: bad password", "username", user.Username, "ip", ip)
			writeLoginError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password")
			return
		}

		// Step 10: success.
		token, err := newSessionToken()
		if err != nil {
			logger.Error("generating session token", "error", err)
			writeLoginError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}

		now := time.Now()
		if err := d.Store.CreateSession(AuthSession{
			Token:     token,
			Username:  user.Username,
			CreatedAt: now,
			ExpiresAt: now.Add(d.CookieMaxAge),
		}); err != nil {
			logger.Error("creating auth session", "error", err)
			writeLoginError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}

		if err := d.Store.ResetFailure(user.Username); err != nil {
			logger.Error("resetting failure counter", "error", err)
		}
		d.RateLimiter.Reset(ip)

		http.SetCookie(w, &http.Cookie{
			Name:     "dawn_session",
			Value:    token,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteStrictMode,
			MaxAge:   int(d.CookieMaxAge.Seconds()),
			Path:     "/",
		})

		logger.Info("login succeeded", "username", user.Username, "ip", ip)
		writeLoginJSON(w, http.StatusOK, map[string]any{"success": true, "username": user.Username})
	}
}

// newSessionToken generates a 32-hex-character token from crypto/rand. Per
// §4.3 step 10, this never falls back to a weaker source; a read failure
// fails the login instead.
func newSessionToken() (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// peerIP extracts the connecting client's address from the request,
// stripping any port.
func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr had no port (unusual, but possible from some test
		// transports); use it verbatim.
		return r.RemoteAddr
	}
	return host
}

func writeLoginError(w http.ResponseWriter, status int, code, message string) {
	writeLoginJSON(w, status, map[string]any{"success": false, "error": code, "message": message})
}

func writeLoginJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
