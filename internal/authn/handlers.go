package authn

import (
	"log/slog"
	"net/http"
)

// HandleCSRFIssue implements GET /api/auth/csrf (spec §4.3 "CSRF issuance").
// Rate-limited per normalized IP by the limiter passed in; the server wires
// a RateLimiter instance separate from login's, with its own configured
// threshold.
func HandleCSRFIssue(csrf *CSRFIssuer, limiter *RateLimiter, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ip := NormalizeIP(peerIP(r))
		if !limiter.Check(ip) {
			logger.Warn("csrf issuance rate limited", "event", "RATE_LIMITED", "ip", ip)
			writeLoginError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}

		token, err := csrf.Issue()
		if err != nil {
			logger.Error("issuing csrf token", "error", err)
			writeLoginError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}
		writeLoginJSON(w, http.StatusOK, map[string]any{"csrf_token": token})
	}
}

// HandleLogout implements POST /api/auth/logout: deletes the server-side
// auth session and clears the cookie, independent of whether the session
// record still exists (idempotent).
func HandleLogout(store Store, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie("dawn_session"); err == nil {
			if err := store.DeleteSession(cookie.Value); err != nil {
				logger.Error("deleting auth session", "error", err)
			}
		}
		http.SetCookie(w, &http.Cookie{
			Name:     "dawn_session",
			Value:    "",
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteStrictMode,
			MaxAge:   -1,
			Path:     "/",
		})
		writeLoginJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// HandleAuthStatus implements GET /api/auth/status. It always re-reads the
// session from the store rather than trusting any cached/in-memory flag,
// per §4.3 "Auth re-validation": is_admin is never cached on a connection.
func HandleAuthStatus(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("dawn_session")
		if err != nil {
			writeLoginJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}

		sess, found, err := store.GetSession(cookie.Value)
		if err != nil || !found {
			writeLoginJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}

		user, found, err := store.GetUser(sess.Username)
		if err != nil || !found {
			writeLoginJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}

		_ = store.TouchSession(cookie.Value)
		writeLoginJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"username":      user.Username,
			"is_admin":      user.IsAdmin,
		})
	}
}

// RequireAuth is middleware gating handlers behind a valid dawn_session
// cookie. It re-reads the session from the store on every request rather
// than trusting any per-connection cache, honoring revocation immediately
// (§4.3 "Auth re-validation").
func RequireAuth(store Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie("dawn_session")
			if err != nil {
				writeLoginError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required")
				return
			}
			sess, found, err := store.GetSession(cookie.Value)
			if err != nil || !found {
				writeLoginError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required")
				return
			}
			_ = store.TouchSession(cookie.Value)
			r = r.WithContext(withAuthSession(r.Context(), sess))
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin further gates a handler behind the current user's is_admin
// flag, re-read from the store at the moment of the request (never cached).
func RequireAdmin(store Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := authSessionFromContext(r.Context())
			if !ok {
				writeLoginError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required")
				return
			}
			user, found, err := store.GetUser(sess.Username)
			if err != nil || !found || !user.IsAdmin {
				writeLoginError(w, http.StatusForbidden, "FORBIDDEN", "admin privileges required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
