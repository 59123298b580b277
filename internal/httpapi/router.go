// Package httpapi wires the static-file, auth, and ancillary HTTP surfaces
// onto a single gorilla/mux router (spec §4.2), following the route
// registration style of the teacher's NewAPIRouter.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malcolmhoward/dawn/internal/authn"
	"github.com/malcolmhoward/dawn/internal/metrics"
	"github.com/malcolmhoward/dawn/internal/staticfs"
)

// Deps bundles everything the router needs to construct handlers.
type Deps struct {
	Static      *staticfs.Server
	Store       authn.Store
	CSRF        *authn.CSRFIssuer
	Limiter     *authn.RateLimiter
	CSRFLimiter *authn.RateLimiter

	LockoutThreshold int
	LockoutDuration  time.Duration
	CookieMaxAge     time.Duration

	Health  HealthSnapshot
	Metrics *metrics.Registry

	// WS upgrades and services the WebSocket protocol endpoint (spec §4.6).
	// Routed through the same auth gate as any other app route: opening the
	// socket requires a valid session cookie.
	WS http.HandlerFunc

	Logger *slog.Logger
}

// NewRouter builds the complete HTTP handler tree for the WebUI core.
func NewRouter(d Deps) http.Handler {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(d.Logger))

	r.HandleFunc("/health", handleHealth(d.Health)).Methods(http.MethodGet)
	r.HandleFunc("/smartthings/callback", handleSmartThingsCallback).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/auth").Subrouter()
	csrfLimiter := d.CSRFLimiter
	if csrfLimiter == nil {
		csrfLimiter = d.Limiter
	}
	api.HandleFunc("/csrf", authn.HandleCSRFIssue(d.CSRF, csrfLimiter, d.Logger)).Methods(http.MethodGet)
	api.HandleFunc("/login", authn.HandleLogin(authn.LoginDeps{
		Store:            d.Store,
		CSRF:             d.CSRF,
		RateLimiter:      d.Limiter,
		LockoutThreshold: d.LockoutThreshold,
		LockoutDuration:  d.LockoutDuration,
		CookieMaxAge:     d.CookieMaxAge,
		Logger:           d.Logger,
	})).Methods(http.MethodPost)
	api.HandleFunc("/logout", authn.HandleLogout(d.Store, d.Logger)).Methods(http.MethodPost)
	api.HandleFunc("/status", authn.HandleAuthStatus(d.Store)).Methods(http.MethodGet)

	if d.WS != nil {
		r.HandleFunc("/ws", d.WS).Methods(http.MethodGet)
	}

	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/index.html", http.StatusFound)
	}).Methods(http.MethodGet)

	r.PathPrefix("/").Handler(d.Static).Methods(http.MethodGet)

	return authGate(d.Store)(r)
}

// loggingMiddleware logs each incoming HTTP request, matching the
// teacher's gateway request logger.
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Info("http request", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			next.ServeHTTP(w, r)
		})
	}
}
