// Package server wires the WebUI core's collaborators into one running
// process: the session manager, response queue, auth primitives, HTTP
// router, and WebSocket dispatcher. It plays the role the teacher's
// gateway main.go keeps inline — here split out into its own package since
// a constructor this wide is easier to unit-test in isolation from
// flag/env parsing (spec §9's "explicit Server value" design note: no
// package-level singletons).
package server

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/malcolmhoward/dawn/internal/authn"
	"github.com/malcolmhoward/dawn/internal/commandbus"
	"github.com/malcolmhoward/dawn/internal/config"
	"github.com/malcolmhoward/dawn/internal/convstore"
	"github.com/malcolmhoward/dawn/internal/httpapi"
	"github.com/malcolmhoward/dawn/internal/metrics"
	"github.com/malcolmhoward/dawn/internal/queue"
	"github.com/malcolmhoward/dawn/internal/session"
	"github.com/malcolmhoward/dawn/internal/staticfs"
	"github.com/malcolmhoward/dawn/internal/worker"
	"github.com/malcolmhoward/dawn/internal/wsproto"
)

// Server owns every long-lived collaborator and the background goroutines
// that tie them together (response dispatch loop, idle-session sweep).
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	startAt time.Time

	manager *session.Manager
	queue   *queue.Queue
	bus     *commandbus.Bus
	metrics *metrics.Registry

	dispatcher *wsproto.Dispatcher
	httpServer *http.Server

	stop chan struct{}
}

// Collaborators are the external contracts the spec keeps out of core scope
// (spec §1): auth storage, conversation storage, the LLM backend, and
// optionally the audio codec/ASR/TTS stack. A deployment wires concrete
// implementations of these in from outside the core module.
type Collaborators struct {
	AuthStore authn.Store
	UserAdmin authn.UserAdmin // optional
	Convs     convstore.Store // optional
	LLM       worker.LLM
	Audio     *worker.AudioDeps // optional; nil disables the audio binary path
}

// New constructs a Server from configuration and the injected external
// collaborators. Fatal configuration problems (bad document root, etc.)
// are returned as an error rather than calling os.Exit, so callers (and
// tests) control process lifecycle (spec §7 "Fatal initialization errors").
func New(cfg *config.Config, logger *slog.Logger, collab Collaborators) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	static, err := staticfs.NewServer(cfg.DocumentRoot)
	if err != nil {
		return nil, fmt.Errorf("initializing static file server: %w", err)
	}

	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		return nil, fmt.Errorf("generating CSRF secret: %w", err)
	}
	csrf := authn.NewCSRFIssuer(csrfSecret, 10*time.Minute)
	loginLimiter := authn.NewRateLimiter(4096, cfg.LoginRateLimitPerMinute, time.Minute)
	csrfLimiter := authn.NewRateLimiter(4096, cfg.CSRFRateLimitPerMinute, time.Minute)

	mgr := session.NewManager(cfg.MaxClients, session.LLMConfig{Provider: "local", Model: "default"}, nil, cfg.SessionIdleTimeout)
	q := queue.New(cfg.ResponseQueueCapacity)
	bus := commandbus.New()
	metricsReg := metrics.New()
	q.OnDrop(func() { metricsReg.QueueDropsTotal.Inc() })
	csrf.OnReplay(func() { metricsReg.CSRFReplaysTotal.Inc() })
	loginLimiter.OnDeny(func() { metricsReg.RateLimitDeniedTotal.Inc() })
	csrfLimiter.OnDeny(func() { metricsReg.RateLimitDeniedTotal.Inc() })

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		startAt: time.Now(),
		manager: mgr,
		queue:   q,
		bus:     bus,
		metrics: metricsReg,
		stop:    make(chan struct{}),
	}

	workerDeps := worker.Deps{Manager: mgr, Queue: q, Bus: bus, LLM: collab.LLM, Logger: logger}
	audioDeps := collab.Audio
	if audioDeps != nil {
		audioDeps.Deps = workerDeps
	}

	dispatcher := &wsproto.Dispatcher{
		Manager:   mgr,
		Queue:     q,
		Bus:       bus,
		AuthStore: collab.AuthStore,
		UserAdmin: collab.UserAdmin,
		Convs:     collab.Convs,
		Worker:    workerDeps,
		Audio:     audioDeps,
		Metrics:   metricsReg,
		Logger:    logger,
	}
	s.dispatcher = dispatcher

	router := httpapi.NewRouter(httpapi.Deps{
		Static:           static,
		Store:            collab.AuthStore,
		CSRF:             csrf,
		Limiter:          loginLimiter,
		CSRFLimiter:      csrfLimiter,
		LockoutThreshold: cfg.LockoutThreshold,
		LockoutDuration:  cfg.LockoutDuration,
		CookieMaxAge:     cfg.CookieMaxAge,
		Health: httpapi.HealthSnapshot{
			Version:        cfg.Version,
			GitSHA:         cfg.GitSHA,
			StartedAt:      s.startAt,
			CurrentState:   func() string { return "idle" },
			QueriesTotal:   dispatcher.QueriesTotal,
			ActiveSessions: mgr.ActiveCount,
		},
		Metrics: metricsReg,
		WS:      dispatcher.Handler(),
		Logger:  logger,
	})

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Run starts the HTTP listener and background loops, blocking until ctx is
// canceled, then shuts down gracefully (spec §7, mirroring the teacher's
// main.go signal-handling pattern one layer up in cmd/dawnserver).
func (s *Server) Run(ctx context.Context) error {
	go s.dispatcher.RunDispatchLoop(s.queue, s.stop)
	go s.manager.RunExpirySweep(time.Minute, s.stop)
	go s.runMetricsSampler()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLSEnabled)
		var err error
		if s.cfg.TLSEnabled {
			// A non-nil, empty TLSNextProto disables HTTP/2, so ALPN offers only http/1.1.
			s.httpServer.TLSNextProto = map[string]func(*http.Server, *tls.Conn, http.Handler){}
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	case err := <-errCh:
		s.logger.Error("server error, shutting down", "error", err)
	}

	close(s.stop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// runMetricsSampler periodically publishes the session count gauge, which
// has no natural "on change" hook the way counters do.
func (s *Server) runMetricsSampler() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.metrics.ActiveSessions.Set(float64(s.manager.ActiveCount()))
		}
	}
}
