// Command dawnserver is the DAWN WebUI server core's entrypoint: it loads
// configuration, wires the external collaborators (auth storage, the LLM
// backend), and runs until signaled to stop. Structurally mirrors the
// teacher's apps/gateway/src/main.go: structured JSON logging, config load,
// background loops started before the listener, signal-driven graceful
// shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/malcolmhoward/dawn/internal/config"
	"github.com/malcolmhoward/dawn/internal/memstore"
	"github.com/malcolmhoward/dawn/internal/server"
	"github.com/malcolmhoward/dawn/internal/session"
	"github.com/malcolmhoward/dawn/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to the server configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("starting DAWN WebUI server")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"listen_addr", cfg.ListenAddr,
		"document_root", cfg.DocumentRoot,
		"max_clients", cfg.MaxClients,
	)

	authStore := memstore.New()
	if cfg.AdminPassword != "" {
		if err := authStore.Seed(cfg.AdminUsername, cfg.AdminPassword, true); err != nil {
			slog.Error("failed to seed administrator account", "error", err)
			os.Exit(1)
		}
		slog.Info("seeded administrator account", "username", cfg.AdminUsername)
	} else {
		slog.Warn("no admin_password configured; the server is starting with no usable login")
	}

	srv, err := server.New(cfg, logger, server.Collaborators{
		AuthStore: authStore,
		UserAdmin: authStore,
		LLM:       unconfiguredLLM{},
	})
	if err != nil {
		slog.Error("failed to initialize server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
		os.Exit(1)
	}
	slog.Info("dawn webui server shut down cleanly")
}

// unconfiguredLLM is the out-of-the-box worker.LLM: the spec keeps the
// actual model backend out of scope (spec §1), so a real deployment
// supplies its own implementation in place of this one.
type unconfiguredLLM struct{}

func (unconfiguredLLM) Stream(ctx context.Context, history []session.Message, onDelta func(worker.StreamDelta)) (string, error) {
	return "", errors.New("no LLM backend configured")
}
