package server

import (
	"context"
	"testing"
	"time"

	"github.com/malcolmhoward/dawn/internal/config"
	"github.com/malcolmhoward/dawn/internal/memstore"
	"github.com/malcolmhoward/dawn/internal/session"
	"github.com/malcolmhoward/dawn/internal/worker"
)

type stubLLM struct{}

func (stubLLM) Stream(ctx context.Context, history []session.Message, onDelta func(worker.StreamDelta)) (string, error) {
	return "", nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DocumentRoot:            t.TempDir(),
		ListenAddr:              "127.0.0.1:0",
		MaxClients:              8,
		AudioChunkSize:          8192,
		SessionIdleTimeout:      time.Hour,
		ResponseQueueCapacity:   32,
		LoginRateLimitPerMinute: 20,
		CSRFRateLimitPerMinute:  30,
		LockoutThreshold:        5,
		LockoutDuration:         time.Minute,
		CookieMaxAge:            time.Hour,
	}
}

func TestNew_WiresWithoutError(t *testing.T) {
	store := memstore.New()
	srv, err := New(testConfig(t), nil, Collaborators{AuthStore: store, UserAdmin: store, LLM: stubLLM{}})
	if err != nil {
		t.Fatalf("expected clean wiring, got %v", err)
	}
	if srv.dispatcher == nil || srv.httpServer == nil {
		t.Fatal("expected dispatcher and http server to be constructed")
	}
}

func TestNew_RejectsMissingDocumentRoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.DocumentRoot = "/this/path/does/not/exist/at/all"
	store := memstore.New()
	_, err := New(cfg, nil, Collaborators{AuthStore: store, UserAdmin: store, LLM: stubLLM{}})
	if err == nil {
		t.Fatal("expected a missing document root to fail fast")
	}
}

func TestRun_ShutsDownCleanlyOnContextCancel(t *testing.T) {
	store := memstore.New()
	srv, err := New(testConfig(t), nil, Collaborators{AuthStore: store, UserAdmin: store, LLM: stubLLM{}})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down within timeout")
	}
}
