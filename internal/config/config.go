// Package config loads DAWN WebUI server configuration from a YAML file and
// environment variables, following the host-agent's viper-based pattern.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "DAWN"

// Config holds every runtime toggle the core reads at startup (§6).
type Config struct {
	// DocumentRoot is the directory served by the static file gateway.
	DocumentRoot string `mapstructure:"document_root" yaml:"document_root"`

	// ListenAddr is the address the HTTP/WebSocket server binds to.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	// BindAddress is loaded from configuration but not read by the server;
	// the listener binds ListenAddr.
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`

	// TLSEnabled turns on TLS termination in-process.
	TLSEnabled bool `mapstructure:"tls_enabled" yaml:"tls_enabled"`

	// TLSCertPath and TLSKeyPath locate the certificate material. Required
	// when TLSEnabled or HTTPSRequired is true.
	TLSCertPath string `mapstructure:"tls_cert_path" yaml:"tls_cert_path"`
	TLSKeyPath  string `mapstructure:"tls_key_path" yaml:"tls_key_path"`

	// HTTPSRequired makes TLSCertPath and TLSKeyPath mandatory in Validate.
	// Nothing else reads it: plaintext requests are not rejected.
	HTTPSRequired bool `mapstructure:"https_required" yaml:"https_required"`

	// MaxClients caps total active sessions (§3 invariant iii).
	MaxClients int `mapstructure:"max_clients" yaml:"max_clients"`

	// AudioChunkSize is range-checked by Validate (1 to 16 KiB) but not read
	// by the audio path: outbound audio is split into fixed 8 KiB frames
	// whatever this value is.
	AudioChunkSize int `mapstructure:"audio_chunk_size" yaml:"audio_chunk_size"`

	// SessionIdleTimeout is how long an idle session survives before the
	// session manager's expiry sweep destroys it.
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout" yaml:"session_idle_timeout"`

	// ResponseQueueCapacity bounds the global response queue (§4.5).
	ResponseQueueCapacity int `mapstructure:"response_queue_capacity" yaml:"response_queue_capacity"`

	// LoginRateLimitPerMinute and CSRFRateLimitPerMinute configure the auth
	// rate limiters (§4.3).
	LoginRateLimitPerMinute int `mapstructure:"login_rate_limit_per_minute" yaml:"login_rate_limit_per_minute"`
	CSRFRateLimitPerMinute  int `mapstructure:"csrf_rate_limit_per_minute" yaml:"csrf_rate_limit_per_minute"`

	// LockoutThreshold and LockoutDuration configure account lockout after
	// consecutive login failures.
	LockoutThreshold int           `mapstructure:"lockout_threshold" yaml:"lockout_threshold"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration" yaml:"lockout_duration"`

	// CookieMaxAge is the Max-Age attribute of the dawn_session cookie.
	CookieMaxAge time.Duration `mapstructure:"cookie_max_age" yaml:"cookie_max_age"`

	// LogLevel controls slog verbosity ("debug", "info", "warn", "error").
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// GitSHA and Version are surfaced by GET /health.
	Version string `mapstructure:"version" yaml:"version"`
	GitSHA  string `mapstructure:"git_sha" yaml:"git_sha"`

	// AdminUsername and AdminPassword seed the first administrator account
	// on a fresh in-memory auth store (internal/memstore). Ignored by
	// deployments that supply their own authn.Store.
	AdminUsername string `mapstructure:"admin_username" yaml:"admin_username"`
	AdminPassword string `mapstructure:"admin_password" yaml:"admin_password"`
}

// DefaultConfigPath is where the config file is read from absent an override.
const DefaultConfigPath = "/etc/dawn/webui.yaml"

// Load reads configuration from configPath (or DefaultConfigPath if empty),
// applies environment variable overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("document_root", "./www")
	v.SetDefault("listen_addr", ":8443")
	v.SetDefault("bind_address", "0.0.0.0")
	v.SetDefault("tls_enabled", false)
	v.SetDefault("https_required", false)
	v.SetDefault("max_clients", 256)
	v.SetDefault("audio_chunk_size", 8*1024)
	v.SetDefault("session_idle_timeout", 30*time.Minute)
	v.SetDefault("response_queue_capacity", 128)
	v.SetDefault("login_rate_limit_per_minute", 20)
	v.SetDefault("csrf_rate_limit_per_minute", 30)
	v.SetDefault("lockout_threshold", 5)
	v.SetDefault("lockout_duration", 15*time.Minute)
	v.SetDefault("cookie_max_age", 24*time.Hour)
	v.SetDefault("log_level", "info")
	v.SetDefault("version", "dev")
	v.SetDefault("git_sha", "unknown")
	v.SetDefault("admin_username", "admin")
	v.SetDefault("admin_password", "")

	if configPath == "" {
		configPath = DefaultConfigPath
	}
	v.SetConfigFile(configPath)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			// Config file not found; rely on env vars and defaults, matching
			// the host-agent's tolerant startup behavior.
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Validate ensures fatal-at-startup invariants hold (§7: fatal init errors).
func (c *Config) Validate() error {
	if c.DocumentRoot == "" {
		return fmt.Errorf("document_root is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("max_clients must be positive")
	}
	if c.AudioChunkSize <= 0 || c.AudioChunkSize > 16*1024 {
		return fmt.Errorf("audio_chunk_size must be in (0, 16384] bytes")
	}
	if c.TLSEnabled || c.HTTPSRequired {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return fmt.Errorf("tls_cert_path and tls_key_path are required when TLS is enabled or required")
		}
	}
	return nil
}
