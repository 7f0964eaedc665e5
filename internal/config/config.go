package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. It is threaded explicitly through
// component constructors so multiple runners with different defaults can coexist
// in one process.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	VM       VMConfig       `yaml:"vm"`
	Images   ImageConfig    `yaml:"images"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// VMConfig controls per-execution microVM defaults. Every field can be
// overridden per request; these are the values the normalizer falls back to.
type VMConfig struct {
	DefaultCPUs         int           `yaml:"default_cpus"`
	DefaultMemoryMB     int           `yaml:"default_memory_mb"`
	DefaultTimeout      time.Duration `yaml:"default_timeout"`
	MaxTimeout          time.Duration `yaml:"max_timeout"`
	GuestWorkDir        string        `yaml:"guest_workdir"`
	MaxConcurrent       int           `yaml:"max_concurrent"`
	InlineArtifactBytes int64         `yaml:"inline_artifact_bytes"`
	Backend             string        `yaml:"backend"` // "auto" (default), "krunvm", or "containerd"
	ContainerdSocket    string        `yaml:"containerd_socket"`
	ContainerdNamespace string        `yaml:"containerd_namespace"`
	StartRetries        int           `yaml:"start_retries"`
	TeardownGracePeriod time.Duration `yaml:"teardown_grace_period"`
}

// ImageConfig controls image resolution and the derived-image cache.
type ImageConfig struct {
	DefaultImage string `yaml:"default_image"`
	Repository   string `yaml:"repository"` // local repo derived images are committed under
	CacheDir     string `yaml:"cache_dir"`
	PipIndexURL  string `yaml:"pip_index_url"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    125 * time.Second, // > max VM timeout + boot overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  4 << 20, // code plus inlined input files
		},
		VM: VMConfig{
			DefaultCPUs:         1,
			DefaultMemoryMB:     512,
			DefaultTimeout:      30 * time.Second,
			MaxTimeout:          120 * time.Second,
			GuestWorkDir:        "/work",
			MaxConcurrent:       32,
			InlineArtifactBytes: 1 << 20, // 1MB
			Backend:             "auto",
			ContainerdSocket:    "/run/containerd/containerd.sock",
			ContainerdNamespace: "microvm-sandbox",
			StartRetries:        3,
			TeardownGracePeriod: 2 * time.Second,
		},
		Images: ImageConfig{
			DefaultImage: "docker.io/library/python:3.12-slim",
			Repository:   "localhost/microvm-sandbox",
			CacheDir:     defaultCacheDir(),
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/microvm-sandbox-cache"
	}
	return filepath.Join(home, ".cache", "microvm-sandbox")
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.VM.DefaultCPUs < 1 {
		return fmt.Errorf("vm.default_cpus must be >= 1, got %d", c.VM.DefaultCPUs)
	}
	if c.VM.DefaultMemoryMB < 64 {
		return fmt.Errorf("vm.default_memory_mb must be >= 64, got %d", c.VM.DefaultMemoryMB)
	}
	if c.VM.DefaultTimeout > c.VM.MaxTimeout {
		return fmt.Errorf("vm.default_timeout (%s) must be <= max_timeout (%s)",
			c.VM.DefaultTimeout, c.VM.MaxTimeout)
	}
	if c.VM.MaxConcurrent < 1 {
		return fmt.Errorf("vm.max_concurrent must be >= 1")
	}
	if c.VM.InlineArtifactBytes < 0 {
		return fmt.Errorf("vm.inline_artifact_bytes must be >= 0")
	}
	if !strings.HasPrefix(c.VM.GuestWorkDir, "/") {
		return fmt.Errorf("vm.guest_workdir must be an absolute guest path, got %q", c.VM.GuestWorkDir)
	}
	switch c.VM.Backend {
	case "", "auto", "krunvm", "containerd":
	default:
		return fmt.Errorf("vm.backend must be auto, krunvm, or containerd, got %q", c.VM.Backend)
	}
	if c.Images.DefaultImage == "" {
		return fmt.Errorf("images.default_image must not be empty")
	}
	if c.Images.Repository == "" || strings.ContainsAny(c.Images.Repository, " \t") {
		return fmt.Errorf("images.repository must be a non-empty image name, got %q", c.Images.Repository)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
