// Package config provides configuration management for AOServ connectors and
// the reference master server.
//
// Configuration is layered with koanf, each layer overriding the previous:
//  1. Built-in defaults
//  2. Optional YAML file (explicit path, or $AOSERV_CONFIG)
//  3. Environment variables
//
// Client environment variables use the AOSERV_ prefix and double underscores
// for nesting, for example AOSERV_MASTERS=m1:4583,m2:4583 or
// AOSERV_BREAKER__TIMEOUT=30s. Server variables use AOSERV_MASTER_, for
// example AOSERV_MASTER_PORT=4583.
//
// Example client usage:
//
//	cfg, err := config.LoadClientConfig("")
//	if err != nil {
//		log.Fatal(err)
//	}
//	conn, err := client.New(cfg)
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/aoserv/aoserv-client/internal/logging"
)

// Default configuration constants
const (
	DefaultMasterPort        = 4583
	DefaultMaxConnections    = 1000
	DefaultMaxConnsPerMaster = 10
	DefaultConnTimeout       = 5 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = time.Minute
	DefaultRetryAttempts     = 3
	DefaultRetryRate         = 5.0
	DefaultVirtualNodes      = 150
	DefaultPushBuffer        = 64
)

// ConfigPathEnvVar names the environment variable holding a config file path.
const ConfigPathEnvVar = "AOSERV_CONFIG"

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// BreakerConfig tunes the per-master circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32        `koanf:"max_requests"`      // requests allowed while half-open
	Interval         time.Duration `koanf:"interval"`          // closed-state count reset period
	Timeout          time.Duration `koanf:"timeout"`           // open-state duration before half-open
	FailureThreshold uint32        `koanf:"failure_threshold"` // consecutive failures that open the breaker
}

// ClientConfig holds all settings of one connector.
type ClientConfig struct {
	Masters           []string      `koanf:"masters"`
	Username          string        `koanf:"username"`
	Password          string        `koanf:"password"`
	Logging           LoggingConfig `koanf:"logging"`
	Breaker           BreakerConfig `koanf:"breaker"`
	MaxConnsPerMaster int           `koanf:"max_conns_per_master"`
	ConnTimeout       time.Duration `koanf:"conn_timeout"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"` // pooled connections idle longer are closed; keep below the master's read timeout
	RetryAttempts     int           `koanf:"retry_attempts"`
	RetryRate         float64       `koanf:"retry_rate"` // retries per second across the connector
	VirtualNodes      int           `koanf:"virtual_nodes"`
	ListenCaches      bool          `koanf:"listen_caches"` // hold a push connection for invalidations
}

// ServerConfig holds all settings of the reference master.
type ServerConfig struct {
	Accounts     map[string]string `koanf:"accounts"` // username -> password; empty accepts any login
	Host         string            `koanf:"host"`
	Logging      LoggingConfig     `koanf:"logging"`
	Port         int               `koanf:"port"`
	MaxConns     int               `koanf:"max_conns"`
	ReadTimeout  time.Duration     `koanf:"read_timeout"`
	WriteTimeout time.Duration     `koanf:"write_timeout"`
	PushBuffer   int               `koanf:"push_buffer"` // queued invalidations per listener before disconnect
}

// DefaultClientConfig returns the built-in client defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Masters:           []string{fmt.Sprintf("localhost:%d", DefaultMasterPort)},
		Logging:           LoggingConfig{Level: "info", Format: "json"},
		MaxConnsPerMaster: DefaultMaxConnsPerMaster,
		ConnTimeout:       DefaultConnTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		RetryAttempts:     DefaultRetryAttempts,
		RetryRate:         DefaultRetryRate,
		VirtualNodes:      DefaultVirtualNodes,
		ListenCaches:      true,
		Breaker: BreakerConfig{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
	}
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "0.0.0.0",
		Port:         DefaultMasterPort,
		MaxConns:     DefaultMaxConnections,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: DefaultWriteTimeout,
		PushBuffer:   DefaultPushBuffer,
		Logging:      LoggingConfig{Level: "info", Format: "json"},
	}
}

// LoadClientConfig loads a ClientConfig from defaults, the YAML file at path
// (or $AOSERV_CONFIG when path is empty) and AOSERV_* variables, then
// validates it.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := load(DefaultClientConfig(), path, "AOSERV_", []string{"masters"}, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client configuration: %w", err)
	}
	return cfg, nil
}

// LoadServerConfig loads a ServerConfig the same way with the AOSERV_MASTER_ prefix.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := load(DefaultServerConfig(), path, "AOSERV_MASTER_", nil, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server configuration: %w", err)
	}
	return cfg, nil
}

func load(defaults any, path, prefix string, slicePaths []string, out any) error {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(prefix, ".", envTransform(prefix)), nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitSliceFields(k, slicePaths); err != nil {
		return err
	}

	if err := k.Unmarshal("", out); err != nil {
		return fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return nil
}

// envTransform maps AOSERV_BREAKER__TIMEOUT to breaker.timeout.
func envTransform(prefix string) func(string) string {
	return func(key string) string {
		key = strings.ToLower(strings.TrimPrefix(key, prefix))
		return strings.ReplaceAll(key, "__", ".")
	}
}

// splitSliceFields turns comma-separated strings from the environment into
// slices. Values that are already slices (from YAML) are left alone.
func splitSliceFields(k *koanf.Koanf, paths []string) error {
	for _, path := range paths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// Address returns the host:port the master listens on.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Validate checks the server configuration.
//
// Validation rules:
//   - Port must be between 0 and 65535 (0 picks a free port)
//   - MaxConns, PushBuffer and both timeouts must be positive
//   - Logging level must be recognised
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MaxConns < 1 {
		return fmt.Errorf("max connections must be positive: %d", c.MaxConns)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive: %s", c.ReadTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive: %s", c.WriteTimeout)
	}
	if c.PushBuffer < 1 {
		return fmt.Errorf("push buffer must be positive: %d", c.PushBuffer)
	}
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	return nil
}

// Validate checks the client configuration.
//
// Validation rules:
//   - At least one master, each in host:port form, no duplicates
//   - Username must be set
//   - Pool size, timeouts, retry rate and virtual nodes must be positive
//   - RetryAttempts must be non-negative
func (c *ClientConfig) Validate() error {
	if len(c.Masters) == 0 {
		return fmt.Errorf("at least one master must be specified")
	}
	seen := make(map[string]bool, len(c.Masters))
	for _, m := range c.Masters {
		if _, _, err := net.SplitHostPort(m); err != nil {
			return fmt.Errorf("invalid master address %q: %w", m, err)
		}
		if seen[m] {
			return fmt.Errorf("duplicate master address %q", m)
		}
		seen[m] = true
	}
	if c.Username == "" {
		return fmt.Errorf("username must be specified")
	}
	if c.MaxConnsPerMaster < 1 {
		return fmt.Errorf("max connections per master must be positive: %d", c.MaxConnsPerMaster)
	}
	if c.ConnTimeout <= 0 || c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive: conn=%s read=%s write=%s", c.ConnTimeout, c.ReadTimeout, c.WriteTimeout)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive: %s", c.IdleTimeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must be non-negative: %d", c.RetryAttempts)
	}
	if c.RetryRate <= 0 {
		return fmt.Errorf("retry rate must be positive: %g", c.RetryRate)
	}
	if c.VirtualNodes < 1 {
		return fmt.Errorf("virtual nodes must be positive: %d", c.VirtualNodes)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be positive: %d", c.Breaker.FailureThreshold)
	}
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	return nil
}

// Apply configures the global logger from this section.
func (l LoggingConfig) Apply() {
	logging.Init(logging.Config{Level: l.Level, Format: l.Format, Caller: l.Caller})
}
