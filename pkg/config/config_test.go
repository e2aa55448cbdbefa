package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClientConfigDefaults(t *testing.T) {
	t.Setenv("AOSERV_USERNAME", "admin")

	cfg, err := LoadClientConfig("")
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:4583"}, cfg.Masters)
	assert.Equal(t, "admin", cfg.Username)
	assert.Equal(t, DefaultMaxConnsPerMaster, cfg.MaxConnsPerMaster)
	assert.Equal(t, DefaultReadTimeout, cfg.ReadTimeout)
	assert.Equal(t, DefaultIdleTimeout, cfg.IdleTimeout)
	assert.Less(t, cfg.IdleTimeout, DefaultServerConfig().ReadTimeout)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.True(t, cfg.ListenCaches)
}

func TestLoadClientConfigLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	yamlDoc := `
masters:
  - master1.example.com:4583
  - master2.example.com:4583
username: billing
password: secret
retry_attempts: 1
read_timeout: 45s
breaker:
  timeout: 10s
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	// Environment beats the file.
	t.Setenv("AOSERV_RETRY_ATTEMPTS", "7")
	t.Setenv("AOSERV_BREAKER__FAILURE_THRESHOLD", "2")

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"master1.example.com:4583", "master2.example.com:4583"}, cfg.Masters)
	assert.Equal(t, "billing", cfg.Username)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 7, cfg.RetryAttempts)
	assert.Equal(t, 45*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Breaker.Timeout)
	assert.Equal(t, uint32(2), cfg.Breaker.FailureThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, DefaultWriteTimeout, cfg.WriteTimeout, "untouched defaults survive")
}

func TestLoadClientConfigMastersFromEnv(t *testing.T) {
	t.Setenv("AOSERV_USERNAME", "admin")
	t.Setenv("AOSERV_MASTERS", "m1:4583, m2:4583,")

	cfg, err := LoadClientConfig("")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1:4583", "m2:4583"}, cfg.Masters)
}

func TestLoadClientConfigMissingFile(t *testing.T) {
	_, err := LoadClientConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestClientConfigValidate(t *testing.T) {
	valid := func() *ClientConfig {
		cfg := DefaultClientConfig()
		cfg.Username = "admin"
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*ClientConfig){
		"no masters":        func(c *ClientConfig) { c.Masters = nil },
		"bad address":       func(c *ClientConfig) { c.Masters = []string{"nohostport"} },
		"duplicate master":  func(c *ClientConfig) { c.Masters = []string{"a:1", "a:1"} },
		"no username":       func(c *ClientConfig) { c.Username = "" },
		"zero pool":         func(c *ClientConfig) { c.MaxConnsPerMaster = 0 },
		"zero timeout":      func(c *ClientConfig) { c.ReadTimeout = 0 },
		"zero idle timeout": func(c *ClientConfig) { c.IdleTimeout = 0 },
		"negative retries":  func(c *ClientConfig) { c.RetryAttempts = -1 },
		"zero retry rate":   func(c *ClientConfig) { c.RetryRate = 0 },
		"zero vnodes":       func(c *ClientConfig) { c.VirtualNodes = 0 },
		"zero breaker trip": func(c *ClientConfig) { c.Breaker.FailureThreshold = 0 },
		"bad log level":     func(c *ClientConfig) { c.Logging.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadServerConfig(t *testing.T) {
	t.Setenv("AOSERV_MASTER_PORT", "0")
	t.Setenv("AOSERV_MASTER_ACCOUNTS__ADMIN", "hunter2")

	cfg, err := LoadServerConfig("")
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Port)
	assert.Equal(t, "hunter2", cfg.Accounts["admin"])
	assert.Equal(t, DefaultPushBuffer, cfg.PushBuffer)
	assert.Equal(t, "0.0.0.0:0", cfg.Address())
}

func TestServerConfigValidate(t *testing.T) {
	require.NoError(t, DefaultServerConfig().Validate())

	cfg := DefaultServerConfig()
	cfg.Port = 70000
	assert.Error(t, cfg.Validate())

	cfg = DefaultServerConfig()
	cfg.MaxConns = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultServerConfig()
	cfg.PushBuffer = 0
	assert.Error(t, cfg.Validate())
}
