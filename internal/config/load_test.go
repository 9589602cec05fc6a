package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clinicguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":3001", cfg.Server.Listen)
	assert.Equal(t, int64(10<<10), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.True(t, cfg.WAF.IsEnabled())
	assert.Equal(t, "block", cfg.WAF.Mode)
	assert.Equal(t, 5, cfg.WAF.ViolationThreshold)
	assert.Equal(t, time.Hour, cfg.WAF.ViolationWindow())
	assert.Zero(t, cfg.WAF.BanDuration())

	assert.Equal(t, 100, cfg.Limits.API.Limit)
	assert.Equal(t, 15*time.Minute, cfg.Limits.API.Window())
	assert.Equal(t, 5, cfg.Limits.Demo.Limit)
	assert.Equal(t, time.Hour, cfg.Limits.Demo.Window())
	assert.Equal(t, 5, cfg.Limits.Login.Limit)
	assert.Equal(t, 15*time.Minute, cfg.Limits.Login.Window())
	assert.True(t, cfg.Admin.AuthRequired())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":9000"
  trusted_proxies: ["10.0.0.0/8"]
waf:
  enabled: false
  mode: log
  violation_threshold: 3
  ban_seconds: 600
  allow_ips: ["127.0.0.1", "192.168.0.0/16"]
  disable_builtin: true
  rules:
    - id: only-rule
      pattern: 'x'
limits:
  login:
    limit: 2
    window_seconds: 60
admin:
  require_auth: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.False(t, cfg.WAF.IsEnabled())
	assert.Equal(t, "log", cfg.WAF.Mode)
	assert.Equal(t, 3, cfg.WAF.ViolationThreshold)
	assert.Equal(t, 10*time.Minute, cfg.WAF.BanDuration())
	assert.True(t, cfg.WAF.DisableBuiltin)
	assert.Equal(t, 2, cfg.Limits.Login.Limit)
	assert.Equal(t, time.Minute, cfg.Limits.Login.Window())
	assert.Equal(t, 100, cfg.Limits.API.Limit, "untouched limiter keeps its default")
	assert.False(t, cfg.Admin.AuthRequired())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "waf:\n  treshold: 3\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.WAF.Mode = "drop" }},
		{"bad backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"bad allow ip", func(c *Config) { c.WAF.AllowIPs = []string{"not-an-ip"} }},
		{"bad deny cidr", func(c *Config) { c.WAF.DenyIPs = []string{"10.0.0.0/99"} }},
		{"builtin disabled without rules", func(c *Config) { c.WAF.DisableBuiltin = true }},
		{"short secret", func(c *Config) {
			c.Admin.Users = []AdminUser{{Email: "a@b.c", PasswordHash: "x"}}
			c.Admin.TokenSecret = "short"
		}},
		{"user without hash", func(c *Config) {
			c.Admin.TokenSecret = "0123456789abcdef0123"
			c.Admin.Users = []AdminUser{{Email: "a@b.c"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CLINICGUARD_LISTEN":        ":8088",
		"CLINICGUARD_STORE_BACKEND": "redis",
		"CLINICGUARD_REDIS_ADDR":    "redis:6379",
		"CLINICGUARD_REDIS_DB":      "2",
		"CLINICGUARD_TOKEN_SECRET":  "from-the-environment",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, ":8088", cfg.Server.Listen)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 2, cfg.Store.Redis.DB)
	assert.Equal(t, "from-the-environment", cfg.Admin.TokenSecret)

	env["CLINICGUARD_REDIS_DB"] = "two"
	assert.ErrorIs(t, Default().applyEnv(lookup), ErrInvalid)
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "clinicguard.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "block", cfg.WAF.Mode)
	assert.Len(t, cfg.WAF.Rules, 1)
	assert.Equal(t, 5, cfg.Limits.Demo.Limit)
	assert.True(t, cfg.Server.HSTS)
}
