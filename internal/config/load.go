package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const envPrefix = "CLINICGUARD_"

var ErrInvalid = errors.New("invalid config")

func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads path (empty means defaults only), applies defaults and
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":3001"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 10 << 10
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 10
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = "/metrics"
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Store.Redis.KeyPrefix == "" {
		c.Store.Redis.KeyPrefix = "clinicguard"
	}

	if c.WAF.Mode == "" {
		c.WAF.Mode = "block"
	}
	if c.WAF.MaxInspectBytes <= 0 {
		c.WAF.MaxInspectBytes = 64 << 10
	}
	if c.WAF.ViolationThreshold <= 0 {
		c.WAF.ViolationThreshold = 5
	}
	if c.WAF.ViolationWindowSeconds <= 0 {
		c.WAF.ViolationWindowSeconds = 3600
	}
	if c.WAF.BanSeconds < 0 {
		c.WAF.BanSeconds = 0
	}

	defaultWindow(&c.Limits.API, 100, 15*60)
	defaultWindow(&c.Limits.Demo, 5, 60*60)
	defaultWindow(&c.Limits.Login, 5, 15*60)
	if c.Limits.CleanupIntervalSeconds <= 0 {
		c.Limits.CleanupIntervalSeconds = 60
	}

	if c.Admin.TokenTTLSeconds <= 0 {
		c.Admin.TokenTTLSeconds = 8 * 3600
	}

	if c.Alerts.RatePerMinute <= 0 {
		c.Alerts.RatePerMinute = 30
	}
	if c.Alerts.QueueSize <= 0 {
		c.Alerts.QueueSize = 128
	}
	if c.Alerts.TimeoutSeconds <= 0 {
		c.Alerts.TimeoutSeconds = 5
	}
}

func defaultWindow(w *WindowConfig, limit, seconds int) {
	if w.Limit <= 0 {
		w.Limit = limit
	}
	if w.WindowSeconds <= 0 {
		w.WindowSeconds = seconds
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(envPrefix + "LISTEN"); ok && v != "" {
		c.Server.Listen = v
	}
	if v, ok := lookup(envPrefix + "LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(envPrefix + "STORE_BACKEND"); ok && v != "" {
		c.Store.Backend = v
	}
	if v, ok := lookup(envPrefix + "REDIS_ADDR"); ok && v != "" {
		c.Store.Redis.Addr = v
	}
	if v, ok := lookup(envPrefix + "REDIS_PASSWORD"); ok {
		c.Store.Redis.Password = v
	}
	if v, ok := lookup(envPrefix + "REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sREDIS_DB: %v", ErrInvalid, envPrefix, err)
		}
		c.Store.Redis.DB = db
	}
	if v, ok := lookup(envPrefix + "TOKEN_SECRET"); ok && v != "" {
		c.Admin.TokenSecret = v
	}
	if v, ok := lookup(envPrefix + "WAF_MODE"); ok && v != "" {
		c.WAF.Mode = v
	}
	if v, ok := lookup(envPrefix + "ALERT_WEBHOOK_URL"); ok {
		c.Alerts.WebhookURL = v
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	switch strings.ToLower(c.Store.Backend) {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend))
	}
	switch strings.ToLower(c.WAF.Mode) {
	case "block", "log":
	default:
		errs = append(errs, fmt.Errorf("waf.mode must be block or log, got %q", c.WAF.Mode))
	}
	if c.WAF.DisableBuiltin && len(c.WAF.Rules) == 0 {
		errs = append(errs, errors.New("waf.disable_builtin needs at least one entry in waf.rules"))
	}
	for _, raw := range append(append([]string{}, c.WAF.AllowIPs...), c.WAF.DenyIPs...) {
		if !validIPOrCIDR(raw) {
			errs = append(errs, fmt.Errorf("invalid ip or cidr %q", raw))
		}
	}
	for _, raw := range c.Server.TrustedProxies {
		if !validIPOrCIDR(raw) {
			errs = append(errs, fmt.Errorf("server.trusted_proxies: invalid ip or cidr %q", raw))
		}
	}
	if c.Admin.AuthRequired() && len(c.Admin.Users) > 0 && len(c.Admin.TokenSecret) < 16 {
		errs = append(errs, errors.New("admin.token_secret must be at least 16 bytes when admin users are configured"))
	}
	for i, u := range c.Admin.Users {
		if strings.TrimSpace(u.Email) == "" || strings.TrimSpace(u.PasswordHash) == "" {
			errs = append(errs, fmt.Errorf("admin.users[%d]: email and password_hash are required", i))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func validIPOrCIDR(raw string) bool {
	v := strings.TrimSpace(raw)
	if strings.Contains(v, "/") {
		_, _, err := net.ParseCIDR(v)
		return err == nil
	}
	return net.ParseIP(v) != nil
}
