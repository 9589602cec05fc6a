package config

import "time"

type Config struct {
	Log    LogConfig    `yaml:"log"`
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	WAF    WAFConfig    `yaml:"waf"`
	Limits LimitsConfig `yaml:"limits"`
	Admin  AdminConfig  `yaml:"admin"`
	Alerts AlertsConfig `yaml:"alerts"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Listen                 string   `yaml:"listen"`
	TrustedProxies         []string `yaml:"trusted_proxies"`
	MaxBodyBytes           int64    `yaml:"max_body_bytes"`
	ReadTimeoutSeconds     int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int      `yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds"`
	CORSOrigins            []string `yaml:"cors_origins"`
	MetricsPath            string   `yaml:"metrics_path"`
	HSTS                   bool     `yaml:"hsts"`
}

type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type WAFConfig struct {
	Enabled                *bool        `yaml:"enabled"`
	Mode                   string       `yaml:"mode"`
	MaxInspectBytes        int64        `yaml:"max_inspect_bytes"`
	ViolationThreshold     int          `yaml:"violation_threshold"`
	ViolationWindowSeconds int          `yaml:"violation_window_seconds"`
	BanSeconds             int          `yaml:"ban_seconds"`
	AllowIPs               []string     `yaml:"allow_ips"`
	DenyIPs                []string     `yaml:"deny_ips"`
	// DisableBuiltin runs only Rules, without the shipped signatures.
	DisableBuiltin bool         `yaml:"disable_builtin"`
	Rules          []RuleConfig `yaml:"rules"`
}

type RuleConfig struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	Category    string   `yaml:"category"`
	Pattern     string   `yaml:"pattern"`
	Targets     []string `yaml:"targets"`
	Action      string   `yaml:"action"`
	Transforms  []string `yaml:"transforms"`
}

type LimitsConfig struct {
	API                    WindowConfig `yaml:"api"`
	Demo                   WindowConfig `yaml:"demo"`
	Login                  WindowConfig `yaml:"login"`
	CleanupIntervalSeconds int          `yaml:"cleanup_interval_seconds"`
}

type WindowConfig struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"window_seconds"`
}

type AdminConfig struct {
	RequireAuth     *bool       `yaml:"require_auth"`
	TokenSecret     string      `yaml:"token_secret"`
	TokenTTLSeconds int         `yaml:"token_ttl_seconds"`
	Users           []AdminUser `yaml:"users"`
}

type AdminUser struct {
	Email        string `yaml:"email"`
	PasswordHash string `yaml:"password_hash"`
}

type AlertsConfig struct {
	WebhookURL     string  `yaml:"webhook_url"`
	RatePerMinute  float64 `yaml:"rate_per_minute"`
	QueueSize      int     `yaml:"queue_size"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

func (w WindowConfig) Window() time.Duration {
	return time.Duration(w.WindowSeconds) * time.Second
}

func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

func (w WAFConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

func (w WAFConfig) ViolationWindow() time.Duration {
	return time.Duration(w.ViolationWindowSeconds) * time.Second
}

// BanDuration is zero for permanent bans.
func (w WAFConfig) BanDuration() time.Duration {
	return time.Duration(w.BanSeconds) * time.Second
}

func (l LimitsConfig) CleanupInterval() time.Duration {
	return time.Duration(l.CleanupIntervalSeconds) * time.Second
}

func (a AdminConfig) AuthRequired() bool {
	return a.RequireAuth == nil || *a.RequireAuth
}

func (a AdminConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLSeconds) * time.Second
}

func (a AlertsConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}
