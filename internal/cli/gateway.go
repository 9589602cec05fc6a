package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"clinicguard/internal/alerts"
	"clinicguard/internal/auth"
	"clinicguard/internal/config"
	"clinicguard/internal/demo"
	"clinicguard/internal/guard"
	"clinicguard/internal/limits"
	"clinicguard/internal/server"
	"clinicguard/internal/waf"
)

// gateway is every long-lived component built from one config.
type gateway struct {
	server  *server.Server
	guard   *guard.Guard
	webhook *alerts.Webhook
	redis   *redis.Client
	cleanup time.Duration
}

func wafConfig(c config.WAFConfig) waf.Config {
	rules := make([]waf.RuleConfig, 0, len(c.Rules))
	for _, r := range c.Rules {
		rules = append(rules, waf.RuleConfig{
			ID:          r.ID,
			Description: r.Description,
			Category:    r.Category,
			Pattern:     r.Pattern,
			Targets:     r.Targets,
			Action:      r.Action,
			Transforms:  r.Transforms,
		})
	}
	return waf.Config{
		Enabled:         c.IsEnabled(),
		Mode:            c.Mode,
		MaxInspectBytes: c.MaxInspectBytes,
		Rules:           rules,
		SkipBuiltin:     c.DisableBuiltin,
	}
}

func newRedisClient(ctx context.Context, c config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", c.Addr, err)
	}
	return client, nil
}

func buildGateway(ctx context.Context, cfg *config.Config, log *zap.Logger, debug bool) (*gateway, error) {
	sugar := log.Sugar()
	gw := &gateway{cleanup: cfg.Limits.CleanupInterval()}

	engine, err := waf.New(wafConfig(cfg.WAF))
	if err != nil {
		return nil, fmt.Errorf("waf: %w", err)
	}
	allow, err := limits.ParseIPList(cfg.WAF.AllowIPs)
	if err != nil {
		return nil, fmt.Errorf("waf.allow_ips: %w", err)
	}
	deny, err := limits.ParseIPList(cfg.WAF.DenyIPs)
	if err != nil {
		return nil, fmt.Errorf("waf.deny_ips: %w", err)
	}

	var (
		blocks   limits.BlockList
		store    limits.WindowStore
		cleaners []guard.Cleaner
	)
	switch strings.ToLower(cfg.Store.Backend) {
	case "redis":
		client, err := newRedisClient(ctx, cfg.Store.Redis)
		if err != nil {
			return nil, err
		}
		gw.redis = client
		blocks = limits.NewRedisBlockList(client, cfg.Store.Redis.KeyPrefix)
		store = limits.NewRedisWindowStore(client, cfg.Store.Redis.KeyPrefix)
		sugar.Infow("Using redis store", "addr", cfg.Store.Redis.Addr, "prefix", cfg.Store.Redis.KeyPrefix)
	default:
		memBlocks := limits.NewMemoryBlockList()
		memStore := limits.NewMemoryWindowStore()
		blocks, store = memBlocks, memStore
		cleaners = append(cleaners, memBlocks, memStore)
	}

	var notifier alerts.Notifier = alerts.Nop{}
	if cfg.Alerts.WebhookURL != "" {
		gw.webhook = alerts.NewWebhook(alerts.Config{
			WebhookURL:    cfg.Alerts.WebhookURL,
			RatePerMinute: cfg.Alerts.RatePerMinute,
			QueueSize:     cfg.Alerts.QueueSize,
			Timeout:       cfg.Alerts.Timeout(),
		}, sugar)
		notifier = gw.webhook
	}

	g, err := guard.New(guard.Options{
		Engine:      engine,
		Violations:  limits.NewViolationTracker(cfg.WAF.ViolationThreshold, cfg.WAF.ViolationWindow()),
		Blocks:      blocks,
		Allow:       allow,
		Deny:        deny,
		BanDuration: cfg.WAF.BanDuration(),
		Limiters: []*limits.FixedWindow{
			limits.NewFixedWindow("api", cfg.Limits.API.Limit, cfg.Limits.API.Window(), store),
			limits.NewFixedWindow("demo", cfg.Limits.Demo.Limit, cfg.Limits.Demo.Window(), store),
			limits.NewFixedWindow("login", cfg.Limits.Login.Limit, cfg.Limits.Login.Window(), store),
		},
		Notifier: notifier,
		Log:      sugar,
		Cleaners: cleaners,
	})
	if err != nil {
		gw.Close()
		return nil, err
	}
	if err := g.SeedDenyList(ctx); err != nil {
		gw.Close()
		return nil, err
	}
	gw.guard = g

	var authn *auth.Authenticator
	if len(cfg.Admin.Users) > 0 {
		users := make([]auth.User, 0, len(cfg.Admin.Users))
		for _, u := range cfg.Admin.Users {
			users = append(users, auth.User{Email: u.Email, PasswordHash: u.PasswordHash})
		}
		authn, err = auth.New(users, []byte(cfg.Admin.TokenSecret), cfg.Admin.TokenTTL())
		if err != nil {
			gw.Close()
			return nil, err
		}
	} else if cfg.Admin.AuthRequired() {
		sugar.Warnw("No admin users configured; security endpoints will reject every request")
		authn, err = auth.New(nil, []byte(cfg.Admin.TokenSecret), cfg.Admin.TokenTTL())
		if err != nil {
			gw.Close()
			return nil, err
		}
	}

	srv, err := server.New(server.Options{
		Config:      cfg.Server,
		Guard:       g,
		Auth:        authn,
		RequireAuth: cfg.Admin.AuthRequired(),
		Demos:       demo.NewStore(1000),
		Log:         log,
		Debug:       debug,
	})
	if err != nil {
		gw.Close()
		return nil, err
	}
	gw.server = srv
	return gw, nil
}

// Run starts the background workers and serves until ctx is done.
func (gw *gateway) Run(ctx context.Context) error {
	if gw.webhook != nil {
		gw.webhook.Start()
	}
	janitorCtx, stop := context.WithCancel(ctx)
	defer stop()
	go gw.guard.Run(janitorCtx, gw.cleanup)

	return gw.server.Run(ctx)
}

func (gw *gateway) Close() {
	if gw.webhook != nil {
		gw.webhook.Stop()
	}
	if gw.redis != nil {
		_ = gw.redis.Close()
	}
}
