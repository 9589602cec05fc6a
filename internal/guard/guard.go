package guard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"clinicguard/internal/alerts"
	"clinicguard/internal/limits"
	"clinicguard/internal/metrics"
	"clinicguard/internal/waf"
)

const (
	// ClientIPKey holds the resolved client address in the gin context.
	ClientIPKey = "clientIP"
	// AllowlistedKey is set for clients on the static allow list.
	AllowlistedKey = "allowlisted"
)

const (
	msgAccessDenied = "Access denied"
	msgMalicious    = "Malicious request detected"
)

// Cleaner is implemented by in-memory stores that need periodic expiry.
type Cleaner interface {
	Cleanup()
}

type Options struct {
	Engine     *waf.Engine
	Violations *limits.ViolationTracker
	Blocks     limits.BlockList
	Allow      *limits.IPList
	Deny       *limits.IPList
	// BanDuration of zero blocks permanently.
	BanDuration time.Duration
	Limiters    []*limits.FixedWindow
	Notifier    alerts.Notifier
	Log         *zap.SugaredLogger
	Cleaners    []Cleaner
}

type Guard struct {
	engine     *waf.Engine
	violations *limits.ViolationTracker
	blocks     limits.BlockList
	allow      *limits.IPList
	deny       *limits.IPList
	banFor     time.Duration
	limiters   map[string]*limits.FixedWindow
	order      []string
	notifier   alerts.Notifier
	log        *zap.SugaredLogger
	cleaners   []Cleaner
	now        func() time.Time
}

func New(opts Options) (*Guard, error) {
	if opts.Engine == nil {
		return nil, errors.New("guard: waf engine is required")
	}
	if opts.Violations == nil {
		return nil, errors.New("guard: violation tracker is required")
	}
	if opts.Blocks == nil {
		return nil, errors.New("guard: block list is required")
	}
	g := &Guard{
		engine:     opts.Engine,
		violations: opts.Violations,
		blocks:     opts.Blocks,
		allow:      opts.Allow,
		deny:       opts.Deny,
		banFor:     opts.BanDuration,
		limiters:   map[string]*limits.FixedWindow{},
		notifier:   opts.Notifier,
		log:        opts.Log,
		cleaners:   append([]Cleaner{opts.Violations}, opts.Cleaners...),
		now:        time.Now,
	}
	if g.notifier == nil {
		g.notifier = alerts.Nop{}
	}
	if g.log == nil {
		g.log = zap.NewNop().Sugar()
	}
	for _, fw := range opts.Limiters {
		if _, dup := g.limiters[fw.Name()]; dup {
			return nil, fmt.Errorf("guard: duplicate rate limiter %q", fw.Name())
		}
		g.limiters[fw.Name()] = fw
		g.order = append(g.order, fw.Name())
	}
	return g, nil
}

// SeedDenyList puts every single address of the static deny list on the
// block list permanently. Deny ranges are matched per request instead.
func (g *Guard) SeedDenyList(ctx context.Context) error {
	for _, ip := range g.deny.Addrs() {
		if _, err := g.blocks.Block(ctx, ip, limits.ReasonStatic, 0); err != nil {
			return fmt.Errorf("seed deny list: %w", err)
		}
	}
	g.refreshGauge(ctx)
	return nil
}

// Middleware enforces the block list and scans the request. It must run
// before any handler that reads the body.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		c.Set(ClientIPKey, ip)

		if g.allow.Contains(ip) {
			c.Set(AllowlistedKey, true)
			metrics.RequestsInspected.WithLabelValues("allowlisted").Inc()
			c.Next()
			return
		}

		if g.deny.Contains(ip) {
			metrics.RequestsInspected.WithLabelValues("blocked_ip").Inc()
			deny(c, http.StatusForbidden, msgAccessDenied)
			return
		}

		ctx := c.Request.Context()
		if _, blocked, err := g.blocks.IsBlocked(ctx, ip); err != nil {
			metrics.StoreErrors.WithLabelValues("block_lookup").Inc()
			g.log.Errorw("Block list lookup failed, allowing request", "ip", ip, "error", err)
		} else if blocked {
			metrics.RequestsInspected.WithLabelValues("blocked_ip").Inc()
			deny(c, http.StatusForbidden, msgAccessDenied)
			return
		}

		ua := c.Request.UserAgent()
		if ruleID, ok := g.engine.ScannerAgent(ua); ok {
			metrics.Violations.WithLabelValues(waf.CategoryScanner).Inc()
			g.log.Warnw("Scanner user agent detected",
				"ip", ip, "rule_id", ruleID, "user_agent", ua, "path", c.Request.URL.Path)
			if g.engine.Mode() == "block" {
				g.block(ctx, ip, limits.ReasonScanner, alerts.Event{
					Type:      alerts.EventScanner,
					RuleIDs:   []string{ruleID},
					Path:      c.Request.URL.Path,
					UserAgent: ua,
				})
				metrics.RequestsInspected.WithLabelValues("scanner").Inc()
				deny(c, http.StatusForbidden, msgAccessDenied)
				return
			}
		}

		d, err := g.engine.Inspect(c.Request)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				metrics.RequestsInspected.WithLabelValues("too_large").Inc()
				deny(c, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			g.log.Warnw("Request inspection failed", "ip", ip, "error", err)
			metrics.RequestsInspected.WithLabelValues("unreadable").Inc()
			deny(c, http.StatusBadRequest, "Invalid request body")
			return
		}

		if d.Violation {
			for _, cat := range d.Categories {
				metrics.Violations.WithLabelValues(cat).Inc()
			}
			g.log.Warnw("Attack pattern detected",
				"ip", ip,
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"categories", d.Categories,
				"rule_ids", d.RuleIDs,
				"blocked", d.Blocked)
		} else if d.Matched {
			g.log.Infow("WAF rule matched", "ip", ip, "path", c.Request.URL.Path, "reason", d.Reason)
		}

		if d.Blocked {
			count, escalate := g.violations.Record(ip)
			if escalate {
				err := g.block(ctx, ip, limits.ReasonViolations, alerts.Event{
					Type:       alerts.EventBlocked,
					RuleIDs:    d.RuleIDs,
					Categories: d.Categories,
					Path:       c.Request.URL.Path,
					UserAgent:  ua,
				})
				if err == nil {
					g.violations.Reset(ip)
				}
			} else {
				g.log.Infow("Violation recorded", "ip", ip, "count", count, "threshold", g.violations.Threshold())
			}
			metrics.RequestsInspected.WithLabelValues("malicious").Inc()
			deny(c, http.StatusForbidden, msgMalicious)
			return
		}

		metrics.RequestsInspected.WithLabelValues("passed").Inc()
		c.Next()
	}
}

func (g *Guard) block(ctx context.Context, ip, reason string, ev alerts.Event) error {
	entry, err := g.blocks.Block(ctx, ip, reason, g.banFor)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("block").Inc()
		g.log.Errorw("Failed to block client", "ip", ip, "reason", reason, "error", err)
		return err
	}
	metrics.Blocks.WithLabelValues(reason).Inc()
	g.refreshGauge(ctx)
	g.log.Warnw("Client blocked", "ip", ip, "reason", reason, "expires_at", entry.ExpiresAt, "permanent", entry.Permanent())

	ev.IP = ip
	ev.Reason = reason
	g.notifier.Notify(ev)
	return nil
}

// Unblock lifts a block and forgets the client's violations.
func (g *Guard) Unblock(ctx context.Context, ip string) (bool, error) {
	removed, err := g.blocks.Unblock(ctx, ip)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("unblock").Inc()
		return false, err
	}
	g.violations.Reset(ip)
	g.refreshGauge(ctx)
	if removed {
		g.log.Infow("Client unblocked", "ip", ip)
		g.notifier.Notify(alerts.Event{Type: alerts.EventUnblocked, IP: ip, Reason: limits.ReasonManual})
	}
	return removed, nil
}

// Block adds ip by hand, for operators.
func (g *Guard) Block(ctx context.Context, ip string, d time.Duration) (limits.BlockEntry, error) {
	entry, err := g.blocks.Block(ctx, ip, limits.ReasonManual, d)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("block").Inc()
		return limits.BlockEntry{}, err
	}
	metrics.Blocks.WithLabelValues(limits.ReasonManual).Inc()
	g.refreshGauge(ctx)
	return entry, nil
}

func (g *Guard) refreshGauge(ctx context.Context) {
	list, err := g.blocks.List(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list").Inc()
		return
	}
	metrics.BlockedIPs.Set(float64(len(list)))
}

// Run expires in-memory state every interval until ctx is done.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.cleanup(ctx)
		}
	}
}

func (g *Guard) cleanup(ctx context.Context) {
	for _, c := range g.cleaners {
		c.Cleanup()
	}
	g.refreshGauge(ctx)
}

func deny(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
