package guard

import (
	"context"
	"time"

	"clinicguard/internal/limits"
)

type LimiterInfo struct {
	Name          string `json:"name"`
	Limit         int    `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
}

type BlockedIP struct {
	IP        string     `json:"ip"`
	Reason    string     `json:"reason"`
	BlockedAt time.Time  `json:"blocked_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type Status struct {
	WAFEnabled         bool               `json:"waf_enabled"`
	Mode               string             `json:"mode"`
	Rules              int                `json:"rules"`
	ViolationThreshold int                `json:"violation_threshold"`
	ViolationWindow    int64              `json:"violation_window_seconds"`
	BanSeconds         int64              `json:"ban_seconds"`
	BlockedIPs         []BlockedIP        `json:"blocked_ips"`
	Violators          []limits.Violation `json:"violators"`
	RateLimits         []LimiterInfo      `json:"rate_limits"`
	GeneratedAt        time.Time          `json:"generated_at"`
}

// Status snapshots the guard state for the admin endpoint.
func (g *Guard) Status(ctx context.Context) (Status, error) {
	entries, err := g.blocks.List(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		WAFEnabled:         g.engine.Enabled(),
		Mode:               g.engine.Mode(),
		Rules:              len(g.engine.Rules()),
		ViolationThreshold: g.violations.Threshold(),
		ViolationWindow:    int64(g.violations.Window() / time.Second),
		BanSeconds:         int64(g.banFor / time.Second),
		BlockedIPs:         make([]BlockedIP, 0, len(entries)),
		Violators:          g.violations.Snapshot(),
		RateLimits:         make([]LimiterInfo, 0, len(g.order)),
		GeneratedAt:        g.now().UTC(),
	}
	for _, e := range entries {
		st.BlockedIPs = append(st.BlockedIPs, blockedIP(e))
	}
	if st.Violators == nil {
		st.Violators = []limits.Violation{}
	}
	for _, name := range g.order {
		fw := g.limiters[name]
		st.RateLimits = append(st.RateLimits, LimiterInfo{
			Name:          name,
			Limit:         fw.Limit(),
			WindowSeconds: int64(fw.Window() / time.Second),
		})
	}
	return st, nil
}

func blockedIP(e limits.BlockEntry) BlockedIP {
	out := BlockedIP{IP: e.IP, Reason: e.Reason, BlockedAt: e.BlockedAt}
	if !e.Permanent() {
		exp := e.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}
