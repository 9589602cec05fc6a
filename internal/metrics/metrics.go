package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsInspected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clinicguard_requests_inspected_total",
		Help: "Total number of requests passed through the guard, by outcome",
	}, []string{"outcome"})
	// Category comes from a fixed rule set plus configured rules, so
	// cardinality stays bounded.
	Violations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clinicguard_violations_total",
		Help: "Total number of detected attack patterns by category",
	}, []string{"category"})
	Blocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clinicguard_blocks_total",
		Help: "Total number of clients added to the block list, by reason",
	}, []string{"reason"})
	BlockedIPs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clinicguard_blocked_ips",
		Help: "Number of clients currently on the block list",
	})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clinicguard_rate_limited_total",
		Help: "Total number of requests rejected by a rate limiter",
	}, []string{"limiter"})
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clinicguard_store_errors_total",
		Help: "Total number of backing store errors by operation",
	}, []string{"op"})
	AlertsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clinicguard_alerts_total",
		Help: "Total number of security alerts by delivery result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(RequestsInspected)
	prometheus.MustRegister(Violations)
	prometheus.MustRegister(Blocks)
	prometheus.MustRegister(BlockedIPs)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(StoreErrors)
	prometheus.MustRegister(AlertsSent)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
