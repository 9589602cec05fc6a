// Package metrics defines Prometheus metrics for the gateway, covering
// request inspection, attack categories, blocks, rate limiting, backing
// store errors and alert delivery.
package metrics
