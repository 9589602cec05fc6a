// Package alerts delivers security events (blocks, scanner hits) to an
// external webhook through a bounded background queue.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"clinicguard/internal/metrics"
)

// Event types.
const (
	EventBlocked   = "ip_blocked"
	EventScanner   = "scanner_detected"
	EventUnblocked = "ip_unblocked"
)

type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	IP         string    `json:"ip"`
	Reason     string    `json:"reason"`
	RuleIDs    []string  `json:"rule_ids,omitempty"`
	Categories []string  `json:"categories,omitempty"`
	Path       string    `json:"path,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Time       time.Time `json:"time"`
}

// Text is a one-line summary for chat style webhooks.
func (e Event) Text() string {
	return fmt.Sprintf("[clinicguard] %s ip=%s reason=%s path=%s", e.Type, e.IP, e.Reason, e.Path)
}

type Notifier interface {
	Notify(e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(Event) {}

type Config struct {
	WebhookURL    string
	RatePerMinute float64
	QueueSize     int
	Timeout       time.Duration
}

// Webhook posts events as JSON. Notify never blocks: events past the
// queue capacity or the send rate are dropped and counted.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	queue   chan Event
	log     *zap.SugaredLogger
	wg      sync.WaitGroup
	once    sync.Once
	done    chan struct{}
}

func NewWebhook(cfg Config, log *zap.SugaredLogger) *Webhook {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	burst := int(cfg.RatePerMinute)
	if burst < 1 {
		burst = 1
	}
	return &Webhook{
		url:     cfg.WebhookURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerMinute/60), burst),
		queue:   make(chan Event, cfg.QueueSize),
		log:     log,
		done:    make(chan struct{}),
	}
}

func (w *Webhook) Start() {
	w.wg.Add(1)
	go w.worker()
	w.log.Infow("Alert webhook worker started", "url", w.url)
}

// Stop drains queued events and waits for the worker.
func (w *Webhook) Stop() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Webhook) Notify(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case <-w.done:
		metrics.AlertsSent.WithLabelValues("dropped").Inc()
		return
	default:
	}
	select {
	case w.queue <- e:
	default:
		metrics.AlertsSent.WithLabelValues("dropped").Inc()
		w.log.Warnw("Alert queue full, dropping event", "type", e.Type, "ip", e.IP)
	}
}

func (w *Webhook) worker() {
	defer w.wg.Done()
	for {
		select {
		case e := <-w.queue:
			w.deliver(e)
		case <-w.done:
			for {
				select {
				case e := <-w.queue:
					w.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (w *Webhook) deliver(e Event) {
	if !w.limiter.Allow() {
		metrics.AlertsSent.WithLabelValues("throttled").Inc()
		w.log.Debugw("Alert throttled", "type", e.Type, "ip", e.IP)
		return
	}
	if err := w.post(context.Background(), e); err != nil {
		metrics.AlertsSent.WithLabelValues("failed").Inc()
		w.log.Warnw("Alert delivery failed", "type", e.Type, "ip", e.IP, "error", err)
		return
	}
	metrics.AlertsSent.WithLabelValues("sent").Inc()
}

type payload struct {
	Text  string `json:"text"`
	Event Event  `json:"event"`
}

func (w *Webhook) post(ctx context.Context, e Event) error {
	body, err := json.Marshal(payload{Text: e.Text(), Event: e})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
