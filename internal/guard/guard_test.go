package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicguard/internal/alerts"
	"clinicguard/internal/limits"
	"clinicguard/internal/waf"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []alerts.Event
}

func (r *recordingNotifier) Notify(e alerts.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) Events() []alerts.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerts.Event(nil), r.events...)
}

type fixture struct {
	guard    *Guard
	blocks   *limits.MemoryBlockList
	notifier *recordingNotifier
	router   *gin.Engine
}

type fixtureOpts struct {
	mode      string
	threshold int
	ban       time.Duration
	allow     []string
	deny      []string
	apiLimit  int
	demoLimit int
	// wrap decorates the memory block list handed to the guard.
	wrap func(limits.BlockList) limits.BlockList
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	if o.mode == "" {
		o.mode = "block"
	}
	if o.threshold == 0 {
		o.threshold = 3
	}
	if o.apiLimit == 0 {
		o.apiLimit = 100
	}
	if o.demoLimit == 0 {
		o.demoLimit = 5
	}

	engine, err := waf.New(waf.Config{Enabled: true, Mode: o.mode})
	require.NoError(t, err)
	allow, err := limits.ParseIPList(o.allow)
	require.NoError(t, err)
	deny, err := limits.ParseIPList(o.deny)
	require.NoError(t, err)

	store := limits.NewMemoryWindowStore()
	blocks := limits.NewMemoryBlockList()
	var list limits.BlockList = blocks
	if o.wrap != nil {
		list = o.wrap(blocks)
	}
	notifier := &recordingNotifier{}
	g, err := New(Options{
		Engine:      engine,
		Violations:  limits.NewViolationTracker(o.threshold, time.Hour),
		Blocks:      list,
		Allow:       allow,
		Deny:        deny,
		BanDuration: o.ban,
		Limiters: []*limits.FixedWindow{
			limits.NewFixedWindow("api", o.apiLimit, 15*time.Minute, store),
			limits.NewFixedWindow("demo", o.demoLimit, time.Hour, store),
		},
		Notifier: notifier,
		Cleaners: []Cleaner{blocks, store},
	})
	require.NoError(t, err)
	require.NoError(t, g.SeedDenyList(context.Background()))

	r := gin.New()
	r.Use(g.Middleware())
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	api := r.Group("/api", g.RateLimit("api"))
	api.POST("/echo", func(c *gin.Context) { c.Status(http.StatusOK) })
	api.GET("/echo", func(c *gin.Context) { c.Status(http.StatusOK) })
	api.POST("/demo/schedule", g.RateLimit("demo"), func(c *gin.Context) { c.Status(http.StatusCreated) })

	return &fixture{guard: g, blocks: blocks, notifier: notifier, router: r}
}

func (f *fixture) do(method, target, ip, body, ua string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.RemoteAddr = ip + ":40000"
	if ua == "" {
		ua = "Mozilla/5.0 (X11; Linux x86_64)"
	}
	req.Header.Set("User-Agent", ua)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	msg, _ := body["error"].(string)
	return msg
}

func TestMiddlewareBlocksAttackPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"xss", `{"message":"<script>alert(1)</script>"}`},
		{"sqli union", `{"email":"x' UNION SELECT password FROM users"}`},
		{"sqli tautology", `{"email":"admin' or '1'='1"}`},
		{"command injection", `{"clinic_name":"acme; cat /etc/hosts"}`},
		{"path traversal", `{"file":"../../etc/passwd"}`},
	}
	f := newFixture(t, fixtureOpts{threshold: 100})
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip := "198.51.100." + string(rune('1'+i))
			w := f.do(http.MethodPost, "/api/echo", ip, tt.body, "")
			assert.Equal(t, http.StatusForbidden, w.Code)
			assert.Equal(t, "Malicious request detected", errorMessage(t, w))
			assert.Equal(t, 1, f.guard.violations.Count(ip))
		})
	}
}

func TestMiddlewarePassesBenignTraffic(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	body := `{"name":"Dr. Sari","email":"sari@klinik.id","clinic_name":"Klinik Sehat","phone":"+62 812-3456-7890","preferred_date":"2030-01-02","message":"We run two branches; please call after 3pm."}`

	w := f.do(http.MethodPost, "/api/echo", "203.0.113.10", body, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/echo?q=dental+clinic&page=2", "203.0.113.10", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, f.guard.violations.Count("203.0.113.10"))
}

func TestViolationThresholdBlocksClient(t *testing.T) {
	f := newFixture(t, fixtureOpts{threshold: 3})
	ip := "192.0.2.50"

	for i := 0; i < 3; i++ {
		w := f.do(http.MethodGet, "/api/echo?id=1%27%20or%20%271%27=%271", ip, "", "")
		require.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "Malicious request detected", errorMessage(t, w))
	}

	_, blocked, err := f.blocks.IsBlocked(context.Background(), ip)
	require.NoError(t, err)
	assert.True(t, blocked)

	w := f.do(http.MethodGet, "/health", ip, "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Access denied", errorMessage(t, w))

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, alerts.EventBlocked, events[0].Type)
	assert.Equal(t, ip, events[0].IP)
	assert.Equal(t, limits.ReasonViolations, events[0].Reason)
	assert.Contains(t, events[0].Categories, waf.CategorySQLi)

	// Other clients are unaffected.
	w = f.do(http.MethodGet, "/health", "192.0.2.51", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

type flakyBlockList struct {
	limits.BlockList
	fail atomic.Bool
}

func (f *flakyBlockList) Block(ctx context.Context, ip, reason string, d time.Duration) (limits.BlockEntry, error) {
	if f.fail.Load() {
		return limits.BlockEntry{}, errors.New("dial tcp 127.0.0.1:6379: connection refused")
	}
	return f.BlockList.Block(ctx, ip, reason, d)
}

func TestFailedBlockKeepsViolations(t *testing.T) {
	flaky := &flakyBlockList{}
	flaky.fail.Store(true)
	f := newFixture(t, fixtureOpts{threshold: 2, wrap: func(b limits.BlockList) limits.BlockList {
		flaky.BlockList = b
		return flaky
	}})
	ip := "192.0.2.60"
	attack := "/api/echo?id=1%27%20or%20%271%27=%271"

	for i := 0; i < 2; i++ {
		w := f.do(http.MethodGet, attack, ip, "", "")
		require.Equal(t, http.StatusForbidden, w.Code)
	}
	_, blocked, err := f.blocks.IsBlocked(context.Background(), ip)
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Equal(t, 2, f.guard.violations.Count(ip), "violations survive a failed block")
	assert.Empty(t, f.notifier.Events())

	// The store recovers and the next violation escalates straight away.
	flaky.fail.Store(false)
	w := f.do(http.MethodGet, attack, ip, "", "")
	require.Equal(t, http.StatusForbidden, w.Code)

	_, blocked, err = f.blocks.IsBlocked(context.Background(), ip)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, 0, f.guard.violations.Count(ip))
	require.Len(t, f.notifier.Events(), 1)
}

func TestScannerUserAgentBlocksImmediately(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ip := "192.0.2.60"

	w := f.do(http.MethodGet, "/health", ip, "", "sqlmap/1.7.2#stable (https://sqlmap.org)")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Access denied", errorMessage(t, w))

	entry, blocked, err := f.blocks.IsBlocked(context.Background(), ip)
	require.NoError(t, err)
	require.True(t, blocked)
	assert.Equal(t, limits.ReasonScanner, entry.Reason)

	w = f.do(http.MethodGet, "/health", ip, "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLogModeDoesNotBlock(t *testing.T) {
	f := newFixture(t, fixtureOpts{mode: "log", threshold: 1})
	ip := "192.0.2.70"

	w := f.do(http.MethodPost, "/api/echo", ip, `{"q":"<script>alert(1)</script>"}`, "nikto/2.5")
	assert.Equal(t, http.StatusOK, w.Code)

	_, blocked, err := f.blocks.IsBlocked(context.Background(), ip)
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Zero(t, f.guard.violations.Count(ip))
}

func TestAllowListBypassesScanningAndLimits(t *testing.T) {
	f := newFixture(t, fixtureOpts{allow: []string{"10.0.0.0/8"}, apiLimit: 1, threshold: 1})

	for i := 0; i < 3; i++ {
		w := f.do(http.MethodPost, "/api/echo", "10.1.2.3", `{"q":"../../etc/passwd"}`, "nmap")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("RateLimit-Limit"))
	}
	list, err := f.blocks.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDenyList(t *testing.T) {
	f := newFixture(t, fixtureOpts{deny: []string{"192.0.2.99", "198.18.0.0/15"}})

	w := f.do(http.MethodGet, "/health", "192.0.2.99", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodGet, "/health", "198.19.4.4", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	entry, blocked, err := f.blocks.IsBlocked(context.Background(), "192.0.2.99")
	require.NoError(t, err)
	require.True(t, blocked)
	assert.Equal(t, limits.ReasonStatic, entry.Reason)
	assert.True(t, entry.Permanent())
}

func TestUnblockRestoresAccess(t *testing.T) {
	f := newFixture(t, fixtureOpts{threshold: 1})
	ip := "192.0.2.80"
	ctx := context.Background()

	w := f.do(http.MethodPost, "/api/echo", ip, `{"q":"<script>x</script>"}`, "")
	require.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(http.MethodGet, "/health", ip, "", "")
	require.Equal(t, http.StatusForbidden, w.Code)

	removed, err := f.guard.Unblock(ctx, ip)
	require.NoError(t, err)
	assert.True(t, removed)

	w = f.do(http.MethodGet, "/health", ip, "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	removed, err = f.guard.Unblock(ctx, ip)
	require.NoError(t, err)
	assert.False(t, removed)

	events := f.notifier.Events()
	require.Len(t, events, 2)
	assert.Equal(t, alerts.EventUnblocked, events[1].Type)
}

func TestBodyTooLarge(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	limited := gin.New()
	limited.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 64)
		c.Next()
	}, f.guard.Middleware())
	limited.POST("/api/echo", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/api/echo", strings.NewReader(`{"message":"`+strings.Repeat("a", 200)+`"}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.20:1000"
	w := httptest.NewRecorder()
	limited.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, fixtureOpts{threshold: 5, ban: 30 * time.Minute})
	ctx := context.Background()

	f.do(http.MethodPost, "/api/echo", "192.0.2.90", `{"q":"<script>x</script>"}`, "")
	f.do(http.MethodGet, "/health", "192.0.2.91", "", "masscan/1.3")

	st, err := f.guard.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.WAFEnabled)
	assert.Equal(t, "block", st.Mode)
	assert.Equal(t, len(waf.DefaultRules()), st.Rules)
	assert.Equal(t, 5, st.ViolationThreshold)
	assert.EqualValues(t, 3600, st.ViolationWindow)
	assert.EqualValues(t, 1800, st.BanSeconds)

	require.Len(t, st.BlockedIPs, 1)
	assert.Equal(t, "192.0.2.91", st.BlockedIPs[0].IP)
	require.NotNil(t, st.BlockedIPs[0].ExpiresAt)

	require.Len(t, st.Violators, 1)
	assert.Equal(t, "192.0.2.90", st.Violators[0].IP)
	assert.Equal(t, 1, st.Violators[0].Count)

	require.Len(t, st.RateLimits, 2)
	assert.Equal(t, LimiterInfo{Name: "api", Limit: 100, WindowSeconds: 900}, st.RateLimits[0])
	assert.Equal(t, LimiterInfo{Name: "demo", Limit: 5, WindowSeconds: 3600}, st.RateLimits[1])
}

func TestNewValidation(t *testing.T) {
	engine, err := waf.New(waf.Config{Enabled: true})
	require.NoError(t, err)
	store := limits.NewMemoryWindowStore()

	_, err = New(Options{Violations: limits.NewViolationTracker(1, time.Minute), Blocks: limits.NewMemoryBlockList()})
	assert.Error(t, err)

	_, err = New(Options{
		Engine:     engine,
		Violations: limits.NewViolationTracker(1, time.Minute),
		Blocks:     limits.NewMemoryBlockList(),
		Limiters: []*limits.FixedWindow{
			limits.NewFixedWindow("api", 1, time.Minute, store),
			limits.NewFixedWindow("api", 2, time.Minute, store),
		},
	})
	assert.ErrorContains(t, err, "duplicate rate limiter")
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.guard.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
