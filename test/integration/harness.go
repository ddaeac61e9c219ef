// Package integration provides a test harness for end-to-end testing of
// caseflow. It wires the shipped workflow definitions, an in-memory
// datastore, a Redis stream notifier behind a circuit breaker and the
// admin/audit HTTP surface into one running instance.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/notify"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/transport"
	"github.com/pitabwire/caseflow/internal/workflow"
)

const notificationStream = "caseflow:notifications"

// TestHarness is a fully wired caseflow instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	Registry *definition.Registry
	Store    *workflow.MemoryStore
	Engine   *workflow.Engine
	Notifier *notify.BreakerNotifier
	Metrics  *observability.Metrics
	Redis    *miniredis.Miniredis

	redisClient *redis.Client
	clock       *stepClock
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	breaker        config.CircuitBreakerConfig
	start          time.Time
}

// WithDefinitions replaces the shipped definitions directory.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) { c.definitionDirs = dirs }
}

// WithBreaker sets the notifier circuit breaker thresholds.
func WithBreaker(cfg config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = cfg }
}

// WithStartTime sets the first time the engine clock reports.
func WithStartTime(t time.Time) HarnessOption {
	return func(c *harnessConfig) { c.start = t }
}

// NewTestHarness starts a caseflow instance. Everything is torn down when
// the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		definitionDirs: []string{shippedDefinitionsDir()},
		breaker:        config.Defaults().Notifier.CircuitBreaker,
		start:          time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	for _, opt := range opts {
		opt(hc)
	}

	defs, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	require.NoError(t, err, "loading definitions")
	registry := definition.NewRegistry()
	require.NoError(t, registry.RegisterAll(defs), "registering definitions")

	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	notifier := notify.WithBreaker(config.DriverRedis,
		notify.NewRedisNotifier(client, notificationStream, notify.WithTimeout(500*time.Millisecond)),
		hc.breaker, metrics)

	clock := &stepClock{now: hc.start, step: time.Minute}
	store := workflow.NewMemoryStore()
	engine := workflow.NewEngine(registry, store,
		workflow.WithLogger(zap.NewNop()),
		workflow.WithMetrics(metrics),
		workflow.WithNotifier(notifier),
		workflow.WithClock(clock.Now),
		workflow.WithPersistenceRetryDelay(0),
	)

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 10 * time.Second

	router := transport.NewRouter(transport.Dependencies{
		Config:   cfg,
		Logger:   zap.NewNop(),
		Audit:    engine,
		Metrics:  metrics,
		Gatherer: reg,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return registry.Len() > 0 },
			Store:             store,
			Notifier:          notifier,
		},
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &TestHarness{
		t:           t,
		server:      server,
		Registry:    registry,
		Store:       store,
		Engine:      engine,
		Notifier:    notifier,
		Metrics:     metrics,
		Redis:       mr,
		redisClient: client,
		clock:       clock,
	}
}

// URL returns the base URL of the running server.
func (h *TestHarness) URL() string {
	return h.server.URL
}

// GET issues a GET request against the server on behalf of actorID.
func (h *TestHarness) GET(path, actorID string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.server.URL+path, nil)
	require.NoError(h.t, err)
	if actorID != "" {
		req.Header.Set(transport.HeaderActorID, actorID)
	}
	resp, err := h.server.Client().Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// AssertJSON checks the status code and decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, wantStatus int, target any) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equalf(t, wantStatus, resp.StatusCode, "body: %s", body)
	if target != nil {
		require.NoErrorf(t, json.Unmarshal(body, target), "body: %s", body)
	}
}

// Notification is one entry read back from the notification stream.
type Notification struct {
	Template      string
	RecipientRole string
	RecipientUser string
	Vars          map[string]any
}

// Notifications returns everything published to the notification stream,
// oldest first.
func (h *TestHarness) Notifications() []Notification {
	h.t.Helper()
	entries, err := h.redisClient.XRange(context.Background(), notificationStream, "-", "+").Result()
	require.NoError(h.t, err)

	out := make([]Notification, 0, len(entries))
	for _, e := range entries {
		n := Notification{
			Template:      str(e.Values["template"]),
			RecipientRole: str(e.Values["recipient_role"]),
			RecipientUser: str(e.Values["recipient_user"]),
		}
		require.NoError(h.t, json.Unmarshal([]byte(str(e.Values["vars"])), &n.Vars))
		out = append(out, n)
	}
	return out
}

// Advance moves the engine clock forward by d.
func (h *TestHarness) Advance(d time.Duration) {
	h.clock.advance(d)
}

// Now returns the time the engine clock will report next.
func (h *TestHarness) Now() time.Time {
	return h.clock.peek()
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// stepClock returns a strictly increasing time on every call.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *stepClock) peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// shippedDefinitionsDir resolves the repository's definitions directory
// relative to this source file.
func shippedDefinitionsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "definitions")
}
