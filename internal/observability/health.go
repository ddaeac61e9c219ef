package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON body of the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON body of the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

const (
	checkOK    = "ok"
	checkError = "error"
)

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckerFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// ReadinessChecks lists what must be healthy before caseflow serves
// traffic.
type ReadinessChecks struct {
	// Required; a nil func counts as not loaded.
	DefinitionsLoaded func() bool

	// Optional; skipped when nil.
	Store    HealthChecker
	Notifier HealthChecker
}

var errNoDefinitions = errors.New("no definitions loaded")

type namedCheck struct {
	name    string
	checker HealthChecker
}

func (c ReadinessChecks) list() []namedCheck {
	definitions := HealthCheckerFunc(func(context.Context) error {
		if c.DefinitionsLoaded == nil || !c.DefinitionsLoaded() {
			return errNoDefinitions
		}
		return nil
	})

	checks := []namedCheck{{"definitions", definitions}}
	if c.Store != nil {
		checks = append(checks, namedCheck{"store", c.Store})
	}
	if c.Notifier != nil {
		checks = append(checks, namedCheck{"notifier", c.Notifier})
	}
	return checks
}

const checkTimeout = 2 * time.Second

// HandleHealth returns the liveness handler. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:  checkOK,
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady returns the readiness handler. Checks run concurrently, each
// bounded by its own timeout; any failure makes the whole response 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := checks.list()
		results := make([]CheckResult, len(list))

		var g errgroup.Group
		for i, c := range list {
			g.Go(func() error {
				results[i] = runCheck(r.Context(), c.checker)
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(list))}
		status := http.StatusOK
		for i, c := range list {
			resp.Checks[c.name] = results[i]
			if results[i].Status != checkOK {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: checkOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = checkError
		res.Error = err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
