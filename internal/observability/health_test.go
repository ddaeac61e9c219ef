package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	healthy = HealthCheckerFunc(func(context.Context) error { return nil })
	loaded  = func() bool { return true }
)

func failing(msg string) HealthChecker {
	return HealthCheckerFunc(func(context.Context) error { return errors.New(msg) })
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var resp ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	return rec.Code, resp
}

func TestHandleHealth(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "1.2.3", "abc1234"
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, HealthResponse{Status: "ok", Version: "1.2.3", Commit: "abc1234"}, resp)
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name       string
		checks     ReadinessChecks
		wantCode   int
		wantChecks map[string]string
		wantErrors map[string]string
	}{
		{
			name:       "all healthy",
			checks:     ReadinessChecks{DefinitionsLoaded: loaded, Store: healthy, Notifier: healthy},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"definitions": "ok", "store": "ok", "notifier": "ok"},
		},
		{
			name:       "optional checks skipped",
			checks:     ReadinessChecks{DefinitionsLoaded: loaded},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"definitions": "ok"},
		},
		{
			name:       "no definitions",
			checks:     ReadinessChecks{DefinitionsLoaded: func() bool { return false }, Store: healthy},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"definitions": "error", "store": "ok"},
			wantErrors: map[string]string{"definitions": "no definitions loaded"},
		},
		{
			name:       "nil definitions func",
			checks:     ReadinessChecks{},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"definitions": "error"},
		},
		{
			name:       "store down",
			checks:     ReadinessChecks{DefinitionsLoaded: loaded, Store: failing("connection refused")},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"definitions": "ok", "store": "error"},
			wantErrors: map[string]string{"store": "connection refused"},
		},
		{
			name:       "notifier down",
			checks:     ReadinessChecks{DefinitionsLoaded: loaded, Store: healthy, Notifier: failing("dial tcp: connection refused")},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"definitions": "ok", "store": "ok", "notifier": "error"},
			wantErrors: map[string]string{"notifier": "dial tcp: connection refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := serveReady(t, tt.checks)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, "ready", resp.Status)
			} else {
				assert.Equal(t, "not_ready", resp.Status)
			}

			got := make(map[string]string, len(resp.Checks))
			for name, c := range resp.Checks {
				got[name] = c.Status
			}
			assert.Equal(t, tt.wantChecks, got)
			for name, msg := range tt.wantErrors {
				assert.Equal(t, msg, resp.Checks[name].Error)
			}
		})
	}
}

func TestHandleReady_checkTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the per-check timeout")
	}
	slow := HealthCheckerFunc(func(ctx context.Context) error {
		select {
		case <-time.After(checkTimeout + time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	code, resp := serveReady(t, ReadinessChecks{DefinitionsLoaded: loaded, Store: slow})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, context.DeadlineExceeded.Error(), resp.Checks["store"].Error)
}
