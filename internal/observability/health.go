package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build metadata, set with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
)

var processStart = time.Now()

const (
	checkTimeout = 2 * time.Second

	statusOK       = "ok"
	statusError    = "error"
	statusReady    = "ready"
	statusNotReady = "not_ready"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadinessResponse is the readiness body, one entry per dependency.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one dependency.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by stores, the notifier and the runtime client.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

var errNoDefinitions = errors.New("no definitions loaded")

// ReadinessChecks lists what must be reachable before flowcore takes
// traffic. Definitions are always checked; nil checkers are skipped.
type ReadinessChecks struct {
	DefinitionsLoaded func() bool

	Store            HealthChecker
	IdempotencyStore HealthChecker
	Notifier         HealthChecker
	Runtime          HealthChecker
}

func (c ReadinessChecks) named() map[string]HealthChecker {
	out := map[string]HealthChecker{
		"definitions": CheckFunc(func(context.Context) error {
			if c.DefinitionsLoaded == nil || !c.DefinitionsLoaded() {
				return errNoDefinitions
			}
			return nil
		}),
	}
	for name, checker := range map[string]HealthChecker{
		"store":             c.Store,
		"idempotency_store": c.IdempotencyStore,
		"notifier":          c.Notifier,
		"runtime":           c.Runtime,
	} {
		if checker != nil {
			out[name] = checker
		}
	}
	return out
}

// HandleHealth serves liveness. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:        statusOK,
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(processStart).Seconds()),
		})
	}
}

// HandleReady runs every check concurrently, each bounded by checkTimeout,
// and answers 503 if any of them fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		named := checks.named()
		names := make([]string, 0, len(named))
		for name := range named {
			names = append(names, name)
		}
		sort.Strings(names)

		results := make([]CheckResult, len(names))
		var g errgroup.Group
		for i, name := range names {
			g.Go(func() error {
				results[i] = runCheck(r.Context(), named[name])
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: statusReady, Checks: make(map[string]CheckResult, len(names))}
		code := http.StatusOK
		for i, name := range names {
			resp.Checks[name] = results[i]
			if results[i].Status != statusOK {
				resp.Status, code = statusNotReady, http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: statusOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = statusError, err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
