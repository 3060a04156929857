// Package integration provides a reusable test harness for end-to-end
// integration testing of the flowcore server. It starts the full HTTP router
// over in-memory stores, a mock process runtime, and a test JWT issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/flowcore/internal/config"
	"github.com/pitabwire/flowcore/internal/decision"
	"github.com/pitabwire/flowcore/internal/definition"
	"github.com/pitabwire/flowcore/internal/events"
	"github.com/pitabwire/flowcore/internal/idempotency"
	"github.com/pitabwire/flowcore/internal/notify"
	"github.com/pitabwire/flowcore/internal/observability"
	"github.com/pitabwire/flowcore/internal/process"
	"github.com/pitabwire/flowcore/internal/runtime"
	"github.com/pitabwire/flowcore/internal/sla"
	"github.com/pitabwire/flowcore/internal/task"
	"github.com/pitabwire/flowcore/internal/transport"
	"github.com/pitabwire/flowcore/internal/trigger"
	"github.com/pitabwire/flowcore/model"
)

// defaultDefinitions is the definition file every harness loads unless
// WithDefinitions replaces it.
const defaultDefinitions = `name: support
version: "1"
decision_tables:
  - id: routing
    hit_policy: FIRST
    input_columns:
      - id: risk
        type: number
    output_columns:
      - id: queue
        type: string
    rules:
      - id: high
        inputs:
          risk: ">=80"
        outputs:
          queue: senior
      - id: rest
        inputs: {}
        outputs:
          queue: standard
sla_definitions:
  - id: ticket-sla
    target_type: ticket
    response_target_minutes: 30
    resolution_target_minutes: 240
    warning_threshold_percent: 80
    pause_statuses: [waiting_on_customer]
    resolved_statuses: [resolved]
`

// TestHarness encapsulates a fully wired flowcore instance with a mock
// runtime for integration testing.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	issuer  *tokenIssuer
	runtime *MockRuntime

	// Internal components exposed for advanced test scenarios.
	Registry   *definition.Registry
	Processes  *process.MemoryStore
	Tasks      *task.MemoryStore
	Triggers   *trigger.Evaluator
	SLA        *sla.Engine
	Bus        *notify.Bus
	Runtime    *runtime.Client
	Redis      *miniredis.Miniredis
	RedisConns *redis.Client

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitions    string
	redis          bool
	handlerTimeout time.Duration
	retry          *config.RetryConfig
	breaker        *config.CircuitBreakerConfig
}

// WithDefinitions replaces the default definition file.
func WithDefinitions(yaml string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitions = yaml
	}
}

// WithRedis backs idempotency and notification fan-out with an in-process
// Redis server.
func WithRedis() HarnessOption {
	return func(c *harnessConfig) {
		c.redis = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithRuntimeRetry overrides the runtime client's retry policy.
func WithRuntimeRetry(rc config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = &rc
	}
}

// WithCircuitBreaker overrides the runtime client's circuit breaker.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = &cb
	}
}

// NewTestHarness creates and starts a full flowcore test instance. The
// server is cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		definitions:    defaultDefinitions,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:       t,
		issuer:  newTokenIssuer(t),
		runtime: newMockRuntime(t),
	}

	// Step 1: Configuration pointing at the mock runtime and test issuer.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Identity.Algorithms = []string{"RS256"}
	h.cfg.Runtime.BaseURL = h.runtime.URL()
	h.cfg.Runtime.Retry.BackoffInitial = 5 * time.Millisecond
	h.cfg.Runtime.Retry.BackoffMax = 20 * time.Millisecond
	if hc.retry != nil {
		h.cfg.Runtime.Retry = *hc.retry
	}
	if hc.breaker != nil {
		h.cfg.Runtime.CircuitBreaker = *hc.breaker
	}

	// Step 2: Load and validate definitions from disk.
	defDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(defDir, "support.yaml"), []byte(hc.definitions), 0o644); err != nil {
		t.Fatalf("write definitions: %v", err)
	}
	files, err := definition.NewLoader().LoadAll([]string{defDir})
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(files); len(verrs) > 0 {
		t.Fatalf("definitions invalid: %v", verrs)
	}
	h.Registry = definition.NewRegistry(files)

	// Step 3: Messaging, in process or on miniredis.
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	h.Bus = notify.NewBus(16, nil)
	var notifier notify.Notifier = h.Bus
	var idem idempotency.Store = idempotency.NewMemoryStore()
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		h.RedisConns = redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = h.RedisConns.Close() })
		notifier = notify.Tee(h.Bus, notify.NewRedisPublisher(h.RedisConns, h.cfg.Redis.ChannelPrefix))
		idem = idempotency.NewRedisStore(h.RedisConns)
	}

	// Step 4: Domain services over memory stores.
	h.Processes = process.NewMemoryStore()
	h.Tasks = task.NewMemoryStore()
	h.Runtime = runtime.NewClient(h.cfg.Runtime, nil, metrics)

	dispatcher := events.NewDispatcher(nil)
	tasks := task.NewManager(h.Tasks, h.Runtime, notifier, nil, metrics)
	tasks.SetEventPublisher(dispatcher)
	tasks.SetLeaser(idem)
	processes := process.NewService(h.Processes, h.Runtime, idem, tasks, 0, nil)
	h.SLA = sla.NewEngine(sla.NewMemoryStore(), h.Registry, notifier, nil, metrics)
	h.Triggers = trigger.NewEvaluator(trigger.NewMemoryStore(), processes, 0, nil, metrics)
	dispatcher.Register("triggers", h.Triggers)
	dispatcher.Register("sla", h.SLA)

	// Step 5: Router with the production middleware chain.
	authenticate, err := transport.NewAuthenticator(h.cfg.Identity, nil)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: h.Registry.Loaded,
		Notifier:          h.Bus,
		Runtime:           h.Runtime,
	}
	if checker, ok := idem.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = checker
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:        h.cfg,
		Metrics:       metrics,
		Authenticate:  authenticate,
		Readiness:     readiness,
		Events:        dispatcher,
		Runtime:       processes,
		Triggers:      h.Triggers,
		SLA:           h.SLA,
		Tasks:         tasks,
		Decisions:     decision.NewService(h.Registry, nil, metrics),
		Notifications: h.Bus,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// MockRuntime returns the mock process runtime.
func (h *TestHarness) MockRuntime() *MockRuntime {
	return h.runtime
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// POSTRaw posts body bytes unchanged, for signed webhook deliveries.
func (h *TestHarness) POSTRaw(path string, body []byte, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, "", headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		bodyReader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Default test claims ---

// AgentClaims returns TestClaims for an agent of workspace ws-1.
func AgentClaims(subject string) TestClaims {
	return TestClaims{SubjectID: subject, WorkspaceID: "ws-1", Roles: []string{"agent"}}
}

// AdminClaims returns TestClaims for a privileged user of workspace ws-1.
func AdminClaims() TestClaims {
	return TestClaims{SubjectID: "admin", WorkspaceID: "ws-1", Roles: []string{model.RolePrivileged}}
}

// RuntimeClaims returns TestClaims for the runtime's service identity,
// which carries no workspace.
func RuntimeClaims() TestClaims {
	return TestClaims{SubjectID: "process-runtime"}
}

// --- Flow helpers ---

// CreateTrigger registers a trigger in ws-1 and returns it.
func (h *TestHarness) CreateTrigger(t *testing.T, token string, body map[string]any) model.TriggerDefinition {
	t.Helper()
	var created model.TriggerDefinition
	h.AssertJSON(t, h.POST("/v1/triggers", body, token), http.StatusCreated, &created)
	return created
}

// SendRuntimeEvent delivers a runtime callback as the runtime identity.
func (h *TestHarness) SendRuntimeEvent(t *testing.T, evt model.RuntimeEvent) {
	t.Helper()
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	h.AssertStatus(t, h.POST("/v1/runtime/events", evt, h.GenerateToken(RuntimeClaims())), http.StatusNoContent)
}

// InstanceByKey returns the process instance reference for a runtime key.
func (h *TestHarness) InstanceByKey(t *testing.T, key string) model.ProcessInstanceRef {
	t.Helper()
	ref, err := h.Processes.GetByInstanceKey(context.Background(), key)
	if err != nil {
		t.Fatalf("process instance %q: %v", key, err)
	}
	return ref
}

// TasksOf returns the tasks of a process instance.
func (h *TestHarness) TasksOf(t *testing.T, ref model.ProcessInstanceRef) []model.TaskInstance {
	t.Helper()
	tasks, err := h.Tasks.ListByInstance(context.Background(), ref.WorkspaceID, ref.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	return tasks
}
