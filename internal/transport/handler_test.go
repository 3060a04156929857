package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/flowcore/internal/config"
	"github.com/pitabwire/flowcore/internal/decision"
	"github.com/pitabwire/flowcore/internal/definition"
	"github.com/pitabwire/flowcore/internal/events"
	"github.com/pitabwire/flowcore/internal/notify"
	"github.com/pitabwire/flowcore/internal/process"
	"github.com/pitabwire/flowcore/internal/sla"
	"github.com/pitabwire/flowcore/internal/task"
	"github.com/pitabwire/flowcore/internal/trigger"
	"github.com/pitabwire/flowcore/model"
)

const testSecret = "handler-test-secret"

type stubStarter struct {
	mu   sync.Mutex
	reqs []model.StartProcessRequest
}

func (s *stubStarter) Start(_ context.Context, req model.StartProcessRequest) (process.StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return process.StartResult{Ref: model.ProcessInstanceRef{ID: fmt.Sprintf("pi-%d", len(s.reqs)), WorkspaceID: req.WorkspaceID}}, nil
}

func (s *stubStarter) calls() []model.StartProcessRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.StartProcessRequest(nil), s.reqs...)
}

type stubCompleter struct {
	keys []string
}

func (c *stubCompleter) CompleteUserTask(_ context.Context, key string, _ map[string]any) error {
	c.keys = append(c.keys, key)
	return nil
}

type stubRuntimeSink struct {
	got []model.RuntimeEvent
	err error
}

func (s *stubRuntimeSink) HandleRuntimeEvent(_ context.Context, evt model.RuntimeEvent) error {
	s.got = append(s.got, evt)
	return s.err
}

// apiFixture wires the real services on memory stores behind the router.
type apiFixture struct {
	handler   http.Handler
	starter   *stubStarter
	completer *stubCompleter
	runtime   *stubRuntimeSink
	tasks     *task.MemoryStore
	bus       *notify.Bus
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	registry := definition.NewRegistry([]model.DefinitionFile{{
		Name:    "support",
		Version: "1",
		DecisionTables: []model.DecisionTable{{
			ID:            "risk-routing",
			HitPolicy:     model.HitPolicyFirst,
			InputColumns:  []model.DecisionColumn{{ID: "risk", Type: model.ColumnTypeNumber}},
			OutputColumns: []model.DecisionColumn{{ID: "queue", Type: model.ColumnTypeString}},
			Rules: []model.DecisionRule{
				{ID: "high", Inputs: map[string]string{"risk": ">=80"}, Outputs: map[string]any{"queue": "senior"}},
				{ID: "rest", Inputs: map[string]string{}, Outputs: map[string]any{"queue": "standard"}},
			},
		}},
		SlaDefinitions: []model.SlaDefinition{{
			ID:                      "ticket-sla",
			TargetType:              "ticket",
			ResponseTargetMinutes:   30,
			ResolutionTargetMinutes: 240,
			WarningThresholdPercent: 80,
			PauseStatuses:           []string{"waiting_on_customer"},
			ResolvedStatuses:        []string{"resolved"},
		}},
	}})

	f := &apiFixture{
		starter:   &stubStarter{},
		completer: &stubCompleter{},
		runtime:   &stubRuntimeSink{},
		tasks:     task.NewMemoryStore(),
		bus:       notify.NewBus(16, nil),
	}

	slaEngine := sla.NewEngine(sla.NewMemoryStore(), registry, f.bus, nil, nil)
	evaluator := trigger.NewEvaluator(trigger.NewMemoryStore(), f.starter, 0, nil, nil)
	dispatcher := events.NewDispatcher(nil)
	dispatcher.Register("triggers", evaluator)
	dispatcher.Register("sla", slaEngine)
	manager := task.NewManager(f.tasks, f.completer, f.bus, nil, nil)
	manager.SetEventPublisher(dispatcher)

	deps := testDeps()
	deps.Authenticate = JWTAuthenticator(testIdentityCfgHS(), SecretKeyfunc([]byte(testSecret)))
	deps.Events = dispatcher
	deps.Runtime = f.runtime
	deps.Triggers = evaluator
	deps.SLA = slaEngine
	deps.Tasks = manager
	deps.Decisions = decision.NewService(registry, nil, nil)
	deps.Notifications = f.bus
	f.handler = NewRouter(deps)
	return f
}

func testIdentityCfgHS() config.IdentityConfig {
	cfg := testIdentityCfg()
	cfg.Algorithms = []string{"HS256"}
	return cfg
}

func bearer(t *testing.T, sub, workspace string, roles ...string) string {
	t.Helper()
	claims := validClaims()
	claims["sub"] = sub
	claims["workspace_id"] = workspace
	claims["roles"] = roles
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return "Bearer " + s
}

func (f *apiFixture) do(t *testing.T, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func (f *apiFixture) seedTask(t *testing.T, id, workspace string) {
	t.Helper()
	now := time.Now().UTC()
	err := f.tasks.Create(context.Background(), model.TaskInstance{
		ID:                id,
		WorkspaceID:       workspace,
		ProcessInstanceID: "pi-1",
		RuntimeTaskKey:    "rt-" + id,
		ElementID:         "review",
		ElementName:       "Review",
		Status:            model.TaskStatusCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

// --- domain events and SLA ---

func TestAPI_eventsDriveSlaClocks(t *testing.T) {
	f := newAPIFixture(t)
	agent := bearer(t, "agent-1", "ws-1")

	w := f.do(t, "POST", "/v1/events", agent, map[string]any{
		"kind": model.EventEntityCreated, "entity_type": "ticket", "entity_id": "T-1",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("create event status = %d: %s", w.Code, w.Body.String())
	}
	if id := decodeBody[map[string]string](t, w)["id"]; id == "" {
		t.Error("accepted event should report its id")
	}

	w = f.do(t, "GET", "/v1/sla/ticket/T-1", agent, nil)
	if w.Code != 200 {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	views := decodeBody[map[string][]sla.View](t, w)["instances"]
	if len(views) != 1 || views[0].DefinitionID != "ticket-sla" || !views[0].Active {
		t.Fatalf("instances = %+v", views)
	}
	instanceID := views[0].InstanceID

	w = f.do(t, "POST", "/v1/sla/"+instanceID+"/pause", agent, map[string]string{"reason": "customer travelling"})
	if w.Code != 200 {
		t.Fatalf("pause status = %d: %s", w.Code, w.Body.String())
	}
	if v := decodeBody[sla.View](t, w); !v.Paused || v.PauseReason != "customer travelling" {
		t.Errorf("paused view = %+v", v)
	}

	w = f.do(t, "POST", "/v1/sla/"+instanceID+"/resume", agent, nil)
	if w.Code != 200 {
		t.Fatalf("resume status = %d: %s", w.Code, w.Body.String())
	}
	if v := decodeBody[sla.View](t, w); v.Paused {
		t.Error("instance should be running after resume")
	}

	// Another workspace sees nothing.
	w = f.do(t, "GET", "/v1/sla/ticket/T-1", bearer(t, "agent-2", "ws-2"), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("foreign workspace status = %d, want 404", w.Code)
	}
}

func TestAPI_eventRejections(t *testing.T) {
	f := newAPIFixture(t)
	agent := bearer(t, "agent-1", "ws-1")

	tests := []struct {
		name string
		auth string
		body any
		want int
		code string
	}{
		{"unknown kind", agent, map[string]any{"kind": "exploded"}, 422, model.ErrValidationError},
		{"status change without target", agent, map[string]any{"kind": model.EventStatusChanged, "entity_id": "T-1"}, 422, model.ErrValidationError},
		{"foreign workspace", agent, map[string]any{"kind": model.EventEntityCreated, "workspace_id": "ws-2"}, 403, model.ErrForbidden},
		{"token without workspace", bearer(t, "svc", ""), map[string]any{"kind": model.EventEntityCreated}, 403, model.ErrForbidden},
		{"malformed body", agent, "not an object", 400, model.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, "POST", "/v1/events", tt.auth, tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			if got := decodeBody[errorBody](t, w).Error.Code; got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

// --- triggers and webhooks ---

func TestAPI_triggerLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	admin := bearer(t, "admin-1", "ws-1")

	w := f.do(t, "POST", "/v1/triggers", admin, map[string]any{
		"process_definition_id": "escalation",
		"type":                  model.TriggerStatusChanged,
		"conditions":            map[string]any{"to_status": "escalated"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody[model.TriggerDefinition](t, w)
	if !created.IsActive || created.WorkspaceID != "ws-1" {
		t.Errorf("created = %+v", created)
	}

	w = f.do(t, "POST", "/v1/events", admin, map[string]any{
		"kind": model.EventStatusChanged, "entity_type": "ticket", "entity_id": "T-9",
		"from_status": "open", "to_status": "escalated",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("event status = %d: %s", w.Code, w.Body.String())
	}
	starts := f.starter.calls()
	if len(starts) != 1 || starts[0].ProcessDefinitionKey != "escalation" || starts[0].BoundEntityID != "T-9" {
		t.Fatalf("starts = %+v", starts)
	}

	w = f.do(t, "PATCH", "/v1/triggers/"+created.ID, admin, map[string]any{})
	if w.Code != 422 {
		t.Errorf("patch without is_active status = %d, want 422", w.Code)
	}

	w = f.do(t, "PATCH", "/v1/triggers/"+created.ID, admin, map[string]any{"is_active": false})
	if w.Code != 200 {
		t.Fatalf("disable status = %d: %s", w.Code, w.Body.String())
	}
	if decodeBody[model.TriggerDefinition](t, w).IsActive {
		t.Error("trigger should be inactive")
	}

	f.do(t, "POST", "/v1/events", admin, map[string]any{
		"kind": model.EventStatusChanged, "entity_id": "T-10", "to_status": "escalated",
	})
	if n := len(f.starter.calls()); n != 1 {
		t.Errorf("starts after disable = %d, want 1", n)
	}

	if w = f.do(t, "DELETE", "/v1/triggers/"+created.ID, admin, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w = f.do(t, "GET", "/v1/triggers/"+created.ID, admin, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestAPI_triggerValidation(t *testing.T) {
	f := newAPIFixture(t)
	admin := bearer(t, "admin-1", "ws-1")

	w := f.do(t, "POST", "/v1/triggers", admin, map[string]any{
		"process_definition_id": "nightly",
		"type":                  model.TriggerCron,
		"conditions":            map[string]any{"expression": "every tuesday"},
	})
	if w.Code != 422 {
		t.Fatalf("status = %d, want 422: %s", w.Code, w.Body.String())
	}
	if code := decodeBody[errorBody](t, w).Error.Code; code != model.ErrInvalidCron {
		t.Errorf("code = %q, want %s", code, model.ErrInvalidCron)
	}
}

func TestAPI_webhook(t *testing.T) {
	f := newAPIFixture(t)
	admin := bearer(t, "admin-1", "ws-1")

	w := f.do(t, "POST", "/v1/triggers", admin, map[string]any{
		"process_definition_id": "intake",
		"type":                  model.TriggerWebhook,
		"conditions":            map[string]any{"secret": "hook-secret"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody[model.TriggerDefinition](t, w)
	if created.Conditions.Secret == "hook-secret" {
		t.Error("secret should be redacted in responses")
	}

	path := "/v1/webhooks/ws-1/" + created.ID
	body := []byte(`{"entity_id":"ORD-7","amount":12}`)

	send := func(signature, delivery string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", path, bytes.NewReader(body))
		req.Header.Set(SignatureHeader, signature)
		if delivery != "" {
			req.Header.Set(DeliveryHeader, delivery)
		}
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, req)
		return w
	}

	w = send(trigger.Sign("wrong", body), "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d, want 401", w.Code)
	}
	if code := decodeBody[errorBody](t, w).Error.Code; code != model.ErrInvalidSignature {
		t.Errorf("code = %q, want %s", code, model.ErrInvalidSignature)
	}
	if n := len(f.starter.calls()); n != 0 {
		t.Fatalf("starts after rejected webhook = %d, want 0", n)
	}

	w = send(trigger.Sign("hook-secret", body), "delivery-1")
	if w.Code != http.StatusAccepted {
		t.Fatalf("signed webhook status = %d: %s", w.Code, w.Body.String())
	}
	fire := decodeBody[trigger.Fire](t, w)
	if fire.ProcessInstanceID == "" || fire.TriggerID != created.ID {
		t.Errorf("fire = %+v", fire)
	}
	starts := f.starter.calls()
	if len(starts) != 1 || starts[0].BoundEntityID != "ORD-7" || starts[0].IdempotencyKey != "webhook:"+created.ID+":delivery-1" {
		t.Errorf("starts = %+v", starts)
	}

	// Unknown triggers and foreign workspaces look the same.
	req := httptest.NewRequest("POST", "/v1/webhooks/ws-2/"+created.ID, bytes.NewReader(body))
	req.Header.Set(SignatureHeader, trigger.Sign("hook-secret", body))
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("foreign workspace status = %d, want 404", w.Code)
	}
}

// --- tasks ---

func TestAPI_taskLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTask(t, "task-1", "ws-1")
	alice := bearer(t, "alice", "ws-1")
	bob := bearer(t, "bob", "ws-1")

	w := f.do(t, "POST", "/v1/tasks/task-1/claim", alice, nil)
	if w.Code != 200 {
		t.Fatalf("claim status = %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[model.TaskInstance](t, w); got.Status != model.TaskStatusClaimed || got.AssigneeID != "alice" {
		t.Errorf("claimed task = %+v", got)
	}

	w = f.do(t, "POST", "/v1/tasks/task-1/claim", bob, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second claim status = %d, want 409", w.Code)
	}
	if code := decodeBody[errorBody](t, w).Error.Code; code != model.ErrAlreadyClaimed {
		t.Errorf("code = %q, want %s", code, model.ErrAlreadyClaimed)
	}

	w = f.do(t, "POST", "/v1/tasks/task-1/comments", bob, map[string]string{"content": "looks fine"})
	if w.Code != http.StatusCreated {
		t.Fatalf("comment status = %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, "POST", "/v1/tasks/task-1/delegate", alice, map[string]string{"to_user_id": "bob"})
	if w.Code != 200 {
		t.Fatalf("delegate status = %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, "POST", "/v1/tasks/task-1/complete", alice, map[string]any{"form_data": map[string]any{}})
	if w.Code != http.StatusForbidden {
		t.Errorf("complete by former assignee status = %d, want 403", w.Code)
	}

	w = f.do(t, "POST", "/v1/tasks/task-1/complete", bob, map[string]any{"form_data": map[string]any{"approved": true}})
	if w.Code != 200 {
		t.Fatalf("complete status = %d: %s", w.Code, w.Body.String())
	}
	done := decodeBody[model.TaskInstance](t, w)
	if done.Status != model.TaskStatusCompleted {
		t.Errorf("status = %q, want completed", done.Status)
	}
	if len(f.completer.keys) != 1 || f.completer.keys[0] != "rt-task-1" {
		t.Errorf("runtime completions = %v", f.completer.keys)
	}

	w = f.do(t, "GET", "/v1/tasks/task-1", bob, nil)
	if w.Code != 200 {
		t.Fatalf("get status = %d", w.Code)
	}
	history := decodeBody[model.TaskInstance](t, w).History
	var types []string
	for _, h := range history {
		types = append(types, h.Type)
	}
	want := []string{model.TaskHistoryClaimed, model.TaskHistoryCommented, model.TaskHistoryDelegated, model.TaskHistoryCompleted}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("history = %v, want %v", types, want)
	}

	w = f.do(t, "GET", "/v1/tasks/task-1", bearer(t, "mallory", "ws-2"), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("foreign workspace status = %d, want 404", w.Code)
	}
}

func TestAPI_batchClaim(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTask(t, "task-1", "ws-1")
	f.seedTask(t, "task-2", "ws-1")
	alice := bearer(t, "alice", "ws-1")

	f.do(t, "POST", "/v1/tasks/task-2/claim", bearer(t, "bob", "ws-1"), nil)

	w := f.do(t, "POST", "/v1/tasks/batch-claim", alice, map[string]any{"task_ids": []string{"task-1", "task-2", "task-3"}})
	if w.Code != 200 {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	results := decodeBody[map[string][]model.BatchClaimResult](t, w)["results"]
	if len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}
	if !results[0].OK {
		t.Errorf("task-1 = %+v, want ok", results[0])
	}
	if results[1].OK || results[1].Error == nil || results[1].Error.Code != model.ErrAlreadyClaimed {
		t.Errorf("task-2 = %+v, want ALREADY_CLAIMED", results[1])
	}
	if results[2].OK || results[2].Error == nil || results[2].Error.Code != model.ErrNotFound {
		t.Errorf("task-3 = %+v, want NOT_FOUND", results[2])
	}

	w = f.do(t, "POST", "/v1/tasks/batch-claim", alice, map[string]any{"task_ids": []string{}})
	if w.Code != 422 {
		t.Errorf("empty batch status = %d, want 422", w.Code)
	}
}

// --- decisions ---

func TestAPI_decisionEvaluate(t *testing.T) {
	f := newAPIFixture(t)
	agent := bearer(t, "agent-1", "ws-1")

	w := f.do(t, "POST", "/v1/decisions/risk-routing/evaluate", agent, map[string]any{"inputs": map[string]any{"risk": 91}})
	if w.Code != 200 {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	result := decodeBody[model.DecisionResult](t, w)
	if result.Output["queue"] != "senior" || len(result.MatchedRuleIDs) != 1 || result.MatchedRuleIDs[0] != "high" {
		t.Errorf("result = %+v", result)
	}

	w = f.do(t, "POST", "/v1/decisions/missing/evaluate", agent, map[string]any{"inputs": map[string]any{}})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown table status = %d, want 404", w.Code)
	}
}

// --- runtime callbacks ---

func TestAPI_runtimeEvents(t *testing.T) {
	f := newAPIFixture(t)
	// The runtime's service identity carries no workspace.
	svc := bearer(t, "runtime", "")

	w := f.do(t, "POST", "/v1/runtime/events", svc, model.RuntimeEvent{
		Type: model.RuntimeEventInstanceCompleted, ProcessInstanceKey: "rk-1",
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(f.runtime.got) != 1 || f.runtime.got[0].ProcessInstanceKey != "rk-1" {
		t.Errorf("runtime events = %+v", f.runtime.got)
	}

	f.runtime.err = model.NewNotFoundError("unknown instance")
	w = f.do(t, "POST", "/v1/runtime/events", svc, model.RuntimeEvent{Type: model.RuntimeEventInstanceCompleted, ProcessInstanceKey: "rk-x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// --- notifications ---

func TestAPI_notificationStream(t *testing.T) {
	f := newAPIFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/v1/notifications/stream", nil)
	req.Header.Set("Authorization", bearer(t, "agent-1", "ws-1"))
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	for f.bus.Subscribers("ws-1") == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("stream never subscribed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	f.bus.Notify(ctx, notify.New(model.NotifySlaWarning, "ws-1", map[string]string{"instance_id": "s-1"}))

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) != 2 || lines[0] != "event: "+model.NotifySlaWarning || !strings.Contains(lines[1], `"instance_id":"s-1"`) {
		t.Errorf("frame = %q", lines)
	}
}
