package trigger

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/flowcore/internal/process"
	"github.com/pitabwire/flowcore/model"
)

type fakeStarter struct {
	mu   sync.Mutex
	reqs []model.StartProcessRequest
	err  error
}

func (f *fakeStarter) Start(_ context.Context, req model.StartProcessRequest) (process.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return process.StartResult{}, f.err
	}
	f.reqs = append(f.reqs, req)
	return process.StartResult{Ref: model.ProcessInstanceRef{ID: fmt.Sprintf("pi-%d", len(f.reqs))}}, nil
}

func (f *fakeStarter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeStarter) last() model.StartProcessRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store     *MemoryStore
	starter   *fakeStarter
	now       time.Time
	evaluator *Evaluator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: NewMemoryStore(), starter: &fakeStarter{}, now: t0}
	f.evaluator = NewEvaluator(f.store, f.starter, 3, nil, nil)
	f.evaluator.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) create(t *testing.T, ws string, req CreateRequest) model.TriggerDefinition {
	t.Helper()
	if req.ProcessDefinitionID == "" {
		req.ProcessDefinitionID = "escalation"
	}
	created, err := f.evaluator.Create(context.Background(), ws, req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return created
}

func (f *fixture) stored(t *testing.T, id string) model.TriggerDefinition {
	t.Helper()
	got, err := f.store.Get(context.Background(), "ws-1", id)
	if err != nil {
		t.Fatalf("stored trigger %s: %v", id, err)
	}
	return got
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if !model.IsCode(err, code) {
		t.Errorf("err = %v, want %s", err, code)
	}
}

func (f *fixture) fire(t *testing.T, evt model.DomainEvent) []Fire {
	t.Helper()
	fires, err := f.evaluator.OnDomainEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("OnDomainEvent: %v", err)
	}
	return fires
}

func statusEvent(from, to string) model.DomainEvent {
	return model.DomainEvent{
		ID: from + "->" + to, WorkspaceID: "ws-1", Kind: model.EventStatusChanged,
		EntityType: "ticket", EntityID: "T-1", FromStatus: from, ToStatus: to,
	}
}

func TestStatusChanged_toStatusOnlyIsWildcardOnFrom(t *testing.T) {
	f := newFixture(t)
	f.create(t, "ws-1", CreateRequest{
		Type:       model.TriggerStatusChanged,
		Conditions: model.TriggerConditions{ToStatus: "done"},
	})

	tests := []struct {
		from, to string
		fires    bool
	}{
		{"new", "done", true},
		{"in-progress", "done", true},
		{"done", "archived", false},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			before := f.starter.calls()
			fires := f.fire(t, statusEvent(tt.from, tt.to))
			want, wantCalls := 0, before
			if tt.fires {
				want, wantCalls = 1, before+1
			}
			if len(fires) != want || f.starter.calls() != wantCalls {
				t.Errorf("fires = %d, starts = %d; want %d, %d", len(fires), f.starter.calls(), want, wantCalls)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name    string
		trigger model.TriggerDefinition
		event   model.DomainEvent
		want    bool
	}{
		{
			name:    "from status only",
			trigger: model.TriggerDefinition{Type: model.TriggerStatusChanged, Conditions: model.TriggerConditions{FromStatus: "new"}},
			event:   model.DomainEvent{Kind: model.EventStatusChanged, FromStatus: "new", ToStatus: "open"},
			want:    true,
		},
		{
			name:    "both sides must hold",
			trigger: model.TriggerDefinition{Type: model.TriggerStatusChanged, Conditions: model.TriggerConditions{FromStatus: "new", ToStatus: "done"}},
			event:   model.DomainEvent{Kind: model.EventStatusChanged, FromStatus: "new", ToStatus: "open"},
			want:    false,
		},
		{
			name:    "kind must match type",
			trigger: model.TriggerDefinition{Type: model.TriggerEntityCreated},
			event:   model.DomainEvent{Kind: model.EventCommentAdded},
			want:    false,
		},
		{
			name:    "entity type",
			trigger: model.TriggerDefinition{Type: model.TriggerEntityCreated, Conditions: model.TriggerConditions{EntityType: "ticket"}},
			event:   model.DomainEvent{Kind: model.EventEntityCreated, EntityType: "invoice"},
			want:    false,
		},
		{
			name: "payload fields",
			trigger: model.TriggerDefinition{Type: model.TriggerEntityCreated, Conditions: model.TriggerConditions{
				Match: map[string]string{"priority": "high", "customer.tier": "gold", "amount": "100"},
			}},
			event: model.DomainEvent{Kind: model.EventEntityCreated, Payload: map[string]any{
				"priority": "high", "customer": map[string]any{"tier": "gold"}, "amount": 100.0,
			}},
			want: true,
		},
		{
			name: "missing payload field",
			trigger: model.TriggerDefinition{Type: model.TriggerCommentAdded, Conditions: model.TriggerConditions{
				Match: map[string]string{"author.role": "customer"},
			}},
			event: model.DomainEvent{Kind: model.EventCommentAdded, Payload: map[string]any{"author": "bob"}},
			want:  false,
		},
		{
			name:    "assignee",
			trigger: model.TriggerDefinition{Type: model.TriggerAssigneeChanged, Conditions: model.TriggerConditions{AssigneeID: "team-lead"}},
			event:   model.DomainEvent{Kind: model.EventAssigneeChanged, AssigneeID: "team-lead"},
			want:    true,
		},
		{
			name:    "message name",
			trigger: model.TriggerDefinition{Type: model.TriggerMessage, Conditions: model.TriggerConditions{MessageName: "payment-received"}},
			event:   model.DomainEvent{Kind: model.EventMessage, MessageName: "payment-failed"},
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.trigger, tt.event); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOnDomainEvent_startsBoundInstance(t *testing.T) {
	f := newFixture(t)
	trig := f.create(t, "ws-1", CreateRequest{Type: model.TriggerEntityCreated})

	evt := model.DomainEvent{
		ID: "evt-1", WorkspaceID: "ws-1", Kind: model.EventEntityCreated,
		EntityType: "ticket", EntityID: "T-7", Payload: map[string]any{"priority": "high"},
	}
	fires := f.fire(t, evt)
	if len(fires) != 1 || fires[0].ProcessInstanceID != "pi-1" {
		t.Fatalf("fires = %+v", fires)
	}

	req := f.starter.last()
	if req.ProcessDefinitionKey != "escalation" || req.BoundEntityID != "T-7" || req.TriggerID != trig.ID {
		t.Errorf("start = %s/%s/%s", req.ProcessDefinitionKey, req.BoundEntityID, req.TriggerID)
	}
	if want := "event:" + trig.ID + ":evt-1"; req.IdempotencyKey != want {
		t.Errorf("IdempotencyKey = %q, want %q", req.IdempotencyKey, want)
	}
	if req.Variables["priority"] != "high" {
		t.Errorf("variables = %v", req.Variables)
	}
	wantCause := model.Causation{TriggerIDs: []string{trig.ID}, Depth: 1}
	if !reflect.DeepEqual(req.Causation, wantCause) {
		t.Errorf("Causation = %+v, want %+v", req.Causation, wantCause)
	}
	if !reflect.DeepEqual(req.Variables[model.CausationVariable], req.Causation.Map()) {
		t.Errorf("causation variable = %v", req.Variables[model.CausationVariable])
	}
	if _, ok := evt.Payload[model.CausationVariable]; ok {
		t.Error("event payload was mutated")
	}

	stored := f.stored(t, trig.ID)
	if stored.TriggerCount != 1 {
		t.Errorf("TriggerCount = %d, want 1", stored.TriggerCount)
	}
	if stored.LastTriggeredAt == nil || !stored.LastTriggeredAt.Equal(t0) {
		t.Errorf("LastTriggeredAt = %v, want %v", stored.LastTriggeredAt, t0)
	}
}

func TestOnDomainEvent_scopedToActiveWorkspaceTriggers(t *testing.T) {
	f := newFixture(t)
	inactive := false
	f.create(t, "ws-1", CreateRequest{Type: model.TriggerEntityCreated, IsActive: &inactive})
	f.create(t, "ws-2", CreateRequest{Type: model.TriggerEntityCreated})

	fires := f.fire(t, model.DomainEvent{WorkspaceID: "ws-1", Kind: model.EventEntityCreated})
	if len(fires) != 0 || f.starter.calls() != 0 {
		t.Errorf("fires = %+v, starts = %d; want none", fires, f.starter.calls())
	}
}

func TestOnDomainEvent_countsOnlyAcknowledgedStarts(t *testing.T) {
	f := newFixture(t)
	trig := f.create(t, "ws-1", CreateRequest{Type: model.TriggerCommentAdded})
	evt := model.DomainEvent{WorkspaceID: "ws-1", Kind: model.EventCommentAdded, EntityID: "T-1"}

	f.starter.err = model.NewBackendTimeoutError()
	fires, err := f.evaluator.OnDomainEvent(context.Background(), evt)
	if err == nil {
		t.Fatal("want an error when the runtime times out")
	}
	if len(fires) != 1 || fires[0].Error == nil || fires[0].Error.Code != model.ErrBackendTimeout {
		t.Fatalf("fires = %+v", fires)
	}
	if stored := f.stored(t, trig.ID); stored.TriggerCount != 0 || stored.LastTriggeredAt != nil {
		t.Errorf("failed start was counted: %d at %v", stored.TriggerCount, stored.LastTriggeredAt)
	}

	f.starter.err = nil
	f.fire(t, evt)
	if n := f.stored(t, trig.ID).TriggerCount; n != 1 {
		t.Errorf("TriggerCount = %d, want 1", n)
	}
}

func TestOnDomainEvent_cycleGuard(t *testing.T) {
	f := newFixture(t)
	trig := f.create(t, "ws-1", CreateRequest{Type: model.TriggerStatusChanged})

	evt := statusEvent("open", "pending")
	evt.Causation = model.Causation{TriggerIDs: []string{"other", trig.ID}, Depth: 2}
	fires := f.fire(t, evt)
	if len(fires) != 1 || fires[0].Skipped != "cycle" {
		t.Fatalf("fires = %+v, want one skipped as cycle", fires)
	}
	if f.starter.calls() != 0 || f.stored(t, trig.ID).TriggerCount != 0 {
		t.Error("cycle skip started or counted an instance")
	}
}

func TestOnDomainEvent_depthGuard(t *testing.T) {
	f := newFixture(t)
	f.create(t, "ws-1", CreateRequest{Type: model.TriggerStatusChanged})

	evt := statusEvent("open", "pending")
	evt.Causation = model.Causation{TriggerIDs: []string{"a", "b", "c"}, Depth: 3}
	fires := f.fire(t, evt)
	if len(fires) != 1 || fires[0].Skipped != "depth" {
		t.Fatalf("fires = %+v, want one skipped on depth", fires)
	}

	evt.Causation = model.Causation{TriggerIDs: []string{"a", "b"}, Depth: 2}
	fires = f.fire(t, evt)
	if fires[0].Skipped != "" {
		t.Errorf("depth 2 skipped: %q", fires[0].Skipped)
	}
	if d := f.starter.last().Causation.Depth; d != 3 {
		t.Errorf("started depth = %d, want 3", d)
	}
}

func TestOnDomainEvent_chainAcrossTwoTriggers(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "ws-1", CreateRequest{Type: model.TriggerStatusChanged, Conditions: model.TriggerConditions{ToStatus: "escalated"}})
	b := f.create(t, "ws-1", CreateRequest{Type: model.TriggerStatusChanged, Conditions: model.TriggerConditions{ToStatus: "review"}})

	f.fire(t, statusEvent("open", "escalated"))
	fromA := f.starter.last().Causation

	// The process started by a moves the entity to review, which fires b.
	next := statusEvent("escalated", "review")
	next.Causation = fromA
	f.fire(t, next)
	fromB := f.starter.last().Causation
	if !reflect.DeepEqual(fromB.TriggerIDs, []string{a.ID, b.ID}) {
		t.Errorf("chain = %v, want [%s %s]", fromB.TriggerIDs, a.ID, b.ID)
	}

	// b's process moves it back to escalated: a is on the chain and stops.
	back := statusEvent("review", "escalated")
	back.Causation = fromB
	fires := f.fire(t, back)
	if fires[0].Skipped != "cycle" {
		t.Errorf("Skipped = %q, want cycle", fires[0].Skipped)
	}
	if n := f.starter.calls(); n != 2 {
		t.Errorf("starts = %d, want 2", n)
	}
}

func TestOnDomainEvent_messageTrigger(t *testing.T) {
	f := newFixture(t)
	f.create(t, "ws-1", CreateRequest{Type: model.TriggerMessage, Conditions: model.TriggerConditions{MessageName: "payment-received"}})

	evt := model.DomainEvent{WorkspaceID: "ws-1", Kind: model.EventMessage, MessageName: "payment-received", Payload: map[string]any{"amount": 12.5}}
	if fires := f.fire(t, evt); len(fires) != 1 {
		t.Fatalf("fires = %+v", fires)
	}
	if got := f.starter.last().Variables["amount"]; got != 12.5 {
		t.Errorf("amount = %v", got)
	}
}

func TestOnDomainEvent_ignoresWebhookKind(t *testing.T) {
	f := newFixture(t)
	f.create(t, "ws-1", CreateRequest{Type: model.TriggerWebhook, Conditions: model.TriggerConditions{Secret: "s3cret"}})

	if fires := f.fire(t, model.DomainEvent{WorkspaceID: "ws-1", Kind: model.EventWebhook}); len(fires) != 0 {
		t.Errorf("fires = %+v, want none", fires)
	}
}

type conflictOnceStore struct {
	Store
	mu      sync.Mutex
	tripped bool
}

func (s *conflictOnceStore) Update(ctx context.Context, t model.TriggerDefinition) error {
	s.mu.Lock()
	trip := !s.tripped
	s.tripped = true
	s.mu.Unlock()
	if trip {
		return model.NewConflictError("concurrent update")
	}
	return s.Store.Update(ctx, t)
}

func TestRecordFire_retriesLostRace(t *testing.T) {
	f := newFixture(t)
	trig := f.create(t, "ws-1", CreateRequest{Type: model.TriggerEntityCreated})
	f.evaluator.store = &conflictOnceStore{Store: f.store}

	f.fire(t, model.DomainEvent{WorkspaceID: "ws-1", Kind: model.EventEntityCreated})
	if n := f.stored(t, trig.ID).TriggerCount; n != 1 {
		t.Errorf("TriggerCount = %d, want 1", n)
	}
}
