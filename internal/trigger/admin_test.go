package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/flowcore/model"
)

func TestCreate_validation(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
		code string
	}{
		{"unknown type", CreateRequest{ProcessDefinitionID: "p", Type: "sometimes"}, model.ErrValidationError},
		{"missing process", CreateRequest{Type: model.TriggerEntityCreated}, model.ErrValidationError},
		{"cron without expression", CreateRequest{ProcessDefinitionID: "p", Type: model.TriggerCron}, model.ErrValidationError},
		{"malformed cron", CreateRequest{ProcessDefinitionID: "p", Type: model.TriggerCron, Conditions: model.TriggerConditions{Expression: "61 * * * *"}}, model.ErrInvalidCron},
		{"six field cron", CreateRequest{ProcessDefinitionID: "p", Type: model.TriggerCron, Conditions: model.TriggerConditions{Expression: "0 0 * * * *"}}, model.ErrInvalidCron},
		{"webhook without secret", CreateRequest{ProcessDefinitionID: "p", Type: model.TriggerWebhook}, model.ErrValidationError},
		{"message without name", CreateRequest{ProcessDefinitionID: "p", Type: model.TriggerMessage}, model.ErrValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.evaluator.Create(context.Background(), "ws-1", tt.req)
			wantCode(t, err, tt.code)
		})
	}
}

func TestCreate_redactsSecret(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, "ws-1", CreateRequest{Type: model.TriggerWebhook, Conditions: model.TriggerConditions{Secret: "s3cret"}})

	if created.Conditions.Secret != "" {
		t.Error("create response exposes the webhook secret")
	}
	if !created.IsActive || created.Version != 1 {
		t.Errorf("created active=%v v%d, want active v1", created.IsActive, created.Version)
	}
	if got := f.stored(t, created.ID).Conditions.Secret; got != "s3cret" {
		t.Errorf("stored secret = %q", got)
	}

	got, err := f.evaluator.Get(context.Background(), "ws-1", created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Conditions.Secret != "" {
		t.Error("Get exposes the webhook secret")
	}
}

func TestSetActive_restartsCronSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trig := f.create(t, "ws-1", CreateRequest{Type: model.TriggerCron, Conditions: model.TriggerConditions{Expression: "*/5 * * * *"}})

	off, err := f.evaluator.SetActive(ctx, "ws-1", trig.ID, false)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if off.IsActive || off.Version != 2 {
		t.Errorf("off = active %v v%d, want inactive v2", off.IsActive, off.Version)
	}

	again, err := f.evaluator.SetActive(ctx, "ws-1", trig.ID, false)
	if err != nil {
		t.Fatalf("disable again: %v", err)
	}
	if again.Version != off.Version {
		t.Errorf("no-op toggle bumped version to %d", again.Version)
	}

	f.now = t0.Add(3 * time.Hour)
	on, err := f.evaluator.SetActive(ctx, "ws-1", trig.ID, true)
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if on.LastEvaluatedAt == nil || !on.LastEvaluatedAt.Equal(f.now) {
		t.Errorf("LastEvaluatedAt = %v, want %v", on.LastEvaluatedAt, f.now)
	}

	res, err := f.evaluator.TickCron(ctx, "ws-1")
	if err != nil {
		t.Fatalf("TickCron: %v", err)
	}
	if res.Fired != 0 {
		t.Errorf("re-enabled trigger fired %d missed minutes", res.Fired)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trig := f.create(t, "ws-1", CreateRequest{Type: model.TriggerCommentAdded})

	wantCode(t, f.evaluator.Delete(ctx, "ws-2", trig.ID), model.ErrNotFound)
	if err := f.evaluator.Delete(ctx, "ws-1", trig.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err := f.evaluator.Get(ctx, "ws-1", trig.ID)
	wantCode(t, err, model.ErrNotFound)
}
