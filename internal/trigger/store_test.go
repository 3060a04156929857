package trigger

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/pitabwire/flowcore/internal/testutil"
	"github.com/pitabwire/flowcore/model"
)

func TestMemoryStore_contract(t *testing.T) {
	testStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestPgStore_contract(t *testing.T) {
	pool := testutil.Postgres(t)
	testStoreContract(t, func(t *testing.T) Store {
		testutil.Truncate(t, pool)
		return NewPgStore(pool)
	})
}

func storedTrigger(id, ws, typ string, active bool) model.TriggerDefinition {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return model.TriggerDefinition{
		ID:                  id,
		WorkspaceID:         ws,
		ProcessDefinitionID: "onboarding",
		Type:                typ,
		Conditions: model.TriggerConditions{
			ToStatus: "approved",
			Match:    map[string]string{"priority": "high"},
		},
		IsActive:  active,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}

func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	create := func(t *testing.T, s Store, defs ...model.TriggerDefinition) {
		t.Helper()
		for _, d := range defs {
			if err := s.Create(ctx, d); err != nil {
				t.Fatalf("Create(%s): %v", d.ID, err)
			}
		}
	}

	t.Run("create get delete", func(t *testing.T) {
		s := newStore(t)
		create(t, s, storedTrigger("tr-1", "ws-1", model.TriggerStatusChanged, true))

		if err := s.Create(ctx, storedTrigger("tr-1", "ws-1", model.TriggerStatusChanged, true)); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("duplicate: err = %v, want CONFLICT", err)
		}

		got, err := s.Get(ctx, "ws-1", "tr-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Conditions.ToStatus != "approved" || !reflect.DeepEqual(got.Conditions.Match, map[string]string{"priority": "high"}) {
			t.Errorf("Conditions = %+v", got.Conditions)
		}
		if got.LastTriggeredAt != nil {
			t.Errorf("LastTriggeredAt = %v, want nil", got.LastTriggeredAt)
		}

		if _, err := s.Get(ctx, "ws-2", "tr-1"); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("foreign workspace: err = %v", err)
		}
		if err := s.Delete(ctx, "ws-2", "tr-1"); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("foreign delete: err = %v", err)
		}

		if err := s.Delete(ctx, "ws-1", "tr-1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, "ws-1", "tr-1"); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("after delete: err = %v", err)
		}
	})

	t.Run("update records fires", func(t *testing.T) {
		s := newStore(t)
		create(t, s, storedTrigger("tr-1", "ws-1", model.TriggerCron, true))

		tr, err := s.Get(ctx, "ws-1", "tr-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		fired := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		tr.TriggerCount = 3
		tr.LastTriggeredAt = &fired
		tr.LastEvaluatedAt = &fired
		if err := s.Update(ctx, tr); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if err := s.Update(ctx, tr); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("stale write: err = %v, want CONFLICT", err)
		}

		got, err := s.Get(ctx, "ws-1", "tr-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Version != 2 || got.TriggerCount != 3 {
			t.Errorf("got v%d count %d, want v2 count 3", got.Version, got.TriggerCount)
		}
		if got.LastTriggeredAt == nil || !got.LastTriggeredAt.Equal(fired) {
			t.Errorf("LastTriggeredAt = %v, want %v", got.LastTriggeredAt, fired)
		}
	})

	t.Run("active listings", func(t *testing.T) {
		s := newStore(t)
		create(t, s,
			storedTrigger("tr-2", "ws-a", model.TriggerCron, true),
			storedTrigger("tr-1", "ws-a", model.TriggerCron, true),
			storedTrigger("tr-3", "ws-a", model.TriggerCron, false),
			storedTrigger("tr-4", "ws-a", model.TriggerStatusChanged, true),
			storedTrigger("tr-5", "ws-b", model.TriggerCron, true),
			storedTrigger("tr-6", "ws-c", model.TriggerCron, false),
		)

		active, err := s.ListActive(ctx, "ws-a", model.TriggerCron)
		if err != nil {
			t.Fatalf("ListActive: %v", err)
		}
		if len(active) != 2 || active[0].ID != "tr-1" || active[1].ID != "tr-2" {
			t.Errorf("active = %+v, want tr-1 then tr-2", active)
		}

		workspaces, err := s.ActiveWorkspaces(ctx, model.TriggerCron)
		if err != nil {
			t.Fatalf("ActiveWorkspaces: %v", err)
		}
		if !reflect.DeepEqual(workspaces, []string{"ws-a", "ws-b"}) {
			t.Errorf("workspaces = %v", workspaces)
		}
	})
}
