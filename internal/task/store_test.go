package task

import (
	"context"
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

func storedTask(id, ws, key string, created time.Time) model.TaskInstance {
	return model.TaskInstance{
		ID:                id,
		WorkspaceID:       ws,
		ProcessInstanceID: "pi-1",
		RuntimeTaskKey:    key,
		ElementID:         "review",
		ElementName:       "Review claim",
		Status:            model.TaskStatusCreated,
		FormSchema: map[string]any{
			"type":     "object",
			"required": []any{"approved"},
		},
		CreatedAt: created,
		UpdatedAt: created,
		Version:   1,
	}
}

func mustCreate(t *testing.T, s Store, task model.TaskInstance) {
	t.Helper()
	if err := s.Create(context.Background(), task); err != nil {
		t.Fatalf("Create(%s): %v", task.ID, err)
	}
}

func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, storedTask("task-1", "ws-1", "rt-1", created))

		got, err := s.Get(ctx, "ws-1", "task-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.RuntimeTaskKey != "rt-1" || got.Status != model.TaskStatusCreated || got.AssigneeID != "" {
			t.Errorf("got = %s/%s/%q", got.RuntimeTaskKey, got.Status, got.AssigneeID)
		}
		if got.FormSchema["type"] != "object" {
			t.Errorf("FormSchema = %v", got.FormSchema)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
		}

		byKey, err := s.GetByRuntimeKey(ctx, "rt-1")
		if err != nil || byKey.ID != "task-1" {
			t.Errorf("GetByRuntimeKey = %s, %v", byKey.ID, err)
		}

		if _, err := s.Get(ctx, "ws-2", "task-1"); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("foreign workspace: err = %v, want NOT_FOUND", err)
		}
		if _, err := s.GetByRuntimeKey(ctx, "rt-missing"); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("unknown key: err = %v, want NOT_FOUND", err)
		}
	})

	t.Run("duplicates conflict", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, storedTask("task-1", "ws-1", "rt-1", created))

		if err := s.Create(ctx, storedTask("task-1", "ws-1", "rt-2", created)); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("duplicate id: err = %v, want CONFLICT", err)
		}
		if err := s.Create(ctx, storedTask("task-2", "ws-1", "rt-1", created)); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("duplicate runtime key: err = %v, want CONFLICT", err)
		}
	})

	t.Run("update with history", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, storedTask("task-1", "ws-1", "rt-1", created))

		task, err := s.Get(ctx, "ws-1", "task-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		task.Status = model.TaskStatusClaimed
		task.AssigneeID = "alice"
		task.History = append(task.History, model.TaskHistoryEntry{
			Type: model.TaskHistoryClaimed, ActorID: "alice", Timestamp: created.Add(time.Minute),
		})
		if err := s.Update(ctx, task); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if err := s.Update(ctx, task); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("stale write: err = %v, want CONFLICT", err)
		}

		got, err := s.Get(ctx, "ws-1", "task-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Version != 2 || got.AssigneeID != "alice" {
			t.Errorf("got v%d assignee %q, want v2 alice", got.Version, got.AssigneeID)
		}
		if len(got.History) != 1 || got.History[0].Type != model.TaskHistoryClaimed || got.History[0].ActorID != "alice" {
			t.Errorf("History = %+v", got.History)
		}
	})

	t.Run("completion clears assignee", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, storedTask("task-1", "ws-1", "rt-1", created))

		task, _ := s.Get(ctx, "ws-1", "task-1")
		task.Status, task.AssigneeID = model.TaskStatusClaimed, "alice"
		if err := s.Update(ctx, task); err != nil {
			t.Fatalf("claim: %v", err)
		}
		task.Version++
		task.Status, task.AssigneeID = model.TaskStatusCompleted, ""
		if err := s.Update(ctx, task); err != nil {
			t.Fatalf("complete: %v", err)
		}

		got, err := s.Get(ctx, "ws-1", "task-1")
		if err != nil || got.Status != model.TaskStatusCompleted || got.AssigneeID != "" {
			t.Errorf("got %s/%q, %v; want completed and unassigned", got.Status, got.AssigneeID, err)
		}
	})

	t.Run("list by instance", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, storedTask("task-b", "ws-1", "rt-b", created.Add(time.Minute)))
		mustCreate(t, s, storedTask("task-a", "ws-1", "rt-a", created))
		other := storedTask("task-c", "ws-1", "rt-c", created)
		other.ProcessInstanceID = "pi-2"
		mustCreate(t, s, other)

		tasks, err := s.ListByInstance(ctx, "ws-1", "pi-1")
		if err != nil {
			t.Fatalf("ListByInstance: %v", err)
		}
		if len(tasks) != 2 || tasks[0].ID != "task-a" || tasks[1].ID != "task-b" {
			t.Errorf("tasks = %v, want [task-a task-b] in creation order", taskIDs(tasks))
		}
	})
}

func taskIDs(tasks []model.TaskInstance) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
