package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/flowcore/model"
)

// Store persists trigger definitions.
type Store interface {
	// Create persists a new trigger. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, t model.TriggerDefinition) error

	// Get retrieves a trigger by ID, scoped to a workspace.
	Get(ctx context.Context, workspaceID, id string) (model.TriggerDefinition, error)

	// Update persists a trigger with optimistic locking. Returns CONFLICT
	// if the stored version differs.
	Update(ctx context.Context, t model.TriggerDefinition) error

	// Delete removes a trigger.
	Delete(ctx context.Context, workspaceID, id string) error

	// ListActive returns the active triggers of a workspace with the given
	// type, ordered by ID.
	ListActive(ctx context.Context, workspaceID, triggerType string) ([]model.TriggerDefinition, error)

	// ActiveWorkspaces returns the workspaces with at least one active
	// trigger of the given type.
	ActiveWorkspaces(ctx context.Context, triggerType string) ([]string, error)
}

func notFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("trigger %q not found", id))
}

func versionConflict(id string, want, got int) error {
	return model.NewConflictError(fmt.Sprintf("trigger %q version conflict (expected %d, got %d)", id, want, got))
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	triggers map[string]model.TriggerDefinition
}

// NewMemoryStore creates a new in-memory trigger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{triggers: make(map[string]model.TriggerDefinition)}
}

// Create persists a new trigger.
func (s *MemoryStore) Create(_ context.Context, t model.TriggerDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.triggers[t.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("trigger %q already exists", t.ID))
	}
	s.triggers[t.ID] = clone(t)
	return nil
}

// Get retrieves a trigger by ID, scoped to workspace.
func (s *MemoryStore) Get(_ context.Context, workspaceID, id string) (model.TriggerDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.triggers[id]
	if !exists || t.WorkspaceID != workspaceID {
		return model.TriggerDefinition{}, notFound(id)
	}
	return clone(t), nil
}

// Update persists a trigger with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, t model.TriggerDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.triggers[t.ID]
	if !exists || existing.WorkspaceID != t.WorkspaceID {
		return notFound(t.ID)
	}
	if existing.Version != t.Version {
		return versionConflict(t.ID, t.Version, existing.Version)
	}
	t.Version++
	s.triggers[t.ID] = clone(t)
	return nil
}

// Delete removes a trigger.
func (s *MemoryStore) Delete(_ context.Context, workspaceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.triggers[id]
	if !exists || t.WorkspaceID != workspaceID {
		return notFound(id)
	}
	delete(s.triggers, id)
	return nil
}

// ListActive returns the active triggers of a workspace with a type.
func (s *MemoryStore) ListActive(_ context.Context, workspaceID, triggerType string) ([]model.TriggerDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TriggerDefinition
	for _, t := range s.triggers {
		if t.IsActive && t.WorkspaceID == workspaceID && t.Type == triggerType {
			result = append(result, clone(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ActiveWorkspaces returns the workspaces with active triggers of a type.
func (s *MemoryStore) ActiveWorkspaces(_ context.Context, triggerType string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var result []string
	for _, t := range s.triggers {
		if t.IsActive && t.Type == triggerType && !seen[t.WorkspaceID] {
			seen[t.WorkspaceID] = true
			result = append(result, t.WorkspaceID)
		}
	}
	sort.Strings(result)
	return result, nil
}

func clone(t model.TriggerDefinition) model.TriggerDefinition {
	if t.Conditions.Match != nil {
		m := make(map[string]string, len(t.Conditions.Match))
		for k, v := range t.Conditions.Match {
			m[k] = v
		}
		t.Conditions.Match = m
	}
	if t.LastTriggeredAt != nil {
		ts := *t.LastTriggeredAt
		t.LastTriggeredAt = &ts
	}
	if t.LastEvaluatedAt != nil {
		ts := *t.LastEvaluatedAt
		t.LastEvaluatedAt = &ts
	}
	return t
}
