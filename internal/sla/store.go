package sla

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/flowcore/model"
)

// Store persists SLA instances.
type Store interface {
	// Create persists a new instance. Returns CONFLICT if an active
	// instance already exists for the same definition and target.
	Create(ctx context.Context, inst model.SlaInstance) error

	// Get retrieves an instance by ID, scoped to a workspace.
	Get(ctx context.Context, workspaceID, id string) (model.SlaInstance, error)

	// Update persists an instance with optimistic locking. Returns CONFLICT
	// if the stored version differs.
	Update(ctx context.Context, inst model.SlaInstance) error

	// FindByTarget returns every instance attached to a target, active
	// ones first, then by start time.
	FindByTarget(ctx context.Context, workspaceID, targetType, targetID string) ([]model.SlaInstance, error)

	// ListActive returns the active instances of a workspace.
	ListActive(ctx context.Context, workspaceID string) ([]model.SlaInstance, error)

	// ActiveWorkspaces returns the workspaces with at least one active
	// instance.
	ActiveWorkspaces(ctx context.Context) ([]string, error)
}

func notFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("SLA instance %q not found", id))
}

func targetKey(definitionID, targetType, targetID string) string {
	return definitionID + "\x00" + targetType + "\x00" + targetID
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*model.SlaInstance // key: instance ID
	active    map[string]string             // target key -> active instance ID
}

// NewMemoryStore creates a new in-memory SLA store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*model.SlaInstance),
		active:    make(map[string]string),
	}
}

// Create persists a new instance.
func (s *MemoryStore) Create(_ context.Context, inst model.SlaInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("SLA instance %q already exists", inst.ID))
	}
	key := targetKey(inst.DefinitionID, inst.TargetType, inst.TargetID)
	if inst.IsActive() {
		if _, exists := s.active[key]; exists {
			return model.NewConflictError(
				fmt.Sprintf("an active SLA instance of %q already exists for %s %q", inst.DefinitionID, inst.TargetType, inst.TargetID),
			)
		}
		s.active[key] = inst.ID
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// Get retrieves an instance by ID, scoped to workspace.
func (s *MemoryStore) Get(_ context.Context, workspaceID, id string) (model.SlaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists || inst.WorkspaceID != workspaceID {
		return model.SlaInstance{}, notFound(id)
	}
	return *inst.Clone(), nil
}

// Update persists an instance with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, inst model.SlaInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return notFound(inst.ID)
	}
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("SLA instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	if !inst.IsActive() {
		key := targetKey(inst.DefinitionID, inst.TargetType, inst.TargetID)
		if s.active[key] == inst.ID {
			delete(s.active, key)
		}
	}
	inst.Version++
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// FindByTarget returns every instance attached to a target.
func (s *MemoryStore) FindByTarget(_ context.Context, workspaceID, targetType, targetID string) ([]model.SlaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SlaInstance
	for _, inst := range s.instances {
		if inst.WorkspaceID == workspaceID && inst.TargetType == targetType && inst.TargetID == targetID {
			result = append(result, *inst.Clone())
		}
	}
	sortInstances(result)
	return result, nil
}

// ListActive returns the active instances of a workspace.
func (s *MemoryStore) ListActive(_ context.Context, workspaceID string) ([]model.SlaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SlaInstance
	for _, id := range s.active {
		inst := s.instances[id]
		if inst.WorkspaceID == workspaceID {
			result = append(result, *inst.Clone())
		}
	}
	sortInstances(result)
	return result, nil
}

// ActiveWorkspaces returns the workspaces with active instances.
func (s *MemoryStore) ActiveWorkspaces(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var result []string
	for _, id := range s.active {
		ws := s.instances[id].WorkspaceID
		if !seen[ws] {
			seen[ws] = true
			result = append(result, ws)
		}
	}
	sort.Strings(result)
	return result, nil
}

func sortInstances(list []model.SlaInstance) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].IsActive() != list[j].IsActive() {
			return list[i].IsActive()
		}
		if !list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].StartedAt.Before(list[j].StartedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// Len returns the number of stored instances.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
