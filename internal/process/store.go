package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/flowcore/model"
)

// Store persists process instance references.
type Store interface {
	// Create persists a new reference. Returns CONFLICT if the ID or the
	// runtime process instance key is already tracked.
	Create(ctx context.Context, ref model.ProcessInstanceRef) error

	// Get retrieves a reference by ID, scoped to a workspace.
	Get(ctx context.Context, workspaceID, id string) (model.ProcessInstanceRef, error)

	// GetByInstanceKey retrieves a reference by the runtime's process
	// instance key.
	GetByInstanceKey(ctx context.Context, processInstanceKey string) (model.ProcessInstanceRef, error)

	// Update persists a reference with optimistic locking. Returns CONFLICT
	// if the stored version differs.
	Update(ctx context.Context, ref model.ProcessInstanceRef) error
}

func notFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("process instance %q not found", id))
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	refs  map[string]model.ProcessInstanceRef // key: ref ID
	byKey map[string]string                   // runtime key -> ref ID
}

// NewMemoryStore creates a new in-memory process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		refs:  make(map[string]model.ProcessInstanceRef),
		byKey: make(map[string]string),
	}
}

// Create persists a new reference.
func (s *MemoryStore) Create(_ context.Context, ref model.ProcessInstanceRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refs[ref.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("process instance %q already exists", ref.ID))
	}
	if _, exists := s.byKey[ref.ProcessInstanceKey]; exists {
		return model.NewConflictError(fmt.Sprintf("runtime instance %q already tracked", ref.ProcessInstanceKey))
	}
	s.refs[ref.ID] = ref
	s.byKey[ref.ProcessInstanceKey] = ref.ID
	return nil
}

// Get retrieves a reference by ID, scoped to workspace.
func (s *MemoryStore) Get(_ context.Context, workspaceID, id string) (model.ProcessInstanceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, exists := s.refs[id]
	if !exists || ref.WorkspaceID != workspaceID {
		return model.ProcessInstanceRef{}, notFound(id)
	}
	return ref, nil
}

// GetByInstanceKey retrieves a reference by runtime key.
func (s *MemoryStore) GetByInstanceKey(_ context.Context, processInstanceKey string) (model.ProcessInstanceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byKey[processInstanceKey]
	if !exists {
		return model.ProcessInstanceRef{}, notFound(processInstanceKey)
	}
	return s.refs[id], nil
}

// Update persists a reference with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, ref model.ProcessInstanceRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.refs[ref.ID]
	if !exists {
		return notFound(ref.ID)
	}
	if existing.Version != ref.Version {
		return model.NewConflictError(
			fmt.Sprintf("process instance %q version conflict (expected %d, got %d)", ref.ID, ref.Version, existing.Version),
		)
	}
	ref.Version++
	s.refs[ref.ID] = ref
	return nil
}

// Len returns the number of tracked references. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.refs)
}
