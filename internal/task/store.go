package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/flowcore/model"
)

// Store persists task instances.
type Store interface {
	// Create persists a new task. Returns CONFLICT if a task with the same
	// ID or runtime task key already exists.
	Create(ctx context.Context, task model.TaskInstance) error

	// Get retrieves a task by ID, scoped to a workspace. Returns NOT_FOUND
	// if the task doesn't exist or belongs to a different workspace.
	Get(ctx context.Context, workspaceID, taskID string) (model.TaskInstance, error)

	// GetByRuntimeKey retrieves a task by the runtime's user task key.
	GetByRuntimeKey(ctx context.Context, runtimeTaskKey string) (model.TaskInstance, error)

	// Update persists an updated task with optimistic locking. The version
	// must match the current stored version. Returns CONFLICT if the version
	// has changed.
	Update(ctx context.Context, task model.TaskInstance) error

	// ListByInstance returns the tasks of a process instance ordered by
	// creation time.
	ListByInstance(ctx context.Context, workspaceID, processInstanceID string) ([]model.TaskInstance, error)
}

func notFound(taskID string) error {
	return model.NewNotFoundError(fmt.Sprintf("task %q not found", taskID))
}

func versionConflict(taskID string, expected int) error {
	return model.NewConflictError(fmt.Sprintf("task %q version conflict (expected %d)", taskID, expected))
}

// MemoryStore is an in-memory Store for testing and single-instance
// deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*model.TaskInstance // key: task ID
	byRuntime map[string]string              // runtime task key -> task ID
}

// NewMemoryStore creates a new in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*model.TaskInstance),
		byRuntime: make(map[string]string),
	}
}

// Create persists a new task.
func (s *MemoryStore) Create(_ context.Context, t model.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("task %q already exists", t.ID))
	}
	if t.RuntimeTaskKey != "" {
		if _, exists := s.byRuntime[t.RuntimeTaskKey]; exists {
			return model.NewConflictError(fmt.Sprintf("runtime task %q already tracked", t.RuntimeTaskKey))
		}
		s.byRuntime[t.RuntimeTaskKey] = t.ID
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Get retrieves a task by ID, scoped to workspace.
func (s *MemoryStore) Get(_ context.Context, workspaceID, taskID string) (model.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tasks[taskID]
	if !exists || t.WorkspaceID != workspaceID {
		return model.TaskInstance{}, notFound(taskID)
	}
	return *t.Clone(), nil
}

// GetByRuntimeKey retrieves a task by its runtime task key.
func (s *MemoryStore) GetByRuntimeKey(_ context.Context, runtimeTaskKey string) (model.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byRuntime[runtimeTaskKey]
	if !exists {
		return model.TaskInstance{}, notFound(runtimeTaskKey)
	}
	return *s.tasks[id].Clone(), nil
}

// Update persists an updated task with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, t model.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.tasks[t.ID]
	if !exists {
		return notFound(t.ID)
	}
	if existing.Version != t.Version {
		return versionConflict(t.ID, t.Version)
	}

	t.Version++
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = t.Clone()
	return nil
}

// ListByInstance returns the tasks of a process instance.
func (s *MemoryStore) ListByInstance(_ context.Context, workspaceID, processInstanceID string) ([]model.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TaskInstance
	for _, t := range s.tasks {
		if t.WorkspaceID == workspaceID && t.ProcessInstanceID == processInstanceID {
			result = append(result, *t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Len returns the total number of tasks. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
