package model

import (
	"maps"
	"time"
)

// Task status constants.
const (
	TaskStatusCreated   = "created"
	TaskStatusClaimed   = "claimed"
	TaskStatusDelegated = "delegated"
	TaskStatusCompleted = "completed"
	TaskStatusCancelled = "cancelled"
)

// TaskTargetType is the SLA target type and domain event entity type of a
// task.
const TaskTargetType = "task"

// Task history entry types.
const (
	TaskHistoryClaimed   = "claimed"
	TaskHistoryDelegated = "delegated"
	TaskHistoryCommented = "commented"
	TaskHistoryCompleted = "completed"
	TaskHistoryCancelled = "cancelled"
)

// TaskHistoryEntry is one element of a task's append-only history.
type TaskHistoryEntry struct {
	Type      string         `json:"type"`
	ActorID   string         `json:"actor_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// TaskInstance is a human work item spawned by a running process instance.
// AssigneeID is set iff Status is claimed or delegated.
type TaskInstance struct {
	ID                string             `json:"id"`
	WorkspaceID       string             `json:"workspace_id"`
	ProcessInstanceID string             `json:"process_instance_id"`
	RuntimeTaskKey    string             `json:"runtime_task_key"`
	ElementID         string             `json:"element_id"`
	ElementName       string             `json:"element_name"`
	Status            string             `json:"status"`
	AssigneeID        string             `json:"assignee_id,omitempty"`
	FormSchema        map[string]any     `json:"form_schema,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	Version           int                `json:"version"`
	History           []TaskHistoryEntry `json:"history"`
}

// IsTerminal reports whether the task is completed or cancelled.
func (t *TaskInstance) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusCancelled
}

// IsAssigned reports whether the task is held by an assignee.
func (t *TaskInstance) IsAssigned() bool {
	return t.Status == TaskStatusClaimed || t.Status == TaskStatusDelegated
}

// Clone returns a copy whose history and schema can be modified without
// affecting the original.
func (t *TaskInstance) Clone() *TaskInstance {
	cp := *t
	cp.History = make([]TaskHistoryEntry, len(t.History))
	copy(cp.History, t.History)
	if t.FormSchema != nil {
		cp.FormSchema = maps.Clone(t.FormSchema)
	}
	return &cp
}

// BatchClaimResult reports the outcome of claiming one task in a batch.
type BatchClaimResult struct {
	ID    string         `json:"id"`
	OK    bool           `json:"ok"`
	Error *ErrorEnvelope `json:"error,omitempty"`
}
