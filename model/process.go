package model

import "time"

// Process instance status constants. Terminal states are only ever set from
// runtime callbacks.
const (
	ProcessStatusActive     = "active"
	ProcessStatusCompleted  = "completed"
	ProcessStatusTerminated = "terminated"
	ProcessStatusIncident   = "incident"
)

// ProcessInstanceRef is the local record of one process instance running in
// the external runtime.
type ProcessInstanceRef struct {
	ID                   string     `json:"id"`
	WorkspaceID          string     `json:"workspace_id"`
	ProcessDefinitionKey string     `json:"process_definition_key"`
	ProcessInstanceKey   string     `json:"process_instance_key"`
	BusinessKey          string     `json:"business_key,omitempty"`
	BoundEntityID        string     `json:"bound_entity_id,omitempty"`
	TriggerID            string     `json:"trigger_id,omitempty"`
	IdempotencyKey       string     `json:"idempotency_key,omitempty"`
	Causation            Causation  `json:"causation"`
	Status               string     `json:"status"`
	StartedAt            time.Time  `json:"started_at"`
	EndedAt              *time.Time `json:"ended_at,omitempty"`
	Version              int        `json:"version"`
}

// IsTerminal reports whether the instance has completed or been terminated.
func (p *ProcessInstanceRef) IsTerminal() bool {
	return p.Status == ProcessStatusCompleted || p.Status == ProcessStatusTerminated
}

// Runtime event types delivered by the external process runtime.
const (
	RuntimeEventTaskCreated        = "taskCreated"
	RuntimeEventInstanceCompleted  = "instanceCompleted"
	RuntimeEventInstanceTerminated = "instanceTerminated"
	RuntimeEventIncident           = "incident"
)

// RuntimeEvent is one entry of the runtime's event stream.
type RuntimeEvent struct {
	Type               string         `json:"type"`
	ProcessInstanceKey string         `json:"process_instance_key"`
	TaskKey            string         `json:"task_key,omitempty"`
	ElementID          string         `json:"element_id,omitempty"`
	ElementName        string         `json:"element_name,omitempty"`
	FormSchema         map[string]any `json:"form_schema,omitempty"`
	OccurredAt         time.Time      `json:"occurred_at"`
}

// StartProcessRequest asks for a new process instance.
type StartProcessRequest struct {
	WorkspaceID          string         `json:"workspace_id"`
	ProcessDefinitionKey string         `json:"process_definition_key"`
	BusinessKey          string         `json:"business_key,omitempty"`
	BoundEntityID        string         `json:"bound_entity_id,omitempty"`
	TriggerID            string         `json:"trigger_id,omitempty"`
	IdempotencyKey       string         `json:"idempotency_key,omitempty"`
	Variables            map[string]any `json:"variables,omitempty"`

	// Causation is set by the trigger evaluator and recorded on the
	// instance, so events derived from it stay on the same chain.
	Causation Causation `json:"-"`
}
