package model

import (
	"slices"
	"time"
)

// Domain event kinds. The first four plus webhook and message share their
// names with trigger types.
const (
	EventEntityCreated   = "entity_created"
	EventStatusChanged   = "status_changed"
	EventAssigneeChanged = "assignee_changed"
	EventCommentAdded    = "comment_added"
	EventEntityClosed    = "entity_closed"
	EventWebhook         = "webhook"
	EventMessage         = "message"
	EventTaskCompleted   = "task_completed"
)

var eventKinds = map[string]bool{
	EventEntityCreated:   true,
	EventStatusChanged:   true,
	EventAssigneeChanged: true,
	EventCommentAdded:    true,
	EventEntityClosed:    true,
	EventWebhook:         true,
	EventMessage:         true,
	EventTaskCompleted:   true,
}

// IsValidEventKind reports whether k names a known domain event kind.
func IsValidEventKind(k string) bool {
	return eventKinds[k]
}

// CausationVariable is the process variable under which the causation chain
// of a trigger-started instance is handed to the runtime, so events produced
// by that instance can carry it back.
const CausationVariable = "_causation"

// Causation records the chain of triggers that led to an event. It travels
// with the event by value; nothing about it is kept in shared state.
type Causation struct {
	TriggerIDs []string `json:"trigger_ids,omitempty"`
	Depth      int      `json:"depth"`
}

// Contains reports whether triggerID already appears in the chain.
func (c Causation) Contains(triggerID string) bool {
	return slices.Contains(c.TriggerIDs, triggerID)
}

// Extend returns a new chain with triggerID appended and the depth increased.
// The receiver is not modified.
func (c Causation) Extend(triggerID string) Causation {
	ids := make([]string, 0, len(c.TriggerIDs)+1)
	ids = append(ids, c.TriggerIDs...)
	ids = append(ids, triggerID)
	return Causation{TriggerIDs: ids, Depth: c.Depth + 1}
}

// Map renders the chain as a process variable value.
func (c Causation) Map() map[string]any {
	ids := make([]any, len(c.TriggerIDs))
	for i, id := range c.TriggerIDs {
		ids[i] = id
	}
	return map[string]any{"trigger_ids": ids, "depth": c.Depth}
}

// DomainEvent is a change notification from the surrounding application
// (entity lifecycle, comments, inbound webhooks, messages) or from this core
// (task completion).
type DomainEvent struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Kind        string         `json:"kind"`
	EntityType  string         `json:"entity_type,omitempty"`
	EntityID    string         `json:"entity_id,omitempty"`
	FromStatus  string         `json:"from_status,omitempty"`
	ToStatus    string         `json:"to_status,omitempty"`
	AssigneeID  string         `json:"assignee_id,omitempty"`
	ActorID     string         `json:"actor_id,omitempty"`
	MessageName string         `json:"message_name,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Causation   Causation      `json:"causation"`
}
