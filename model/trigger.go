package model

import "time"

// Trigger type constants. Event-driven trigger types share their name with
// the DomainEvent kind they match.
const (
	TriggerEntityCreated   = "entity_created"
	TriggerStatusChanged   = "status_changed"
	TriggerAssigneeChanged = "assignee_changed"
	TriggerCommentAdded    = "comment_added"
	TriggerCron            = "cron"
	TriggerWebhook         = "webhook"
	TriggerMessage         = "message"
)

var triggerTypes = map[string]bool{
	TriggerEntityCreated:   true,
	TriggerStatusChanged:   true,
	TriggerAssigneeChanged: true,
	TriggerCommentAdded:    true,
	TriggerCron:            true,
	TriggerWebhook:         true,
	TriggerMessage:         true,
}

// IsValidTriggerType reports whether t names a known trigger type.
func IsValidTriggerType(t string) bool {
	return triggerTypes[t]
}

// TriggerConditions is the typed predicate of a trigger. Which fields apply
// depends on the trigger type; an empty field is a wildcard.
type TriggerConditions struct {
	FromStatus  string            `json:"from_status,omitempty"  yaml:"from_status"`
	ToStatus    string            `json:"to_status,omitempty"    yaml:"to_status"`
	Expression  string            `json:"expression,omitempty"   yaml:"expression"`
	EntityType  string            `json:"entity_type,omitempty"  yaml:"entity_type"`
	Match       map[string]string `json:"match,omitempty"        yaml:"match"`
	AssigneeID  string            `json:"assignee_id,omitempty"  yaml:"assignee_id"`
	MessageName string            `json:"message_name,omitempty" yaml:"message_name"`
	Secret      string            `json:"secret,omitempty"       yaml:"secret"`
}

// TriggerDefinition maps a domain event pattern to "start this process
// definition". It is owned by workspace configuration and mutated only by
// enable/disable and by the evaluator recording a fire.
type TriggerDefinition struct {
	ID                  string            `json:"id"`
	WorkspaceID         string            `json:"workspace_id"`
	ProcessDefinitionID string            `json:"process_definition_id"`
	Type                string            `json:"type"`
	Conditions          TriggerConditions `json:"conditions"`
	IsActive            bool              `json:"is_active"`
	TriggerCount        int64             `json:"trigger_count"`
	LastTriggeredAt     *time.Time        `json:"last_triggered_at,omitempty"`
	LastEvaluatedAt     *time.Time        `json:"last_evaluated_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	Version             int               `json:"version"`
}

// Redacted returns a copy safe to hand to API callers, with the webhook
// secret removed.
func (t TriggerDefinition) Redacted() TriggerDefinition {
	t.Conditions.Secret = ""
	if t.Conditions.Match != nil {
		m := make(map[string]string, len(t.Conditions.Match))
		for k, v := range t.Conditions.Match {
			m[k] = v
		}
		t.Conditions.Match = m
	}
	return t
}
