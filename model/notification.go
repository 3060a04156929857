package model

import "time"

// Notification types delivered on the per-workspace push channel.
const (
	NotifySlaWarning     = "sla:warning"
	NotifySlaBreach      = "sla:breach"
	NotifySlaBatchUpdate = "sla:batch-update"
	NotifyTaskCreated    = "task:created"
	NotifyTaskUpdated    = "task:updated"
)

// Notification is a message pushed to clients of a workspace.
type Notification struct {
	Type        string    `json:"type"`
	WorkspaceID string    `json:"workspace_id"`
	Payload     any       `json:"payload"`
	EmittedAt   time.Time `json:"emitted_at"`
}
