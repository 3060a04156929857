package model

import "time"

// Sub-clock status constants.
const (
	SlaStatusRunning  = "running"
	SlaStatusMet      = "met"
	SlaStatusBreached = "breached"
)

// Sub-clock names.
const (
	SlaClockResponse   = "response"
	SlaClockResolution = "resolution"
)

// SlaDefinition is the service-level policy for one target type in a
// workspace.
type SlaDefinition struct {
	ID                      string   `yaml:"id"                        json:"id"`
	WorkspaceID             string   `yaml:"workspace_id"              json:"workspace_id"`
	TargetType              string   `yaml:"target_type"               json:"target_type"`
	ResponseTargetMinutes   int      `yaml:"response_target_minutes"   json:"response_target_minutes"`
	ResolutionTargetMinutes int      `yaml:"resolution_target_minutes" json:"resolution_target_minutes"`
	WarningThresholdPercent float64  `yaml:"warning_threshold_percent" json:"warning_threshold_percent"`
	ResponseMetOn           []string `yaml:"response_met_on"           json:"response_met_on,omitempty"`
	PauseStatuses           []string `yaml:"pause_statuses"            json:"pause_statuses,omitempty"`
	ResolvedStatuses        []string `yaml:"resolved_statuses"         json:"resolved_statuses,omitempty"`
}

// SlaClock is one deadline (response or resolution) of an SlaInstance.
type SlaClock struct {
	Status        string    `json:"status"`
	WarningFired  bool      `json:"warning_fired"`
	DueAt         time.Time `json:"due_at"`
	TargetMinutes int       `json:"target_minutes"`
}

// IsTerminal reports whether the clock is met or breached.
func (c *SlaClock) IsTerminal() bool {
	return c.Status != SlaStatusRunning
}

// SlaInstance is a pair of deadline clocks attached to one target object.
// Both clocks pause and resume together. DueAt is only ever derived by the
// engine, never set by callers.
type SlaInstance struct {
	ID                      string     `json:"id"`
	WorkspaceID             string     `json:"workspace_id"`
	DefinitionID            string     `json:"definition_id"`
	TargetType              string     `json:"target_type"`
	TargetID                string     `json:"target_id"`
	StartedAt               time.Time  `json:"started_at"`
	Response                SlaClock   `json:"response"`
	Resolution              SlaClock   `json:"resolution"`
	WarningThresholdPercent float64    `json:"warning_threshold_percent"`
	PausedAt                *time.Time `json:"paused_at,omitempty"`
	PauseReason             string     `json:"pause_reason,omitempty"`
	AccumulatedPausedMs     int64      `json:"accumulated_paused_ms"`
	EndedAt                 *time.Time `json:"ended_at,omitempty"`
	Version                 int        `json:"version"`
}

// IsPaused reports whether the instance is currently paused.
func (s *SlaInstance) IsPaused() bool {
	return s.PausedAt != nil
}

// IsActive reports whether the instance is still tracking its target.
func (s *SlaInstance) IsActive() bool {
	return s.EndedAt == nil
}

// Clock returns the named sub-clock, or nil for an unknown name.
func (s *SlaInstance) Clock(which string) *SlaClock {
	switch which {
	case SlaClockResponse:
		return &s.Response
	case SlaClockResolution:
		return &s.Resolution
	}
	return nil
}

// Clone returns a deep copy of the instance.
func (s *SlaInstance) Clone() *SlaInstance {
	cp := *s
	if s.PausedAt != nil {
		t := *s.PausedAt
		cp.PausedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
