package sla

import (
	"math"
	"time"

	"github.com/pitabwire/flowcore/model"
)

// ClockView is the computed state of one sub-clock. UsedPercent and
// RemainingMinutes are only present while the clock is running.
type ClockView struct {
	Status           string    `json:"status"`
	WarningFired     bool      `json:"warning_fired"`
	DueAt            time.Time `json:"due_at"`
	TargetMinutes    int       `json:"target_minutes"`
	UsedPercent      *float64  `json:"used_percent,omitempty"`
	RemainingMinutes *float64  `json:"remaining_minutes,omitempty"`
}

// View is the externally visible state of an SLA instance.
type View struct {
	InstanceID   string     `json:"instance_id"`
	DefinitionID string     `json:"definition_id"`
	TargetType   string     `json:"target_type"`
	TargetID     string     `json:"target_id"`
	StartedAt    time.Time  `json:"started_at"`
	Active       bool       `json:"active"`
	Paused       bool       `json:"paused"`
	PauseReason  string     `json:"pause_reason,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Response     ClockView  `json:"response"`
	Resolution   ClockView  `json:"resolution"`
}

// effectiveNow is the instant at which an instance's clocks are read. Time
// stops while paused and after the instance has ended.
func effectiveNow(inst *model.SlaInstance, now time.Time) time.Time {
	switch {
	case inst.EndedAt != nil:
		return *inst.EndedAt
	case inst.PausedAt != nil:
		return *inst.PausedAt
	}
	return now
}

// elapsedMs is the time counted against the instance's targets at the given
// instant: wall clock since start minus every completed pause.
func elapsedMs(inst *model.SlaInstance, at time.Time) int64 {
	return at.Sub(inst.StartedAt).Milliseconds() - inst.AccumulatedPausedMs
}

// measure returns the used percentage and the remaining milliseconds of a
// clock at the given instant. usedPercent is never negative; remainingMs
// goes negative once the clock is overdue.
func measure(inst *model.SlaInstance, clock *model.SlaClock, at time.Time) (usedPercent float64, remainingMs int64) {
	targetMs := int64(clock.TargetMinutes) * time.Minute.Milliseconds()
	elapsed := elapsedMs(inst, at)
	if targetMs <= 0 {
		return 100, -elapsed
	}
	usedPercent = math.Max(0, float64(elapsed)/float64(targetMs)*100)
	return usedPercent, targetMs - elapsed
}

func clockView(inst *model.SlaInstance, clock *model.SlaClock, at time.Time) ClockView {
	v := ClockView{
		Status:        clock.Status,
		WarningFired:  clock.WarningFired,
		DueAt:         clock.DueAt,
		TargetMinutes: clock.TargetMinutes,
	}
	if clock.IsTerminal() {
		return v
	}
	used, remaining := measure(inst, clock, at)
	used = round2(used)
	minutes := round2(float64(remaining) / float64(time.Minute.Milliseconds()))
	v.UsedPercent = &used
	v.RemainingMinutes = &minutes
	return v
}

// NewView computes the view of an instance at now.
func NewView(inst model.SlaInstance, now time.Time) View {
	at := effectiveNow(&inst, now)
	return View{
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		TargetType:   inst.TargetType,
		TargetID:     inst.TargetID,
		StartedAt:    inst.StartedAt,
		Active:       inst.IsActive(),
		Paused:       inst.IsPaused(),
		PauseReason:  inst.PauseReason,
		EndedAt:      inst.EndedAt,
		Response:     clockView(&inst, &inst.Response, at),
		Resolution:   clockView(&inst, &inst.Resolution, at),
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func newClock(start time.Time, targetMinutes int) model.SlaClock {
	return model.SlaClock{
		Status:        model.SlaStatusRunning,
		DueAt:         start.Add(time.Duration(targetMinutes) * time.Minute),
		TargetMinutes: targetMinutes,
	}
}
