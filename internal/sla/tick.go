package sla

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/internal/notify"
	"github.com/pitabwire/flowcore/internal/observability"
	"github.com/pitabwire/flowcore/model"
)

// TickResult summarises one workspace tick.
type TickResult struct {
	Instances int
	Warnings  int
	Breaches  int
	Failures  int
}

// ClockEvent is the payload of sla:warning and sla:breach notifications.
type ClockEvent struct {
	InstanceID       string    `json:"instance_id"`
	DefinitionID     string    `json:"definition_id"`
	TargetType       string    `json:"target_type"`
	TargetID         string    `json:"target_id"`
	Clock            string    `json:"clock"`
	UsedPercent      float64   `json:"used_percent"`
	RemainingMinutes float64   `json:"remaining_minutes"`
	DueAt            time.Time `json:"due_at"`
}

// BatchUpdate is the payload of the per-tick sla:batch-update notification.
type BatchUpdate struct {
	TickAt    time.Time `json:"tick_at"`
	Instances []View    `json:"instances"`
}

// ActiveWorkspaces lists workspaces with at least one active instance.
func (e *Engine) ActiveWorkspaces(ctx context.Context) ([]string, error) {
	return e.store.ActiveWorkspaces(ctx)
}

// Tick recomputes every active, running instance of a workspace. Warnings
// and breaches fire once per clock and are announced only after the new
// state is stored. A failure on one instance is logged and counted; the
// rest of the workspace is still processed and the instance is picked up
// again on the next tick.
func (e *Engine) Tick(ctx context.Context, workspaceID string) (result TickResult, err error) {
	ctx, span := observability.StartSpan(ctx, "sla.tick", observability.AttrWorkspaceID.String(workspaceID))
	defer func() { observability.EndSpanWithError(span, err) }()

	started := time.Now()
	instances, err := e.store.ListActive(ctx, workspaceID)
	if err != nil {
		return TickResult{}, err
	}

	now := e.now().UTC()
	var (
		views  []View
		events []model.Notification
	)
	for _, inst := range instances {
		if inst.IsPaused() || (inst.Response.IsTerminal() && inst.Resolution.IsTerminal()) {
			continue
		}
		result.Instances++

		fired := evaluate(&inst, now)
		if len(fired) > 0 {
			if err := e.store.Update(ctx, inst); err != nil {
				result.Failures++
				e.logger.Warn("SLA tick update failed",
					zap.String("workspace_id", workspaceID),
					zap.String("sla_instance_id", inst.ID),
					zap.Error(err),
				)
				continue
			}
			inst.Version++
		}

		for _, f := range fired {
			typ := model.NotifySlaWarning
			if f.breach {
				typ = model.NotifySlaBreach
				result.Breaches++
				e.metrics.RecordSLABreach(f.event.Clock)
			} else {
				result.Warnings++
				e.metrics.RecordSLAWarning(f.event.Clock)
			}
			events = append(events, notify.New(typ, workspaceID, f.event))
		}
		views = append(views, NewView(inst, now))
	}

	for _, n := range events {
		e.notify(ctx, n)
	}
	if len(views) > 0 {
		e.notify(ctx, notify.New(model.NotifySlaBatchUpdate, workspaceID, BatchUpdate{TickAt: now, Instances: views}))
	}

	e.metrics.RecordSLATick(time.Since(started), result.Instances, result.Failures)
	if result.Failures > 0 {
		e.logger.Warn("SLA tick completed with failures",
			zap.String("workspace_id", workspaceID),
			zap.Int("instances", result.Instances),
			zap.Int("failures", result.Failures),
		)
	}
	return result, nil
}

type firing struct {
	breach bool
	event  ClockEvent
}

// evaluate applies warning and breach transitions to the running clocks of
// inst as of now and returns what fired.
func evaluate(inst *model.SlaInstance, now time.Time) []firing {
	var fired []firing
	for _, which := range []string{model.SlaClockResponse, model.SlaClockResolution} {
		clock := inst.Clock(which)
		if clock.IsTerminal() {
			continue
		}
		used, remaining := measure(inst, clock, now)
		event := ClockEvent{
			InstanceID:       inst.ID,
			DefinitionID:     inst.DefinitionID,
			TargetType:       inst.TargetType,
			TargetID:         inst.TargetID,
			Clock:            which,
			UsedPercent:      round2(used),
			RemainingMinutes: round2(float64(remaining) / float64(time.Minute.Milliseconds())),
			DueAt:            clock.DueAt,
		}
		if !clock.WarningFired && used >= inst.WarningThresholdPercent {
			clock.WarningFired = true
			fired = append(fired, firing{event: event})
		}
		if remaining <= 0 {
			clock.Status = model.SlaStatusBreached
			fired = append(fired, firing{breach: true, event: event})
		}
	}
	return fired
}

func (e *Engine) notify(ctx context.Context, n model.Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("SLA notification failed",
			zap.String("type", n.Type),
			zap.String("workspace_id", n.WorkspaceID),
			zap.Error(err),
		)
	}
}
