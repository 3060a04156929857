// Package sla tracks service-level deadlines attached to work items. Each
// instance carries a response and a resolution clock that pause and resume
// together; a periodic tick per workspace fires one-shot warnings and
// breaches and broadcasts a single batched update.
package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/internal/notify"
	"github.com/pitabwire/flowcore/internal/observability"
	"github.com/pitabwire/flowcore/model"
)

// DefinitionSource resolves SLA definitions.
type DefinitionSource interface {
	GetSlaDefinition(id string) (model.SlaDefinition, bool)
	SlaDefinitionsFor(workspaceID, targetType string) []model.SlaDefinition
}

// Engine owns SLA instance state. Every mutation is a version-checked write;
// a lost race surfaces as CONFLICT.
type Engine struct {
	store    Store
	defs     DefinitionSource
	notifier notify.Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewEngine creates an SLA Engine. notifier, logger and metrics may be nil.
func NewEngine(store Store, defs DefinitionSource, notifier notify.Notifier, logger *zap.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		defs:     defs,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Start attaches the clocks of a definition to a target. If an active
// instance already exists for the same definition and target it is
// returned unchanged.
func (e *Engine) Start(ctx context.Context, workspaceID, definitionID, targetType, targetID string) (model.SlaInstance, error) {
	def, ok := e.defs.GetSlaDefinition(definitionID)
	if !ok || (def.WorkspaceID != "" && def.WorkspaceID != workspaceID) {
		return model.SlaInstance{}, model.NewNotFoundError(fmt.Sprintf("SLA definition %q not found", definitionID))
	}
	if targetID == "" || targetType != def.TargetType {
		return model.SlaInstance{}, model.NewValidationError([]model.FieldError{{
			Field:   "target_type",
			Code:    "INVALID_VALUE",
			Message: fmt.Sprintf("definition %q applies to %q targets", def.ID, def.TargetType),
		}})
	}

	if existing, found, err := e.findActive(ctx, workspaceID, definitionID, targetType, targetID); found || err != nil {
		return existing, err
	}

	now := e.now().UTC()
	inst := model.SlaInstance{
		ID:                      uuid.New().String(),
		WorkspaceID:             workspaceID,
		DefinitionID:            def.ID,
		TargetType:              targetType,
		TargetID:                targetID,
		StartedAt:               now,
		Response:                newClock(now, def.ResponseTargetMinutes),
		Resolution:              newClock(now, def.ResolutionTargetMinutes),
		WarningThresholdPercent: def.WarningThresholdPercent,
		Version:                 1,
	}
	if err := e.store.Create(ctx, inst); err != nil {
		if model.IsCode(err, model.ErrConflict) {
			if existing, found, findErr := e.findActive(ctx, workspaceID, definitionID, targetType, targetID); found || findErr != nil {
				return existing, findErr
			}
		}
		return model.SlaInstance{}, err
	}

	e.logger.Info("SLA started",
		zap.String("sla_instance_id", inst.ID),
		zap.String("definition_id", def.ID),
		zap.String("target_type", targetType),
		zap.String("target_id", targetID),
	)
	return inst, nil
}

func (e *Engine) findActive(ctx context.Context, workspaceID, definitionID, targetType, targetID string) (model.SlaInstance, bool, error) {
	instances, err := e.store.FindByTarget(ctx, workspaceID, targetType, targetID)
	if err != nil {
		return model.SlaInstance{}, false, err
	}
	for _, inst := range instances {
		if inst.DefinitionID == definitionID && inst.IsActive() {
			return inst, true, nil
		}
	}
	return model.SlaInstance{}, false, nil
}

// Pause stops both clocks. Pausing a paused instance is a no-op.
func (e *Engine) Pause(ctx context.Context, workspaceID, instanceID, reason string) (model.SlaInstance, error) {
	return e.mutate(ctx, workspaceID, instanceID, "pause", func(inst *model.SlaInstance, now time.Time) (bool, error) {
		if inst.IsPaused() {
			return false, nil
		}
		inst.PausedAt = &now
		inst.PauseReason = reason
		return true, nil
	})
}

// Resume restarts both clocks, pushing every running clock's deadline out
// by the time spent paused. Resuming a running instance is a no-op.
func (e *Engine) Resume(ctx context.Context, workspaceID, instanceID string) (model.SlaInstance, error) {
	return e.mutate(ctx, workspaceID, instanceID, "resume", func(inst *model.SlaInstance, now time.Time) (bool, error) {
		if !inst.IsPaused() {
			return false, nil
		}
		resume(inst, now)
		return true, nil
	})
}

func resume(inst *model.SlaInstance, now time.Time) {
	delta := max(now.Sub(*inst.PausedAt), 0).Truncate(time.Millisecond)
	inst.AccumulatedPausedMs += delta.Milliseconds()
	for _, c := range []*model.SlaClock{&inst.Response, &inst.Resolution} {
		if !c.IsTerminal() {
			c.DueAt = c.DueAt.Add(delta)
		}
	}
	inst.PausedAt = nil
	inst.PauseReason = ""
}

// MarkMet freezes one clock as met. Meeting the resolution clock also meets
// a still-running response clock. The instance ends once both clocks are
// settled.
func (e *Engine) MarkMet(ctx context.Context, workspaceID, instanceID, which string) (model.SlaInstance, error) {
	if which != model.SlaClockResponse && which != model.SlaClockResolution {
		return model.SlaInstance{}, model.NewValidationError([]model.FieldError{{
			Field: "clock", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown clock %q", which),
		}})
	}
	return e.mutate(ctx, workspaceID, instanceID, "met", func(inst *model.SlaInstance, now time.Time) (bool, error) {
		return markMet(inst, which, now)
	})
}

func markMet(inst *model.SlaInstance, which string, now time.Time) (bool, error) {
	clock := inst.Clock(which)
	switch clock.Status {
	case model.SlaStatusMet:
		return false, nil
	case model.SlaStatusBreached:
		return false, model.NewInvalidTransitionError(fmt.Sprintf("%s clock of SLA instance %q is already breached", which, inst.ID))
	}
	clock.Status = model.SlaStatusMet
	if which == model.SlaClockResolution && !inst.Response.IsTerminal() {
		inst.Response.Status = model.SlaStatusMet
	}
	if inst.Response.IsTerminal() && inst.Resolution.IsTerminal() {
		end(inst, now)
	}
	return true, nil
}

// Stop ends an instance whose target left scope. Clock statuses are frozen
// as they are. Stopping an ended instance is a no-op.
func (e *Engine) Stop(ctx context.Context, workspaceID, instanceID string) (model.SlaInstance, error) {
	return e.mutate(ctx, workspaceID, instanceID, "stop", func(inst *model.SlaInstance, now time.Time) (bool, error) {
		end(inst, now)
		return true, nil
	})
}

func end(inst *model.SlaInstance, now time.Time) {
	if inst.IsPaused() {
		resume(inst, now)
	}
	inst.EndedAt = &now
}

// Status returns the views of every instance attached to a target.
func (e *Engine) Status(ctx context.Context, workspaceID, targetType, targetID string) ([]View, error) {
	instances, err := e.store.FindByTarget(ctx, workspaceID, targetType, targetID)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, model.NewNotFoundError(fmt.Sprintf("no SLA attached to %s %q", targetType, targetID))
	}
	now := e.now().UTC()
	views := make([]View, len(instances))
	for i, inst := range instances {
		views[i] = NewView(inst, now)
	}
	return views, nil
}

// mutate loads an active instance, applies fn and writes the result if fn
// reports a change. Ended instances reject every mutation except stop and
// resolve, which are no-ops on them.
func (e *Engine) mutate(
	ctx context.Context,
	workspaceID, instanceID, op string,
	fn func(inst *model.SlaInstance, now time.Time) (bool, error),
) (inst model.SlaInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "sla."+op,
		observability.AttrWorkspaceID.String(workspaceID),
		observability.AttrSlaInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, err = e.store.Get(ctx, workspaceID, instanceID)
	if err != nil {
		return model.SlaInstance{}, err
	}
	if !inst.IsActive() {
		if op == "stop" || op == "resolve" {
			return inst, nil
		}
		return model.SlaInstance{}, model.NewInvalidTransitionError(fmt.Sprintf("SLA instance %q has ended", instanceID))
	}

	changed, err := fn(&inst, e.now().UTC())
	if err != nil || !changed {
		return inst, err
	}
	if err := e.store.Update(ctx, inst); err != nil {
		return model.SlaInstance{}, err
	}
	inst.Version++

	e.logger.Info("SLA updated",
		zap.String("sla_instance_id", inst.ID),
		zap.String("op", op),
		zap.Bool("paused", inst.IsPaused()),
		zap.Bool("active", inst.IsActive()),
	)
	return inst, nil
}
