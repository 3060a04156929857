package sla

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/model"
)

const maxEventAttempts = 3

// HandleEvent adapts the engine to the domain event dispatcher.
func (e *Engine) HandleEvent(ctx context.Context, evt model.DomainEvent) error {
	return e.OnDomainEvent(ctx, evt)
}

// OnDomainEvent applies a domain event to the SLA instances of its target:
//
//   - entity_created starts every definition covering the entity type
//   - status_changed pauses, resumes or resolves according to the
//     definition's status lists
//   - entity_closed stops every active instance of the entity
//   - task_completed resolves instances targeting the task
//   - kinds listed in a definition's response_met_on meet the response clock
func (e *Engine) OnDomainEvent(ctx context.Context, evt model.DomainEvent) error {
	targetType, targetID := evt.EntityType, evt.EntityID
	if evt.Kind == model.EventTaskCompleted && targetType == "" {
		targetType = model.TaskTargetType
	}
	if targetType == "" || targetID == "" {
		return nil
	}

	if evt.Kind == model.EventEntityCreated {
		var errs []error
		for _, def := range e.defs.SlaDefinitionsFor(evt.WorkspaceID, targetType) {
			if _, err := e.Start(ctx, evt.WorkspaceID, def.ID, targetType, targetID); err != nil {
				errs = append(errs, fmt.Errorf("start %s: %w", def.ID, err))
			}
		}
		return errors.Join(errs...)
	}

	instances, err := e.store.FindByTarget(ctx, evt.WorkspaceID, targetType, targetID)
	if err != nil {
		return err
	}
	var errs []error
	for _, inst := range instances {
		if !inst.IsActive() {
			continue
		}
		def, ok := e.defs.GetSlaDefinition(inst.DefinitionID)
		if !ok {
			e.logger.Warn("SLA definition no longer loaded",
				zap.String("sla_instance_id", inst.ID),
				zap.String("definition_id", inst.DefinitionID),
			)
			continue
		}
		if err := e.applyWithRetry(ctx, inst, def, evt); err != nil {
			errs = append(errs, fmt.Errorf("sla instance %s: %w", inst.ID, err))
		}
	}
	return errors.Join(errs...)
}

// applyWithRetry re-reads the instance after losing a race with a tick or
// another event and applies the event again.
func (e *Engine) applyWithRetry(ctx context.Context, inst model.SlaInstance, def model.SlaDefinition, evt model.DomainEvent) error {
	for attempt := 1; ; attempt++ {
		err := e.apply(ctx, inst, def, evt)
		if !model.IsCode(err, model.ErrConflict) || attempt == maxEventAttempts {
			return err
		}
		if inst, err = e.store.Get(ctx, inst.WorkspaceID, inst.ID); err != nil {
			return err
		}
		if !inst.IsActive() {
			return nil
		}
	}
}

func (e *Engine) apply(ctx context.Context, inst model.SlaInstance, def model.SlaDefinition, evt model.DomainEvent) error {
	ws := inst.WorkspaceID

	if slices.Contains(def.ResponseMetOn, evt.Kind) && !inst.Response.IsTerminal() {
		if _, err := e.MarkMet(ctx, ws, inst.ID, model.SlaClockResponse); err != nil {
			return err
		}
	}

	var err error
	switch evt.Kind {
	case model.EventEntityClosed:
		_, err = e.Stop(ctx, ws, inst.ID)
	case model.EventTaskCompleted:
		_, err = e.resolve(ctx, ws, inst.ID)
	case model.EventStatusChanged:
		switch {
		case slices.Contains(def.ResolvedStatuses, evt.ToStatus):
			_, err = e.resolve(ctx, ws, inst.ID)
		case slices.Contains(def.PauseStatuses, evt.ToStatus):
			_, err = e.Pause(ctx, ws, inst.ID, evt.ToStatus)
		case slices.Contains(def.PauseStatuses, evt.FromStatus):
			_, err = e.Resume(ctx, ws, inst.ID)
		}
	}
	return err
}

// resolve meets every running clock and ends the instance. A clock that
// already breached keeps its status.
func (e *Engine) resolve(ctx context.Context, workspaceID, instanceID string) (model.SlaInstance, error) {
	return e.mutate(ctx, workspaceID, instanceID, "resolve", func(inst *model.SlaInstance, now time.Time) (bool, error) {
		for _, c := range []*model.SlaClock{&inst.Response, &inst.Resolution} {
			if !c.IsTerminal() {
				c.Status = model.SlaStatusMet
			}
		}
		end(inst, now)
		return true, nil
	})
}
