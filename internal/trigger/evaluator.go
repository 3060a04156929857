// Package trigger decides when a domain event, a cron schedule, an inbound
// webhook or a message starts a process instance.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/internal/observability"
	"github.com/pitabwire/flowcore/internal/process"
	"github.com/pitabwire/flowcore/model"
)

const (
	defaultMaxChainDepth = 5
	maxWriteAttempts     = 5
)

// Starter starts process instances.
type Starter interface {
	Start(ctx context.Context, req model.StartProcessRequest) (process.StartResult, error)
}

// Fire is the outcome of one matching trigger.
type Fire struct {
	TriggerID         string               `json:"trigger_id"`
	ProcessInstanceID string               `json:"process_instance_id,omitempty"`
	Deduplicated      bool                 `json:"deduplicated,omitempty"`
	Skipped           string               `json:"skipped,omitempty"`
	Error             *model.ErrorEnvelope `json:"error,omitempty"`
}

// Evaluator matches triggers and starts the processes they name.
type Evaluator struct {
	store    Store
	starter  Starter
	maxDepth int
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewEvaluator creates an Evaluator. maxDepth bounds how many triggers a
// single causal chain may pass through; zero selects the default.
func NewEvaluator(store Store, starter Starter, maxDepth int, logger *zap.Logger, metrics *observability.Metrics) *Evaluator {
	if maxDepth <= 0 {
		maxDepth = defaultMaxChainDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		store:    store,
		starter:  starter,
		maxDepth: maxDepth,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// HandleEvent adapts the evaluator to the domain event dispatcher.
func (e *Evaluator) HandleEvent(ctx context.Context, evt model.DomainEvent) error {
	_, err := e.OnDomainEvent(ctx, evt)
	return err
}

// OnDomainEvent fires every active trigger of the event's workspace whose
// type and conditions match the event. Webhook triggers are only fired
// through HandleWebhook, after their signature is checked.
func (e *Evaluator) OnDomainEvent(ctx context.Context, evt model.DomainEvent) (fires []Fire, err error) {
	if evt.Kind == model.EventWebhook || !model.IsValidTriggerType(evt.Kind) {
		return nil, nil
	}

	ctx, span := observability.StartSpan(ctx, "trigger.evaluate",
		observability.AttrWorkspaceID.String(evt.WorkspaceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	triggers, err := e.store.ListActive(ctx, evt.WorkspaceID, evt.Kind)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, t := range triggers {
		if !Matches(t, evt) {
			continue
		}
		idemKey := ""
		if evt.ID != "" {
			idemKey = fmt.Sprintf("event:%s:%s", t.ID, evt.ID)
		}
		fire, err := e.fire(ctx, t, evt, idemKey)
		fires = append(fires, fire)
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", t.ID, err))
		}
	}
	return fires, errors.Join(errs...)
}

// Matches reports whether an event satisfies a trigger's type and
// conditions. Unset conditions match anything.
func Matches(t model.TriggerDefinition, evt model.DomainEvent) bool {
	if t.Type != evt.Kind {
		return false
	}
	c := t.Conditions
	if c.EntityType != "" && c.EntityType != evt.EntityType {
		return false
	}

	switch t.Type {
	case model.TriggerStatusChanged:
		if c.FromStatus != "" && c.FromStatus != evt.FromStatus {
			return false
		}
		if c.ToStatus != "" && c.ToStatus != evt.ToStatus {
			return false
		}
	case model.TriggerAssigneeChanged:
		if c.AssigneeID != "" && c.AssigneeID != evt.AssigneeID {
			return false
		}
	case model.TriggerMessage:
		if c.MessageName != evt.MessageName {
			return false
		}
	}

	for path, want := range c.Match {
		got, ok := lookup(evt.Payload, path)
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

// lookup resolves a dotted path in a decoded JSON object.
func lookup(payload map[string]any, path string) (any, bool) {
	var cur any = payload
	for part := range strings.SplitSeq(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// fire starts the trigger's process for an event, then records the fire.
func (e *Evaluator) fire(ctx context.Context, t model.TriggerDefinition, evt model.DomainEvent, idemKey string) (Fire, error) {
	result, err := e.startOnly(ctx, t, evt, idemKey)
	if err != nil || result.Skipped != "" {
		return result, err
	}
	if err := e.recordFire(ctx, t, !result.Deduplicated, nil); err != nil {
		e.logger.Error("failed to record trigger fire",
			zap.String("trigger_id", t.ID),
			zap.String("process_instance_id", result.ProcessInstanceID),
			zap.Error(err),
		)
		return result, err
	}
	e.logger.Info("trigger fired",
		zap.String("trigger_id", t.ID),
		zap.String("process_instance_id", result.ProcessInstanceID),
		zap.Bool("deduplicated", result.Deduplicated),
		zap.Int("chain_depth", evt.Causation.Depth+1),
	)
	return result, nil
}

// startOnly starts the trigger's process with the event payload as
// variables and the causal chain extended by the trigger. A trigger already
// on the event's chain, or a chain that is too deep, is skipped.
func (e *Evaluator) startOnly(ctx context.Context, t model.TriggerDefinition, evt model.DomainEvent, idemKey string) (Fire, error) {
	result := Fire{TriggerID: t.ID}

	switch {
	case evt.Causation.Contains(t.ID):
		result.Skipped = "cycle"
	case evt.Causation.Depth >= e.maxDepth:
		result.Skipped = "depth"
	}
	if result.Skipped != "" {
		e.metrics.RecordTriggerSkip(result.Skipped)
		e.logger.Warn("trigger skipped",
			zap.String("trigger_id", t.ID),
			zap.String("reason", result.Skipped),
			zap.Strings("causation", evt.Causation.TriggerIDs),
		)
		return result, nil
	}

	chain := evt.Causation.Extend(t.ID)
	variables := make(map[string]any, len(evt.Payload)+1)
	maps.Copy(variables, evt.Payload)
	variables[model.CausationVariable] = chain.Map()

	res, err := e.starter.Start(ctx, model.StartProcessRequest{
		WorkspaceID:          t.WorkspaceID,
		ProcessDefinitionKey: t.ProcessDefinitionID,
		BusinessKey:          evt.EntityID,
		BoundEntityID:        evt.EntityID,
		TriggerID:            t.ID,
		IdempotencyKey:       idemKey,
		Variables:            variables,
		Causation:            chain,
	})
	if err != nil {
		ee, ok := model.AsEnvelope(err)
		if !ok {
			ee = model.NewInternalError()
		}
		result.Error = ee
		e.metrics.RecordTriggerFire(t.Type, ee.Code)
		e.logger.Warn("trigger start failed",
			zap.String("trigger_id", t.ID),
			zap.String("process_definition_id", t.ProcessDefinitionID),
			zap.Error(err),
		)
		return result, err
	}

	result.ProcessInstanceID = res.Ref.ID
	result.Deduplicated = res.Deduplicated
	status := "ok"
	if res.Deduplicated {
		status = "deduplicated"
	}
	e.metrics.RecordTriggerFire(t.Type, status)
	return result, nil
}

// recordFire bumps the trigger count and last-fire time and, for cron
// triggers, advances the evaluation marker. The write is retried against
// fresh state when it loses a race.
func (e *Evaluator) recordFire(ctx context.Context, t model.TriggerDefinition, counted bool, evaluatedAt *time.Time) error {
	for attempt := 1; ; attempt++ {
		now := e.now().UTC()
		if counted {
			t.TriggerCount++
			t.LastTriggeredAt = &now
		}
		if evaluatedAt != nil {
			t.LastEvaluatedAt = evaluatedAt
		}
		t.UpdatedAt = now

		err := e.store.Update(ctx, t)
		if !model.IsCode(err, model.ErrConflict) || attempt == maxWriteAttempts {
			return err
		}
		if t, err = e.store.Get(ctx, t.WorkspaceID, t.ID); err != nil {
			return err
		}
	}
}
