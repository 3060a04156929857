package trigger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/model"
)

// CreateRequest is the input of Create.
type CreateRequest struct {
	ProcessDefinitionID string                  `json:"process_definition_id"`
	Type                string                  `json:"type"`
	Conditions          model.TriggerConditions `json:"conditions"`
	IsActive            *bool                   `json:"is_active,omitempty"`
}

// Validate checks the type-specific invariants of a trigger.
func Validate(processDefinitionID, triggerType string, c model.TriggerConditions) error {
	var details []model.FieldError
	if processDefinitionID == "" {
		details = append(details, model.FieldError{Field: "process_definition_id", Code: "REQUIRED", Message: "process_definition_id is required"})
	}
	if !model.IsValidTriggerType(triggerType) {
		details = append(details, model.FieldError{Field: "type", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown trigger type %q", triggerType)})
	}

	switch triggerType {
	case model.TriggerCron:
		if c.Expression == "" {
			details = append(details, model.FieldError{Field: "conditions.expression", Code: "REQUIRED", Message: "cron triggers need an expression"})
		} else if _, err := ParseCron(c.Expression); err != nil {
			if len(details) == 0 {
				return err
			}
			details = append(details, model.FieldError{Field: "conditions.expression", Code: model.ErrInvalidCron, Message: err.Error()})
		}
	case model.TriggerWebhook:
		if c.Secret == "" {
			details = append(details, model.FieldError{Field: "conditions.secret", Code: "REQUIRED", Message: "webhook triggers need a shared secret"})
		}
	case model.TriggerMessage:
		if c.MessageName == "" {
			details = append(details, model.FieldError{Field: "conditions.message_name", Code: "REQUIRED", Message: "message triggers need a message name"})
		}
	}

	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// Create validates and stores a new trigger. Triggers are active unless
// the request says otherwise. A cron trigger's schedule counts from its
// creation time.
func (e *Evaluator) Create(ctx context.Context, workspaceID string, req CreateRequest) (model.TriggerDefinition, error) {
	if err := Validate(req.ProcessDefinitionID, req.Type, req.Conditions); err != nil {
		return model.TriggerDefinition{}, err
	}

	now := e.now().UTC()
	t := model.TriggerDefinition{
		ID:                  uuid.New().String(),
		WorkspaceID:         workspaceID,
		ProcessDefinitionID: req.ProcessDefinitionID,
		Type:                req.Type,
		Conditions:          req.Conditions,
		IsActive:            req.IsActive == nil || *req.IsActive,
		CreatedAt:           now,
		UpdatedAt:           now,
		Version:             1,
	}
	if t.Type == model.TriggerCron {
		t.LastEvaluatedAt = &now
	}
	if err := e.store.Create(ctx, t); err != nil {
		return model.TriggerDefinition{}, err
	}

	e.logger.Info("trigger created",
		zap.String("trigger_id", t.ID),
		zap.String("workspace_id", workspaceID),
		zap.String("type", t.Type),
	)
	return t.Redacted(), nil
}

// Get returns a trigger with its secret removed.
func (e *Evaluator) Get(ctx context.Context, workspaceID, id string) (model.TriggerDefinition, error) {
	t, err := e.store.Get(ctx, workspaceID, id)
	if err != nil {
		return model.TriggerDefinition{}, err
	}
	return t.Redacted(), nil
}

// SetActive enables or disables a trigger. Re-enabling a cron trigger
// restarts its schedule from now, so minutes spent disabled never fire.
func (e *Evaluator) SetActive(ctx context.Context, workspaceID, id string, active bool) (model.TriggerDefinition, error) {
	for attempt := 1; ; attempt++ {
		t, err := e.store.Get(ctx, workspaceID, id)
		if err != nil {
			return model.TriggerDefinition{}, err
		}
		if t.IsActive == active {
			return t.Redacted(), nil
		}

		now := e.now().UTC()
		t.IsActive = active
		t.UpdatedAt = now
		if active && t.Type == model.TriggerCron {
			t.LastEvaluatedAt = &now
		}

		err = e.store.Update(ctx, t)
		if err == nil {
			t.Version++
			e.logger.Info("trigger toggled", zap.String("trigger_id", id), zap.Bool("active", active))
			return t.Redacted(), nil
		}
		if !model.IsCode(err, model.ErrConflict) || attempt == maxWriteAttempts {
			return model.TriggerDefinition{}, err
		}
	}
}

// Delete removes a trigger.
func (e *Evaluator) Delete(ctx context.Context, workspaceID, id string) error {
	if err := e.store.Delete(ctx, workspaceID, id); err != nil {
		return err
	}
	e.logger.Info("trigger deleted", zap.String("trigger_id", id), zap.String("workspace_id", workspaceID))
	return nil
}
