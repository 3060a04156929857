// Package events fans domain events out to the components that react to
// them (trigger evaluation, SLA clocks).
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/model"
)

// Handler reacts to a domain event.
type Handler interface {
	HandleEvent(ctx context.Context, evt model.DomainEvent) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, evt model.DomainEvent) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, evt model.DomainEvent) error {
	return f(ctx, evt)
}

type registration struct {
	name    string
	handler Handler
}

// Dispatcher delivers each event to every registered handler in
// registration order. A failing handler does not stop delivery to the
// others.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []registration
	logger   *zap.Logger
	now      func() time.Time
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger, now: time.Now}
}

// Register adds a named handler. Registering a name twice panics.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.handlers {
		if r.name == name {
			panic(fmt.Sprintf("events: handler %q registered twice", name))
		}
	}
	d.handlers = append(d.handlers, registration{name: name, handler: h})
}

// Dispatch validates evt, assigns an ID and timestamp when missing, and
// delivers it. Handler errors are logged and joined.
func (d *Dispatcher) Dispatch(ctx context.Context, evt model.DomainEvent) error {
	if err := Validate(evt); err != nil {
		return err
	}
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = d.now().UTC()
	}

	d.mu.RLock()
	handlers := make([]registration, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	var errs []error
	for _, r := range handlers {
		if err := r.handler.HandleEvent(ctx, evt); err != nil {
			d.logger.Error("domain event handler failed",
				zap.String("handler", r.name),
				zap.String("event_id", evt.ID),
				zap.String("kind", evt.Kind),
				zap.String("workspace_id", evt.WorkspaceID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the fields every domain event must carry.
func Validate(evt model.DomainEvent) error {
	var details []model.FieldError
	if evt.WorkspaceID == "" {
		details = append(details, model.FieldError{Field: "workspace_id", Code: "REQUIRED", Message: "workspace_id is required"})
	}
	if !model.IsValidEventKind(evt.Kind) {
		details = append(details, model.FieldError{Field: "kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown event kind %q", evt.Kind)})
	}
	if evt.Kind == model.EventStatusChanged && evt.ToStatus == "" {
		details = append(details, model.FieldError{Field: "to_status", Code: "REQUIRED", Message: "to_status is required for status_changed events"})
	}
	if evt.Kind == model.EventMessage && evt.MessageName == "" {
		details = append(details, model.FieldError{Field: "message_name", Code: "REQUIRED", Message: "message_name is required for message events"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}
