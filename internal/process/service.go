// Package process tracks the process instances this core has started in the
// external runtime and routes the runtime's callbacks to the task manager.
package process

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/internal/idempotency"
	"github.com/pitabwire/flowcore/internal/observability"
	"github.com/pitabwire/flowcore/internal/runtime"
	"github.com/pitabwire/flowcore/model"
)

const (
	defaultRecordTTL = 48 * time.Hour
	defaultLeaseTTL  = 30 * time.Second
)

// Starter starts process instances in the runtime.
type Starter interface {
	StartInstance(ctx context.Context, req runtime.StartInstanceRequest) (string, error)
}

// TaskHandler receives the task-related runtime callbacks.
type TaskHandler interface {
	HandleTaskCreated(ctx context.Context, ref model.ProcessInstanceRef, evt model.RuntimeEvent) (model.TaskInstance, error)
	CancelForInstance(ctx context.Context, ref model.ProcessInstanceRef) (int, error)
}

// StartResult is the outcome of Start.
type StartResult struct {
	Ref model.ProcessInstanceRef `json:"process_instance"`

	// Deduplicated is true when the idempotency key matched an earlier
	// start and no new instance was created.
	Deduplicated bool `json:"deduplicated"`
}

// Service starts process instances and applies runtime callbacks.
type Service struct {
	store     Store
	starter   Starter
	idem      idempotency.Store
	tasks     TaskHandler
	recordTTL time.Duration
	leaseTTL  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a process Service. recordTTL bounds how long an
// idempotency key is remembered; zero selects the default.
func NewService(store Store, starter Starter, idem idempotency.Store, tasks TaskHandler, recordTTL time.Duration, logger *zap.Logger) *Service {
	if recordTTL <= 0 {
		recordTTL = defaultRecordTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		starter:   starter,
		idem:      idem,
		tasks:     tasks,
		recordTTL: recordTTL,
		leaseTTL:  defaultLeaseTTL,
		logger:    logger,
		now:       time.Now,
	}
}

// Get returns a process instance reference of a workspace.
func (s *Service) Get(ctx context.Context, workspaceID, id string) (model.ProcessInstanceRef, error) {
	return s.store.Get(ctx, workspaceID, id)
}

// Start starts a process instance. When req carries an idempotency key, a
// repeated start with the same key and input returns the original instance,
// and the same key with different input fails with CONFLICT.
func (s *Service) Start(ctx context.Context, req model.StartProcessRequest) (res StartResult, err error) {
	ctx, span := observability.StartSpan(ctx, "process.start",
		observability.AttrWorkspaceID.String(req.WorkspaceID),
		observability.AttrTriggerID.String(req.TriggerID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := validateStart(req); err != nil {
		return StartResult{}, err
	}
	if req.IdempotencyKey == "" {
		ref, err := s.start(ctx, req)
		return StartResult{Ref: ref}, err
	}

	key := idempotency.FormatKey(req.IdempotencyKey)
	hash, err := inputHash(req)
	if err != nil {
		return StartResult{}, err
	}

	// 1. A completed start with this key wins.
	if res, found, err := s.lookup(ctx, req.WorkspaceID, key, hash); found || err != nil {
		return res, err
	}

	// 2. Only one caller may be starting under this key at a time.
	acquired, err := s.idem.Acquire(ctx, key, s.leaseTTL)
	if err != nil {
		return StartResult{}, fmt.Errorf("acquire idempotency lease: %w", err)
	}
	if !acquired {
		ee := model.NewConflictError(fmt.Sprintf("a start with idempotency key %q is in progress", req.IdempotencyKey))
		ee.Retryable = true
		return StartResult{}, ee
	}
	defer func() {
		if relErr := s.idem.Release(context.WithoutCancel(ctx), key); relErr != nil {
			s.logger.Warn("failed to release idempotency lease", zap.String("key", key), zap.Error(relErr))
		}
	}()

	// 3. The previous holder may have finished between lookup and acquire.
	if res, found, err := s.lookup(ctx, req.WorkspaceID, key, hash); found || err != nil {
		return res, err
	}

	// 4. Start and remember the outcome.
	ref, err := s.start(ctx, req)
	if err != nil {
		return StartResult{}, err
	}
	rec := idempotency.Record{
		InputHash:          hash,
		ProcessInstanceID:  ref.ID,
		ProcessInstanceKey: ref.ProcessInstanceKey,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.idem.Save(ctx, key, rec, s.recordTTL); err != nil {
		// The runtime deduplicates on the forwarded key, so a retry
		// still resolves to this instance.
		s.logger.Error("failed to save idempotency record",
			zap.String("key", key),
			zap.String("process_instance_id", ref.ID),
			zap.Error(err),
		)
	}
	return StartResult{Ref: ref}, nil
}

func (s *Service) lookup(ctx context.Context, workspaceID, key, hash string) (StartResult, bool, error) {
	rec, found, err := s.idem.Check(ctx, key, hash)
	if err != nil || !found {
		return StartResult{}, found, err
	}
	ref, err := s.store.Get(ctx, workspaceID, rec.ProcessInstanceID)
	if err != nil {
		return StartResult{}, true, err
	}
	s.logger.Debug("process start deduplicated",
		zap.String("key", key),
		zap.String("process_instance_id", ref.ID),
	)
	return StartResult{Ref: ref, Deduplicated: true}, true, nil
}

func (s *Service) start(ctx context.Context, req model.StartProcessRequest) (model.ProcessInstanceRef, error) {
	instanceKey, err := s.starter.StartInstance(ctx, runtime.StartInstanceRequest{
		ProcessDefinitionKey: req.ProcessDefinitionKey,
		BusinessKey:          req.BusinessKey,
		Variables:            req.Variables,
		IdempotencyKey:       req.IdempotencyKey,
	})
	if err != nil {
		return model.ProcessInstanceRef{}, err
	}

	// A retried start the runtime deduplicated returns a key we may
	// already track.
	if existing, err := s.store.GetByInstanceKey(ctx, instanceKey); err == nil {
		return existing, nil
	}

	ref := model.ProcessInstanceRef{
		ID:                   uuid.New().String(),
		WorkspaceID:          req.WorkspaceID,
		ProcessDefinitionKey: req.ProcessDefinitionKey,
		ProcessInstanceKey:   instanceKey,
		BusinessKey:          req.BusinessKey,
		BoundEntityID:        req.BoundEntityID,
		TriggerID:            req.TriggerID,
		IdempotencyKey:       req.IdempotencyKey,
		Causation:            req.Causation,
		Status:               model.ProcessStatusActive,
		StartedAt:            s.now().UTC(),
		Version:              1,
	}
	if err := s.store.Create(ctx, ref); err != nil {
		return model.ProcessInstanceRef{}, err
	}

	s.logger.Info("process instance started",
		zap.String("process_instance_id", ref.ID),
		zap.String("process_instance_key", ref.ProcessInstanceKey),
		zap.String("process_definition_key", ref.ProcessDefinitionKey),
		zap.String("workspace_id", ref.WorkspaceID),
		zap.String("trigger_id", ref.TriggerID),
	)
	if ce := s.logger.Check(zap.DebugLevel, "process variables"); ce != nil {
		ce.Write(
			zap.String("process_instance_id", ref.ID),
			zap.Any("variables", observability.RedactVariables(req.Variables)),
		)
	}
	return ref, nil
}

// HandleRuntimeEvent applies one runtime callback. Terminal states are only
// ever set here. Callbacks for instances that already ended are accepted
// without change, except that termination always sweeps remaining tasks.
func (s *Service) HandleRuntimeEvent(ctx context.Context, evt model.RuntimeEvent) (err error) {
	ctx, span := observability.StartSpan(ctx, "process.runtime_event",
		observability.AttrProcessInstanceID.String(evt.ProcessInstanceKey),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if evt.ProcessInstanceKey == "" {
		return model.NewValidationError([]model.FieldError{
			{Field: "process_instance_key", Code: "REQUIRED", Message: "process_instance_key is required"},
		})
	}
	ref, err := s.store.GetByInstanceKey(ctx, evt.ProcessInstanceKey)
	if err != nil {
		return err
	}

	switch evt.Type {
	case model.RuntimeEventTaskCreated:
		_, err := s.tasks.HandleTaskCreated(ctx, ref, evt)
		return err
	case model.RuntimeEventInstanceCompleted:
		return s.transition(ctx, ref, model.ProcessStatusCompleted)
	case model.RuntimeEventInstanceTerminated:
		if err := s.transition(ctx, ref, model.ProcessStatusTerminated); err != nil {
			return err
		}
		_, err := s.tasks.CancelForInstance(ctx, ref)
		return err
	case model.RuntimeEventIncident:
		return s.transition(ctx, ref, model.ProcessStatusIncident)
	default:
		return model.NewValidationError([]model.FieldError{
			{Field: "type", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown runtime event type %q", evt.Type)},
		})
	}
}

func (s *Service) transition(ctx context.Context, ref model.ProcessInstanceRef, status string) error {
	const maxAttempts = 5
	for attempt := 1; ; attempt++ {
		if ref.IsTerminal() || ref.Status == status {
			return nil
		}
		ref.Status = status
		if ref.IsTerminal() {
			ended := s.now().UTC()
			ref.EndedAt = &ended
		}

		err := s.store.Update(ctx, ref)
		if err == nil {
			s.logger.Info("process instance status changed",
				zap.String("process_instance_id", ref.ID),
				zap.String("status", status),
			)
			return nil
		}
		if !model.IsCode(err, model.ErrConflict) || attempt >= maxAttempts {
			return err
		}
		if ref, err = s.store.Get(ctx, ref.WorkspaceID, ref.ID); err != nil {
			return err
		}
	}
}

func validateStart(req model.StartProcessRequest) error {
	var details []model.FieldError
	if req.WorkspaceID == "" {
		details = append(details, model.FieldError{Field: "workspace_id", Code: "REQUIRED", Message: "workspace_id is required"})
	}
	if req.ProcessDefinitionKey == "" {
		details = append(details, model.FieldError{Field: "process_definition_key", Code: "REQUIRED", Message: "process_definition_key is required"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// inputHash fingerprints the parts of a start request that must match for a
// repeated idempotency key to count as the same start.
func inputHash(req model.StartProcessRequest) (string, error) {
	data, err := json.Marshal(struct {
		WorkspaceID          string         `json:"w"`
		ProcessDefinitionKey string         `json:"p"`
		BusinessKey          string         `json:"b"`
		BoundEntityID        string         `json:"e"`
		TriggerID            string         `json:"t"`
		Variables            map[string]any `json:"v"`
	}{req.WorkspaceID, req.ProcessDefinitionKey, req.BusinessKey, req.BoundEntityID, req.TriggerID, req.Variables})
	if err != nil {
		return "", fmt.Errorf("hash start request: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}
