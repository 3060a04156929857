// Package task manages the lifecycle of human work items spawned by process
// instances: claim, delegate, complete, comment, and cancellation when the
// owning instance ends.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/internal/idempotency"
	"github.com/pitabwire/flowcore/internal/notify"
	"github.com/pitabwire/flowcore/internal/observability"
	"github.com/pitabwire/flowcore/model"
)

// MaxBatchSize is the largest number of tasks BatchClaim accepts.
const MaxBatchSize = 100

// completionLeaseTTL bounds how long one Complete call holds a task
// against concurrent completions. It outlives the runtime call timeout.
const completionLeaseTTL = 2 * time.Minute

// maxWriteAttempts bounds reload-and-reapply loops for writes that must not
// be lost to a concurrent version bump.
const maxWriteAttempts = 5

// Completer forwards a task completion to the process runtime.
type Completer interface {
	CompleteUserTask(ctx context.Context, taskKey string, formData map[string]any) error
}

// Leaser grants short exclusive leases. The idempotency stores implement it,
// so replicas sharing Redis also share completion leases.
type Leaser interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// EventPublisher receives domain events produced by task transitions.
type EventPublisher interface {
	Dispatch(ctx context.Context, evt model.DomainEvent) error
}

// Manager owns the task state machine.
type Manager struct {
	store     Store
	completer Completer
	notifier  notify.Notifier
	events    EventPublisher
	leases    Leaser
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewManager creates a task Manager. notifier and logger may be nil.
func NewManager(store Store, completer Completer, notifier notify.Notifier, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		completer: completer,
		notifier:  notifier,
		leases:    idempotency.NewMemoryStore(),
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// SetEventPublisher sets the receiver of the domain events tasks produce:
// entity_created and entity_closed for the task itself, and task_completed.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	m.events = p
}

// SetLeaser replaces the in-process completion leases, typically with the
// shared idempotency store.
func (m *Manager) SetLeaser(l Leaser) {
	m.leases = l
}

// Get returns a task of the caller's workspace.
func (m *Manager) Get(ctx context.Context, rctx *model.RequestContext, taskID string) (model.TaskInstance, error) {
	return m.store.Get(ctx, rctx.WorkspaceID, taskID)
}

// ListByInstance returns the tasks of a process instance.
func (m *Manager) ListByInstance(ctx context.Context, workspaceID, processInstanceID string) ([]model.TaskInstance, error) {
	return m.store.ListByInstance(ctx, workspaceID, processInstanceID)
}

// HandleTaskCreated records a task announced by the runtime. Repeated
// announcements of the same runtime task return the existing task.
func (m *Manager) HandleTaskCreated(ctx context.Context, ref model.ProcessInstanceRef, evt model.RuntimeEvent) (model.TaskInstance, error) {
	if evt.TaskKey == "" {
		return model.TaskInstance{}, model.NewValidationError([]model.FieldError{
			{Field: "task_key", Code: "REQUIRED", Message: "task_key is required for taskCreated events"},
		})
	}

	existing, err := m.store.GetByRuntimeKey(ctx, evt.TaskKey)
	if err == nil {
		return existing, nil
	}
	if !model.IsCode(err, model.ErrNotFound) {
		return model.TaskInstance{}, err
	}

	now := m.now().UTC()
	t := model.TaskInstance{
		ID:                uuid.New().String(),
		WorkspaceID:       ref.WorkspaceID,
		ProcessInstanceID: ref.ID,
		RuntimeTaskKey:    evt.TaskKey,
		ElementID:         evt.ElementID,
		ElementName:       evt.ElementName,
		Status:            model.TaskStatusCreated,
		FormSchema:        evt.FormSchema,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
		History:           []model.TaskHistoryEntry{},
	}
	if err := m.store.Create(ctx, t); err != nil {
		if model.IsCode(err, model.ErrConflict) {
			// Another delivery of the same event won the insert.
			return m.store.GetByRuntimeKey(ctx, evt.TaskKey)
		}
		return model.TaskInstance{}, err
	}

	m.metrics.RecordTaskOperation("create", "ok")
	m.logger.Info("task created",
		zap.String("task_id", t.ID),
		zap.String("workspace_id", t.WorkspaceID),
		zap.String("process_instance_id", t.ProcessInstanceID),
		zap.String("element_id", t.ElementID),
	)
	m.notify(ctx, model.NotifyTaskCreated, t)
	m.publish(ctx, model.EventEntityCreated, t, model.SystemActorID, ref.Causation)
	return t, nil
}

// Claim assigns an unclaimed task to the caller. Claiming a task the caller
// already holds succeeds without change. A task held by someone else fails
// with ALREADY_CLAIMED.
func (m *Manager) Claim(ctx context.Context, rctx *model.RequestContext, taskID string) (t model.TaskInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "task.claim",
		observability.AttrTaskID.String(taskID),
		observability.AttrSubjectID.String(rctx.SubjectID),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		m.metrics.RecordTaskOperation("claim", outcome(err))
	}()

	t, err = m.store.Get(ctx, rctx.WorkspaceID, taskID)
	if err != nil {
		return model.TaskInstance{}, err
	}
	if done, err := checkClaimable(t, rctx.SubjectID); done || err != nil {
		return t, err
	}

	t.Status = model.TaskStatusClaimed
	t.AssigneeID = rctx.SubjectID
	t.History = append(t.History, m.entry(model.TaskHistoryClaimed, rctx.SubjectID, nil))

	if err := m.store.Update(ctx, t); err != nil {
		if !model.IsCode(err, model.ErrConflict) {
			return model.TaskInstance{}, err
		}
		// Lost the race: report who holds it now.
		current, getErr := m.store.Get(ctx, rctx.WorkspaceID, taskID)
		if getErr != nil {
			return model.TaskInstance{}, getErr
		}
		if done, claimErr := checkClaimable(current, rctx.SubjectID); done || claimErr != nil {
			return current, claimErr
		}
		return model.TaskInstance{}, err
	}
	t.Version++

	m.logger.Info("task claimed", zap.String("task_id", t.ID), zap.String("assignee_id", t.AssigneeID))
	m.notify(ctx, model.NotifyTaskUpdated, t)
	return t, nil
}

// checkClaimable reports done=true when the task is already held by userID,
// and an error when it cannot be claimed.
func checkClaimable(t model.TaskInstance, userID string) (done bool, err error) {
	switch {
	case t.IsTerminal():
		return false, model.NewInvalidTransitionError(fmt.Sprintf("task %q is %s", t.ID, t.Status))
	case t.IsAssigned() && t.AssigneeID == userID:
		return true, nil
	case t.IsAssigned():
		return false, model.NewAlreadyClaimedError(t.ID, t.AssigneeID)
	}
	return false, nil
}

// BatchClaim claims each task independently and reports a result per ID in
// request order.
func (m *Manager) BatchClaim(ctx context.Context, rctx *model.RequestContext, taskIDs []string) ([]model.BatchClaimResult, error) {
	if len(taskIDs) == 0 {
		return nil, model.NewValidationError([]model.FieldError{
			{Field: "task_ids", Code: "REQUIRED", Message: "at least one task id is required"},
		})
	}
	if len(taskIDs) > MaxBatchSize {
		return nil, model.NewValidationError([]model.FieldError{
			{Field: "task_ids", Code: "RANGE", Message: fmt.Sprintf("at most %d task ids are allowed", MaxBatchSize)},
		})
	}

	results := make([]model.BatchClaimResult, len(taskIDs))
	for i, id := range taskIDs {
		results[i].ID = id
		if _, err := m.Claim(ctx, rctx, id); err != nil {
			results[i].Error = envelope(err)
			continue
		}
		results[i].OK = true
	}
	return results, nil
}

// Delegate hands a held task to another user. Only the current assignee or
// a privileged actor may delegate.
func (m *Manager) Delegate(ctx context.Context, rctx *model.RequestContext, taskID, toUserID string) (t model.TaskInstance, err error) {
	defer func() { m.metrics.RecordTaskOperation("delegate", outcome(err)) }()

	if toUserID == "" {
		return model.TaskInstance{}, model.NewValidationError([]model.FieldError{
			{Field: "to_user_id", Code: "REQUIRED", Message: "to_user_id is required"},
		})
	}

	t, err = m.store.Get(ctx, rctx.WorkspaceID, taskID)
	if err != nil {
		return model.TaskInstance{}, err
	}
	if !t.IsAssigned() {
		return model.TaskInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("task %q is %s, only claimed tasks can be delegated", t.ID, t.Status),
		)
	}
	if !rctx.ActsFor(t.AssigneeID) {
		return model.TaskInstance{}, model.NewForbiddenError(
			fmt.Sprintf("task %q is assigned to another user", t.ID),
		)
	}

	from := t.AssigneeID
	t.Status = model.TaskStatusDelegated
	t.AssigneeID = toUserID
	t.History = append(t.History, m.entry(model.TaskHistoryDelegated, rctx.SubjectID, map[string]any{
		"from_user_id": from,
		"to_user_id":   toUserID,
	}))

	if err := m.store.Update(ctx, t); err != nil {
		return model.TaskInstance{}, err
	}
	t.Version++

	m.logger.Info("task delegated",
		zap.String("task_id", t.ID),
		zap.String("from_user_id", from),
		zap.String("to_user_id", toUserID),
	)
	m.notify(ctx, model.NotifyTaskUpdated, t)
	return t, nil
}

// Complete validates formData against the task's form schema and forwards
// the completion to the runtime. The task is marked completed only after the
// runtime acknowledges; a rejection or timeout leaves it unchanged.
func (m *Manager) Complete(ctx context.Context, rctx *model.RequestContext, taskID string, formData map[string]any) (t model.TaskInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "task.complete",
		observability.AttrTaskID.String(taskID),
		observability.AttrSubjectID.String(rctx.SubjectID),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		m.metrics.RecordTaskOperation("complete", outcome(err))
	}()

	t, err = m.completable(ctx, rctx, taskID)
	if err != nil {
		return model.TaskInstance{}, err
	}
	if err := validateForm(t.FormSchema, formData); err != nil {
		return model.TaskInstance{}, err
	}

	leaseKey := "task-complete:" + t.ID
	held, err := m.leases.Acquire(ctx, leaseKey, completionLeaseTTL)
	if err != nil {
		return model.TaskInstance{}, err
	}
	if !held {
		return model.TaskInstance{}, model.NewConflictError(
			fmt.Sprintf("completion of task %q is already in progress", t.ID),
		)
	}
	defer func() {
		if err := m.leases.Release(context.WithoutCancel(ctx), leaseKey); err != nil {
			m.logger.Warn("failed to release completion lease", zap.String("task_id", taskID), zap.Error(err))
		}
	}()

	// A completion that finished before the lease was taken is visible now.
	if t, err = m.completable(ctx, rctx, taskID); err != nil {
		return model.TaskInstance{}, err
	}

	if err := m.completer.CompleteUserTask(ctx, t.RuntimeTaskKey, formData); err != nil {
		m.logger.Warn("runtime did not complete task",
			zap.String("task_id", t.ID),
			zap.String("runtime_task_key", t.RuntimeTaskKey),
			zap.Error(err),
		)
		return model.TaskInstance{}, err
	}

	completed, err := m.recordCompletion(ctx, t, rctx.SubjectID, formData)
	if err != nil {
		return model.TaskInstance{}, err
	}

	m.logger.Info("task completed", zap.String("task_id", completed.ID), zap.String("actor_id", rctx.SubjectID))
	m.notify(ctx, model.NotifyTaskUpdated, completed)
	m.publish(ctx, model.EventTaskCompleted, completed, rctx.SubjectID, model.Causation{})
	return completed, nil
}

// completable loads a task and checks that rctx may complete it now.
func (m *Manager) completable(ctx context.Context, rctx *model.RequestContext, taskID string) (model.TaskInstance, error) {
	t, err := m.store.Get(ctx, rctx.WorkspaceID, taskID)
	if err != nil {
		return model.TaskInstance{}, err
	}
	if !t.IsAssigned() {
		return model.TaskInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("task %q is %s, only claimed tasks can be completed", t.ID, t.Status),
		)
	}
	if !rctx.ActsFor(t.AssigneeID) {
		return model.TaskInstance{}, model.NewForbiddenError(
			fmt.Sprintf("task %q is assigned to another user", t.ID),
		)
	}
	return t, nil
}

// recordCompletion writes the completed state. The runtime has already
// acknowledged, so a concurrent version bump (a comment, say) is resolved by
// reloading and reapplying. A task cancelled in the meantime stays cancelled.
func (m *Manager) recordCompletion(ctx context.Context, t model.TaskInstance, actorID string, formData map[string]any) (model.TaskInstance, error) {
	for attempt := 1; ; attempt++ {
		switch t.Status {
		case model.TaskStatusCompleted:
			return t, nil
		case model.TaskStatusCancelled:
			m.logger.Warn("task cancelled while its completion was in flight",
				zap.String("task_id", t.ID),
				zap.String("actor_id", actorID),
			)
			return model.TaskInstance{}, model.NewInvalidTransitionError(
				fmt.Sprintf("task %q was cancelled while its completion was in flight", t.ID),
			)
		}

		assignee := t.AssigneeID
		t.Status = model.TaskStatusCompleted
		t.AssigneeID = ""
		t.History = append(t.History, m.entry(model.TaskHistoryCompleted, actorID, map[string]any{
			"assignee_id": assignee,
			"form_data":   formData,
		}))

		err := m.store.Update(ctx, t)
		if err == nil {
			t.Version++
			return t, nil
		}
		if !model.IsCode(err, model.ErrConflict) || attempt >= maxWriteAttempts {
			m.logger.Error("runtime completed task but local write failed",
				zap.String("task_id", t.ID),
				zap.Error(err),
			)
			return model.TaskInstance{}, err
		}
		if t, err = m.store.Get(ctx, t.WorkspaceID, t.ID); err != nil {
			return model.TaskInstance{}, err
		}
	}
}

// AddComment appends a comment to the task history. Comments are accepted
// in every state and never change the status.
func (m *Manager) AddComment(ctx context.Context, rctx *model.RequestContext, taskID, content string) (t model.TaskInstance, err error) {
	defer func() { m.metrics.RecordTaskOperation("comment", outcome(err)) }()

	if content == "" {
		return model.TaskInstance{}, model.NewValidationError([]model.FieldError{
			{Field: "content", Code: "REQUIRED", Message: "content is required"},
		})
	}

	for attempt := 1; ; attempt++ {
		t, err = m.store.Get(ctx, rctx.WorkspaceID, taskID)
		if err != nil {
			return model.TaskInstance{}, err
		}
		t.History = append(t.History, m.entry(model.TaskHistoryCommented, rctx.SubjectID, map[string]any{
			"content": content,
		}))

		err = m.store.Update(ctx, t)
		if err == nil {
			t.Version++
			m.notify(ctx, model.NotifyTaskUpdated, t)
			return t, nil
		}
		if !model.IsCode(err, model.ErrConflict) || attempt >= maxWriteAttempts {
			return model.TaskInstance{}, err
		}
	}
}

// CancelForInstance cancels every non-terminal task of a process instance
// on behalf of the system actor. Tasks already completed or cancelled are
// left alone, so repeated termination signals are harmless. It returns the
// number of tasks cancelled.
func (m *Manager) CancelForInstance(ctx context.Context, ref model.ProcessInstanceRef) (int, error) {
	tasks, err := m.store.ListByInstance(ctx, ref.WorkspaceID, ref.ID)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	var errs []error
	for _, t := range tasks {
		ok, err := m.cancel(ctx, t)
		if err != nil {
			m.logger.Error("failed to cancel task",
				zap.String("task_id", t.ID),
				zap.String("process_instance_id", ref.ID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("cancel task %s: %w", t.ID, err))
			continue
		}
		if ok {
			cancelled++
			m.publish(ctx, model.EventEntityClosed, t, model.SystemActorID, ref.Causation)
		}
	}

	if cancelled > 0 {
		m.logger.Info("tasks cancelled for terminated instance",
			zap.String("process_instance_id", ref.ID),
			zap.Int("count", cancelled),
		)
	}
	return cancelled, errors.Join(errs...)
}

func (m *Manager) cancel(ctx context.Context, t model.TaskInstance) (bool, error) {
	for attempt := 1; ; attempt++ {
		if t.IsTerminal() {
			return false, nil
		}
		t.Status = model.TaskStatusCancelled
		t.AssigneeID = ""
		t.History = append(t.History, m.entry(model.TaskHistoryCancelled, model.SystemActorID, nil))

		err := m.store.Update(ctx, t)
		if err == nil {
			t.Version++
			m.metrics.RecordTaskOperation("cancel", "ok")
			m.notify(ctx, model.NotifyTaskUpdated, t)
			return true, nil
		}
		if !model.IsCode(err, model.ErrConflict) || attempt >= maxWriteAttempts {
			m.metrics.RecordTaskOperation("cancel", outcome(err))
			return false, err
		}
		if t, err = m.store.Get(ctx, t.WorkspaceID, t.ID); err != nil {
			return false, err
		}
	}
}

func (m *Manager) entry(typ, actorID string, payload map[string]any) model.TaskHistoryEntry {
	return model.TaskHistoryEntry{
		Type:      typ,
		ActorID:   actorID,
		Timestamp: m.now().UTC(),
		Payload:   payload,
	}
}

func (m *Manager) notify(ctx context.Context, typ string, t model.TaskInstance) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, notify.New(typ, t.WorkspaceID, t)); err != nil {
		m.logger.Warn("task notification failed",
			zap.String("task_id", t.ID),
			zap.String("type", typ),
			zap.Error(err),
		)
	}
}

// publish emits a domain event about a task. Handler failures are logged;
// the task transition has already been stored.
func (m *Manager) publish(ctx context.Context, kind string, t model.TaskInstance, actorID string, causation model.Causation) {
	if m.events == nil {
		return
	}
	evt := model.DomainEvent{
		WorkspaceID: t.WorkspaceID,
		Kind:        kind,
		EntityType:  model.TaskTargetType,
		EntityID:    t.ID,
		ActorID:     actorID,
		Payload: map[string]any{
			"process_instance_id": t.ProcessInstanceID,
			"element_id":          t.ElementID,
		},
		OccurredAt: m.now().UTC(),
		Causation:  causation,
	}
	if err := m.events.Dispatch(ctx, evt); err != nil {
		m.logger.Warn("task event handling failed",
			zap.String("task_id", t.ID),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}

func envelope(err error) *model.ErrorEnvelope {
	if ee, ok := model.AsEnvelope(err); ok {
		return ee
	}
	return model.NewInternalError()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if ee, ok := model.AsEnvelope(err); ok {
		return ee.Code
	}
	return "error"
}
