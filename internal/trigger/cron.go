package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/internal/observability"
	"github.com/pitabwire/flowcore/model"
)

// cronLookback bounds how far back a tick searches for a missed minute.
const cronLookback = 24 * time.Hour

// CronResult summarises one workspace cron tick.
type CronResult struct {
	Evaluated int
	Fired     int
	Failures  int
}

// ParseCron parses a five-field cron expression. An optional CRON_TZ=
// prefix selects the time zone; the default is UTC.
func ParseCron(expr string) (cron.Schedule, error) {
	line := expr
	if !strings.HasPrefix(line, "CRON_TZ=") && !strings.HasPrefix(line, "TZ=") {
		line = "CRON_TZ=UTC " + line
	}
	sched, err := cron.ParseStandard(line)
	if err != nil {
		return nil, model.NewInvalidCronError(expr, err)
	}
	return sched, nil
}

// CronKey is the idempotency key of one scheduled minute of a trigger.
func CronKey(triggerID string, minute time.Time) string {
	return fmt.Sprintf("cron:%s:%s", triggerID, minute.UTC().Format("200601021504"))
}

// CronWorkspaces lists workspaces with at least one active cron trigger.
func (e *Evaluator) CronWorkspaces(ctx context.Context) ([]string, error) {
	return e.store.ActiveWorkspaces(ctx, model.TriggerCron)
}

// TickCron fires the active cron triggers of a workspace whose schedule came
// due since they were last evaluated. Only the latest due minute fires;
// earlier missed minutes are skipped. The start is keyed on the trigger and
// the scheduled minute, so a restart before the evaluation marker is stored
// resolves to the instance already started for that minute.
func (e *Evaluator) TickCron(ctx context.Context, workspaceID string) (result CronResult, err error) {
	ctx, span := observability.StartSpan(ctx, "trigger.cron_tick", observability.AttrWorkspaceID.String(workspaceID))
	defer func() { observability.EndSpanWithError(span, err) }()

	triggers, err := e.store.ListActive(ctx, workspaceID, model.TriggerCron)
	if err != nil {
		return CronResult{}, err
	}

	now := e.now().UTC()
	for _, t := range triggers {
		result.Evaluated++

		sched, err := ParseCron(t.Conditions.Expression)
		if err != nil {
			result.Failures++
			e.logger.Error("stored cron expression does not parse",
				zap.String("trigger_id", t.ID),
				zap.String("expression", t.Conditions.Expression),
				zap.Error(err),
			)
			continue
		}

		due, ok := latestDue(sched, evaluatedSince(t), now)
		if !ok {
			continue
		}
		if err := e.fireCron(ctx, t, due, now); err != nil {
			result.Failures++
			continue
		}
		result.Fired++
	}
	return result, nil
}

func (e *Evaluator) fireCron(ctx context.Context, t model.TriggerDefinition, due, now time.Time) error {
	evt := model.DomainEvent{
		WorkspaceID: t.WorkspaceID,
		Kind:        model.TriggerCron,
		Payload: map[string]any{
			"trigger_id":   t.ID,
			"scheduled_at": due.Format(time.RFC3339),
		},
	}
	fire, err := e.startOnly(ctx, t, evt, CronKey(t.ID, due))
	if err != nil {
		return err
	}
	// Count and marker are written together: a replayed minute was never
	// counted.
	if err := e.recordFire(ctx, t, true, &now); err != nil {
		e.logger.Error("failed to advance cron marker",
			zap.String("trigger_id", t.ID),
			zap.Time("scheduled_at", due),
			zap.Error(err),
		)
		return err
	}
	e.logger.Info("cron trigger fired",
		zap.String("trigger_id", t.ID),
		zap.Time("scheduled_at", due),
		zap.String("process_instance_id", fire.ProcessInstanceID),
		zap.Bool("deduplicated", fire.Deduplicated),
	)
	return nil
}

func evaluatedSince(t model.TriggerDefinition) time.Time {
	if t.LastEvaluatedAt != nil {
		return *t.LastEvaluatedAt
	}
	return t.CreatedAt
}

// latestDue returns the last scheduled minute in (since, now].
func latestDue(sched cron.Schedule, since, now time.Time) (time.Time, bool) {
	if floor := now.Add(-cronLookback); since.Before(floor) {
		since = floor
	}
	next := sched.Next(since)
	if next.IsZero() || next.After(now) {
		return time.Time{}, false
	}
	for {
		after := sched.Next(next)
		if after.IsZero() || after.After(now) {
			return next, true
		}
		next = after
	}
}
