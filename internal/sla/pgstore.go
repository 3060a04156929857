package sla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/flowcore/model"
)

const instanceColumns = `id, workspace_id, definition_id, target_type, target_id,
	started_at, response, resolution, warning_threshold_percent,
	paused_at, pause_reason, accumulated_paused_ms, ended_at, version`

// PgStore is a PostgreSQL-backed Store using pgx/v5. The one-active-instance
// rule is enforced by a partial unique index on the target columns.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL SLA store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new instance.
func (s *PgStore) Create(ctx context.Context, inst model.SlaInstance) error {
	responseJSON, resolutionJSON, err := marshalClocks(inst)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sla_instances (
			id, workspace_id, definition_id, target_type, target_id,
			started_at, response, resolution, warning_threshold_percent,
			paused_at, pause_reason, accumulated_paused_ms, ended_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		inst.ID, inst.WorkspaceID, inst.DefinitionID, inst.TargetType, inst.TargetID,
		inst.StartedAt, responseJSON, resolutionJSON, inst.WarningThresholdPercent,
		inst.PausedAt, inst.PauseReason, inst.AccumulatedPausedMs, inst.EndedAt, inst.Version,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(
			fmt.Sprintf("an active SLA instance of %q already exists for %s %q", inst.DefinitionID, inst.TargetType, inst.TargetID),
		)
	}
	if err != nil {
		return fmt.Errorf("insert SLA instance: %w", err)
	}
	return nil
}

// Get retrieves an instance by ID, scoped to workspace.
func (s *PgStore) Get(ctx context.Context, workspaceID, id string) (model.SlaInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `SELECT `+instanceColumns+`
		FROM sla_instances WHERE id = $1 AND workspace_id = $2`, id, workspaceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SlaInstance{}, notFound(id)
	}
	if err != nil {
		return model.SlaInstance{}, fmt.Errorf("query SLA instance: %w", err)
	}
	return inst, nil
}

// Update persists an instance with optimistic locking.
func (s *PgStore) Update(ctx context.Context, inst model.SlaInstance) error {
	responseJSON, resolutionJSON, err := marshalClocks(inst)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sla_instances SET
			response = $1,
			resolution = $2,
			paused_at = $3,
			pause_reason = $4,
			accumulated_paused_ms = $5,
			ended_at = $6,
			version = $7
		WHERE id = $8 AND version = $9`,
		responseJSON, resolutionJSON, inst.PausedAt, inst.PauseReason,
		inst.AccumulatedPausedMs, inst.EndedAt, inst.Version+1,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update SLA instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("SLA instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// FindByTarget returns every instance attached to a target.
func (s *PgStore) FindByTarget(ctx context.Context, workspaceID, targetType, targetID string) ([]model.SlaInstance, error) {
	return s.query(ctx, `SELECT `+instanceColumns+`
		FROM sla_instances
		WHERE workspace_id = $1 AND target_type = $2 AND target_id = $3
		ORDER BY (ended_at IS NULL) DESC, started_at ASC, id ASC`,
		workspaceID, targetType, targetID,
	)
}

// ListActive returns the active instances of a workspace.
func (s *PgStore) ListActive(ctx context.Context, workspaceID string) ([]model.SlaInstance, error) {
	return s.query(ctx, `SELECT `+instanceColumns+`
		FROM sla_instances
		WHERE workspace_id = $1 AND ended_at IS NULL
		ORDER BY started_at ASC, id ASC`,
		workspaceID,
	)
}

// ActiveWorkspaces returns the workspaces with active instances.
func (s *PgStore) ActiveWorkspaces(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT workspace_id FROM sla_instances
		WHERE ended_at IS NULL
		ORDER BY workspace_id`)
	if err != nil {
		return nil, fmt.Errorf("query SLA workspaces: %w", err)
	}
	workspaces, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan SLA workspaces: %w", err)
	}
	return workspaces, nil
}

func (s *PgStore) query(ctx context.Context, query string, args ...any) ([]model.SlaInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query SLA instances: %w", err)
	}
	defer rows.Close()

	var instances []model.SlaInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan SLA instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func marshalClocks(inst model.SlaInstance) (response, resolution []byte, err error) {
	if response, err = json.Marshal(inst.Response); err != nil {
		return nil, nil, fmt.Errorf("marshal response clock: %w", err)
	}
	if resolution, err = json.Marshal(inst.Resolution); err != nil {
		return nil, nil, fmt.Errorf("marshal resolution clock: %w", err)
	}
	return response, resolution, nil
}

func scanInstance(row pgx.Row) (model.SlaInstance, error) {
	var inst model.SlaInstance
	var responseJSON, resolutionJSON []byte
	if err := row.Scan(
		&inst.ID, &inst.WorkspaceID, &inst.DefinitionID, &inst.TargetType, &inst.TargetID,
		&inst.StartedAt, &responseJSON, &resolutionJSON, &inst.WarningThresholdPercent,
		&inst.PausedAt, &inst.PauseReason, &inst.AccumulatedPausedMs, &inst.EndedAt, &inst.Version,
	); err != nil {
		return model.SlaInstance{}, err
	}
	if err := json.Unmarshal(responseJSON, &inst.Response); err != nil {
		return model.SlaInstance{}, fmt.Errorf("unmarshal response clock: %w", err)
	}
	if err := json.Unmarshal(resolutionJSON, &inst.Resolution); err != nil {
		return model.SlaInstance{}, fmt.Errorf("unmarshal resolution clock: %w", err)
	}
	return inst, nil
}
