package trigger

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

const triggerColumns = `id, workspace_id, process_definition_id, type, conditions,
	is_active, trigger_count, last_triggered_at, last_evaluated_at,
	created_at, updated_at, version`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL trigger store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new trigger.
func (s *PgStore) Create(ctx context.Context, t model.TriggerDefinition) error {
	conditions, err := json.Marshal(t.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO triggers (`+triggerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.WorkspaceID, t.ProcessDefinitionID, t.Type, conditions,
		t.IsActive, t.TriggerCount, t.LastTriggeredAt, t.LastEvaluatedAt,
		t.CreatedAt, t.UpdatedAt, t.Version,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("trigger %q already exists", t.ID))
	}
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

// Get retrieves a trigger by ID, scoped to workspace.
func (s *PgStore) Get(ctx context.Context, workspaceID, id string) (model.TriggerDefinition, error) {
	t, err := scanTrigger(s.pool.QueryRow(ctx, `SELECT `+triggerColumns+`
		FROM triggers WHERE id = $1 AND workspace_id = $2`, id, workspaceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TriggerDefinition{}, notFound(id)
	}
	if err != nil {
		return model.TriggerDefinition{}, fmt.Errorf("query trigger: %w", err)
	}
	return t, nil
}

// Update persists a trigger with optimistic locking.
func (s *PgStore) Update(ctx context.Context, t model.TriggerDefinition) error {
	conditions, err := json.Marshal(t.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE triggers
		SET process_definition_id = $1, conditions = $2, is_active = $3,
			trigger_count = $4, last_triggered_at = $5, last_evaluated_at = $6,
			updated_at = $7, version = $8 + 1
		WHERE id = $9 AND workspace_id = $10 AND version = $8`,
		t.ProcessDefinitionID, conditions, t.IsActive,
		t.TriggerCount, t.LastTriggeredAt, t.LastEvaluatedAt,
		t.UpdatedAt, t.Version, t.ID, t.WorkspaceID,
	)
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := s.Get(ctx, t.WorkspaceID, t.ID)
		if getErr != nil {
			return getErr
		}
		return versionConflict(t.ID, t.Version, current.Version)
	}
	return nil
}

// Delete removes a trigger.
func (s *PgStore) Delete(ctx context.Context, workspaceID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM triggers WHERE id = $1 AND workspace_id = $2`, id, workspaceID)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

// ListActive returns the active triggers of a workspace with a type.
func (s *PgStore) ListActive(ctx context.Context, workspaceID, triggerType string) ([]model.TriggerDefinition, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+triggerColumns+`
		FROM triggers
		WHERE workspace_id = $1 AND type = $2 AND is_active
		ORDER BY id`, workspaceID, triggerType)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var result []model.TriggerDefinition
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// ActiveWorkspaces returns the workspaces with active triggers of a type.
func (s *PgStore) ActiveWorkspaces(ctx context.Context, triggerType string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT workspace_id
		FROM triggers WHERE type = $1 AND is_active
		ORDER BY workspace_id`, triggerType)
	if err != nil {
		return nil, fmt.Errorf("query trigger workspaces: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func scanTrigger(row pgx.Row) (model.TriggerDefinition, error) {
	var (
		t          model.TriggerDefinition
		conditions []byte
	)
	err := row.Scan(
		&t.ID, &t.WorkspaceID, &t.ProcessDefinitionID, &t.Type, &conditions,
		&t.IsActive, &t.TriggerCount, &t.LastTriggeredAt, &t.LastEvaluatedAt,
		&t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	if err != nil {
		return model.TriggerDefinition{}, err
	}
	if err := json.Unmarshal(conditions, &t.Conditions); err != nil {
		return model.TriggerDefinition{}, fmt.Errorf("unmarshal conditions: %w", err)
	}
	return t, nil
}
