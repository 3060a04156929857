package process

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

const refColumns = `id, workspace_id, process_definition_key, process_instance_key,
	business_key, bound_entity_id, trigger_id, idempotency_key,
	causation, status, started_at, ended_at, version`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL process store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new reference.
func (s *PgStore) Create(ctx context.Context, ref model.ProcessInstanceRef) error {
	causationJSON, err := json.Marshal(ref.Causation)
	if err != nil {
		return fmt.Errorf("marshal causation: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO process_instances (
			id, workspace_id, process_definition_key, process_instance_key,
			business_key, bound_entity_id, trigger_id, idempotency_key,
			causation, status, started_at, ended_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ref.ID, ref.WorkspaceID, ref.ProcessDefinitionKey, ref.ProcessInstanceKey,
		ref.BusinessKey, ref.BoundEntityID, ref.TriggerID, ref.IdempotencyKey,
		causationJSON, ref.Status, ref.StartedAt, ref.EndedAt, ref.Version,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("process instance %q already exists", ref.ID))
	}
	if err != nil {
		return fmt.Errorf("insert process instance: %w", err)
	}
	return nil
}

// Get retrieves a reference by ID, scoped to workspace.
func (s *PgStore) Get(ctx context.Context, workspaceID, id string) (model.ProcessInstanceRef, error) {
	ref, err := scanRef(s.pool.QueryRow(ctx, `SELECT `+refColumns+`
		FROM process_instances WHERE id = $1 AND workspace_id = $2`, id, workspaceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProcessInstanceRef{}, notFound(id)
	}
	if err != nil {
		return model.ProcessInstanceRef{}, fmt.Errorf("query process instance: %w", err)
	}
	return ref, nil
}

// GetByInstanceKey retrieves a reference by runtime key.
func (s *PgStore) GetByInstanceKey(ctx context.Context, processInstanceKey string) (model.ProcessInstanceRef, error) {
	ref, err := scanRef(s.pool.QueryRow(ctx, `SELECT `+refColumns+`
		FROM process_instances WHERE process_instance_key = $1`, processInstanceKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProcessInstanceRef{}, notFound(processInstanceKey)
	}
	if err != nil {
		return model.ProcessInstanceRef{}, fmt.Errorf("query process instance by key: %w", err)
	}
	return ref, nil
}

// Update persists a reference with optimistic locking.
func (s *PgStore) Update(ctx context.Context, ref model.ProcessInstanceRef) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE process_instances SET
			status = $1,
			ended_at = $2,
			version = $3
		WHERE id = $4 AND version = $5`,
		ref.Status, ref.EndedAt, ref.Version+1,
		ref.ID, ref.Version,
	)
	if err != nil {
		return fmt.Errorf("update process instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("process instance %q version conflict (expected %d)", ref.ID, ref.Version),
		)
	}
	return nil
}

func scanRef(row pgx.Row) (model.ProcessInstanceRef, error) {
	var ref model.ProcessInstanceRef
	var causationJSON []byte
	if err := row.Scan(
		&ref.ID, &ref.WorkspaceID, &ref.ProcessDefinitionKey, &ref.ProcessInstanceKey,
		&ref.BusinessKey, &ref.BoundEntityID, &ref.TriggerID, &ref.IdempotencyKey,
		&causationJSON, &ref.Status, &ref.StartedAt, &ref.EndedAt, &ref.Version,
	); err != nil {
		return model.ProcessInstanceRef{}, err
	}
	if causationJSON != nil {
		if err := json.Unmarshal(causationJSON, &ref.Causation); err != nil {
			return model.ProcessInstanceRef{}, fmt.Errorf("unmarshal causation: %w", err)
		}
	}
	return ref, nil
}
