package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/flowcore/model"
)

const uniqueViolation = "23505"

const taskColumns = `id, workspace_id, process_instance_id, COALESCE(runtime_task_key, ''),
	element_id, element_name, status, COALESCE(assignee_id, ''),
	form_schema, history, version, created_at, updated_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL task store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new task.
func (s *PgStore) Create(ctx context.Context, t model.TaskInstance) error {
	schemaJSON, historyJSON, err := marshalTaskJSON(t)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (
			id, workspace_id, process_instance_id, runtime_task_key,
			element_id, element_name, status, assignee_id,
			form_schema, history, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, NULLIF($4, ''),
			$5, $6, $7, NULLIF($8, ''),
			$9, $10, $11, $12, $13
		)`,
		t.ID, t.WorkspaceID, t.ProcessInstanceID, t.RuntimeTaskKey,
		t.ElementID, t.ElementName, t.Status, t.AssigneeID,
		schemaJSON, historyJSON, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.NewConflictError(fmt.Sprintf("task %q already exists", t.ID))
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get retrieves a task by ID, scoped to workspace.
func (s *PgStore) Get(ctx context.Context, workspaceID, taskID string) (model.TaskInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1 AND workspace_id = $2`,
		taskID, workspaceID,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TaskInstance{}, notFound(taskID)
	}
	if err != nil {
		return model.TaskInstance{}, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// GetByRuntimeKey retrieves a task by its runtime task key.
func (s *PgStore) GetByRuntimeKey(ctx context.Context, runtimeTaskKey string) (model.TaskInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+`
		FROM tasks
		WHERE runtime_task_key = $1`,
		runtimeTaskKey,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TaskInstance{}, notFound(runtimeTaskKey)
	}
	if err != nil {
		return model.TaskInstance{}, fmt.Errorf("query task by runtime key: %w", err)
	}
	return t, nil
}

// Update persists an updated task with optimistic locking.
func (s *PgStore) Update(ctx context.Context, t model.TaskInstance) error {
	_, historyJSON, err := marshalTaskJSON(t)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = $1,
			assignee_id = NULLIF($2, ''),
			history = $3,
			version = $4,
			updated_at = $5
		WHERE id = $6 AND version = $7`,
		t.Status, t.AssigneeID, historyJSON, t.Version+1, time.Now().UTC(),
		t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return versionConflict(t.ID, t.Version)
	}
	return nil
}

// ListByInstance returns the tasks of a process instance.
func (s *PgStore) ListByInstance(ctx context.Context, workspaceID, processInstanceID string) ([]model.TaskInstance, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+`
		FROM tasks
		WHERE workspace_id = $1 AND process_instance_id = $2
		ORDER BY created_at ASC, id ASC`,
		workspaceID, processInstanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.TaskInstance
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func marshalTaskJSON(t model.TaskInstance) (schemaJSON, historyJSON []byte, err error) {
	if t.FormSchema != nil {
		if schemaJSON, err = json.Marshal(t.FormSchema); err != nil {
			return nil, nil, fmt.Errorf("marshal form schema: %w", err)
		}
	}
	history := t.History
	if history == nil {
		history = []model.TaskHistoryEntry{}
	}
	if historyJSON, err = json.Marshal(history); err != nil {
		return nil, nil, fmt.Errorf("marshal history: %w", err)
	}
	return schemaJSON, historyJSON, nil
}

func scanTask(row pgx.Row) (model.TaskInstance, error) {
	var t model.TaskInstance
	var schemaJSON, historyJSON []byte
	if err := row.Scan(
		&t.ID, &t.WorkspaceID, &t.ProcessInstanceID, &t.RuntimeTaskKey,
		&t.ElementID, &t.ElementName, &t.Status, &t.AssigneeID,
		&schemaJSON, &historyJSON, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return model.TaskInstance{}, err
	}
	if schemaJSON != nil {
		if err := json.Unmarshal(schemaJSON, &t.FormSchema); err != nil {
			return model.TaskInstance{}, fmt.Errorf("unmarshal form schema: %w", err)
		}
	}
	if historyJSON != nil {
		if err := json.Unmarshal(historyJSON, &t.History); err != nil {
			return model.TaskInstance{}, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return t, nil
}
