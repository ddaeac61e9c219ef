package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/model"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint breach.
const uniqueViolation = "23505"

// schema creates the engine's tables. History rows are protected against
// UPDATE and DELETE by rules.
const schema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	id              TEXT PRIMARY KEY,
	definition_name TEXT        NOT NULL,
	case_ref        TEXT        NOT NULL DEFAULT '',
	current_step    TEXT        NOT NULL,
	status          TEXT        NOT NULL,
	context         JSONB,
	version         INTEGER     NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_instances_case_ref_idx ON workflow_instances (case_ref);

CREATE TABLE IF NOT EXISTS workflow_history (
	id           TEXT PRIMARY KEY,
	instance_id  TEXT        NOT NULL REFERENCES workflow_instances (id),
	sequence     INTEGER     NOT NULL,
	from_step    TEXT        NOT NULL DEFAULT '',
	to_step      TEXT        NOT NULL DEFAULT '',
	trigger_name TEXT        NOT NULL,
	actor_id     TEXT        NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	notes        TEXT        NOT NULL DEFAULT '',
	UNIQUE (instance_id, sequence)
);
CREATE INDEX IF NOT EXISTS workflow_history_actor_idx ON workflow_history (actor_id, created_at);
CREATE INDEX IF NOT EXISTS workflow_history_created_idx ON workflow_history (created_at);
CREATE OR REPLACE RULE workflow_history_no_update AS ON UPDATE TO workflow_history DO INSTEAD NOTHING;
CREATE OR REPLACE RULE workflow_history_no_delete AS ON DELETE TO workflow_history DO INSTEAD NOTHING;

CREATE TABLE IF NOT EXISTS pending_tasks (
	id               TEXT PRIMARY KEY,
	instance_id      TEXT        NOT NULL REFERENCES workflow_instances (id),
	step_id          TEXT        NOT NULL,
	assignee_role    TEXT        NOT NULL DEFAULT '',
	assignee_user_id TEXT        NOT NULL DEFAULT '',
	status           TEXT        NOT NULL,
	claimed_by       TEXT        NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	due_at           TIMESTAMPTZ,
	closed_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS pending_tasks_instance_idx ON pending_tasks (instance_id, status);
CREATE INDEX IF NOT EXISTS pending_tasks_due_idx ON pending_tasks (status, due_at);
`

const (
	instanceColumns = `id, definition_name, case_ref, current_step, status, context, version, created_at, updated_at`
	historyColumns  = `id, instance_id, sequence, from_step, to_step, trigger_name, actor_id, created_at, notes`
	taskColumns     = `id, instance_id, step_id, assignee_role, assignee_user_id, status, claimed_by, created_at, due_at, closed_at`
)

// PgStore is a PostgreSQL-backed Datastore using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL datastore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables the store needs if they don't exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate workflow schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// LoadInstance retrieves an instance by ID.
func (s *PgStore) LoadInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// WithTx runs fn inside a database transaction, committing when fn
// succeeds and rolling back otherwise.
func (s *PgStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

// QueryHistory returns entries matching q.
func (s *PgStore) QueryHistory(ctx context.Context, q HistoryQuery) ([]model.HistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM workflow_history WHERE TRUE`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}

	if q.InstanceID != "" {
		add(" AND instance_id = $%d", q.InstanceID)
	}
	if q.ActorID != "" {
		add(" AND actor_id = $%d", q.ActorID)
	}
	if !q.From.IsZero() {
		add(" AND created_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add(" AND created_at < $%d", q.To)
	}

	if q.InstanceID != "" {
		query += " ORDER BY sequence ASC"
	} else {
		query += " ORDER BY created_at ASC, instance_id ASC, sequence ASC"
	}
	if q.Limit > 0 {
		add(" LIMIT $%d", q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow history: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		if err := rows.Scan(
			&e.ID, &e.InstanceID, &e.Sequence, &e.FromStep, &e.ToStep,
			&e.Trigger, &e.ActorID, &e.Timestamp, &e.Notes,
		); err != nil {
			return nil, fmt.Errorf("scan workflow history: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// QueryTasks returns tasks matching q, oldest first.
func (s *PgStore) QueryTasks(ctx context.Context, q TaskQuery) ([]model.PendingTask, error) {
	query := `SELECT ` + taskColumns + ` FROM pending_tasks WHERE TRUE`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}

	if q.InstanceID != "" {
		add(" AND instance_id = $%d", q.InstanceID)
	}
	if q.Status != "" {
		add(" AND status = $%d", q.Status)
	}
	if q.Role != "" {
		add(" AND assignee_role = $%d", q.Role)
	}
	if q.UserID != "" {
		add(" AND assignee_user_id = $%d", q.UserID)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if q.Limit > 0 {
		add(" LIMIT $%d", q.Limit)
	}

	return s.queryTasks(ctx, query, args...)
}

// ClaimTask moves an open task to claimed.
func (s *PgStore) ClaimTask(ctx context.Context, taskID, userID string, _ time.Time) (model.PendingTask, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE pending_tasks SET status = $1, claimed_by = $2
		WHERE id = $3 AND status = $4
		RETURNING `+taskColumns,
		model.TaskStatusClaimed, userID, taskID, model.TaskStatusOpen,
	)
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.PendingTask{}, fmt.Errorf("claim task: %w", err)
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM pending_tasks WHERE id = $1`, taskID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PendingTask{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", taskID))
	}
	if err != nil {
		return model.PendingTask{}, fmt.Errorf("query task status: %w", err)
	}
	return model.PendingTask{}, model.NewConflictError(fmt.Sprintf("task %q is %s", taskID, status))
}

// OverdueTasks returns unfinished tasks due before cutoff, earliest first.
func (s *PgStore) OverdueTasks(ctx context.Context, cutoff time.Time) ([]model.PendingTask, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM pending_tasks
		WHERE status <> $1 AND due_at IS NOT NULL AND due_at < $2
		ORDER BY due_at ASC`,
		model.TaskStatusDone, cutoff,
	)
}

func (s *PgStore) queryTasks(ctx context.Context, query string, args ...any) ([]model.PendingTask, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.PendingTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) SaveInstance(ctx context.Context, inst model.WorkflowInstance, expectedVersion int) error {
	contextJSON, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	if expectedVersion == 0 {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			inst.ID, inst.DefinitionName, inst.CaseRef, inst.CurrentStep, inst.Status,
			contextJSON, inst.Version, inst.CreatedAt, inst.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
		}
		if err != nil {
			return fmt.Errorf("insert workflow instance: %w", err)
		}
		return nil
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_instances SET
			current_step = $1,
			status = $2,
			context = $3,
			version = $4,
			updated_at = $5
		WHERE id = $6 AND version = $7`,
		inst.CurrentStep, inst.Status, contextJSON, inst.Version, inst.UpdatedAt,
		inst.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, expectedVersion),
		)
	}
	return nil
}

func (t *pgTx) AppendHistory(ctx context.Context, e model.HistoryEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO workflow_history (`+historyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.InstanceID, e.Sequence, e.FromStep, e.ToStep,
		e.Trigger, e.ActorID, e.Timestamp, e.Notes,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(
			fmt.Sprintf("history entry %d already recorded for instance %q", e.Sequence, e.InstanceID),
		)
	}
	if err != nil {
		return fmt.Errorf("insert workflow history: %w", err)
	}
	return nil
}

func (t *pgTx) SaveTask(ctx context.Context, task model.PendingTask) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO pending_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.ID, task.InstanceID, task.StepID, task.AssigneeRole, task.AssigneeUserID,
		task.Status, task.ClaimedBy, task.CreatedAt, task.DueAt, task.ClosedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("task %q already exists", task.ID))
	}
	if err != nil {
		return fmt.Errorf("insert pending task: %w", err)
	}
	return nil
}

func (t *pgTx) CloseTasks(ctx context.Context, instanceID string, at time.Time) ([]model.PendingTask, error) {
	rows, err := t.tx.Query(ctx, `
		UPDATE pending_tasks SET status = $1, closed_at = $2
		WHERE instance_id = $3 AND status <> $1
		RETURNING `+taskColumns,
		model.TaskStatusDone, at, instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("close pending tasks: %w", err)
	}
	defer rows.Close()

	var closed []model.PendingTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending task: %w", err)
		}
		closed = append(closed, task)
	}
	return closed, rows.Err()
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var contextJSON []byte
	if err := row.Scan(
		&inst.ID, &inst.DefinitionName, &inst.CaseRef, &inst.CurrentStep, &inst.Status,
		&contextJSON, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &inst.Context); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	return inst, nil
}

func scanTask(row pgx.Row) (model.PendingTask, error) {
	var t model.PendingTask
	if err := row.Scan(
		&t.ID, &t.InstanceID, &t.StepID, &t.AssigneeRole, &t.AssigneeUserID,
		&t.Status, &t.ClaimedBy, &t.CreatedAt, &t.DueAt, &t.ClosedAt,
	); err != nil {
		return model.PendingTask{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
