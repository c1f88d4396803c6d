package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/quickresolve/docpipe/internal/domain"
)

// PgxPool is the minimal pool surface the repositories need.
type PgxPool interface {
	Exec(ctx domain.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx domain.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx domain.Context, sql string, args ...any) pgx.Row
	Begin(ctx domain.Context) (pgx.Tx, error)
}

// TaskRepo persists and loads tasks from PostgreSQL.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `id, name, parent_id, input, output, status_code, status, progress, state,
	workspace_id, idempotency_key, created_at, scheduled_start_at, started_at, ended_at,
	processing_deadline, attempts`

const taskColumnsT = `t.id, t.name, t.parent_id, t.input, t.output, t.status_code, t.status, t.progress, t.state,
	t.workspace_id, t.idempotency_key, t.created_at, t.scheduled_start_at, t.started_at, t.ended_at,
	t.processing_deadline, t.attempts`

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var input, output, state []byte
	err := row.Scan(&t.ID, &t.Name, &t.ParentID, &input, &output, &t.StatusCode, &t.Status,
		&t.Progress, &state, &t.WorkspaceID, &t.IdemKey, &t.CreatedAt, &t.ScheduledStartAt,
		&t.StartedAt, &t.EndedAt, &t.ProcessingDeadline, &t.Attempts)
	if err != nil {
		return domain.Task{}, err
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &t.Input); err != nil {
			return domain.Task{}, err
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &t.Output); err != nil {
			return domain.Task{}, err
		}
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &t.State); err != nil {
			return domain.Task{}, err
		}
	}
	return t, nil
}

// Create inserts a new task and returns its id. When the idempotency key
// collides with an existing row, the existing id is returned.
func (r *TaskRepo) Create(ctx domain.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	input, err := marshalJSON(t.Input)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	state, err := marshalJSON(t.State)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	q := `INSERT INTO tasks (id, name, parent_id, input, status_code, status, progress, state,
		workspace_id, idempotency_key, created_at, scheduled_start_at, attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0)
		ON CONFLICT (idempotency_key) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, t.ID, t.Name, t.ParentID, input, t.StatusCode, t.Status,
		t.Progress, state, t.WorkspaceID, t.IdemKey, t.CreatedAt, t.ScheduledStartAt)
	if err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	if tag.RowsAffected() == 0 && t.IdemKey != nil {
		existing, err := r.FindByIdempotencyKey(ctx, *t.IdemKey)
		if err != nil {
			return "", fmt.Errorf("op=task.create: %w", err)
		}
		return existing.ID, nil
	}
	return t.ID, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	t, err := scanTask(r.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// FindByIdempotencyKey loads a task by idempotency key.
func (r *TaskRepo) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.FindByIdempotencyKey")
	defer span.End()
	t, err := scanTask(r.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE idempotency_key=$1 LIMIT 1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=task.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.find_idem: %w", err)
	}
	return t, nil
}

// Update applies the patch under a row lock so transition checks serialize.
func (r *TaskRepo) Update(ctx domain.Context, id string, p domain.TaskPatch) (domain.Task, bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Update")
	defer span.End()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("op=task.update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, false, fmt.Errorf("op=task.update: %w", domain.ErrNotFound)
		}
		return domain.Task{}, false, fmt.Errorf("op=task.update: %w", err)
	}
	changed, err := t.ApplyUpdate(p, time.Now().UTC())
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("op=task.update: %w", err)
	}
	if !changed {
		return t, false, nil
	}
	output, err := marshalJSON(t.Output)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("op=task.update: %w", err)
	}
	state, err := marshalJSON(t.State)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("op=task.update: %w", err)
	}
	q := `UPDATE tasks SET status_code=$2, status=$3, progress=$4, output=$5, state=$6,
		scheduled_start_at=$7, started_at=$8, ended_at=$9 WHERE id=$1`
	if _, err := tx.Exec(ctx, q, t.ID, t.StatusCode, t.Status, t.Progress, output, state,
		t.ScheduledStartAt, t.StartedAt, t.EndedAt); err != nil {
		return domain.Task{}, false, fmt.Errorf("op=task.update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Task{}, false, fmt.Errorf("op=task.update: %w", err)
	}
	return t, true, nil
}

// List returns tasks matching the filter, newest first.
func (r *TaskRepo) List(ctx domain.Context, f domain.TaskFilter) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.List")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE ($1 = '' OR name = $1)
		AND ($2::smallint IS NULL OR status_code = $2)
		AND ($3 = '' OR parent_id = $3)
		ORDER BY created_at DESC LIMIT $4 OFFSET $5`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var code *int16
	if f.StatusCode != nil {
		v := int16(*f.StatusCode)
		code = &v
	}
	rows, err := r.Pool.Query(ctx, q, f.Name, code, f.ParentID, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.list: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Due pairs due waiting tasks with one ready consumer per task, FIFO by
// scheduled start.
func (r *TaskRepo) Due(ctx domain.Context, now time.Time, limit int) ([]domain.DeliveryCandidate, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Due")
	defer span.End()
	q := `SELECT ` + taskColumnsT + `, c.topic, c.endpoint_url, c.health_url, c.ready, c.fail_count, c.last_seen_at
		FROM tasks t
		JOIN LATERAL (
			SELECT * FROM consumers c WHERE c.topic = t.name AND c.ready ORDER BY random() LIMIT 1
		) c ON TRUE
		WHERE t.status_code = 0 AND (t.scheduled_start_at IS NULL OR t.scheduled_start_at <= $1)
		ORDER BY COALESCE(t.scheduled_start_at, t.created_at) ASC
		LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.due: %w", err)
	}
	defer rows.Close()
	var out []domain.DeliveryCandidate
	for rows.Next() {
		var t domain.Task
		var c domain.Consumer
		var input, output, state []byte
		err := rows.Scan(&t.ID, &t.Name, &t.ParentID, &input, &output, &t.StatusCode, &t.Status,
			&t.Progress, &state, &t.WorkspaceID, &t.IdemKey, &t.CreatedAt, &t.ScheduledStartAt,
			&t.StartedAt, &t.EndedAt, &t.ProcessingDeadline, &t.Attempts,
			&c.Topic, &c.EndpointURL, &c.HealthURL, &c.Ready, &c.FailCount, &c.LastSeenAt)
		if err != nil {
			return nil, fmt.Errorf("op=task.due: %w", err)
		}
		if len(input) > 0 {
			if err := json.Unmarshal(input, &t.Input); err != nil {
				return nil, fmt.Errorf("op=task.due: %w", err)
			}
		}
		out = append(out, domain.DeliveryCandidate{Task: t, Consumer: c})
	}
	return out, rows.Err()
}

// DueUnroutable returns due waiting tasks whose topic has no ready consumer.
func (r *TaskRepo) DueUnroutable(ctx domain.Context, now time.Time, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.DueUnroutable")
	defer span.End()
	q := `SELECT ` + taskColumnsT + ` FROM tasks t
		WHERE t.status_code = 0 AND (t.scheduled_start_at IS NULL OR t.scheduled_start_at <= $1)
		AND NOT EXISTS (SELECT 1 FROM consumers c WHERE c.topic = t.name AND c.ready)
		ORDER BY COALESCE(t.scheduled_start_at, t.created_at) ASC
		LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.due_unroutable: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.due_unroutable: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// BeginDelivery claims one delivery attempt. The attempts guard makes the
// claim safe across concurrent loop instances sharing the store.
func (r *TaskRepo) BeginDelivery(ctx domain.Context, id string, expectedAttempts int, nextAttemptAt, processingDeadline time.Time) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.BeginDelivery")
	defer span.End()
	q := `UPDATE tasks SET attempts = attempts + 1, scheduled_start_at = $3, processing_deadline = $4
		WHERE id = $1 AND status_code = 0 AND attempts = $2`
	tag, err := r.Pool.Exec(ctx, q, id, expectedAttempts, nextAttemptAt, processingDeadline)
	if err != nil {
		return false, fmt.Errorf("op=task.begin_delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReapExpired fails processing tasks whose worker went silent past the
// recorded processing deadline.
func (r *TaskRepo) ReapExpired(ctx domain.Context, now time.Time) ([]string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ReapExpired")
	defer span.End()
	q := `UPDATE tasks SET status_code = 3, status = 'worker-timeout', ended_at = $1
		WHERE status_code = 1 AND processing_deadline IS NOT NULL AND processing_deadline < $1
		RETURNING id`
	rows, err := r.Pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("op=task.reap: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=task.reap: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
