package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fintask/engine/internal/app/engine"
)

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  id text PRIMARY KEY,
  title text NOT NULL,
  description text NOT NULL DEFAULT '',
  assignee text NOT NULL DEFAULT '',
  priority text NOT NULL DEFAULT 'medium',
  status text NOT NULL,
  progress integer NOT NULL DEFAULT 0,
  due_date timestamptz,
  created_by text NOT NULL,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL,
  version bigint NOT NULL DEFAULT 1
)`

const createTasksAssigneeIndexSQL = `
CREATE INDEX IF NOT EXISTS tasks_assignee_idx ON tasks (assignee, status)`

const createTasksDueDateIndexSQL = `
CREATE INDEX IF NOT EXISTS tasks_due_date_idx ON tasks (due_date) WHERE due_date IS NOT NULL`

const createNotificationsTableSQL = `
CREATE TABLE IF NOT EXISTS notifications (
  id text PRIMARY KEY,
  recipient text NOT NULL,
  task_id text NOT NULL,
  kind text NOT NULL,
  message text NOT NULL,
  dedupe_key text NOT NULL UNIQUE,
  created_at timestamptz NOT NULL,
  read_at timestamptz
)`

const createNotificationsRecipientIndexSQL = `
CREATE INDEX IF NOT EXISTS notifications_recipient_idx ON notifications (recipient, created_at DESC)`

const insertTaskSQL = `
INSERT INTO tasks (
  id, title, description, assignee, priority, status, progress,
  due_date, created_by, created_at, updated_at, version
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now(), 1)
RETURNING created_at, updated_at, version
`

const updateTaskSQL = `
UPDATE tasks
SET title = $2,
    description = $3,
    assignee = $4,
    priority = $5,
    status = $6,
    progress = $7,
    due_date = $8,
    updated_at = now(),
    version = version + 1
WHERE id = $1 AND version = $9
RETURNING created_by, created_at, updated_at, version
`

const insertNotificationSQL = `
INSERT INTO notifications (id, recipient, task_id, kind, message, dedupe_key, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT DO NOTHING
`

const taskColumns = `id, title, description, assignee, priority, status, progress,
        due_date, created_by, created_at, updated_at, version`

// Repository is the Postgres-backed task store adapter. Optimistic
// concurrency rides on the version column: updates match the version read
// by the caller, and zero affected rows on a live task means a concurrent
// writer got there first.
type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createTasksTableSQL,
		createTasksAssigneeIndexSQL,
		createTasksDueDateIndexSQL,
		createNotificationsTableSQL,
		createNotificationsRecipientIndexSQL,
	} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetTask(ctx context.Context, id string) (engine.Task, error) {
	row := r.Pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.Task{}, fmt.Errorf("task %s: %w", id, engine.ErrNotFound)
		}
		return engine.Task{}, storeErr("get task", err)
	}
	return task, nil
}

func (r *Repository) ListTasks(ctx context.Context, filter engine.TaskFilter) ([]engine.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ($1 = '' OR assignee = $1) AND ($2 = '' OR status = $2) ORDER BY created_at DESC`
	rows, err := r.Pool.Query(ctx, query, filter.Assignee, string(filter.Status))
	if err != nil {
		return nil, storeErr("list tasks", err)
	}
	defer rows.Close()

	tasks := make([]engine.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, storeErr("list tasks", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list tasks", err)
	}
	return tasks, nil
}

func (r *Repository) PutTask(ctx context.Context, task engine.Task) (engine.Task, error) {
	stored := task
	if task.Version == 0 {
		err := r.Pool.QueryRow(ctx, insertTaskSQL,
			task.ID, task.Title, task.Description, task.Assignee, string(task.Priority),
			string(task.Status), task.Progress, task.DueDate, task.CreatedBy,
		).Scan(&stored.CreatedAt, &stored.UpdatedAt, &stored.Version)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return engine.Task{}, fmt.Errorf("task %s already exists: %w", task.ID, engine.ErrConflict)
			}
			return engine.Task{}, storeErr("insert task", err)
		}
		return stored, nil
	}

	err := r.Pool.QueryRow(ctx, updateTaskSQL,
		task.ID, task.Title, task.Description, task.Assignee, string(task.Priority),
		string(task.Status), task.Progress, task.DueDate, task.Version,
	).Scan(&stored.CreatedBy, &stored.CreatedAt, &stored.UpdatedAt, &stored.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.Task{}, r.classifyStaleWrite(ctx, task.ID)
		}
		return engine.Task{}, storeErr("update task", err)
	}
	return stored, nil
}

// classifyStaleWrite distinguishes a deleted task from a version race.
func (r *Repository) classifyStaleWrite(ctx context.Context, id string) error {
	var exists bool
	err := r.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return storeErr("update task", err)
	}
	if !exists {
		return fmt.Errorf("task %s: %w", id, engine.ErrNotFound)
	}
	return fmt.Errorf("task %s: %w", id, engine.ErrConflict)
}

func (r *Repository) PutNotifications(ctx context.Context, batch []engine.Notification) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storeErr("put notifications", err)
	}
	defer tx.Rollback(ctx)

	for _, n := range batch {
		if _, err := tx.Exec(ctx, insertNotificationSQL,
			n.ID, n.Recipient, n.TaskID, string(n.Kind), n.Message, n.DedupeKey, n.CreatedAt,
		); err != nil {
			return storeErr("put notifications", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr("put notifications", err)
	}
	return nil
}

func (r *Repository) ListNotifications(ctx context.Context, recipient string, unreadOnly bool) ([]engine.Notification, error) {
	query := `SELECT id, recipient, task_id, kind, message, dedupe_key, created_at, read_at
	 FROM notifications
	 WHERE recipient = $1`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT 200`

	rows, err := r.Pool.Query(ctx, query, recipient)
	if err != nil {
		return nil, storeErr("list notifications", err)
	}
	defer rows.Close()

	result := make([]engine.Notification, 0)
	for rows.Next() {
		var n engine.Notification
		var kind string
		if err := rows.Scan(&n.ID, &n.Recipient, &n.TaskID, &kind, &n.Message, &n.DedupeKey, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, storeErr("list notifications", err)
		}
		n.Kind = engine.NotificationKind(kind)
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list notifications", err)
	}
	return result, nil
}

func (r *Repository) MarkRead(ctx context.Context, recipient, notificationID string, at time.Time) error {
	res, err := r.Pool.Exec(ctx,
		`UPDATE notifications SET read_at = $3 WHERE id = $1 AND recipient = $2 AND read_at IS NULL`,
		notificationID, recipient, at,
	)
	if err != nil {
		return storeErr("mark read", err)
	}
	if res.RowsAffected() > 0 {
		return nil
	}

	// Marking an already-read notification again is a no-op, not an error.
	var exists bool
	err = r.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1 AND recipient = $2)`,
		notificationID, recipient,
	).Scan(&exists)
	if err != nil {
		return storeErr("mark read", err)
	}
	if !exists {
		return fmt.Errorf("notification %s: %w", notificationID, engine.ErrNotFound)
	}
	return nil
}

func (r *Repository) DueSoonCandidates(ctx context.Context, now time.Time, window time.Duration) ([]engine.Task, error) {
	horizon := now.Add(window)
	rows, err := r.Pool.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE due_date IS NOT NULL
		   AND due_date <= $1
		   AND status <> $2
		 ORDER BY due_date ASC`,
		horizon, string(engine.StatusCompleted),
	)
	if err != nil {
		return nil, storeErr("due soon candidates", err)
	}
	defer rows.Close()

	tasks := make([]engine.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, storeErr("due soon candidates", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("due soon candidates", err)
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (engine.Task, error) {
	var t engine.Task
	var priority, status string
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Assignee, &priority, &status,
		&t.Progress, &t.DueDate, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	if err != nil {
		return engine.Task{}, err
	}
	t.Priority = engine.Priority(priority)
	t.Status = engine.Status(status)
	return t, nil
}

// storeErr folds collaborator I/O failures into the engine's taxonomy; the
// core never retries these.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, engine.ErrStoreUnavailable, err)
}
