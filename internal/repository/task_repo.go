package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	mqcontracts "tasklist/contracts/mq"
	"tasklist/internal/task"
	"tasklist/pkg/logger"
	"tasklist/pkg/outbox"
	"tasklist/pkg/trace"
)

// TaskRepository stores tasks in PostgreSQL. When an outbox repository is
// attached, every write also enqueues a task event in the same transaction.
type TaskRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	logger *zap.Logger
}

var _ task.Repository = (*TaskRepository)(nil)

func NewTaskRepository(db *pgxpool.Pool, logger *zap.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

// WithOutbox enables task.created / task.updated events.
func (r *TaskRepository) WithOutbox(o *outbox.Repository) *TaskRepository {
	r.outbox = o
	return r
}

const taskColumns = `id, title, is_done, created_at, updated_at`

func scanTask(row pgx.Row) (task.Task, error) {
	var t task.Task
	err := row.Scan(&t.ID, &t.Title, &t.IsDone, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (r *TaskRepository) List(ctx context.Context) ([]task.Task, error) {
	log := logger.WithTrace(ctx, r.logger)
	log.Debug("Listing tasks")

	query := `
        SELECT ` + taskColumns + `
        FROM tasks
        ORDER BY id ASC
    `
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		log.Error("Failed to query tasks", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	tasks := []task.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			log.Error("Failed to scan task row", zap.Error(err))
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		log.Error("Failed to iterate task rows", zap.Error(err))
		return nil, err
	}

	log.Debug("Tasks listed", zap.Int("count", len(tasks)))
	return tasks, nil
}

func (r *TaskRepository) Get(ctx context.Context, id int64) (task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	if err != nil {
		logger.WithTrace(ctx, r.logger).Error("Failed to get task", zap.Int64("task_id", id), zap.Error(err))
		return task.Task{}, err
	}
	return t, nil
}

func (r *TaskRepository) Create(ctx context.Context, t task.Task) (task.Task, error) {
	log := logger.WithTrace(ctx, r.logger)
	log.Debug("Inserting task",
		zap.String("title", t.Title),
		zap.Bool("is_done", t.IsDone),
	)

	query := `
        INSERT INTO tasks (title, is_done)
        VALUES ($1, $2)
        RETURNING ` + taskColumns

	var created task.Task
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		created, err = scanTask(tx.QueryRow(ctx, query, t.Title, t.IsDone))
		if err != nil {
			return err
		}
		return r.enqueue(ctx, tx, mqcontracts.RoutingKeyTaskCreated, created)
	})
	if err != nil {
		log.Error("Failed to insert task", zap.String("title", t.Title), zap.Error(err))
		return task.Task{}, err
	}

	log.Info("Task inserted successfully", zap.Int64("task_id", created.ID))
	return created, nil
}

// Update writes the supplied fields with a single statement; absent fields
// keep their stored value via COALESCE.
func (r *TaskRepository) Update(ctx context.Context, id int64, ch task.Changes) (task.Task, error) {
	log := logger.WithTrace(ctx, r.logger)
	log.Debug("Updating task", zap.Int64("task_id", id))

	query := `
        UPDATE tasks
        SET title = COALESCE($2, title),
            is_done = COALESCE($3, is_done),
            updated_at = NOW()
        WHERE id = $1
        RETURNING ` + taskColumns

	var updated task.Task
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		updated, err = scanTask(tx.QueryRow(ctx, query, id, ch.Title, ch.IsDone))
		if err != nil {
			return err
		}
		return r.enqueue(ctx, tx, mqcontracts.RoutingKeyTaskUpdated, updated)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	if err != nil {
		log.Error("Failed to update task", zap.Int64("task_id", id), zap.Error(err))
		return task.Task{}, err
	}

	log.Info("Task updated successfully",
		zap.Int64("task_id", id),
		zap.Bool("is_done", updated.IsDone),
	)
	return updated, nil
}

// Ping checks database reachability for readiness probes.
func (r *TaskRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *TaskRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *TaskRepository) enqueue(ctx context.Context, tx pgx.Tx, routingKey string, t task.Task) error {
	if r.outbox == nil {
		return nil
	}
	id := t.ID
	payload := mqcontracts.TaskEventPayload{
		TaskID:     t.ID,
		Title:      t.Title,
		IsDone:     t.IsDone,
		TraceID:    trace.FromContext(ctx),
		OccurredAt: time.Now().UTC(),
	}
	return r.outbox.Enqueue(ctx, tx, mqcontracts.AggregateTask, &id, routingKey, payload)
}
