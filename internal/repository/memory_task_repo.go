package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tasklist/internal/task"
)

// MemoryTaskRepository keeps tasks in process memory. It backs tests and
// local runs without PostgreSQL; ids start at 1.
type MemoryTaskRepository struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]task.Task
	now    func() time.Time
	logger *zap.Logger
}

var _ task.Repository = (*MemoryTaskRepository)(nil)

func NewMemoryTaskRepository(logger *zap.Logger) *MemoryTaskRepository {
	return &MemoryTaskRepository{
		nextID: 1,
		items:  make(map[int64]task.Task),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

func (r *MemoryTaskRepository) List(ctx context.Context) ([]task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]task.Task, 0, len(r.items))
	for _, t := range r.items {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryTaskRepository) Get(ctx context.Context, id int64) (task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.items[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return t, nil
}

func (r *MemoryTaskRepository) Create(ctx context.Context, t task.Task) (task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	t.ID = r.nextID
	t.CreatedAt = now
	t.UpdatedAt = now
	r.nextID++
	r.items[t.ID] = t

	r.logger.Debug("Task inserted", zap.Int64("task_id", t.ID))
	return t, nil
}

func (r *MemoryTaskRepository) Update(ctx context.Context, id int64, ch task.Changes) (task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.items[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	if ch.Title != nil {
		t.Title = *ch.Title
	}
	if ch.IsDone != nil {
		t.IsDone = *ch.IsDone
	}
	t.UpdatedAt = r.now()
	r.items[id] = t

	r.logger.Debug("Task updated", zap.Int64("task_id", id), zap.Bool("is_done", t.IsDone))
	return t, nil
}

// Ping always succeeds.
func (r *MemoryTaskRepository) Ping(ctx context.Context) error {
	return nil
}
