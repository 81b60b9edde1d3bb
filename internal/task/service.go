package task

import (
	"context"
	"errors"
	"fmt"

	"tasklist/pkg/metrics"
)

// Repository is the persistence collaborator.
type Repository interface {
	// List returns every task ordered by id.
	List(ctx context.Context) ([]Task, error)
	// Get returns ErrNotFound when id is unknown.
	Get(ctx context.Context, id int64) (Task, error)
	// Create assigns ID, CreatedAt and UpdatedAt and returns the stored row.
	Create(ctx context.Context, t Task) (Task, error)
	// Update applies the non-nil fields of ch and bumps UpdatedAt.
	// It returns ErrNotFound when id is unknown.
	Update(ctx context.Context, id int64, ch Changes) (Task, error)
}

// ValidateFunc is the serialization collaborator. Validate is the default.
type ValidateFunc func(p Payload, partial bool) (Changes, error)

// Service implements the task resource operations.
type Service struct {
	repo     Repository
	validate ValidateFunc
}

// NewService wires a store and a validator. A nil validate uses Validate.
func NewService(repo Repository, validate ValidateFunc) *Service {
	if validate == nil {
		validate = Validate
	}
	return &Service{repo: repo, validate: validate}
}

// List returns all tasks.
func (s *Service) List(ctx context.Context) ([]Task, error) {
	tasks, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Get returns one task or ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (Task, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return Task{}, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// Create validates p in full mode and persists a new task. is_done defaults
// to false.
func (s *Service) Create(ctx context.Context, p Payload) (Task, error) {
	ch, err := s.validate(p, false)
	if err != nil {
		record("create", err)
		return Task{}, err
	}
	if ch.Title == nil {
		verr := &ValidationError{}
		verr.add(FieldTitle, msgRequired)
		record("create", verr)
		return Task{}, verr
	}

	t := Task{Title: *ch.Title}
	if ch.IsDone != nil {
		t.IsDone = *ch.IsDone
	}

	created, err := s.repo.Create(ctx, t)
	if err != nil {
		record("create", err)
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	record("create", nil)
	return created, nil
}

// Update applies a partial payload to task id. A payload without is_done
// flips the stored value. The lookup happens before validation, so an
// unknown id is reported as ErrNotFound even when p is invalid.
func (s *Service) Update(ctx context.Context, id int64, p Payload) (Task, error) {
	op := "update"
	if _, ok := p[FieldIsDone]; !ok {
		op = "toggle"
	}

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		record(op, err)
		return Task{}, fmt.Errorf("get task %d: %w", id, err)
	}

	ch, err := s.validate(WithToggleDefault(p, current), true)
	if err != nil {
		record(op, err)
		return Task{}, err
	}

	updated, err := s.repo.Update(ctx, id, ch)
	if err != nil {
		record(op, err)
		return Task{}, fmt.Errorf("update task %d: %w", id, err)
	}
	record(op, nil)
	return updated, nil
}

// Replace is the full update: title is required, an absent is_done keeps
// the stored value. No toggling.
func (s *Service) Replace(ctx context.Context, id int64, p Payload) (Task, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		record("replace", err)
		return Task{}, fmt.Errorf("get task %d: %w", id, err)
	}

	ch, err := s.validate(p, false)
	if err != nil {
		record("replace", err)
		return Task{}, err
	}

	updated, err := s.repo.Update(ctx, id, ch)
	if err != nil {
		record("replace", err)
		return Task{}, fmt.Errorf("replace task %d: %w", id, err)
	}
	record("replace", nil)
	return updated, nil
}

func record(op string, err error) {
	var verr *ValidationError
	switch {
	case err == nil:
		metrics.IncrementTaskOperation(op, "ok")
	case errors.As(err, &verr):
		metrics.IncrementTaskOperation(op, "invalid")
	case errors.Is(err, ErrNotFound):
		metrics.IncrementTaskOperation(op, "not_found")
	default:
		metrics.IncrementTaskOperation(op, "error")
	}
}
