package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tasklist/internal/task"
	"tasklist/pkg/idempotency"
	"tasklist/pkg/logger"
)

// IdempotencyHeader is the optional request header on create.
const IdempotencyHeader = "Idempotency-Key"

// ReplayedHeader marks a create response served from an earlier request.
const ReplayedHeader = "Idempotent-Replayed"

// IdempotencyGuard deduplicates creates by client key. *idempotency.Store
// implements it.
type IdempotencyGuard interface {
	Begin(ctx context.Context, key string) idempotency.Result
	Complete(ctx context.Context, key string, taskID int64)
	Release(ctx context.Context, key string)
}

type TaskHandler struct {
	svc    *task.Service
	guard  IdempotencyGuard
	logger *zap.Logger
}

func NewTaskHandler(svc *task.Service, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{svc: svc, logger: logger}
}

// WithIdempotency enables Idempotency-Key handling on create.
func (h *TaskHandler) WithIdempotency(g IdempotencyGuard) *TaskHandler {
	h.guard = g
	return h
}

func (h *TaskHandler) ListTasks(c *gin.Context) {
	ctx := c.Request.Context()

	tasks, err := h.svc.List(ctx)
	if err != nil {
		h.writeError(c, "ListTasks", err)
		return
	}

	logger.WithTrace(ctx, h.logger).Debug("ListTasks: success", zap.Int("task_count", len(tasks)))
	c.JSON(http.StatusOK, tasks)
}

func (h *TaskHandler) CreateTask(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.WithTrace(ctx, h.logger)

	key := strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	if len(key) > idempotency.MaxKeyLength {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Idempotency-Key must be at most 255 characters."})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		h.writeError(c, "CreateTask", err)
		return
	}
	payload, err := task.DecodePayload(body)
	if err != nil {
		h.writeError(c, "CreateTask", err)
		return
	}

	if key != "" && h.guard != nil {
		res := h.guard.Begin(ctx, key)
		switch res.Outcome {
		case idempotency.InFlight:
			c.JSON(http.StatusConflict, gin.H{"detail": "A request with this Idempotency-Key is already in progress."})
			return
		case idempotency.Completed:
			existing, err := h.svc.Get(ctx, res.TaskID)
			if err == nil {
				log.Info("CreateTask: replayed", zap.Int64("task_id", existing.ID))
				c.Header(ReplayedHeader, "true")
				h.created(c, existing)
				return
			}
			if !errors.Is(err, task.ErrNotFound) {
				h.writeError(c, "CreateTask", err)
				return
			}
			// the recorded task is gone (store reset); create a fresh one
		}
	} else {
		key = ""
	}

	created, err := h.svc.Create(ctx, payload)
	if err != nil {
		if key != "" {
			h.guard.Release(ctx, key)
		}
		h.writeError(c, "CreateTask", err)
		return
	}
	if key != "" {
		h.guard.Complete(ctx, key, created.ID)
	}

	log.Info("CreateTask: success", zap.Int64("task_id", created.ID))
	h.created(c, created)
}

// UpdateTask is the partial update. A body without is_done toggles it.
func (h *TaskHandler) UpdateTask(c *gin.Context) {
	h.write(c, "UpdateTask", h.svc.Update)
}

// ReplaceTask is the full update.
func (h *TaskHandler) ReplaceTask(c *gin.Context) {
	h.write(c, "ReplaceTask", h.svc.Replace)
}

func (h *TaskHandler) write(c *gin.Context, op string, apply func(context.Context, int64, task.Payload) (task.Task, error)) {
	ctx := c.Request.Context()

	id, ok := parseID(c.Param("id"))
	if !ok {
		h.writeError(c, op, task.ErrNotFound)
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		h.writeError(c, op, err)
		return
	}
	payload, err := task.DecodePayload(body)
	if err != nil {
		h.writeError(c, op, err)
		return
	}

	updated, err := apply(ctx, id, payload)
	if err != nil {
		h.writeError(c, op, err)
		return
	}

	logger.WithTrace(ctx, h.logger).Info(op+": success",
		zap.Int64("task_id", updated.ID),
		zap.Bool("is_done", updated.IsDone),
	)
	c.JSON(http.StatusOK, updated)
}

func (h *TaskHandler) created(c *gin.Context, t task.Task) {
	c.Header("Location", strings.TrimSuffix(c.Request.URL.Path, "/")+"/"+strconv.FormatInt(t.ID, 10))
	c.JSON(http.StatusCreated, t)
}

// writeError maps service errors onto response bodies. Internal errors are
// logged and never echoed.
func (h *TaskHandler) writeError(c *gin.Context, op string, err error) {
	log := logger.WithTrace(c.Request.Context(), h.logger)

	var verr *task.ValidationError
	var perr *task.ParseError
	switch {
	case errors.As(err, &verr):
		log.Info(op+": invalid payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, verr.Fields)
	case errors.As(err, &perr):
		log.Info(op+": malformed body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"detail": perr.Error()})
	case errors.Is(err, task.ErrNotFound):
		log.Info(op+": task not found", zap.String("task_id", c.Param("id")))
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
	default:
		log.Error(op+": failed", zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error."})
	}
}

// parseID accepts positive base-10 ids only.
func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
