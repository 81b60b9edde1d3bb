package taskevents

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "tasklist/contracts/mq"
	"tasklist/pkg/logger"
	"tasklist/pkg/metrics"
	"tasklist/pkg/mq"
	"tasklist/pkg/util"
)

const handlerName = "task_events"

// Deduper drops redelivered messages. *util.Deduper implements it.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler, messageID string) bool
}

// Handler consumes task.created and task.updated events and logs each one.
type Handler struct {
	dedup  Deduper
	logger *zap.Logger
}

// NewHandler builds a handler; dedup may be nil.
func NewHandler(dedup Deduper, logger *zap.Logger) *Handler {
	return &Handler{dedup: dedup, logger: logger}
}

func (h *Handler) Handle(ctx context.Context, msg mq.Message) error {
	var action string
	switch msg.RoutingKey {
	case mqcontracts.RoutingKeyTaskCreated:
		action = "created"
	case mqcontracts.RoutingKeyTaskUpdated:
		action = "updated"
	default:
		metrics.IncrementTaskEventConsumed(msg.RoutingKey, "rejected")
		return fmt.Errorf("%w: unexpected routing key %q", util.ErrPermanent, msg.RoutingKey)
	}

	var payload mqcontracts.TaskEventPayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		metrics.IncrementTaskEventConsumed(msg.RoutingKey, "rejected")
		return fmt.Errorf("decode %s payload: %w", msg.RoutingKey, err)
	}
	if payload.TaskID <= 0 {
		metrics.IncrementTaskEventConsumed(msg.RoutingKey, "rejected")
		return fmt.Errorf("%w: %s payload without task_id", util.ErrPermanent, msg.RoutingKey)
	}

	// outbox 可能重复投递同一 message id
	if h.dedup != nil && msg.MessageID != "" && !h.dedup.AcquireOnce(ctx, handlerName, msg.MessageID) {
		metrics.IncrementTaskEventConsumed(msg.RoutingKey, "duplicate")
		return nil
	}

	logger.WithTrace(ctx, h.logger).Info("Task event consumed",
		zap.String("action", action),
		zap.Int64("task_id", payload.TaskID),
		zap.String("title", payload.Title),
		zap.Bool("is_done", payload.IsDone),
		zap.Time("occurred_at", payload.OccurredAt),
		zap.String("message_id", msg.MessageID),
	)
	metrics.IncrementTaskEventConsumed(msg.RoutingKey, "ok")
	return nil
}
