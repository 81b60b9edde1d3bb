package mq

import "time"

// Routing keys published on the task exchange.
const (
	RoutingKeyTaskCreated = "task.created"
	RoutingKeyTaskUpdated = "task.updated"
)

// AggregateTask is the outbox aggregate type for task events.
const AggregateTask = "task"

// TaskEventPayload is the body of task.created and task.updated.
type TaskEventPayload struct {
	TaskID     int64     `json:"task_id"`
	Title      string    `json:"title"`
	IsDone     bool      `json:"is_done"`
	TraceID    string    `json:"trace_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
