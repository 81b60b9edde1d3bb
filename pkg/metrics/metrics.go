package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation", "table"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of queries slower than the configured threshold",
		},
	)

	// TaskOperationCount counts task writes by operation and outcome.
	TaskOperationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_operation_total",
			Help: "Total number of task operations",
		},
		[]string{"operation", "result"}, // operation: create, update, replace, toggle; result: ok, invalid, not_found, error
	)

	// Outbox 事件发布计数
	OutboxPublishCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_total",
			Help: "Total number of outbox events publish attempts",
		},
		[]string{"routing_key", "status"}, // status: sent, failed, skipped
	)

	// IdempotencyCount counts Idempotency-Key lookups on create.
	IdempotencyCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_key_total",
			Help: "Idempotency-Key outcomes on task creation",
		},
		[]string{"outcome"}, // outcome: new, replayed, in_flight, error
	)

	// 任务事件消费计数
	TaskEventConsumedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_event_consumed_total",
			Help: "Total number of task events consumed by the worker",
		},
		[]string{"routing_key", "result"}, // result: ok, duplicate, rejected
	)
)

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 增加慢查询计数
func IncrementSlowQuery() {
	SlowQueryCount.Inc()
}

// IncrementTaskOperation 增加任务操作计数
func IncrementTaskOperation(operation, result string) {
	TaskOperationCount.WithLabelValues(operation, result).Inc()
}

// IncrementOutboxPublish 增加 outbox 发布计数
func IncrementOutboxPublish(routingKey, status string) {
	OutboxPublishCount.WithLabelValues(routingKey, status).Inc()
}

// IncrementIdempotency 增加幂等键计数
func IncrementIdempotency(outcome string) {
	IdempotencyCount.WithLabelValues(outcome).Inc()
}

// IncrementTaskEventConsumed 增加任务事件消费计数
func IncrementTaskEventConsumed(routingKey, result string) {
	TaskEventConsumedCount.WithLabelValues(routingKey, result).Inc()
}
