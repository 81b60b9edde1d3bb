package idempotency

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tasklist/pkg/logger"
	"tasklist/pkg/metrics"
)

const (
	keyPrefix    = "idem:tasks:create:"
	pendingValue = "pending"

	// MaxKeyLength bounds the client supplied Idempotency-Key.
	MaxKeyLength = 255

	finalizeTimeout = 2 * time.Second
)

// Outcome of claiming an idempotency key.
type Outcome int

const (
	// Acquired: caller owns the key and must Complete or Release it.
	Acquired Outcome = iota
	// InFlight: another request holds the key and has not finished.
	InFlight
	// Completed: the key already produced a task; TaskID is set.
	Completed
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "new"
	case InFlight:
		return "in_flight"
	case Completed:
		return "replayed"
	default:
		return "unknown"
	}
}

// Result is returned by Begin.
type Result struct {
	Outcome Outcome
	TaskID  int64
}

// Cmdable is the subset of *redis.Client the store uses.
type Cmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store remembers which task an Idempotency-Key created. Redis failures
// never block a create: the request proceeds as if the key were new.
type Store struct {
	rdb    Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewStore(rdb Cmdable, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{rdb: rdb, ttl: ttl, logger: logger}
}

// Begin claims key with SETNX. A lost claim reads the stored value to tell
// a finished create apart from one still running.
func (s *Store) Begin(ctx context.Context, key string) Result {
	log := logger.WithTrace(ctx, s.logger)
	k := keyPrefix + key

	ok, err := s.rdb.SetNX(ctx, k, pendingValue, s.ttl).Result()
	if err != nil {
		log.Warn("Redis idempotency check failed, allowing create",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		metrics.IncrementIdempotency("error")
		return Result{Outcome: Acquired}
	}
	if ok {
		metrics.IncrementIdempotency(Acquired.String())
		return Result{Outcome: Acquired}
	}

	val, err := s.rdb.Get(ctx, k).Result()
	if err != nil {
		// redis.Nil: the key expired between SETNX and GET
		if errors.Is(err, redis.Nil) {
			metrics.IncrementIdempotency(Acquired.String())
			return Result{Outcome: Acquired}
		}
		log.Warn("Redis idempotency lookup failed, allowing create",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		metrics.IncrementIdempotency("error")
		return Result{Outcome: Acquired}
	}

	if val == pendingValue {
		metrics.IncrementIdempotency(InFlight.String())
		log.Info("Idempotency key in flight", zap.String("idempotency_key", key))
		return Result{Outcome: InFlight}
	}

	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		log.Warn("Unexpected idempotency value, allowing create",
			zap.String("idempotency_key", key),
			zap.String("value", val),
		)
		metrics.IncrementIdempotency("error")
		return Result{Outcome: Acquired}
	}

	metrics.IncrementIdempotency(Completed.String())
	log.Info("Skipped duplicated create",
		zap.String("idempotency_key", key),
		zap.Int64("task_id", id),
	)
	return Result{Outcome: Completed, TaskID: id}
}

// Complete records the created task id under key. It runs even when the
// client has already gone away, otherwise the key would stay pending for ttl.
func (s *Store) Complete(ctx context.Context, key string, taskID int64) {
	ctx, cancel := detach(ctx)
	defer cancel()
	if err := s.rdb.Set(ctx, keyPrefix+key, strconv.FormatInt(taskID, 10), s.ttl).Err(); err != nil {
		logger.WithTrace(ctx, s.logger).Warn("Failed to store idempotency result",
			zap.String("idempotency_key", key),
			zap.Int64("task_id", taskID),
			zap.Error(err),
		)
	}
}

// Release drops a claim after a failed create so the client can retry.
func (s *Store) Release(ctx context.Context, key string) {
	ctx, cancel := detach(ctx)
	defer cancel()
	if err := s.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		logger.WithTrace(ctx, s.logger).Warn("Failed to release idempotency key",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
	}
}

// detach keeps ctx values (trace id) but drops its cancellation.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}
