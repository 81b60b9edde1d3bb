package mq

import (
	"context"
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"tasklist/pkg/logger"
	"tasklist/pkg/trace"
	"tasklist/pkg/util"
)

// Message is one delivery as seen by a handler.
type Message struct {
	RoutingKey string
	MessageID  string
	Body       []byte
}

type MessageHandler func(ctx context.Context, msg Message) error

// RetryTracker counts deliveries per message across redeliveries.
// *util.RetryCounter implements it.
type RetryTracker interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type Consumer struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	queue      amqp091.Queue
	exchange   string
	bindingKey string
	handler    MessageHandler
	retries    RetryTracker
	maxRetries int64
	deadLetter func(ctx context.Context, d amqp091.Delivery, errorType string, cause error) error
	logger     *zap.Logger
}

// NewConsumer declares queueName bound to exchange with bindingKey, plus
// its dead letter queue.
func NewConsumer(url, exchange, queueName, bindingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	c, err := setupConsumer(ch, exchange, queueName, bindingKey, logger)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func setupConsumer(ch *amqp091.Channel, exchange, queueName, bindingKey string, logger *zap.Logger) (*Consumer, error) {
	if err := DeclareExchange(ch, exchange); err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if _, err := DeclareDLQ(ch, exchange, queueName); err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, bindingKey, exchange, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("binding_key", bindingKey),
		zap.String("queue", queueName),
		zap.String("exchange", exchange),
	)

	c := &Consumer{
		channel:    ch,
		queue:      q,
		exchange:   exchange,
		bindingKey: bindingKey,
		logger:     logger,
	}
	c.deadLetter = c.publishToDLQ
	return c, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// WithRetries caps redeliveries of retryable failures at maxRetries. Without
// a tracker a retryable failure is requeued once, then dead-lettered.
func (c *Consumer) WithRetries(r RetryTracker, maxRetries int64) *Consumer {
	c.retries = r
	c.maxRetries = maxRetries
	return c
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming blocks until ctx is cancelled or the channel closes.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("binding_key", c.bindingKey),
		zap.String("queue", c.queue.Name),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

// handle 保证每条消息都会被 ack 或 nack
func (c *Consumer) handle(ctx context.Context, d amqp091.Delivery) {
	if traceID, ok := d.Headers[TraceHeader].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	log := logger.WithTrace(ctx, c.logger).With(
		zap.String("routing_key", d.RoutingKey),
		zap.String("message_id", d.MessageId),
	)
	log.Debug("Received message", zap.Int("message_size", len(d.Body)))

	msg := Message{RoutingKey: d.RoutingKey, MessageID: d.MessageId, Body: d.Body}

	err := func() (err error) {
		// Panic 恢复：handler panic 视为不可重试
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: handler panic: %v", util.ErrPermanent, r)
			}
		}()
		return c.handler(ctx, msg)
	}()

	if err == nil {
		if c.retries != nil && d.MessageId != "" {
			_ = c.retries.Reset(ctx, c.retryKey(d))
		}
		if err := d.Ack(false); err != nil {
			log.Error("Failed to ack message", zap.Error(err))
			return
		}
		log.Debug("Message processed successfully")
		return
	}

	retryable, errorType := util.IsRetryableError(err)
	if retryable && c.shouldRequeue(ctx, d) {
		log.Warn("Handler error, requeueing",
			zap.String("error_type", errorType),
			zap.Error(err),
		)
		// 业务失败 → 拒绝消息并重新入队，让 MQ 重试
		if err := d.Nack(false, true); err != nil {
			log.Error("Failed to nack message", zap.Error(err))
		}
		return
	}

	log.Error("Handler error, dead-lettering",
		zap.String("error_type", errorType),
		zap.Bool("retryable", retryable),
		zap.Error(err),
	)
	if dlqErr := c.deadLetter(ctx, d, errorType, err); dlqErr != nil {
		// 进 DLQ 失败就不要 ack，留给 broker 重投
		log.Error("Failed to publish to DLQ", zap.Error(dlqErr))
		if err := d.Nack(false, true); err != nil {
			log.Error("Failed to nack message", zap.Error(err))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		log.Error("Failed to ack dead-lettered message", zap.Error(err))
	}
}

func (c *Consumer) shouldRequeue(ctx context.Context, d amqp091.Delivery) bool {
	if c.retries == nil || d.MessageId == "" {
		return !d.Redelivered
	}
	count, err := c.retries.IncrementAndGet(ctx, c.retryKey(d))
	if err != nil {
		c.logger.Warn("Retry counter unavailable, falling back to redelivery flag", zap.Error(err))
		return !d.Redelivered
	}
	return util.ShouldRetry(count, c.maxRetries, true)
}

func (c *Consumer) retryKey(d amqp091.Delivery) string {
	return util.FormatRetryKey(c.queue.Name, d.MessageId)
}
