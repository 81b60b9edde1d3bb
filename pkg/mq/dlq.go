package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DLQExchangeName derives the dead letter exchange of a topic exchange.
func DLQExchangeName(exchange string) string {
	return exchange + ".dlq"
}

// DeclareDLQ declares the dead letter exchange and a queue collecting every
// routing key dead-lettered by queueName.
func DeclareDLQ(ch *amqp091.Channel, exchange, queueName string) (amqp091.Queue, error) {
	if err := DeclareExchange(ch, DLQExchangeName(exchange)); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		queueName+".dlq",
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "#", DLQExchangeName(exchange), false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind DLQ queue: %w", err)
	}

	return q, nil
}

// publishToDLQ republishes d on the dead letter exchange with the failure
// recorded in headers.
func (c *Consumer) publishToDLQ(ctx context.Context, d amqp091.Delivery, errorType string, cause error) error {
	headers := amqp091.Table{
		"x-original-error": cause.Error(),
		"x-error-type":     errorType,
		"x-failed-queue":   c.queue.Name,
	}
	for k, v := range d.Headers {
		if _, ok := headers[k]; !ok {
			headers[k] = v
		}
	}

	return c.channel.PublishWithContext(ctx,
		DLQExchangeName(c.exchange),
		d.RoutingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         d.Body,
			DeliveryMode: amqp091.Persistent,
			MessageId:    d.MessageId,
			Timestamp:    time.Now(),
			Headers:      headers,
		},
	)
}
