package mq

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap/zaptest"

	"tasklist/pkg/trace"
	"tasklist/pkg/util"
)

// recorder implements amqp091.Acknowledger.
type recorder struct {
	acks  int
	nacks []bool // requeue flag per nack
}

func (r *recorder) Ack(tag uint64, multiple bool) error { r.acks++; return nil }
func (r *recorder) Nack(tag uint64, multiple, requeue bool) error {
	r.nacks = append(r.nacks, requeue)
	return nil
}
func (r *recorder) Reject(tag uint64, requeue bool) error { return r.Nack(tag, false, requeue) }

type memRetries struct {
	counts map[string]int64
	err    error
}

func (m *memRetries) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memRetries) Reset(ctx context.Context, key string) error {
	delete(m.counts, key)
	return nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func testConsumer(t *testing.T, handler MessageHandler) (*Consumer, *[]string) {
	t.Helper()
	var deadLettered []string
	c := &Consumer{
		queue:    amqp091.Queue{Name: "task.events.q"},
		exchange: "tasks",
		handler:  handler,
		logger:   zaptest.NewLogger(t),
	}
	c.deadLetter = func(ctx context.Context, d amqp091.Delivery, errorType string, cause error) error {
		deadLettered = append(deadLettered, d.MessageId+":"+errorType)
		return nil
	}
	return c, &deadLettered
}

func delivery(ack *recorder, id string, redelivered bool) amqp091.Delivery {
	return amqp091.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		RoutingKey:   "task.created",
		MessageId:    id,
		Redelivered:  redelivered,
		Headers:      amqp091.Table{TraceHeader: "trace-1"},
		Body:         []byte(`{}`),
	}
}

func TestHandleSuccessAcksAndPropagatesTrace(t *testing.T) {
	var got Message
	var traceID string
	c, dead := testConsumer(t, func(ctx context.Context, msg Message) error {
		got, traceID = msg, trace.FromContext(ctx)
		return nil
	})

	ack := &recorder{}
	c.handle(context.Background(), delivery(ack, "1", false))

	if ack.acks != 1 || len(ack.nacks) != 0 || len(*dead) != 0 {
		t.Errorf("acks=%d nacks=%v dead=%v, want a single ack", ack.acks, ack.nacks, *dead)
	}
	want := Message{RoutingKey: "task.created", MessageID: "1", Body: []byte(`{}`)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
	if traceID != "trace-1" {
		t.Errorf("trace id = %q, want trace-1", traceID)
	}
}

func TestHandleFailures(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		redelivered bool
		wantAcks    int
		wantNacks   []bool
		wantDead    []string
	}{
		{
			name:      "retryable first delivery is requeued",
			err:       timeoutErr{},
			wantNacks: []bool{true},
		},
		{
			name:        "retryable redelivery is dead-lettered",
			err:         timeoutErr{},
			redelivered: true,
			wantAcks:    1,
			wantDead:    []string{"1:network_timeout"},
		},
		{
			name:     "permanent error is dead-lettered at once",
			err:      fmt.Errorf("%w: bad event", util.ErrPermanent),
			wantAcks: 1,
			wantDead: []string{"1:permanent"},
		},
		{
			name:     "unknown error is not retried",
			err:      errors.New("boom"),
			wantAcks: 1,
			wantDead: []string{"1:unknown_error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, dead := testConsumer(t, func(ctx context.Context, msg Message) error { return tt.err })
			ack := &recorder{}
			c.handle(context.Background(), delivery(ack, "1", tt.redelivered))

			if ack.acks != tt.wantAcks {
				t.Errorf("acks = %d, want %d", ack.acks, tt.wantAcks)
			}
			if diff := cmp.Diff(tt.wantNacks, ack.nacks); diff != "" {
				t.Errorf("nacks mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantDead, *dead); diff != "" {
				t.Errorf("dead letters mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHandlePanicIsDeadLettered(t *testing.T) {
	c, dead := testConsumer(t, func(ctx context.Context, msg Message) error { panic("nil map") })
	ack := &recorder{}
	c.handle(context.Background(), delivery(ack, "1", false))

	if diff := cmp.Diff([]string{"1:permanent"}, *dead); diff != "" {
		t.Errorf("dead letters mismatch (-want +got):\n%s", diff)
	}
	if ack.acks != 1 {
		t.Errorf("acks = %d, want 1", ack.acks)
	}
}

func TestHandleRetryBudget(t *testing.T) {
	c, dead := testConsumer(t, func(ctx context.Context, msg Message) error { return timeoutErr{} })
	retries := &memRetries{counts: map[string]int64{}}
	c.WithRetries(retries, 2)

	ack := &recorder{}
	for i := 0; i < 3; i++ {
		c.handle(context.Background(), delivery(ack, "7", i > 0))
	}

	if diff := cmp.Diff([]bool{true, true}, ack.nacks); diff != "" {
		t.Errorf("nacks mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"7:network_timeout"}, *dead); diff != "" {
		t.Errorf("dead letters mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleRetryCounterDownFallsBack(t *testing.T) {
	c, _ := testConsumer(t, func(ctx context.Context, msg Message) error { return timeoutErr{} })
	c.WithRetries(&memRetries{err: errors.New("redis down")}, 5)

	ack := &recorder{}
	c.handle(context.Background(), delivery(ack, "1", false))
	if diff := cmp.Diff([]bool{true}, ack.nacks); diff != "" {
		t.Errorf("nacks mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleDLQFailureRequeues(t *testing.T) {
	c, _ := testConsumer(t, func(ctx context.Context, msg Message) error { return util.ErrPermanent })
	c.deadLetter = func(context.Context, amqp091.Delivery, string, error) error {
		return errors.New("channel closed")
	}

	ack := &recorder{}
	c.handle(context.Background(), delivery(ack, "1", false))
	if ack.acks != 0 {
		t.Errorf("acks = %d, want 0", ack.acks)
	}
	if diff := cmp.Diff([]bool{true}, ack.nacks); diff != "" {
		t.Errorf("nacks mismatch (-want +got):\n%s", diff)
	}
}
