package taskevents

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"tasklist/pkg/metrics"
	"tasklist/pkg/mq"
	"tasklist/pkg/util"
)

type seenDeduper map[string]bool

func (s seenDeduper) AcquireOnce(_ context.Context, handler, messageID string) bool {
	key := handler + ":" + messageID
	if s[key] {
		return false
	}
	s[key] = true
	return true
}

func TestHandle(t *testing.T) {
	const body = `{"task_id":7,"title":"buy milk","is_done":true,"trace_id":"abc","occurred_at":"2024-05-01T10:00:00Z"}`

	tests := []struct {
		name          string
		msg        mq.Message
		seen       bool
		wantErr    bool
		wantLogs   int
		wantResult string
	}{
		{
			name:       "created",
			msg:        mq.Message{RoutingKey: "task.created", MessageID: "1", Body: []byte(body)},
			wantLogs:   1,
			wantResult: "ok",
		},
		{
			name:       "updated",
			msg:        mq.Message{RoutingKey: "task.updated", MessageID: "2", Body: []byte(body)},
			wantLogs:   1,
			wantResult: "ok",
		},
		{
			name:       "already seen",
			msg:        mq.Message{RoutingKey: "task.updated", MessageID: "6", Body: []byte(body)},
			seen:       true,
			wantResult: "duplicate",
		},
		{
			name:       "unknown routing key",
			msg:        mq.Message{RoutingKey: "task.deleted", MessageID: "3", Body: []byte(body)},
			wantErr:    true,
			wantResult: "rejected",
		},
		{
			name:       "malformed body",
			msg:        mq.Message{RoutingKey: "task.created", MessageID: "4", Body: []byte(`{"task_id":`)},
			wantErr:    true,
			wantResult: "rejected",
		},
		{
			name:       "missing task id",
			msg:        mq.Message{RoutingKey: "task.created", MessageID: "5", Body: []byte(`{"title":"x"}`)},
			wantErr:    true,
			wantResult: "rejected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.InfoLevel)
			dedup := seenDeduper{}
			if tt.seen {
				dedup[handlerName+":"+tt.msg.MessageID] = true
			}
			h := NewHandler(dedup, zap.New(core))
			counter := metrics.TaskEventConsumedCount.WithLabelValues(tt.msg.RoutingKey, tt.wantResult)
			before := testutil.ToFloat64(counter)

			err := h.Handle(context.Background(), tt.msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Handle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				// bad events must go straight to the DLQ
				if retryable, kind := util.IsRetryableError(err); retryable {
					t.Errorf("error %v classified retryable (%s)", err, kind)
				}
			}
			if got := logs.FilterMessage("Task event consumed").Len(); got != tt.wantLogs {
				t.Errorf("consumed lines = %d, want %d", got, tt.wantLogs)
			}
			if got := testutil.ToFloat64(counter) - before; got != 1 {
				t.Errorf("task_event_consumed_total{result=%q} grew by %v, want 1", tt.wantResult, got)
			}
		})
	}
}

func TestHandleSkipsRedelivery(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := NewHandler(seenDeduper{}, zap.New(core))
	msg := mq.Message{RoutingKey: "task.created", MessageID: "9", Body: []byte(`{"task_id":1,"title":"a"}`)}

	for i := 0; i < 2; i++ {
		if err := h.Handle(context.Background(), msg); err != nil {
			t.Fatalf("Handle() #%d error = %v", i, err)
		}
	}
	if got := logs.FilterMessage("Task event consumed").Len(); got != 1 {
		t.Errorf("consumed lines = %d, want 1", got)
	}
}

func TestHandleWithoutDeduper(t *testing.T) {
	h := NewHandler(nil, zap.NewNop())
	err := h.Handle(context.Background(), mq.Message{RoutingKey: "task.updated", Body: []byte(`{"task_id":1}`)})
	if err != nil {
		t.Errorf("Handle() error = %v", err)
	}
	if errors.Is(err, util.ErrPermanent) {
		t.Errorf("unexpected permanent error")
	}
}
