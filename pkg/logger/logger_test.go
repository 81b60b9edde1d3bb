package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"tasklist/pkg/config"
	"tasklist/pkg/trace"
)

func TestNew(t *testing.T) {
	l, err := New(config.LogConfig{Level: "warn"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	if !l.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("error should be enabled at warn level")
	}

	if _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Error("New() with unknown level should fail")
	}
}

func TestWithTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	WithTrace(trace.WithContext(context.Background(), "t-42"), base).Info("with")
	WithTrace(context.Background(), base).Info("without")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if got := entries[0].ContextMap()["trace_id"]; got != "t-42" {
		t.Errorf("trace_id = %v, want t-42", got)
	}
	if _, ok := entries[1].ContextMap()["trace_id"]; ok {
		t.Error("entry without trace context should not carry trace_id")
	}
}
