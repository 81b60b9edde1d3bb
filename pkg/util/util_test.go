package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

type fakeRedis struct {
	strings  map[string]bool
	counters map[string]int64
	expires  map[string]time.Duration
	err      error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{strings: map[string]bool{}, counters: map[string]int64{}, expires: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if f.strings[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.strings[key] = true
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.counters[key]++
	return redis.NewIntResult(f.counters[key], nil)
}

func (f *fakeRedis) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.expires[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.counters, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestDeduper(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	d := NewDeduper(rdb, time.Hour, zaptest.NewLogger(t))

	if !d.AcquireOnce(ctx, "h", "1") {
		t.Fatal("first AcquireOnce() = false, want true")
	}
	if d.AcquireOnce(ctx, "h", "1") {
		t.Error("second AcquireOnce() = true, want false")
	}
	if !d.AcquireOnce(ctx, "other", "1") {
		t.Error("AcquireOnce() for another handler = false, want true")
	}

	rdb.err = errors.New("redis down")
	if !d.AcquireOnce(ctx, "h", "1") {
		t.Error("AcquireOnce() with redis down = false, want true (fail open)")
	}
}

func TestRetryCounter(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	rc := NewRetryCounter(rdb, time.Minute)
	key := FormatRetryKey("q", "42")

	if key != "retry:q:42" {
		t.Fatalf("FormatRetryKey() = %q", key)
	}
	for want := int64(1); want <= 3; want++ {
		got, err := rc.IncrementAndGet(ctx, key)
		if err != nil || got != want {
			t.Fatalf("IncrementAndGet() = %d, %v, want %d", got, err, want)
		}
	}
	if rdb.expires[key] != time.Minute {
		t.Errorf("expiry = %v, want 1m set on first increment", rdb.expires[key])
	}
	if err := rc.Reset(ctx, key); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got, _ := rc.IncrementAndGet(ctx, key); got != 1 {
		t.Errorf("IncrementAndGet() after Reset = %d, want 1", got)
	}
}

type netTimeout struct{}

func (netTimeout) Error() string   { return "dial tcp: i/o timeout" }
func (netTimeout) Timeout() bool   { return true }
func (netTimeout) Temporary() bool { return true }

func TestIsRetryableError(t *testing.T) {
	var syntaxErr error
	{
		var v any
		syntaxErr = json.Unmarshal([]byte(`{`), &v)
	}

	tests := []struct {
		name          string
		err           error
		wantRetryable bool
		wantType      string
	}{
		{name: "nil", err: nil, wantType: ""},
		{name: "permanent", err: fmt.Errorf("x: %w", ErrPermanent), wantType: "permanent"},
		{name: "json", err: fmt.Errorf("decode: %w", syntaxErr), wantType: "json_decode_error"},
		{name: "deadline", err: context.DeadlineExceeded, wantRetryable: true, wantType: "timeout"},
		{name: "canceled", err: context.Canceled, wantType: "context_canceled"},
		{name: "net timeout", err: netTimeout{}, wantRetryable: true, wantType: "network_timeout"},
		{name: "connection", err: errors.New("connection refused"), wantRetryable: true, wantType: "connection_error"},
		{name: "unknown", err: errors.New("boom"), wantType: "unknown_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, kind := IsRetryableError(tt.err)
			if retryable != tt.wantRetryable || kind != tt.wantType {
				t.Errorf("IsRetryableError() = %v, %q, want %v, %q", retryable, kind, tt.wantRetryable, tt.wantType)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	if ShouldRetry(1, 3, false) {
		t.Error("non-retryable errors must not retry")
	}
	if !ShouldRetry(3, 3, true) {
		t.Error("retry count equal to max should still retry")
	}
	if ShouldRetry(4, 3, true) {
		t.Error("retry count over max must not retry")
	}
}
