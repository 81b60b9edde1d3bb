package trace

import (
	"context"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := WithContext(context.Background(), "abc")
	if got := FromContext(ctx); got != "abc" {
		t.Errorf("FromContext() = %q, want %q", got, "abc")
	}
	if got := FromContext(context.Background()); got != "" {
		t.Errorf("FromContext(empty) = %q, want empty", got)
	}
}

func TestFromHeaders(t *testing.T) {
	tests := map[string]struct {
		trace, requestID string
		want             string
	}{
		"trace header wins":   {trace: "t-1", requestID: "r-1", want: "t-1"},
		"request id fallback": {trace: " ", requestID: "r-1", want: "r-1"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := FromHeaders(tt.trace, tt.requestID); got != tt.want {
				t.Errorf("FromHeaders() = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("generated", func(t *testing.T) {
		a, b := FromHeaders("", ""), FromHeaders("", "")
		if len(a) != 32 {
			t.Errorf("generated id %q has length %d, want 32", a, len(a))
		}
		if a == b {
			t.Errorf("generated ids should differ, both %q", a)
		}
	})
}
