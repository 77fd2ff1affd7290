package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(code) {
			t.Fatalf("code %d should be retryable", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		if IsRetryableHTTPStatus(code) {
			t.Fatalf("code %d should not be retryable", code)
		}
	}
}

func TestIsRetryableClassification(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatalf("nil should not be retryable")
	}
	if IsRetryable(errors.New("bad request")) {
		t.Fatalf("plain error should not be retryable")
	}
	if !IsRetryable(&StatusError{Provider: "kb", Code: 503}) {
		t.Fatalf("5xx StatusError should be retryable")
	}
	if IsRetryable(&StatusError{Provider: "kb", Code: 404}) {
		t.Fatalf("404 StatusError should not be retryable")
	}
	if !IsRetryable(Transient(errors.New("conn reset"))) {
		t.Fatalf("Transient should be retryable")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Fatalf("deadline should be retryable")
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := &StatusError{Provider: "kb", Code: 429, RetryAfter: 2 * time.Second}
	hint, ok := RetryAfterHint(err)
	if !ok || hint != 2*time.Second {
		t.Fatalf("hint = %v ok=%v, want 2s true", hint, ok)
	}
	if _, ok := RetryAfterHint(errors.New("x")); ok {
		t.Fatalf("plain error should carry no hint")
	}
}

func TestExponentialBackoffCaps(t *testing.T) {
	base := 100 * time.Millisecond
	if got := ExponentialBackoff(0, base, time.Second); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, time.Second); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, time.Second); got != time.Second {
		t.Fatalf("attempt 10 = %v, want cap 1s", got)
	}
}
