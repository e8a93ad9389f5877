package runner

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func TestHandlerRetriesUntilSuccess(t *testing.T) {
	var delays []time.Duration
	h := NewHandler(
		WithMaxRetries(3),
		WithRetryStrategy(ExponentialBackoffStrategy{Base: time.Millisecond, Factor: 2}),
		WithSleep(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
	)

	calls := 0
	err := h.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(delays) != 2 || delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Fatalf("unexpected delays %v", delays)
	}
}

func TestHandlerStopsOnNonRetryableError(t *testing.T) {
	fatal := errors.New("fatal")
	h := NewHandler(
		WithMaxRetries(5),
		WithRetryable(func(err error) bool { return errors.Is(err, errTransient) }),
	)
	calls := 0
	err := h.Run(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestHandlerReturnsLastErrorWhenBudgetSpent(t *testing.T) {
	h := NewHandler(WithMaxRetries(2))
	calls := 0
	err := h.Run(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestHandlerAppliesTimeoutPerAttempt(t *testing.T) {
	h := NewHandler(WithTimeout(10 * time.Millisecond))
	err := h.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDoReturnsValue(t *testing.T) {
	h := NewHandler()
	got, err := Do(context.Background(), h, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("unexpected result %q %v", got, err)
	}
}
