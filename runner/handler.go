package runner

import (
	"context"
	"fmt"
	"time"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type Option func(*Handler)

// WithTimeout bounds each attempt.
func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

// WithMaxRetries sets how many retries follow the first attempt.
func WithMaxRetries(max int) Option {
	return func(r *Handler) {
		r.maxRetries = max
	}
}

func WithLogger(l Logger) Option {
	return func(r *Handler) {
		r.logger = l
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Handler) {
		r.retryStrategy = s
	}
}

// WithRetryable restricts retries to errors the predicate accepts.
func WithRetryable(fn func(error) bool) Option {
	return func(r *Handler) {
		r.retryable = fn
	}
}

// WithSleep replaces the wait between attempts, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Handler) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// Handler runs a function with a per-attempt timeout and bounded retries.
type Handler struct {
	logger        Logger
	retryStrategy RetryStrategy
	retryable     func(error) bool
	sleep         func(ctx context.Context, d time.Duration) error

	maxRetries int
	timeout    time.Duration
}

// NewHandler constructs a Handler from various options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	r := &Handler{
		retryStrategy: NoDelayStrategy{},
		retryable:     func(error) bool { return true },
		sleep:         sleepContext,
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Run calls fn until it succeeds, returns a non-retryable error, the retry
// budget is spent, or ctx is done. The last error is returned.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		err = h.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !h.retryable(err) || attempt == h.maxRetries {
			break
		}
		decision := DecideRetry(h.retryStrategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}
		h.logError("attempt %d of %d failed: %v", attempt+1, h.maxRetries+1, err)
		if sleepErr := h.sleep(ctx, decision.Delay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

func (h *Handler) attempt(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()
	return fn(ctx)
}

func (h *Handler) logError(format string, args ...any) {
	if h.logger != nil {
		h.logger.Error(format, args...)
	}
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(parent, h.timeout)
	}
	return parent, func() {}
}

// Do runs fn once per attempt using the handler's policy and returns its
// value.
func Do[R any](ctx context.Context, h *Handler, fn func(context.Context) (R, error)) (R, error) {
	var result R
	err := h.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
