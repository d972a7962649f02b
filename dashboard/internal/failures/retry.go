package failures

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

type Strategy string

const (
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyLinear:
		return StrategyLinear, nil
	case StrategyExponential, "":
		return StrategyExponential, nil
	}
	return "", fmt.Errorf("unknown backoff strategy %q", raw)
}

// RetryPolicy configures Retry. Defaults: 3 attempts, exponential, 1s base, 10s cap.
type RetryPolicy struct {
	MaxAttempts int
	Strategy    Strategy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// LogAttempts logs every failed attempt, including ones that later succeed.
	LogAttempts bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Strategy:    StrategyExponential,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Strategy == "" {
		p.Strategy = def.Strategy
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = p.BaseDelay * time.Duration(attempt)
	default:
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		d = p.BaseDelay * time.Duration(1<<uint(shift))
	}
	if d > p.MaxDelay || d < 0 {
		d = p.MaxDelay
	}
	return d
}

// Retry invokes op until it succeeds or the policy's attempts are exhausted. Only the terminal
// failure is recorded by h; it is then returned unchanged.
func Retry[T any](ctx context.Context, h *Handler, label string, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	return RetryWith(ctx, h, ErrorContext{Operation: label}, policy, op)
}

// RetryWith is Retry with full error context for the recorded failure. Failures classified as not
// retryable end the loop immediately. Cancellation of ctx is returned without being recorded.
func RetryWith[T any](ctx context.Context, h *Handler, ec ErrorContext, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	policy = policy.normalized()
	sleep := sleepContext
	if h != nil {
		sleep = h.sleep
	}

	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return zero, err
		}
		if policy.LogAttempts {
			logger := log.Default()
			if h != nil {
				logger = h.logger
			}
			logger.Printf("[retry] %s attempt %d/%d failed: %v", ec.Operation, attempt, policy.MaxAttempts, err)
		}
		if h != nil && !h.Classify(err, ec).Retryable {
			break
		}
		if attempt == policy.MaxAttempts {
			break
		}
		if err := sleep(ctx, policy.Delay(attempt)); err != nil {
			return zero, lastErr
		}
	}
	if h != nil {
		h.Handle(lastErr, ec)
	}
	return zero, lastErr
}

// Wrap returns fn unchanged in behavior, except that failures are also recorded by h.
func Wrap[T any](h *Handler, ec ErrorContext, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		result, err := fn(ctx)
		if err != nil && h != nil {
			h.Handle(err, ec)
		}
		return result, err
	}
}

// WrapArg is Wrap for functions taking one argument.
func WrapArg[A, T any](h *Handler, ec ErrorContext, fn func(context.Context, A) (T, error)) func(context.Context, A) (T, error) {
	return func(ctx context.Context, arg A) (T, error) {
		result, err := fn(ctx, arg)
		if err != nil && h != nil {
			h.Handle(err, ec)
		}
		return result, err
	}
}
