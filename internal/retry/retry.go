// Package retry provides exponential backoff policies, a retry helper parameterised by
// attempts and a retryable-error predicate, and rate-limit error classification.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/forkmeter/forkrisk/internal/logger"
)

// Policy configures Do.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Retryable decides whether a failed attempt is retried. Nil retries every error.
	Retryable func(error) bool
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewExponential returns a deterministic doubling backoff: initial, 2*initial, ... capped
// at max. It never gives up on its own.
func NewExponential(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs fn until it succeeds, returns a non-retryable error, or MaxAttempts is reached.
func Do(ctx context.Context, operation string, p Policy, fn func(ctx context.Context) error) error {
	return DoWithSleep(ctx, operation, p, Sleep, fn)
}

// DoWithSleep is Do with an injectable sleep.
func DoWithSleep(ctx context.Context, operation string, p Policy, sleep SleepFunc, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := NewExponential(p.InitialDelay, maxDuration(p.MaxDelay, p.InitialDelay))

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("%s succeeded after %d attempts", operation, attempt)
			}
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		delay := b.NextBackOff()
		logger.Warn("%s failed (attempt %d/%d): %v; retrying in %v", operation, attempt, attempts, lastErr, delay)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	logger.Error("%s failed after %d attempts: %v", operation, attempts, lastErr)
	return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, lastErr)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

var rateLimitCodes = map[int]bool{
	-32005: true, // limit exceeded
	-32029: true,
	429:    true,
}

var rateLimitTokens = []string{
	"429",
	"too many requests",
	"error code: 1015",
	"rate limit",
	"exceeded maximum retry limit",
}

// IsRateLimit reports whether err signals provider rate limiting, by HTTP status,
// JSON-RPC error code, or message.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rateLimitCodes[rpcErr.ErrorCode()] {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, token := range rateLimitTokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}
