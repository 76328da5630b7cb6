// Package ledger defines the narrow read-only query contract this job needs from the
// chain, and selects a healthy read endpoint for a run.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forkmeter/forkrisk/internal/logger"
	"github.com/forkmeter/forkrisk/internal/models"
)

// Ledger is the read-only query interface consumed by every component of a run.
type Ledger interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	// QueryEvents returns the events of one kind in [from, to]. The span must not exceed
	// the provider's block-range limit.
	QueryEvents(ctx context.Context, kind models.EventKind, from, to uint64) ([]models.Event, error)
	IsForking(ctx context.Context) (bool, error)
	IsMarketFinalized(ctx context.Context, market string) (bool, error)
	Close()
}

// Dialer opens a Ledger on one endpoint.
type Dialer func(ctx context.Context, endpoint string) (Ledger, error)

// ErrAllEndpointsUnavailable is matched by AllEndpointsError.
var ErrAllEndpointsUnavailable = errors.New("all endpoints unavailable")

// AllEndpointsError is returned when no endpoint passed its liveness check.
type AllEndpointsError struct {
	Attempted int
	Last      error
}

func (e *AllEndpointsError) Error() string {
	return fmt.Sprintf("all endpoints unavailable (attempted %d): %v", e.Attempted, e.Last)
}

func (e *AllEndpointsError) Is(target error) bool {
	return target == ErrAllEndpointsUnavailable
}

func (e *AllEndpointsError) Unwrap() error {
	return e.Last
}

// Connection is the endpoint selected for a run.
type Connection struct {
	Ledger
	Endpoint           string
	Latency            time.Duration
	Height             uint64
	FallbacksAttempted int
}

// Select tries each endpoint once, in order, and returns the first whose liveness check
// (fetching the current height) succeeds within timeout.
func Select(ctx context.Context, endpoints []string, dial Dialer, timeout time.Duration) (*Connection, error) {
	failures := 0
	var lastErr error
	for _, endpoint := range endpoints {
		logger.Info("Trying endpoint %s", endpoint)
		conn, err := checkEndpoint(ctx, endpoint, dial, timeout)
		if err != nil {
			logger.Warn("Failed to connect to %s: %v", endpoint, err)
			failures++
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		conn.FallbacksAttempted = failures
		logger.Info("Connected to %s (%dms, block %d)", endpoint, conn.Latency.Milliseconds(), conn.Height)
		return conn, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints configured")
	}
	return nil, &AllEndpointsError{Attempted: failures, Last: lastErr}
}

func checkEndpoint(ctx context.Context, endpoint string, dial Dialer, timeout time.Duration) (*Connection, error) {
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	l, err := dial(checkCtx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	height, err := l.CurrentHeight(checkCtx)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("liveness check: %w", err)
	}
	return &Connection{
		Ledger:   l,
		Endpoint: endpoint,
		Latency:  time.Since(start),
		Height:   height,
	}, nil
}
