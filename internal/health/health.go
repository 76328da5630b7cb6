// Package health cross-checks the event cache against a fresh scan of the most recent
// blocks to detect corruption left behind by chain reorganisations.
package health

import (
	"context"
	"fmt"

	"github.com/forkmeter/forkrisk/internal/fetcher"
	"github.com/forkmeter/forkrisk/internal/logger"
	"github.com/forkmeter/forkrisk/internal/models"
)

// Validator compares the cached crowdsourcer ids in a short trailing window with the
// ids the ledger reports for that window now.
type Validator struct {
	source fetcher.EventSource
	depth  uint64
}

// NewValidator creates a Validator checking the last depth blocks.
func NewValidator(source fetcher.EventSource, depth uint64) *Validator {
	return &Validator{source: source, depth: depth}
}

// Window returns the validated block range for a cache at the given height.
func (v *Validator) Window(cache *models.EventCache, current uint64) (uint64, uint64) {
	var from uint64
	if current > v.depth {
		from = current - v.depth
	}
	if cache.OldestBlock > from {
		from = cache.OldestBlock
	}
	return from, current
}

// Check returns the verdict for cache at height current. It never fails the run: a query
// error is reported as an unhealthy verdict.
func (v *Validator) Check(ctx context.Context, cache *models.EventCache, current uint64) models.CacheHealth {
	if cache.Events.Len() == 0 {
		logger.Debug("Cache holds no events, skipping health validation")
		return models.CacheHealth{IsHealthy: true}
	}

	from, to := v.Window(cache, current)
	if from > to {
		return models.CacheHealth{IsHealthy: true}
	}

	fresh := make(map[string]struct{})
	for _, kind := range models.EventKinds {
		events, err := v.source.QueryEvents(ctx, kind, from, to)
		if err != nil {
			logger.Warn("Cache validation query failed for blocks %d-%d: %v", from, to, err)
			return models.CacheHealth{IsHealthy: false, Discrepancy: fmt.Sprintf("validation query failed: %v", err)}
		}
		for _, e := range events {
			fresh[e.Crowdsourcer] = struct{}{}
		}
	}

	cached := make(map[string]struct{})
	cache.Events.Each(func(e *models.Event) {
		if e.BlockNumber >= from && e.BlockNumber <= to {
			cached[e.Crowdsourcer] = struct{}{}
		}
	})

	missing := difference(fresh, cached)
	unexpected := difference(cached, fresh)
	if missing == 0 && unexpected == 0 {
		logger.Info("Cache validation passed for blocks %d-%d (%d dispute ids)", from, to, len(fresh))
		return models.CacheHealth{IsHealthy: true}
	}

	discrepancy := fmt.Sprintf("blocks %d-%d: fresh has %d ids, cache has %d ids (%d missing from cache, %d unexpected in cache)",
		from, to, len(fresh), len(cached), missing, unexpected)
	logger.Warn("Cache validation failed: %s", discrepancy)
	return models.CacheHealth{IsHealthy: false, Discrepancy: discrepancy}
}

// difference counts the members of a that are not in b.
func difference(a, b map[string]struct{}) int {
	n := 0
	for id := range a {
		if _, ok := b[id]; !ok {
			n++
		}
	}
	return n
}
