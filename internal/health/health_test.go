package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forkmeter/forkrisk/internal/models"
)

type windowSource struct {
	events []models.Event
	err    error
	from   uint64
	to     uint64
}

func (s *windowSource) QueryEvents(_ context.Context, kind models.EventKind, from, to uint64) ([]models.Event, error) {
	s.from, s.to = from, to
	if s.err != nil {
		return nil, s.err
	}
	var out []models.Event
	for _, e := range s.events {
		if e.Kind == kind && e.BlockNumber >= from && e.BlockNumber <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

func ev(kind models.EventKind, block uint64, id string) models.Event {
	return models.Event{Kind: kind, BlockNumber: block, Crowdsourcer: id}
}

func cacheWith(oldest uint64, events ...models.Event) *models.EventCache {
	c := &models.EventCache{LastScannedBlock: 1000, OldestBlock: oldest}
	for _, e := range events {
		c.Events.Append(e)
	}
	return c
}

func TestCheckIdenticalSetsIsHealthy(t *testing.T) {
	cache := cacheWith(0,
		ev(models.KindCreated, 995, "0xa"),
		ev(models.KindContribution, 998, "0xb"),
		ev(models.KindContribution, 900, "0xold"), // outside the window
	)
	src := &windowSource{events: []models.Event{
		ev(models.KindContribution, 996, "0xa"),
		ev(models.KindCompleted, 999, "0xb"),
	}}

	got := NewValidator(src, 8).Check(context.Background(), cache, 1000)

	assert.Equal(t, models.CacheHealth{IsHealthy: true}, got)
	assert.Equal(t, uint64(992), src.from)
	assert.Equal(t, uint64(1000), src.to)
}

func TestCheckExtraIDIsUnhealthy(t *testing.T) {
	tests := []struct {
		name   string
		cached []models.Event
		fresh  []models.Event
		want   string
	}{
		{
			name:   "extra id on the ledger",
			cached: []models.Event{ev(models.KindCreated, 995, "0xa")},
			fresh:  []models.Event{ev(models.KindCreated, 995, "0xa"), ev(models.KindCreated, 997, "0xb")},
			want:   "fresh has 2 ids, cache has 1 ids (1 missing from cache, 0 unexpected in cache)",
		},
		{
			name:   "extra id in the cache",
			cached: []models.Event{ev(models.KindCreated, 995, "0xa"), ev(models.KindCreated, 997, "0xreorged")},
			fresh:  []models.Event{ev(models.KindCreated, 995, "0xa")},
			want:   "fresh has 1 ids, cache has 2 ids (0 missing from cache, 1 unexpected in cache)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewValidator(&windowSource{events: tt.fresh}, 8).Check(context.Background(), cacheWith(0, tt.cached...), 1000)
			assert.False(t, got.IsHealthy)
			assert.Contains(t, got.Discrepancy, tt.want)
		})
	}
}

func TestCheckSkipsEmptyCache(t *testing.T) {
	src := &windowSource{err: errors.New("should not be called")}
	got := NewValidator(src, 8).Check(context.Background(), cacheWith(0), 1000)
	assert.True(t, got.IsHealthy)
	assert.Empty(t, got.Discrepancy)
}

func TestCheckQueryFailureIsUnhealthy(t *testing.T) {
	src := &windowSource{err: errors.New("429 Too Many Requests")}
	got := NewValidator(src, 8).Check(context.Background(), cacheWith(0, ev(models.KindCreated, 999, "0xa")), 1000)
	assert.False(t, got.IsHealthy)
	assert.Contains(t, got.Discrepancy, "429 Too Many Requests")
}

func TestWindowRespectsOldestRetainedBlock(t *testing.T) {
	v := NewValidator(nil, 8)

	from, to := v.Window(cacheWith(996), 1000)
	assert.Equal(t, uint64(996), from)
	assert.Equal(t, uint64(1000), to)

	from, _ = v.Window(cacheWith(0), 5)
	assert.Equal(t, uint64(0), from)
}
