package dispute

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkmeter/forkrisk/internal/models"
)

var oneToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), oneToken)
}

func createdEvent(block uint64, market, crowdsourcer string, size int64) models.Event {
	return models.Event{BlockNumber: block, Kind: models.KindCreated, Market: market, Crowdsourcer: crowdsourcer, Stake: tokens(size)}
}

func contributionEvent(block uint64, logIndex uint, market, crowdsourcer string, stake int64, round uint64, ts int64) models.Event {
	return models.Event{
		BlockNumber:  block,
		LogIndex:     logIndex,
		Kind:         models.KindContribution,
		Market:       market,
		Crowdsourcer: crowdsourcer,
		Stake:        tokens(stake),
		Round:        round,
		Timestamp:    ts,
	}
}

func completedEvent(block uint64, crowdsourcer string) models.Event {
	return models.Event{BlockNumber: block, Kind: models.KindCompleted, Crowdsourcer: crowdsourcer}
}

func TestToTokens(t *testing.T) {
	wei, _ := new(big.Int).SetString("50000123000000000000000", 10)
	assert.InDelta(t, 50000.123, ToTokens(wei), 1e-9)
	assert.Equal(t, 0.0, ToTokens(nil))
}

func TestAggregateContributionsApplyInChainOrder(t *testing.T) {
	c1 := contributionEvent(100, 0, "0xm1", "0xa", 100, 1, 1000)
	c2 := contributionEvent(200, 0, "0xm1", "0xa", 300, 2, 2000)
	other := contributionEvent(150, 3, "0xm2", "0xb", 50, 1, 1500)

	orders := map[string][]models.Event{
		"chain order":    {c1, other, c2},
		"reversed":       {c2, other, c1},
		"other id first": {other, c2, c1},
		"other id last":  {c1, c2, other},
	}
	for name, contributions := range orders {
		t.Run(name, func(t *testing.T) {
			states := Aggregate(models.EventSets{Contributions: contributions})
			require.Contains(t, states, "0xa")
			a := states["0xa"]
			assert.Equal(t, uint64(2), a.Round)
			assert.InDelta(t, 300, a.CurrentStake, 1e-9)
			assert.Equal(t, time.Unix(2000, 0).UTC(), a.LastContribution)
			assert.InDelta(t, 50, states["0xb"].CurrentStake, 1e-9)
		})
	}
}

func TestAggregateSameBlockUsesLogIndex(t *testing.T) {
	late := contributionEvent(100, 5, "0xm", "0xa", 900, 3, 1000)
	early := contributionEvent(100, 1, "0xm", "0xa", 400, 2, 1000)

	states := Aggregate(models.EventSets{Contributions: []models.Event{late, early}})
	assert.InDelta(t, 900, states["0xa"].CurrentStake, 1e-9)
	assert.Equal(t, uint64(3), states["0xa"].Round)
}

func TestAggregateSeedsAndCompletes(t *testing.T) {
	events := models.EventSets{
		Created: []models.Event{
			createdEvent(10, "0xm1", "0xa", 20),
			createdEvent(11, "0xm2", "0xb", 40),
		},
		Contributions: []models.Event{
			contributionEvent(12, 0, "0xm1", "0xa", 25, 2, 500),
		},
		Completed: []models.Event{
			completedEvent(13, "0xb"),
			completedEvent(14, "0xunknown"),
		},
	}

	states := Aggregate(events)
	require.Len(t, states, 2)

	a := states["0xa"]
	assert.Equal(t, "0xm1", a.MarketID)
	assert.InDelta(t, 25, a.CurrentStake, 1e-9)
	assert.Equal(t, uint64(2), a.Round)
	assert.False(t, a.Completed)

	b := states["0xb"]
	assert.InDelta(t, 40, b.CurrentStake, 1e-9)
	assert.Equal(t, uint64(1), b.Round)
	assert.True(t, b.Completed)
	assert.True(t, b.LastContribution.IsZero())
}

type fakeChecker struct {
	finalized map[string]bool
	failing   map[string]bool
	calls     map[string]int
}

func (p *fakeChecker) IsMarketFinalized(_ context.Context, market string) (bool, error) {
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[market]++
	if p.failing[market] {
		return false, errors.New("execution reverted")
	}
	return p.finalized[market], nil
}

func TestActive(t *testing.T) {
	states := map[string]*models.DisputeState{
		"0xa": {Crowdsourcer: "0xa", MarketID: "0xm1", CurrentStake: 10},
		"0xb": {Crowdsourcer: "0xb", MarketID: "0xm1", CurrentStake: 500},
		"0xc": {Crowdsourcer: "0xc", MarketID: "0xfinal", CurrentStake: 9000},
		"0xd": {Crowdsourcer: "0xd", MarketID: "0xbroken", CurrentStake: 700},
		"0xe": {Crowdsourcer: "0xe", MarketID: "0xm3", CurrentStake: 8000, Completed: true},
		"0xf": {Crowdsourcer: "0xf", MarketID: "0xm4", CurrentStake: 500},
	}
	checker := &fakeChecker{
		finalized: map[string]bool{"0xfinal": true},
		failing:   map[string]bool{"0xbroken": true},
	}

	top, total := Active(context.Background(), states, checker, 3)

	assert.Equal(t, 4, total)
	require.Len(t, top, 3)
	assert.Equal(t, "0xd", top[0].Crowdsourcer, "failed check counts as active")
	assert.Equal(t, "0xb", top[1].Crowdsourcer, "ties break by id")
	assert.Equal(t, "0xf", top[2].Crowdsourcer)
	assert.Equal(t, 1, checker.calls["0xm1"], "one check per market")
	assert.Zero(t, checker.calls["0xm3"], "completed disputes are not checked")
}

func TestDetails(t *testing.T) {
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	window := 7 * 24 * time.Hour
	disputes := []models.DisputeState{
		{MarketID: "0x1234567890abcdef", CurrentStake: 300, Round: 2, LastContribution: now.Add(-36 * time.Hour)},
		{MarketID: "0xshort", CurrentStake: 200, Round: 1},
		{MarketID: "0xold", CurrentStake: 100, Round: 4, LastContribution: now.Add(-30 * 24 * time.Hour)},
	}

	details := Details(disputes, 2, window, now)
	require.Len(t, details, 2)
	assert.Equal(t, models.DisputeDetail{
		MarketID: "0x1234567890abcdef", Title: "Market 0x12345678...", DisputeBondSize: 300, DisputeRound: 2, DaysRemaining: 6,
	}, details[0])
	assert.Equal(t, "Market 0xshort...", details[1].Title)
	assert.Equal(t, 7, details[1].DaysRemaining)

	assert.Equal(t, 0, DaysRemaining(disputes[2].LastContribution, window, now))
}
