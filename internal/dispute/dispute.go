// Package dispute folds the three dispute event streams into per-crowdsourcer state and
// selects the active disputes that drive the fork risk.
package dispute

import (
	"context"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forkmeter/forkrisk/internal/logger"
	"github.com/forkmeter/forkrisk/internal/models"
)

// tokenDecimals is the precision of the stake token.
const tokenDecimals = 18

// ToTokens converts a wei amount into whole stake-token units.
func ToTokens(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	return decimal.NewFromBigInt(wei, -tokenDecimals).InexactFloat64()
}

// Aggregate builds the current state of every dispute crowdsourcer seen in events.
// Created events seed a state, contributions overwrite stake and round in chain order,
// and completions flag the state.
func Aggregate(events models.EventSets) map[string]*models.DisputeState {
	states := make(map[string]*models.DisputeState, len(events.Created))

	for i := range events.Created {
		e := &events.Created[i]
		states[e.Crowdsourcer] = &models.DisputeState{
			Crowdsourcer: e.Crowdsourcer,
			MarketID:     e.Market,
			CurrentStake: ToTokens(e.Stake),
			Round:        1,
		}
	}

	contributions := make([]*models.Event, len(events.Contributions))
	for i := range events.Contributions {
		contributions[i] = &events.Contributions[i]
	}
	sort.SliceStable(contributions, func(i, j int) bool {
		a, b := contributions[i], contributions[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
	for _, e := range contributions {
		at := time.Unix(e.Timestamp, 0).UTC()
		s, ok := states[e.Crowdsourcer]
		if !ok {
			states[e.Crowdsourcer] = &models.DisputeState{
				Crowdsourcer:     e.Crowdsourcer,
				MarketID:         e.Market,
				CurrentStake:     ToTokens(e.Stake),
				Round:            e.Round,
				LastContribution: at,
			}
			continue
		}
		s.CurrentStake = ToTokens(e.Stake)
		s.Round = e.Round
		if at.After(s.LastContribution) {
			s.LastContribution = at
		}
	}

	for i := range events.Completed {
		if s, ok := states[events.Completed[i].Crowdsourcer]; ok {
			s.Completed = true
		}
	}
	return states
}

// FinalizationChecker reports whether a market has already resolved.
type FinalizationChecker interface {
	IsMarketFinalized(ctx context.Context, market string) (bool, error)
}

// Active returns the disputes that are neither completed nor on a finalized market,
// largest stake first, truncated to limit, together with the total number of active
// disputes. A market whose check fails is treated as still open.
func Active(ctx context.Context, states map[string]*models.DisputeState, checker FinalizationChecker, limit int) ([]models.DisputeState, int) {
	finalized := make(map[string]bool)
	var active []models.DisputeState

	for _, s := range states {
		if s.Completed {
			continue
		}
		done, seen := finalized[s.MarketID]
		if !seen {
			var err error
			done, err = checker.IsMarketFinalized(ctx, s.MarketID)
			if err != nil {
				logger.Debug("Finalization check failed for market %s, treating as active: %v", s.MarketID, err)
				done = false
			}
			finalized[s.MarketID] = done
		}
		if done {
			continue
		}
		active = append(active, *s)
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].CurrentStake != active[j].CurrentStake {
			return active[i].CurrentStake > active[j].CurrentStake
		}
		return active[i].Crowdsourcer < active[j].Crowdsourcer
	})

	total := len(active)
	logger.Info("Processed %d active disputes from %d dispute crowdsourcers", total, len(states))
	if limit >= 0 && len(active) > limit {
		active = active[:limit]
	}
	return active, total
}

// Details renders the first n disputes for publication.
func Details(disputes []models.DisputeState, n int, window time.Duration, now time.Time) []models.DisputeDetail {
	if len(disputes) > n {
		disputes = disputes[:n]
	}
	details := make([]models.DisputeDetail, 0, len(disputes))
	for _, d := range disputes {
		details = append(details, models.DisputeDetail{
			MarketID:        d.MarketID,
			Title:           Title(d.MarketID),
			DisputeBondSize: d.CurrentStake,
			DisputeRound:    d.Round,
			DaysRemaining:   DaysRemaining(d.LastContribution, window, now),
		})
	}
	return details
}

// Title is the display name used for a market without metadata.
func Title(marketID string) string {
	short := marketID
	if len(short) > 10 {
		short = short[:10]
	}
	return "Market " + short + "..."
}

// DaysRemaining estimates the days left in the dispute window opened by the last
// contribution. Without a contribution time the full window is assumed.
func DaysRemaining(last time.Time, window time.Duration, now time.Time) int {
	const day = 24 * time.Hour
	if last.IsZero() || last.Unix() == 0 {
		return int(window / day)
	}
	left := last.Add(window).Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(float64(left) / float64(day)))
}
