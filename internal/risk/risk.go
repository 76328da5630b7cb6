// Package risk turns the active dispute set into the published fork-risk result.
package risk

import (
	"math"
	"time"

	"github.com/forkmeter/forkrisk/internal/dispute"
	"github.com/forkmeter/forkrisk/internal/models"
)

// Calculation methods recorded in the result.
const (
	MethodEventScan    = "Dispute Event Scan"
	MethodForkDetected = "Fork Detected"
	MethodError        = "Error"
)

// ForkingMarketID marks the synthetic dispute entry of a forking universe.
const ForkingMarketID = "FORKING"

const forkingRound = 99

// Level band lower bounds, in percent of the fork threshold.
const (
	moderateFrom = 10.0
	highFrom     = 25.0
	criticalFrom = 75.0
)

// Options configures a Calculator.
type Options struct {
	ForkThreshold  float64
	TopDisputes    int
	UpdateInterval time.Duration
	DisputeWindow  time.Duration
}

// Level maps a percentage of the fork threshold to a risk level. Exact zero is its own
// band and every other band includes its lower bound.
func Level(percent float64) models.RiskLevel {
	switch {
	case percent <= 0:
		return models.RiskNone
	case percent < moderateFrom:
		return models.RiskLow
	case percent < highFrom:
		return models.RiskModerate
	case percent < criticalFrom:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}

// Percent is largest as a share of threshold, clamped to [0, 100].
func Percent(largest, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	return math.Min(100, math.Max(0, largest/threshold*100))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Input is everything a normal result is computed from.
type Input struct {
	Now         time.Time
	BlockNumber uint64
	// Disputes are the retained active disputes, largest stake first.
	Disputes    []models.DisputeState
	ActiveCount int
	RPC         models.RPCInfo
	Health      models.CacheHealth
	SyncStatus  models.SyncStatus
}

// Calculator builds results with fixed thresholds.
type Calculator struct {
	opts Options
}

// NewCalculator creates a Calculator.
func NewCalculator(opts Options) *Calculator {
	return &Calculator{opts: opts}
}

// Calculate builds the result for a universe that is not forking.
func (c *Calculator) Calculate(in Input) models.ForkRiskResult {
	var largest float64
	for _, d := range in.Disputes {
		largest = math.Max(largest, d.CurrentStake)
	}
	raw := 0.0
	if c.opts.ForkThreshold > 0 {
		raw = largest / c.opts.ForkThreshold * 100
	}
	percent := Percent(largest, c.opts.ForkThreshold)
	health := in.Health

	return models.ForkRiskResult{
		Timestamp:      in.Now,
		BlockNumber:    in.BlockNumber,
		RiskLevel:      Level(percent),
		RiskPercentage: percent,
		Metrics: models.Metrics{
			LargestDisputeBond:   largest,
			ForkThresholdPercent: round2(raw),
			ActiveDisputes:       in.ActiveCount,
			DisputeDetails:       dispute.Details(in.Disputes, c.opts.TopDisputes, c.opts.DisputeWindow, in.Now),
		},
		NextUpdate:      in.Now.Add(c.opts.UpdateInterval),
		RPCInfo:         in.RPC,
		Calculation:     models.Calculation{Method: MethodEventScan, ForkThreshold: c.opts.ForkThreshold},
		CacheValidation: &health,
		SyncStatus:      in.SyncStatus,
	}
}

// Forking builds the maximal-risk result published while the universe is forking. No scan
// runs, so validation reports the skipped verdict and the cache is stale.
func (c *Calculator) Forking(now time.Time, blockNumber uint64, rpc models.RPCInfo) models.ForkRiskResult {
	return models.ForkRiskResult{
		Timestamp:      now,
		BlockNumber:    blockNumber,
		RiskLevel:      models.RiskCritical,
		RiskPercentage: 100,
		Metrics: models.Metrics{
			LargestDisputeBond:   c.opts.ForkThreshold,
			ForkThresholdPercent: 100,
			DisputeDetails: []models.DisputeDetail{{
				MarketID:        ForkingMarketID,
				Title:           "Universe is currently forking",
				DisputeBondSize: c.opts.ForkThreshold,
				DisputeRound:    forkingRound,
			}},
		},
		NextUpdate:      now.Add(c.opts.UpdateInterval),
		RPCInfo:         rpc,
		Calculation:     models.Calculation{Method: MethodForkDetected, ForkThreshold: c.opts.ForkThreshold},
		CacheValidation: &models.CacheHealth{IsHealthy: true},
		SyncStatus:      models.SyncStale,
	}
}

// Error builds the minimal document published when a run fails.
func (c *Calculator) Error(now time.Time, err error) models.ForkRiskResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return models.ForkRiskResult{
		Timestamp:      now,
		RiskLevel:      models.RiskUnknown,
		RiskPercentage: 0,
		Metrics: models.Metrics{
			DisputeDetails: []models.DisputeDetail{},
		},
		NextUpdate:  now.Add(c.opts.UpdateInterval),
		Calculation: models.Calculation{Method: MethodError, ForkThreshold: c.opts.ForkThreshold},
		Error:       msg,
	}
}
