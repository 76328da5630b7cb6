package models

import (
	"errors"
	"time"
)

// DisputeState is the current stake and round of one dispute crowdsourcer, derived from
// the event streams on every run. It is never persisted.
type DisputeState struct {
	Crowdsourcer     string
	MarketID         string
	CurrentStake     float64
	Round            uint64
	Completed        bool
	LastContribution time.Time
}

// RiskLevel buckets the largest active dispute relative to the fork threshold.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
	RiskUnknown  RiskLevel = "unknown"
)

// DisputeDetail is one entry of the published top-disputes list.
type DisputeDetail struct {
	MarketID        string  `json:"marketId"`
	Title           string  `json:"title"`
	DisputeBondSize float64 `json:"disputeBondSize"`
	DisputeRound    uint64  `json:"disputeRound"`
	DaysRemaining   int     `json:"daysRemaining"`
}

// Metrics is the numeric core of the published result.
type Metrics struct {
	LargestDisputeBond   float64         `json:"largestDisputeBond"`
	ForkThresholdPercent float64         `json:"forkThresholdPercent"`
	ActiveDisputes       int             `json:"activeDisputes"`
	DisputeDetails       []DisputeDetail `json:"disputeDetails"`
}

// RPCInfo records which endpoint served the run. Endpoint and Latency are null in an
// error document.
type RPCInfo struct {
	Endpoint           *string `json:"endpoint"`
	LatencyMillis      *int64  `json:"latency"`
	FallbacksAttempted int     `json:"fallbacksAttempted"`
}

// Calculation names the method and the threshold constant used.
type Calculation struct {
	Method        string  `json:"method"`
	ForkThreshold float64 `json:"forkThreshold"`
}

// CacheHealth is the verdict of the cache health validator.
type CacheHealth struct {
	IsHealthy   bool   `json:"isHealthy"`
	Discrepancy string `json:"discrepancy,omitempty"`
}

// ForkRiskResult is the document published for the presentation layer.
type ForkRiskResult struct {
	RunID           string       `json:"runId"`
	Timestamp       time.Time    `json:"timestamp"`
	LastRiskChange  time.Time    `json:"lastRiskChange"`
	BlockNumber     uint64       `json:"blockNumber,omitempty"`
	RiskLevel       RiskLevel    `json:"riskLevel"`
	RiskPercentage  float64      `json:"riskPercentage"`
	Metrics         Metrics      `json:"metrics"`
	NextUpdate      time.Time    `json:"nextUpdate"`
	RPCInfo         RPCInfo      `json:"rpcInfo"`
	Calculation     Calculation  `json:"calculation"`
	CacheValidation *CacheHealth `json:"cacheValidation,omitempty"`
	SyncStatus      SyncStatus   `json:"syncStatus,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// Validate checks the invariants a published result must hold.
func (r *ForkRiskResult) Validate() error {
	switch r.RiskLevel {
	case RiskNone, RiskLow, RiskModerate, RiskHigh, RiskCritical, RiskUnknown:
	default:
		return errors.New("risk level must be one of none, low, moderate, high, critical, unknown")
	}
	if r.RiskPercentage < 0 || r.RiskPercentage > 100 {
		return errors.New("risk percentage must be between 0 and 100")
	}
	if len(r.Metrics.DisputeDetails) > 5 {
		return errors.New("dispute details must hold at most 5 entries")
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp must be set")
	}
	if r.RiskLevel == RiskUnknown && r.Error == "" {
		return errors.New("unknown risk level requires an error message")
	}
	return nil
}
