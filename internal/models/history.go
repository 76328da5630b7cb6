package models

import (
	"fmt"
	"time"
)

// RunRecord is one row of the run history.
type RunRecord struct {
	ID             string
	RunAt          time.Time
	BlockNumber    uint64
	RiskLevel      RiskLevel
	RiskPercentage float64
	LargestBond    float64
	ActiveDisputes int
	LastRiskChange time.Time
	SyncStatus     SyncStatus
	Error          string
	Disputes       []DisputeDetail
}

// Failed reports whether the run published an error document.
func (r *RunRecord) Failed() bool {
	return r.RiskLevel == RiskUnknown
}

// Validate checks the fields the history requires.
func (r *RunRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("run id must not be empty")
	}
	if r.RunAt.IsZero() {
		return fmt.Errorf("run time must be set")
	}
	if r.RiskLevel == "" {
		return fmt.Errorf("risk level must not be empty")
	}
	return nil
}

// NewRunRecord captures a published result for the history.
func NewRunRecord(result *ForkRiskResult) *RunRecord {
	return &RunRecord{
		ID:             result.RunID,
		RunAt:          result.Timestamp,
		BlockNumber:    result.BlockNumber,
		RiskLevel:      result.RiskLevel,
		RiskPercentage: result.RiskPercentage,
		LargestBond:    result.Metrics.LargestDisputeBond,
		ActiveDisputes: result.Metrics.ActiveDisputes,
		LastRiskChange: result.LastRiskChange,
		SyncStatus:     result.SyncStatus,
		Error:          result.Error,
		Disputes:       result.Metrics.DisputeDetails,
	}
}
