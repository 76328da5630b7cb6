package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkmeter/forkrisk/internal/models"
)

func TestObserveResult(t *testing.T) {
	r := NewRecorder()
	latency := int64(250)
	r.ObserveResult(&models.ForkRiskResult{
		Timestamp:      time.Unix(1700000000, 0),
		BlockNumber:    20_000_000,
		RiskLevel:      models.RiskModerate,
		RiskPercentage: 18.18,
		Metrics:        models.Metrics{LargestDisputeBond: 50000, ActiveDisputes: 3},
		RPCInfo:        models.RPCInfo{LatencyMillis: &latency, FallbacksAttempted: 2},
		CacheValidation: &models.CacheHealth{
			IsHealthy: false,
		},
	})

	assert.Equal(t, 18.18, testutil.ToFloat64(r.RiskPercentage))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.RiskLevel.WithLabelValues("moderate")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.RiskLevel.WithLabelValues("low")))
	assert.Equal(t, 50000.0, testutil.ToFloat64(r.LargestBond))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.ActiveDisputes))
	assert.Equal(t, 0.25, testutil.ToFloat64(r.RPCLatency))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.RPCFallbacks))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.CacheHealthy))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.RunSuccess))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(r.LastRunTimestamp))
}

func TestObserveErrorResult(t *testing.T) {
	r := NewRecorder()
	r.ObserveResult(&models.ForkRiskResult{Timestamp: time.Now(), RiskLevel: models.RiskUnknown, Error: "boom"})
	assert.Equal(t, 0.0, testutil.ToFloat64(r.RunSuccess))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.RiskLevel.WithLabelValues("unknown")))
}

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.ObserveScan(10, 8, 1234)
	r.ObserveDuration(1500 * time.Millisecond)

	path := filepath.Join(t.TempDir(), "forkrisk.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `forkrisk_scan_chunks{outcome="failure"} 2`)
	assert.Contains(t, text, `forkrisk_scan_chunks{outcome="success"} 8`)
	assert.Contains(t, text, "forkrisk_cache_events 1234")
	assert.Contains(t, text, "forkrisk_run_duration_seconds 1.5")
}
