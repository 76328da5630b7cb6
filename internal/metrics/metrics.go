// Package metrics records the outcome of a run as prometheus gauges, exported to a
// node_exporter textfile collector since the job does not serve HTTP.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/forkmeter/forkrisk/internal/models"
)

const namespace = "forkrisk"

// Recorder holds the gauges of one run on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	RiskPercentage   prometheus.Gauge
	RiskLevel        *prometheus.GaugeVec
	LargestBond      prometheus.Gauge
	ActiveDisputes   prometheus.Gauge
	BlockNumber      prometheus.Gauge
	RPCLatency       prometheus.Gauge
	RPCFallbacks     prometheus.Gauge
	Chunks           *prometheus.GaugeVec
	CacheEvents      prometheus.Gauge
	CacheHealthy     prometheus.Gauge
	RunSuccess       prometheus.Gauge
	RunDuration      prometheus.Gauge
	LastRunTimestamp prometheus.Gauge
}

// NewRecorder creates a Recorder with every gauge registered.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		RiskPercentage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_percentage",
			Help:      "Largest active dispute as a percentage of the fork threshold, clamped to 100",
		}),
		RiskLevel: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_level",
			Help:      "1 for the current risk level, 0 otherwise",
		}, []string{"level"}),
		LargestBond: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "disputes",
			Name:      "largest_bond_rep",
			Help:      "Stake of the largest active dispute in REP",
		}),
		ActiveDisputes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "disputes",
			Name:      "active",
			Help:      "Number of active disputes",
		}),
		BlockNumber: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "block_number",
			Help:      "Ledger height the run was computed at",
		}),
		RPCLatency: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "latency_seconds",
			Help:      "Liveness check latency of the selected endpoint",
		}),
		RPCFallbacks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "fallbacks_attempted",
			Help:      "Endpoints that failed before one was selected",
		}),
		Chunks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "chunks",
			Help:      "Chunks queried in the last scan by outcome",
		}, []string{"outcome"}),
		CacheEvents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "events",
			Help:      "Events held in the event cache after pruning",
		}),
		CacheHealthy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "healthy",
			Help:      "1 if the cache health validation passed",
		}),
		RunSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "success",
			Help:      "1 if the last run published a normal result",
		}),
		RunDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall time of the last run",
		}),
		LastRunTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "last_timestamp_seconds",
			Help:      "Unix time of the last run",
		}),
	}
}

// ObserveResult sets the result gauges.
func (r *Recorder) ObserveResult(result *models.ForkRiskResult) {
	r.RiskPercentage.Set(result.RiskPercentage)
	for _, level := range []models.RiskLevel{
		models.RiskNone, models.RiskLow, models.RiskModerate, models.RiskHigh, models.RiskCritical, models.RiskUnknown,
	} {
		v := 0.0
		if level == result.RiskLevel {
			v = 1
		}
		r.RiskLevel.WithLabelValues(string(level)).Set(v)
	}
	r.LargestBond.Set(result.Metrics.LargestDisputeBond)
	r.ActiveDisputes.Set(float64(result.Metrics.ActiveDisputes))
	r.BlockNumber.Set(float64(result.BlockNumber))
	r.RPCFallbacks.Set(float64(result.RPCInfo.FallbacksAttempted))
	if result.RPCInfo.LatencyMillis != nil {
		r.RPCLatency.Set(float64(*result.RPCInfo.LatencyMillis) / 1000)
	}
	if result.CacheValidation != nil {
		r.CacheHealthy.Set(boolGauge(result.CacheValidation.IsHealthy))
	}
	r.RunSuccess.Set(boolGauge(result.RiskLevel != models.RiskUnknown))
	r.LastRunTimestamp.Set(float64(result.Timestamp.Unix()))
}

// ObserveScan sets the scan gauges.
func (r *Recorder) ObserveScan(total, successful, cacheEvents int) {
	r.Chunks.WithLabelValues("success").Set(float64(successful))
	r.Chunks.WithLabelValues("failure").Set(float64(total - successful))
	r.CacheEvents.Set(float64(cacheEvents))
}

// ObserveDuration sets the run duration gauge.
func (r *Recorder) ObserveDuration(d time.Duration) {
	r.RunDuration.Set(d.Seconds())
}

// Gatherer exposes the registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes every gauge to path in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
