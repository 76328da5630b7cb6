// Package monitor runs one fork-risk calculation end to end: endpoint selection, the
// forking check, the incremental dispute scan, risk calculation and publication, followed
// by the best-effort history, alert and metrics side effects.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/forkmeter/forkrisk/internal/config"
	"github.com/forkmeter/forkrisk/internal/dispute"
	"github.com/forkmeter/forkrisk/internal/eventcache"
	"github.com/forkmeter/forkrisk/internal/fetcher"
	"github.com/forkmeter/forkrisk/internal/health"
	"github.com/forkmeter/forkrisk/internal/ledger"
	"github.com/forkmeter/forkrisk/internal/logger"
	"github.com/forkmeter/forkrisk/internal/metrics"
	"github.com/forkmeter/forkrisk/internal/models"
	"github.com/forkmeter/forkrisk/internal/publisher"
	"github.com/forkmeter/forkrisk/internal/retry"
	"github.com/forkmeter/forkrisk/internal/risk"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitUnpublished = 2
)

// ErrLedgerUnusable is returned when neither the forking check nor the dispute scan
// produced anything to compute a risk figure from.
var ErrLedgerUnusable = errors.New("ledger unusable")

type Config struct {
	Endpoints            []string
	DialTimeout          time.Duration
	Scan                 fetcher.Options
	ValidationDepth      uint64
	Risk                 risk.Options
	RetainedDisputes     int
	ContractCallAttempts int
	ContractCallDelay    time.Duration
	MetricsPath          string
}

// ConfigFrom derives the run configuration from the validated application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Endpoints:   cfg.Ledger.Endpoints,
		DialTimeout: cfg.Ledger.DialTimeout,
		Scan: fetcher.Options{
			ChunkSize:              cfg.Scan.ChunkSize,
			ChunkDelay:             cfg.Scan.ChunkDelay,
			MaxConsecutiveFailures: cfg.Scan.MaxConsecutiveFailures,
			BackoffInitial:         cfg.Scan.BackoffInitial,
			BackoffMax:             cfg.Scan.BackoffMax,
			FinalityDepth:          cfg.Scan.FinalityDepth,
			LookbackBlocks:         cfg.Scan.LookbackBlocks(),
			FullRebuild:            cfg.Scan.Mode == config.ModeFullRebuild,
		},
		ValidationDepth: cfg.Scan.ValidationDepth,
		Risk: risk.Options{
			ForkThreshold:  cfg.Risk.ForkThreshold,
			TopDisputes:    cfg.Risk.TopDisputes,
			UpdateInterval: cfg.Risk.UpdateInterval,
			DisputeWindow:  cfg.Risk.DisputeWindow,
		},
		RetainedDisputes:     cfg.Risk.RetainedDisputes,
		ContractCallAttempts: cfg.Risk.ContractCallAttempts,
		ContractCallDelay:    cfg.Risk.ContractCallDelay,
		MetricsPath:          cfg.Metrics.TextfilePath,
	}
}

// History is the run history the monitor reads the previous level from.
type History interface {
	LastRun() (*models.RunRecord, error)
	LastSuccessfulRun() (*models.RunRecord, error)
	RecordRun(run *models.RunRecord) error
}

// Notifier delivers alerts.
type Notifier interface {
	SendRiskChange(previous models.RiskLevel, result *models.ForkRiskResult) error
	SendError(err error) error
	SendRecovery(result *models.ForkRiskResult) error
}

// Option configures optional collaborators of a Monitor.
type Option func(*Monitor)

func WithHistory(h History) Option { return func(m *Monitor) { m.history = h } }

func WithNotifier(n Notifier) Option { return func(m *Monitor) { m.notifier = n } }

func WithMetrics(r *metrics.Recorder) Option { return func(m *Monitor) { m.metrics = r } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// WithSleep replaces the sleep used for backoff and retries.
func WithSleep(sleep retry.SleepFunc) Option { return func(m *Monitor) { m.sleep = sleep } }

type Monitor struct {
	config    Config
	dial      ledger.Dialer
	cache     *eventcache.Store
	publisher *publisher.Publisher
	calc      *risk.Calculator

	history  History
	notifier Notifier
	metrics  *metrics.Recorder

	now   func() time.Time
	sleep retry.SleepFunc
	newID func() string
}

func New(cfg Config, dial ledger.Dialer, cache *eventcache.Store, pub *publisher.Publisher, opts ...Option) *Monitor {
	m := &Monitor{
		config:    cfg,
		dial:      dial,
		cache:     cache,
		publisher: pub,
		calc:      risk.NewCalculator(cfg.Risk),
		now:       time.Now,
		sleep:     retry.Sleep,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Outcome is what a run produced.
type Outcome struct {
	Result *models.ForkRiskResult
	// Err is the failure captured in an error document.
	Err        error
	PublishErr error
}

// ExitCode maps the outcome to the process exit status.
func (o *Outcome) ExitCode() int {
	switch {
	case o.PublishErr != nil:
		return ExitUnpublished
	case o.Err != nil:
		return ExitFailed
	default:
		return ExitOK
	}
}

// Run performs one calculation and publishes its result. A failed calculation is
// published as an error document; only the publish step decides whether anything was
// written.
func (m *Monitor) Run(ctx context.Context) *Outcome {
	start := m.now()
	logger.Info("Starting fork risk calculation")

	result, err := m.compute(ctx)
	return m.finish(start, result, err)
}

// Fail publishes the error document for a run that could not start.
func (m *Monitor) Fail(err error) *Outcome {
	return m.finish(m.now(), nil, err)
}

func (m *Monitor) finish(start time.Time, result *models.ForkRiskResult, err error) *Outcome {
	if err != nil {
		logger.Error("Fork risk calculation failed: %v", err)
		r := m.calc.Error(m.now().UTC(), err)
		result = &r
	}
	result.RunID = m.newID()

	last, lastOK := m.previousRuns()
	result.LastRiskChange = lastRiskChange(lastOK, result)

	out := &Outcome{Result: result, Err: err}
	if perr := m.publisher.Publish(result); perr != nil {
		logger.Error("Failed to save results: %v", perr)
		out.PublishErr = perr
	} else {
		m.record(result)
	}

	m.notify(last, lastOK, result, err)
	m.observe(result, m.now().Sub(start))

	if err == nil {
		logger.Info("Fork risk %s (%.2f%%), largest bond %s REP across %d active disputes",
			result.RiskLevel, result.RiskPercentage,
			humanize.CommafWithDigits(result.Metrics.LargestDisputeBond, 2),
			result.Metrics.ActiveDisputes)
	}
	logger.Info("Run %s completed in %v", result.RunID, m.now().Sub(start))
	return out
}

func (m *Monitor) compute(ctx context.Context) (*models.ForkRiskResult, error) {
	conn, err := ledger.Select(ctx, m.config.Endpoints, m.dial, m.config.DialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	endpoint := conn.Endpoint
	latency := conn.Latency.Milliseconds()
	rpc := models.RPCInfo{
		Endpoint:           &endpoint,
		LatencyMillis:      &latency,
		FallbacksAttempted: conn.FallbacksAttempted,
	}
	now := m.now().UTC()

	forking, forkErr := m.checkForking(ctx, conn)
	if forkErr != nil {
		logger.Warn("Forking check failed, continuing with dispute scan: %v", forkErr)
	} else if forking {
		logger.Warn("Universe is forking at block %d", conn.Height)
		r := m.calc.Forking(now, conn.Height, rpc)
		return &r, nil
	}

	cache := m.loadCache()
	hadData := !cache.Empty()

	rng := fetcher.PlanRange(cache, conn.Height, m.config.Scan)
	scan := fetcher.NewWithSleep(conn, m.config.Scan, m.sleep).Scan(ctx, rng)
	if forkErr != nil && !scan.Usable() && !hadData {
		return nil, fmt.Errorf("%w: forking check: %v; dispute scan: %d/%d chunks succeeded",
			ErrLedgerUnusable, forkErr, scan.SuccessfulChunks, scan.TotalChunks)
	}

	eventcache.Merge(cache, scan)
	eventcache.Prune(cache, conn.Height, m.config.Scan.LookbackBlocks)
	if err := m.cache.Save(cache, scan.Status()); err != nil {
		logger.Warn("Failed to save event cache: %v", err)
	}
	if m.metrics != nil {
		m.metrics.ObserveScan(scan.TotalChunks, scan.SuccessfulChunks, cache.Events.Len())
	}
	logger.Info("Event cache holds %s events", humanize.Comma(int64(cache.Events.Len())))

	states := dispute.Aggregate(cache.Events)
	active, total := dispute.Active(ctx, states, conn, m.config.RetainedDisputes)
	verdict := health.NewValidator(conn, m.config.ValidationDepth).Check(ctx, cache, conn.Height)
	if !verdict.IsHealthy {
		logger.Warn("Event cache failed validation: %s", verdict.Discrepancy)
	}

	r := m.calc.Calculate(risk.Input{
		Now:         now,
		BlockNumber: conn.Height,
		Disputes:    active,
		ActiveCount: total,
		RPC:         rpc,
		Health:      verdict,
		SyncStatus:  scan.Status(),
	})
	return &r, nil
}

func (m *Monitor) checkForking(ctx context.Context, l ledger.Ledger) (bool, error) {
	var forking bool
	policy := retry.Policy{
		MaxAttempts:  m.config.ContractCallAttempts,
		InitialDelay: m.config.ContractCallDelay,
		MaxDelay:     m.config.ContractCallDelay * time.Duration(max(m.config.ContractCallAttempts, 1)),
	}
	err := retry.DoWithSleep(ctx, "isForking", policy, m.sleep, func(ctx context.Context) error {
		var err error
		forking, err = l.IsForking(ctx)
		return err
	})
	return forking, err
}

func (m *Monitor) loadCache() *models.EventCache {
	if m.config.Scan.FullRebuild {
		logger.Info("Full rebuild requested, ignoring event cache")
		return eventcache.Empty()
	}
	return m.cache.Load()
}

// previousRuns returns the last run and the last run that published a risk level. Without
// a history the previously published document stands in for both.
func (m *Monitor) previousRuns() (last, lastOK *models.RunRecord) {
	if m.history != nil {
		var err error
		if last, err = m.history.LastRun(); err != nil {
			logger.Warn("Failed to read run history: %v", err)
			return nil, nil
		}
		if lastOK, err = m.history.LastSuccessfulRun(); err != nil {
			logger.Warn("Failed to read run history: %v", err)
			return last, nil
		}
		return last, lastOK
	}

	doc, err := m.publisher.Load()
	if err != nil {
		return nil, nil
	}
	last = models.NewRunRecord(doc)
	if !last.Failed() {
		lastOK = last
	}
	return last, lastOK
}

// lastRiskChange carries the previous change time while the level is unchanged. An error
// document is not a level change.
func lastRiskChange(lastOK *models.RunRecord, result *models.ForkRiskResult) time.Time {
	if lastOK == nil || lastOK.LastRiskChange.IsZero() {
		return result.Timestamp
	}
	if result.RiskLevel == models.RiskUnknown || result.RiskLevel == lastOK.RiskLevel {
		return lastOK.LastRiskChange
	}
	return result.Timestamp
}

func (m *Monitor) record(result *models.ForkRiskResult) {
	if m.history == nil {
		return
	}
	if err := m.history.RecordRun(models.NewRunRecord(result)); err != nil {
		logger.Warn("Failed to record run: %v", err)
	}
}

func (m *Monitor) notify(last, lastOK *models.RunRecord, result *models.ForkRiskResult, runErr error) {
	if m.notifier == nil {
		return
	}

	if runErr != nil {
		// Only the first failure of a consecutive sequence is announced.
		if last != nil && last.Failed() {
			return
		}
		if err := m.notifier.SendError(runErr); err != nil {
			logger.Error("Failed to send error notification: %v", err)
		}
		return
	}

	if last != nil && last.Failed() {
		if err := m.notifier.SendRecovery(result); err != nil {
			logger.Error("Failed to send recovery notification: %v", err)
		}
	}
	if lastOK != nil && lastOK.RiskLevel != result.RiskLevel {
		logger.Info("Risk level changed: %s -> %s", lastOK.RiskLevel, result.RiskLevel)
		if err := m.notifier.SendRiskChange(lastOK.RiskLevel, result); err != nil {
			logger.Error("Failed to send risk change notification: %v", err)
		}
	}
}

func (m *Monitor) observe(result *models.ForkRiskResult, elapsed time.Duration) {
	if m.metrics == nil {
		return
	}
	m.metrics.ObserveResult(result)
	m.metrics.ObserveDuration(elapsed)
	if m.config.MetricsPath == "" {
		return
	}
	if err := m.metrics.WriteTextfile(m.config.MetricsPath); err != nil {
		logger.Warn("Failed to write metrics textfile: %v", err)
	}
}
