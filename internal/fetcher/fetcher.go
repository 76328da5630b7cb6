// Package fetcher scans a block range for dispute events in bounded chunks, pacing
// requests and backing off when the provider rate-limits.
package fetcher

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/forkmeter/forkrisk/internal/logger"
	"github.com/forkmeter/forkrisk/internal/models"
	"github.com/forkmeter/forkrisk/internal/retry"
)

// EventSource is the part of ledger.Ledger the fetcher needs.
type EventSource interface {
	QueryEvents(ctx context.Context, kind models.EventKind, from, to uint64) ([]models.Event, error)
}

// Options configures a Fetcher.
type Options struct {
	ChunkSize              uint64
	ChunkDelay             time.Duration
	MaxConsecutiveFailures int
	BackoffInitial         time.Duration
	BackoffMax             time.Duration
	FinalityDepth          uint64
	LookbackBlocks         uint64
	FullRebuild            bool
}

// Range is the block span a run scans.
type Range struct {
	From        uint64
	To          uint64
	Incremental bool
}

// Chunks returns how many chunks of size cover the range.
func (r Range) Chunks(size uint64) int {
	if r.From > r.To || size == 0 {
		return 0
	}
	return int((r.To-r.From)/size) + 1
}

// PlanRange picks the scan range for this run. With a usable cache it resumes from the
// last scanned block minus the finality depth; otherwise it covers the whole lookback
// window ending at current.
func PlanRange(cache *models.EventCache, current uint64, opts Options) Range {
	lookbackStart := fullStart(current, opts.LookbackBlocks)
	full := Range{From: lookbackStart, To: current}
	if opts.FullRebuild || cache == nil || cache.Empty() || cache.LastScannedBlock > current {
		return full
	}

	from := lookbackStart
	if cache.LastScannedBlock > opts.FinalityDepth && cache.LastScannedBlock-opts.FinalityDepth > from {
		from = cache.LastScannedBlock - opts.FinalityDepth
	}
	return Range{From: from, To: current, Incremental: true}
}

// Result is the outcome of one scan.
type Result struct {
	Range            Range
	Events           models.EventSets
	TotalChunks      int
	SuccessfulChunks int
	// FirstFailedStart is the start of the earliest failed chunk, valid when Failed.
	FirstFailedStart uint64
	Failed           bool
	Aborted          bool
}

// Status is complete when every chunk of the range succeeded.
func (r *Result) Status() models.SyncStatus {
	if r.Failed || r.Aborted {
		return models.SyncPartial
	}
	return models.SyncComplete
}

// Usable reports whether at least one chunk was fetched.
func (r *Result) Usable() bool {
	return r.SuccessfulChunks > 0
}

// CoveredThrough returns the last block up to which the scan is gap-free, and false if
// not even the first chunk succeeded.
func (r *Result) CoveredThrough() (uint64, bool) {
	if !r.Failed && !r.Aborted {
		return r.Range.To, true
	}
	if r.FirstFailedStart <= r.Range.From {
		return 0, false
	}
	return r.FirstFailedStart - 1, true
}

// Fetcher scans ranges sequentially over one event source.
type Fetcher struct {
	source EventSource
	opts   Options
	sleep  retry.SleepFunc
}

// New creates a Fetcher.
func New(source EventSource, opts Options) *Fetcher {
	return NewWithSleep(source, opts, retry.Sleep)
}

// NewWithSleep creates a Fetcher whose inter-chunk pause and rate-limit backoff wait
// through sleep.
func NewWithSleep(source EventSource, opts Options, sleep retry.SleepFunc) *Fetcher {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 1
	}
	if opts.MaxConsecutiveFailures < 1 {
		opts.MaxConsecutiveFailures = 1
	}
	return &Fetcher{
		source: source,
		opts:   opts,
		sleep:  sleep,
	}
}

// Scan fetches every dispute event in r. It never fails: chunk errors are logged and
// reflected in the result's sync status.
func (f *Fetcher) Scan(ctx context.Context, r Range) *Result {
	res := &Result{Range: r}
	if r.From > r.To {
		return res
	}

	b := retry.NewExponential(f.opts.BackoffInitial, f.opts.BackoffMax)
	consecutive := 0

	for start := r.From; start <= r.To; {
		end := start + f.opts.ChunkSize - 1
		if end > r.To || end < start {
			end = r.To
		}
		res.TotalChunks++

		if err := f.pause(ctx, res.TotalChunks); err != nil {
			logger.Warn("Scan interrupted before blocks %d-%d: %v", start, end, err)
			f.markFailed(res, start)
			res.Aborted = true
			break
		}

		chunk, err := f.fetchChunk(ctx, start, end)
		if err == nil {
			if n := chunk.Len(); n > 0 {
				logger.Info("Found %d dispute events in blocks %d-%d (%d created, %d contributions, %d completed)",
					n, start, end, len(chunk.Created), len(chunk.Contributions), len(chunk.Completed))
			}
			res.Events.AppendAll(chunk)
			res.SuccessfulChunks++
			consecutive = 0
			b.Reset()
		} else {
			consecutive++
			f.markFailed(res, start)
			rateLimited := retry.IsRateLimit(err)
			if rateLimited {
				logger.Warn("Rate limit detected on blocks %d-%d: %v", start, end, err)
			} else {
				logger.Warn("Failed to query blocks %d-%d: %v", start, end, err)
			}

			if consecutive >= f.opts.MaxConsecutiveFailures {
				logger.Warn("Too many consecutive failures (%d), stopping early with %d/%d chunks",
					consecutive, res.SuccessfulChunks, res.TotalChunks)
				res.Aborted = true
				break
			}
			if rateLimited {
				delay := b.NextBackOff()
				logger.Info("Backing off %v before continuing", delay)
				if err := f.sleep(ctx, delay); err != nil {
					res.Aborted = true
					break
				}
			}
		}

		if end == r.To {
			break
		}
		start = end + 1
	}

	logger.Info("Chunk query complete: %d/%d successful, %s new events",
		res.SuccessfulChunks, res.TotalChunks, humanize.Comma(int64(res.Events.Len())))
	if r.Incremental {
		full := Range{From: fullStart(r.To, f.opts.LookbackBlocks), To: r.To}.Chunks(f.opts.ChunkSize)
		if saved := full - res.TotalChunks; saved > 0 {
			logger.Info("Incremental scan saved %s chunk queries (%d vs %d for a full scan)",
				humanize.Comma(int64(saved)*int64(len(models.EventKinds))), res.TotalChunks, full)
		}
	}
	return res
}

// pause waits ChunkDelay before every chunk but the first, measured from the end of the
// previous chunk.
func (f *Fetcher) pause(ctx context.Context, chunk int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if chunk == 1 || f.opts.ChunkDelay <= 0 {
		return nil
	}
	return f.sleep(ctx, f.opts.ChunkDelay)
}

// fetchChunk queries every kind for one chunk. A chunk contributes events only when all
// of its queries succeed.
func (f *Fetcher) fetchChunk(ctx context.Context, start, end uint64) (models.EventSets, error) {
	var chunk models.EventSets
	for _, kind := range models.EventKinds {
		events, err := f.source.QueryEvents(ctx, kind, start, end)
		if err != nil {
			return models.EventSets{}, err
		}
		for _, e := range events {
			chunk.Append(e)
		}
	}
	return chunk, nil
}

func (f *Fetcher) markFailed(res *Result, start uint64) {
	if !res.Failed {
		res.Failed = true
		res.FirstFailedStart = start
	}
}

func fullStart(current, lookback uint64) uint64 {
	if current > lookback {
		return current - lookback
	}
	return 0
}
