// Package eventcache persists the bounded-retention cache of raw dispute events between
// runs, and merges each run's scan into it.
package eventcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/forkmeter/forkrisk/internal/fetcher"
	"github.com/forkmeter/forkrisk/internal/logger"
	"github.com/forkmeter/forkrisk/internal/models"
	"github.com/forkmeter/forkrisk/internal/publisher"
)

// Version is the schema version written to and required of the cache document.
const Version = "1.0.0"

// maxBlockHeight bounds a sane last scanned block.
const maxBlockHeight = 1_000_000_000

// ErrInvalidCache is wrapped by every Validate failure.
var ErrInvalidCache = errors.New("invalid event cache")

// Store reads and writes the cache document at one path.
type Store struct {
	fs   afero.Fs
	path string
	now  func() time.Time
}

// NewStore creates a Store.
func NewStore(fs afero.Fs, path string) *Store {
	return &Store{fs: fs, path: path, now: time.Now}
}

// Empty returns a fresh cache with no scan recorded.
func Empty() *models.EventCache {
	return &models.EventCache{
		Version: Version,
		Events: models.EventSets{
			Created:       []models.Event{},
			Contributions: []models.Event{},
			Completed:     []models.Event{},
		},
		Metadata: models.CacheMetadata{SyncStatus: models.SyncStale},
	}
}

// Load returns the persisted cache, or an empty one if the document is absent,
// unreadable, or invalid. It never fails.
func (s *Store) Load() *models.EventCache {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("No event cache at %s, starting fresh", s.path)
		} else {
			logger.Warn("Failed to read event cache %s: %v", s.path, err)
		}
		return Empty()
	}

	var cache models.EventCache
	if err := json.Unmarshal(data, &cache); err != nil {
		logger.Warn("Discarding unparsable event cache: %v", err)
		return Empty()
	}
	if err := Validate(&cache); err != nil {
		logger.Warn("Discarding event cache: %v", err)
		return Empty()
	}

	logger.Info("Loaded event cache: %d events, last block %d", cache.Metadata.TotalEvents, cache.LastScannedBlock)
	return &cache
}

// Validate checks the structural invariants of a loaded cache.
func Validate(cache *models.EventCache) error {
	if cache == nil {
		return fmt.Errorf("%w: nil", ErrInvalidCache)
	}
	if cache.Version != Version {
		return fmt.Errorf("%w: version %q, want %q", ErrInvalidCache, cache.Version, Version)
	}
	if cache.LastScannedBlock == 0 {
		return fmt.Errorf("%w: missing last scanned block", ErrInvalidCache)
	}
	if cache.LastScannedBlock > maxBlockHeight {
		return fmt.Errorf("%w: last scanned block %d out of range", ErrInvalidCache, cache.LastScannedBlock)
	}
	if cache.Metadata.GeneratedAt.IsZero() {
		return fmt.Errorf("%w: missing generation time", ErrInvalidCache)
	}
	if n := cache.Events.Len(); n != cache.Metadata.TotalEvents {
		return fmt.Errorf("%w: holds %d events but declares %d", ErrInvalidCache, n, cache.Metadata.TotalEvents)
	}
	return nil
}

// Save recomputes the cache metadata and writes the document atomically. Callers treat a
// failure as non-fatal.
func (s *Store) Save(cache *models.EventCache, status models.SyncStatus) error {
	now := s.now().UTC()
	cache.Version = Version
	cache.LastScannedAt = now
	cache.Metadata = models.CacheMetadata{
		TotalEvents: cache.Events.Len(),
		GeneratedAt: now,
		SyncStatus:  status,
	}

	if err := publisher.WriteJSON(s.fs, s.path, cache); err != nil {
		return fmt.Errorf("failed to write event cache: %w", err)
	}
	logger.Debug("Saved event cache to %s (%d events)", s.path, cache.Metadata.TotalEvents)
	return nil
}

// Prune drops every event older than the lookback window ending at current, moves the
// oldest retained marker to the cutoff, and returns how many events were removed.
func Prune(cache *models.EventCache, current, lookback uint64) int {
	var cutoff uint64
	if current > lookback {
		cutoff = current - lookback
	}
	before := cache.Events.Len()
	cache.Events = cache.Events.Filter(func(e *models.Event) bool {
		return e.BlockNumber >= cutoff
	})
	cache.OldestBlock = cutoff
	removed := before - cache.Events.Len()
	if removed > 0 {
		logger.Info("Pruned %d events older than block %d", removed, cutoff)
	}
	return removed
}

// Merge folds a scan into cache. Cached events inside the scanned range are replaced by
// the fresh ones so the re-scanned finality window is never counted twice; cached events
// past a gap in a partial scan are kept. The last scanned block moves to the end of the
// gap-free prefix of the scan so the next run re-covers the gap.
func Merge(cache *models.EventCache, scan *fetcher.Result) {
	from := scan.Range.From
	through, covered := scan.CoveredThrough()
	complete := scan.Status() == models.SyncComplete

	merged := cache.Events.Filter(func(e *models.Event) bool {
		if e.BlockNumber < from {
			return true
		}
		return !complete && (!covered || e.BlockNumber > through)
	})

	seen := make(map[models.EventKey]struct{}, merged.Len()+scan.Events.Len())
	merged.Each(func(e *models.Event) {
		seen[e.Key()] = struct{}{}
	})
	scan.Events.Each(func(e *models.Event) {
		k := e.Key()
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		merged.Append(*e)
	})
	cache.Events = merged

	switch {
	case covered:
		cache.LastScannedBlock = through
	case from > 0 && cache.LastScannedBlock >= from:
		cache.LastScannedBlock = from - 1
	}
}
