package models

import "time"

// SyncStatus describes how completely the last scan covered its block range.
type SyncStatus string

const (
	SyncComplete SyncStatus = "complete"
	SyncPartial  SyncStatus = "partial"
	SyncStale    SyncStatus = "stale"
)

// EventSets holds the three dispute event streams.
type EventSets struct {
	Created       []Event `json:"created"`
	Contributions []Event `json:"contributions"`
	Completed     []Event `json:"completed"`
}

// Len returns the total number of events across the three streams.
func (s *EventSets) Len() int {
	return len(s.Created) + len(s.Contributions) + len(s.Completed)
}

// Append adds e to the stream matching its kind.
func (s *EventSets) Append(e Event) {
	switch e.Kind {
	case KindCreated:
		s.Created = append(s.Created, e)
	case KindContribution:
		s.Contributions = append(s.Contributions, e)
	case KindCompleted:
		s.Completed = append(s.Completed, e)
	}
}

// AppendAll adds every event of other to s.
func (s *EventSets) AppendAll(other EventSets) {
	s.Created = append(s.Created, other.Created...)
	s.Contributions = append(s.Contributions, other.Contributions...)
	s.Completed = append(s.Completed, other.Completed...)
}

// Filter returns the events for which keep returns true.
func (s *EventSets) Filter(keep func(*Event) bool) EventSets {
	return EventSets{
		Created:       filterEvents(s.Created, keep),
		Contributions: filterEvents(s.Contributions, keep),
		Completed:     filterEvents(s.Completed, keep),
	}
}

// Each calls fn for every event, created first, then contributions, then completions.
func (s *EventSets) Each(fn func(*Event)) {
	for _, list := range [][]Event{s.Created, s.Contributions, s.Completed} {
		for i := range list {
			fn(&list[i])
		}
	}
}

func filterEvents(events []Event, keep func(*Event) bool) []Event {
	out := make([]Event, 0, len(events))
	for i := range events {
		if keep(&events[i]) {
			out = append(out, events[i])
		}
	}
	return out
}

// CacheMetadata summarises an EventCache.
type CacheMetadata struct {
	TotalEvents int        `json:"totalEventsTracked"`
	GeneratedAt time.Time  `json:"cacheGeneratedAt"`
	SyncStatus  SyncStatus `json:"blockchainSyncStatus"`
}

// EventCache is the persisted, versioned, bounded-retention store of raw dispute events.
type EventCache struct {
	Version          string        `json:"version"`
	LastScannedBlock uint64        `json:"lastQueriedBlock"`
	LastScannedAt    time.Time     `json:"lastQueriedTimestamp"`
	OldestBlock      uint64        `json:"oldestEventBlock"`
	Events           EventSets     `json:"events"`
	Metadata         CacheMetadata `json:"metadata"`
}

// Empty reports whether the cache holds no usable scan.
func (c *EventCache) Empty() bool {
	return c.LastScannedBlock == 0
}
