// Package models defines the core domain entities: ledger events, the event cache,
// derived dispute state, and the published fork-risk result.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
)

// EventKind tags which of the three dispute event streams a log belongs to.
type EventKind string

const (
	KindCreated      EventKind = "created"
	KindContribution EventKind = "contribution"
	KindCompleted    EventKind = "completed"
)

// EventKinds lists the kinds in the order they are queried and folded.
var EventKinds = []EventKind{KindCreated, KindContribution, KindCompleted}

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindCreated, KindContribution, KindCompleted:
		return true
	}
	return false
}

// Minimum argument counts per kind. Logs shorter than this are rejected.
const (
	createdArity      = 6
	contributionArity = 11
	completedArity    = 11
)

// Event is one observed dispute log. The serialized fields are what the cache stores;
// the typed payload is decoded from Args exactly once, either when the log is read from
// the ledger or when the cache document is loaded.
type Event struct {
	BlockNumber  uint64    `json:"blockNumber"`
	TxHash       string    `json:"transactionHash"`
	LogIndex     uint      `json:"logIndex"`
	Kind         EventKind `json:"eventType"`
	Crowdsourcer string    `json:"disputeCrowdsourcerAddress"`
	Market       string    `json:"marketAddress"`
	Args         []string  `json:"args"`

	// Stake is the created size or the contribution's current stake, in wei.
	Stake *big.Int `json:"-"`
	// Round is only set for contributions and completions.
	Round uint64 `json:"-"`
	// Timestamp is the contribution or completion time in unix seconds.
	Timestamp int64 `json:"-"`
}

// EventKey identifies an event for deduplication.
type EventKey struct {
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
	Kind        EventKind
}

// Key returns the dedup key of e.
func (e *Event) Key() EventKey {
	return EventKey{BlockNumber: e.BlockNumber, TxHash: e.TxHash, LogIndex: e.LogIndex, Kind: e.Kind}
}

// NewEvent decodes the positional argument list of a log into a typed event.
func NewEvent(kind EventKind, blockNumber uint64, txHash string, logIndex uint, args []string) (Event, error) {
	e := Event{
		BlockNumber: blockNumber,
		TxHash:      txHash,
		LogIndex:    logIndex,
		Kind:        kind,
		Args:        args,
	}
	if err := e.decode(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (e *Event) decode() error {
	var err error
	switch e.Kind {
	case KindCreated:
		// universe, market, crowdsourcer, payoutNumerators, size, ...
		if len(e.Args) < createdArity {
			return fmt.Errorf("created event has %d args, want at least %d", len(e.Args), createdArity)
		}
		e.Market, e.Crowdsourcer = e.Args[1], e.Args[2]
		if e.Stake, err = parseWei(e.Args[4]); err != nil {
			return fmt.Errorf("created event size: %w", err)
		}
		e.Round = 1
	case KindContribution:
		// universe, reporter, market, crowdsourcer, amountStaked, description,
		// payoutNumerators, currentStake, stakeRemaining, disputeRound, timestamp
		if len(e.Args) < contributionArity {
			return fmt.Errorf("contribution event has %d args, want at least %d", len(e.Args), contributionArity)
		}
		e.Market, e.Crowdsourcer = e.Args[2], e.Args[3]
		if e.Stake, err = parseWei(e.Args[7]); err != nil {
			return fmt.Errorf("contribution event current stake: %w", err)
		}
		if e.Round, err = strconv.ParseUint(e.Args[9], 10, 64); err != nil {
			return fmt.Errorf("contribution event dispute round: %w", err)
		}
		if e.Timestamp, err = strconv.ParseInt(e.Args[10], 10, 64); err != nil {
			return fmt.Errorf("contribution event timestamp: %w", err)
		}
	case KindCompleted:
		// universe, market, crowdsourcer, payoutNumerators, nextWindowStart, nextWindowEnd,
		// pacingOn, totalRepStakedInPayout, totalRepStakedInMarket, disputeRound, timestamp
		if len(e.Args) < completedArity {
			return fmt.Errorf("completed event has %d args, want at least %d", len(e.Args), completedArity)
		}
		e.Market, e.Crowdsourcer = e.Args[1], e.Args[2]
		if e.Round, err = strconv.ParseUint(e.Args[9], 10, 64); err != nil {
			return fmt.Errorf("completed event dispute round: %w", err)
		}
		if e.Timestamp, err = strconv.ParseInt(e.Args[10], 10, 64); err != nil {
			return fmt.Errorf("completed event timestamp: %w", err)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Crowdsourcer == "" {
		return errors.New("dispute crowdsourcer must not be empty")
	}
	return nil
}

// UnmarshalJSON restores the typed payload of a cached event.
func (e *Event) UnmarshalJSON(data []byte) error {
	type serialized Event
	var s serialized
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*e = Event(s)
	return e.decode()
}

func parseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}
