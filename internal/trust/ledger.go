// Package trust tracks rating obligations between households that have
// traded. Each settlement opens one interaction per account pair; each side
// may rate the other exactly once before the interaction closes.
package trust

import (
	"bytes"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// MaxScore bounds accepted ratings to 0..MaxScore. Local policy: the
// upstream behavior accepts any value, but silent acceptance of garbage
// scores would poison the aggregates.
const MaxScore = 5

var (
	// ErrNoInteraction is returned when no open interaction exists for the
	// pair, or the caller's direction was already rated.
	ErrNoInteraction = errors.New("no unrated interaction with counterparty")

	// ErrInvalidScore is returned for scores outside 0..MaxScore.
	ErrInvalidScore = errors.New("score out of range")
)

// pairKey is an unordered account pair, normalized so that {a,b} and {b,a}
// map to the same key.
type pairKey struct {
	low, high uuid.UUID
}

func keyFor(a, b uuid.UUID) pairKey {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return pairKey{low: a, high: b}
	}
	return pairKey{low: b, high: a}
}

// interaction carries the two independent directional rated flags.
type interaction struct {
	lowRated  bool // low's rating of high submitted
	highRated bool // high's rating of low submitted
}

type directed struct {
	from, to uuid.UUID
}

// Aggregate is the running total of ratings submitted in one direction.
type Aggregate struct {
	Sum   int64 `json:"sum"`
	Count int64 `json:"count"`
}

// Ledger is the mutual trust ledger. All methods are safe for concurrent
// use; the exchange additionally serializes Open against settlements.
type Ledger struct {
	mu     sync.Mutex
	open   map[pairKey]*interaction
	scores map[directed]Aggregate
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		open:   make(map[pairKey]*interaction),
		scores: make(map[directed]Aggregate),
	}
}

// Open records a fresh unrated interaction between a and b. A settlement
// while a prior record is still open resets both directional flags: the new
// trade creates new obligations in both directions.
func (l *Ledger) Open(a, b uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open[keyFor(a, b)] = &interaction{}
}

// Rate submits caller's rating of counterparty. It fails with
// ErrNoInteraction unless an open interaction exists for the pair and the
// caller's direction is still unrated. Once both directions are rated the
// interaction closes and is removed from the open set.
func (l *Ledger) Rate(caller, counterparty uuid.UUID, score int) error {
	if score < 0 || score > MaxScore {
		return ErrInvalidScore
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := keyFor(caller, counterparty)
	rec, ok := l.open[key]
	if !ok {
		return ErrNoInteraction
	}

	callerIsLow := caller == key.low
	if (callerIsLow && rec.lowRated) || (!callerIsLow && rec.highRated) {
		return ErrNoInteraction
	}

	if callerIsLow {
		rec.lowRated = true
	} else {
		rec.highRated = true
	}

	d := directed{from: caller, to: counterparty}
	agg := l.scores[d]
	agg.Sum += int64(score)
	agg.Count++
	l.scores[d] = agg

	if rec.lowRated && rec.highRated {
		delete(l.open, key)
	}
	return nil
}

// HasUnrated reports whether an open interaction exists between a and b,
// regardless of direction or of which flags are already set.
func (l *Ledger) HasUnrated(a, b uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.open[keyFor(a, b)]
	return ok
}

// Score returns the running aggregate of from's ratings of to.
func (l *Ledger) Score(from, to uuid.UUID) Aggregate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scores[directed{from: from, to: to}]
}
