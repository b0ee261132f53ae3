package models

import (
	"time"

	"github.com/google/uuid"
)

// Side distinguishes the two order books.
type Side string

const (
	SideAsk Side = "ask" // sell stored energy
	SideBid Side = "bid" // buy energy
)

// Order lifecycle states. There is no partial fill and no cancellation:
// an order is open until it is fully consumed by a match.
const (
	StatusOpen   = "open"
	StatusFilled = "filled"
)

// HouseholdRecord is the persisted view of a household account.
type HouseholdRecord struct {
	Owner        uuid.UUID
	Username     string
	PasswordHash string
	Balance      int64
	StoredEnergy int64
	CreatedAt    time.Time
}

// Order is a resting or filled entry in one of the two books. ID is the
// durable row identity; Index is only stable within one engine run.
type Order struct {
	ID        int       `json:"id"`
	Origin    uuid.UUID `json:"origin"`
	Side      Side      `json:"side"`
	Price     int64     `json:"price"`    // currency units per unit of energy
	Quantity  int64     `json:"quantity"` // units of energy
	Timestamp time.Time `json:"timestamp"`
	Index     int       `json:"index"`  // stable position in its book
	Status    string    `json:"status"` // "open" or "filled"
}

// Settlement records one executed match: the buyer paid Price per the bid,
// the seller supplied Quantity units of stored energy.
type Settlement struct {
	ID        int       `json:"id"`
	Seller    uuid.UUID `json:"seller"`
	Buyer     uuid.UUID `json:"buyer"`
	Price     int64     `json:"price"`
	Quantity  int64     `json:"quantity"`
	AskIndex  int       `json:"ask_index"` // consumed slot in the ask book
	BidIndex  int       `json:"bid_index"` // consumed slot in the bid book
	SettledAt time.Time `json:"settled_at"`
}

// Rating is a directional trust score submitted after a settlement.
type Rating struct {
	ID           int       `json:"id"`
	Rater        uuid.UUID `json:"rater"`
	Counterparty uuid.UUID `json:"counterparty"`
	Score        int       `json:"score"`
	RatedAt      time.Time `json:"rated_at"`
}

// MeterReading is the household state tuple exposed to callers.
// StoredEnergy is deliberately the final field.
type MeterReading struct {
	Owner        uuid.UUID `json:"owner"`
	Balance      int64     `json:"balance"`
	StoredEnergy int64     `json:"stored_energy"`
}
