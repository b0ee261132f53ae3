// Package exchange implements the microgrid market core: the two order
// books, the matching engine, and the atomic settlement of matched trades.
package exchange

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmager/microgrid/internal/household"
	"github.com/jmager/microgrid/internal/models"
	"github.com/jmager/microgrid/internal/trust"

	"github.com/google/uuid"
)

var (
	// ErrInvalidOrder is returned for non-positive price or quantity.
	ErrInvalidOrder = errors.New("price and quantity must be positive")

	// ErrNotFound is returned by index lookups that miss or hit a slot
	// cleared by a match.
	ErrNotFound = errors.New("order not found")

	// ErrUnknownHousehold is returned when an order origin never joined
	// this exchange.
	ErrUnknownHousehold = errors.New("household not joined to this exchange")
)

// Exchange owns all mutable market state: both books, the joined household
// accounts, and the trust ledger. Every mutating operation runs
// start-to-finish under one mutex, so callers observe each submission,
// settlement, and rating as a single atomic step.
type Exchange struct {
	id    uuid.UUID
	owner uuid.UUID

	mu         sync.Mutex
	asks       book
	bids       book
	households map[uuid.UUID]*household.Household
	ledger     *trust.Ledger

	logger *slog.Logger
}

// New creates an exchange administered by owner.
func New(owner uuid.UUID, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		id:         uuid.New(),
		owner:      owner,
		households: make(map[uuid.UUID]*household.Household),
		ledger:     trust.NewLedger(),
		logger:     logger,
	}
}

// ID returns the exchange identity households bind to.
func (e *Exchange) ID() uuid.UUID { return e.id }

// Owner returns the administrative identity.
func (e *Exchange) Owner() uuid.UUID { return e.owner }

// Join registers a household account with the exchange. Called by
// Household.SetExchange; joining twice is harmless.
func (e *Exchange) Join(h *household.Household) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.households[h.Owner()] = h
	return nil
}

// SubmitAsk places a sell order. If a resting bid crosses it, the trade
// settles immediately at the bid's price and the settlement is returned;
// otherwise the ask rests and the settlement is nil. The returned index is
// stable for GetAsk.
func (e *Exchange) SubmitAsk(origin uuid.UUID, price, quantity int64, ts time.Time) (int, *models.Settlement, error) {
	return e.submit(models.SideAsk, origin, price, quantity, ts)
}

// SubmitBid places a buy order, settling immediately at its own price if a
// resting ask crosses it.
func (e *Exchange) SubmitBid(origin uuid.UUID, price, quantity int64, ts time.Time) (int, *models.Settlement, error) {
	return e.submit(models.SideBid, origin, price, quantity, ts)
}

func (e *Exchange) submit(side models.Side, origin uuid.UUID, price, quantity int64, ts time.Time) (int, *models.Settlement, error) {
	if price <= 0 || quantity <= 0 {
		return 0, nil, ErrInvalidOrder
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.households[origin]; !ok {
		return 0, nil, ErrUnknownHousehold
	}

	incoming := &models.Order{
		Origin:    origin,
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		Timestamp: ts,
		Status:    models.StatusOpen,
	}

	var own *book
	var ask, bid *models.Order
	if side == models.SideAsk {
		own = &e.asks
		incoming.Index = own.add(incoming)
		ask = incoming
		bid = e.bestCrossingBid(price)
	} else {
		own = &e.bids
		incoming.Index = own.add(incoming)
		bid = incoming
		ask = e.firstCrossingAsk(price)
	}

	if ask == nil || bid == nil {
		// No crossing counterpart: the order rests.
		return incoming.Index, nil, nil
	}

	st, err := e.settle(ask, bid)
	if err != nil {
		// Reject the incoming order outright: the resting counterparty
		// stays untouched and no trace of the incoming order remains.
		own.removeLast(incoming.Index)
		return 0, nil, err
	}
	return incoming.Index, st, nil
}

// bestCrossingBid returns the resting bid with the highest price at or
// above askPrice. Price ties go to the earliest index.
func (e *Exchange) bestCrossingBid(askPrice int64) *models.Order {
	var best *models.Order
	for _, o := range e.bids.orders {
		if o == nil || o.Status != models.StatusOpen || o.Price < askPrice {
			continue
		}
		if best == nil || o.Price > best.Price {
			best = o
		}
	}
	return best
}

// firstCrossingAsk returns the earliest resting ask priced at or below
// bidPrice. The incoming bid is itself the highest-priced qualifying bid,
// so every crossing ask ties and FIFO decides.
func (e *Exchange) firstCrossingAsk(bidPrice int64) *models.Order {
	for _, o := range e.asks.orders {
		if o == nil || o.Status != models.StatusOpen || o.Price > bidPrice {
			continue
		}
		return o
	}
	return nil
}

// settle applies the economic effect of one match. The buyer is debited
// before anything else mutates, so a failed debit leaves both books and
// both households exactly as they were. Settlement price is the bid's
// price; matched quantity is the ask's. Called with e.mu held.
func (e *Exchange) settle(ask, bid *models.Order) (*models.Settlement, error) {
	seller, ok := e.households[ask.Origin]
	if !ok {
		return nil, ErrUnknownHousehold
	}
	buyer, ok := e.households[bid.Origin]
	if !ok {
		return nil, ErrUnknownHousehold
	}

	quantity := ask.Quantity
	total := bid.Price * quantity

	if err := buyer.Debit(total); err != nil {
		return nil, fmt.Errorf("settle %d units at %d: %w", quantity, bid.Price, err)
	}
	seller.Credit(total)
	seller.AdjustEnergy(-quantity)
	buyer.AdjustEnergy(quantity)
	e.ledger.Open(seller.Owner(), buyer.Owner())

	ask.Status = models.StatusFilled
	bid.Status = models.StatusFilled
	e.asks.clear(ask.Index)
	e.bids.clear(bid.Index)

	st := &models.Settlement{
		Seller:    seller.Owner(),
		Buyer:     buyer.Owner(),
		Price:     bid.Price,
		Quantity:  quantity,
		AskIndex:  ask.Index,
		BidIndex:  bid.Index,
		SettledAt: time.Now(),
	}
	e.logger.Info("trade settled",
		"seller", st.Seller,
		"buyer", st.Buyer,
		"price", st.Price,
		"quantity", st.Quantity)
	return st, nil
}

// RateInteraction submits caller's rating of counterparty for their open
// interaction.
func (e *Exchange) RateInteraction(caller, counterparty uuid.UUID, score int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Rate(caller, counterparty, score)
}

// HasUnratedInteraction reports whether a and b have an open interaction.
// Symmetric in its arguments.
func (e *Exchange) HasUnratedInteraction(a, b uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.HasUnrated(a, b)
}

// TrustScore returns the running aggregate of from's ratings of to.
func (e *Exchange) TrustScore(from, to uuid.UUID) trust.Aggregate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Score(from, to)
}

// GetAsk returns the ask at index.
func (e *Exchange) GetAsk(index int) (models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.asks.get(index)
	if err != nil {
		return models.Order{}, err
	}
	return *o, nil
}

// GetBid returns the bid at index.
func (e *Exchange) GetBid(index int) (models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.bids.get(index)
	if err != nil {
		return models.Order{}, err
	}
	return *o, nil
}

// OrderBook returns copies of the resting asks and bids.
func (e *Exchange) OrderBook() (asks, bids []models.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.asks.resting(), e.bids.resting()
}
