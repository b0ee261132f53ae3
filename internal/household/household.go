package household

import (
	"errors"
	"sync"
	"time"

	"github.com/jmager/microgrid/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrNotBound is returned when a household acts on the market before
	// SetExchange has been called.
	ErrNotBound = errors.New("household not bound to an exchange")

	// ErrRebind is returned on a second SetExchange call. Binding is one-time.
	ErrRebind = errors.New("household already bound to an exchange")

	// ErrInsufficientFunds is returned when a debit would push the balance
	// below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for non-positive deposits.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Market is the exchange surface a household delegates to. The exchange
// implements it; keeping the interface here avoids an import cycle.
type Market interface {
	Join(h *Household) error
	SubmitAsk(origin uuid.UUID, price, quantity int64, ts time.Time) (int, *models.Settlement, error)
	SubmitBid(origin uuid.UUID, price, quantity int64, ts time.Time) (int, *models.Settlement, error)
	RateInteraction(caller, counterparty uuid.UUID, score int) error
}

// Household holds one account's spendable balance and stored-energy meter.
// Balance and stored energy change only through Deposit, Charge/Discharge,
// and the settlement mutators invoked by the bound exchange.
type Household struct {
	owner uuid.UUID

	mu           sync.RWMutex
	balance      int64
	storedEnergy int64
	market       Market
}

// New creates a household for owner with an initial stored charge.
func New(owner uuid.UUID, initialCharge int64) *Household {
	return &Household{owner: owner, storedEnergy: initialCharge}
}

// Owner returns the immutable account identity.
func (h *Household) Owner() uuid.UUID {
	return h.owner
}

// Balance returns the spendable balance.
func (h *Household) Balance() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.balance
}

// StoredEnergy returns the meter counter. It may be negative: selling does
// not require a prior charge.
func (h *Household) StoredEnergy() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.storedEnergy
}

// Meter returns the household state tuple, stored energy last.
func (h *Household) Meter() models.MeterReading {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return models.MeterReading{
		Owner:        h.owner,
		Balance:      h.balance,
		StoredEnergy: h.storedEnergy,
	}
}

// SetExchange binds the household to its exchange. The binding is required
// before order submission and cannot be changed afterwards.
func (h *Household) SetExchange(m Market) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.market != nil {
		return ErrRebind
	}
	if err := m.Join(h); err != nil {
		return err
	}
	h.market = m
	return nil
}

// Deposit adds funds from an arbitrary external source.
func (h *Household) Deposit(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.balance += amount
	return nil
}

// Charge increases the stored-energy counter outside of settlement,
// e.g. local generation.
func (h *Household) Charge(units int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.storedEnergy += units
}

// Discharge decreases the stored-energy counter outside of settlement,
// e.g. local consumption.
func (h *Household) Discharge(units int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.storedEnergy -= units
}

// SubmitAsk offers quantity units for sale at price or better.
func (h *Household) SubmitAsk(price, quantity int64, ts time.Time) (int, *models.Settlement, error) {
	m, err := h.boundMarket()
	if err != nil {
		return 0, nil, err
	}
	return m.SubmitAsk(h.owner, price, quantity, ts)
}

// SubmitBid offers to buy quantity units, paying up to price.
func (h *Household) SubmitBid(price, quantity int64, ts time.Time) (int, *models.Settlement, error) {
	m, err := h.boundMarket()
	if err != nil {
		return 0, nil, err
	}
	return m.SubmitBid(h.owner, price, quantity, ts)
}

// RateInteraction submits this household's rating of a counterparty for
// their most recent settled trade.
func (h *Household) RateInteraction(counterparty uuid.UUID, score int) error {
	m, err := h.boundMarket()
	if err != nil {
		return err
	}
	return m.RateInteraction(h.owner, counterparty, score)
}

func (h *Household) boundMarket() (Market, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.market == nil {
		return nil, ErrNotBound
	}
	return h.market, nil
}

// Debit removes funds during settlement. The balance never goes negative;
// cross-account atomicity is the exchange's responsibility.
func (h *Household) Debit(amount int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.balance < amount {
		return ErrInsufficientFunds
	}
	h.balance -= amount
	return nil
}

// Credit adds funds during settlement.
func (h *Household) Credit(amount int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.balance += amount
}

// AdjustEnergy moves the stored-energy counter during settlement.
func (h *Household) AdjustEnergy(delta int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.storedEnergy += delta
}
