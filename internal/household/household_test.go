package household

import (
	"errors"
	"testing"
	"time"

	"github.com/jmager/microgrid/internal/models"

	"github.com/google/uuid"
)

// fakeMarket records delegated calls without any matching logic.
type fakeMarket struct {
	joined  []*Household
	asks    int
	bids    int
	ratings int
}

func (m *fakeMarket) Join(h *Household) error {
	m.joined = append(m.joined, h)
	return nil
}

func (m *fakeMarket) SubmitAsk(origin uuid.UUID, price, quantity int64, ts time.Time) (int, *models.Settlement, error) {
	m.asks++
	return m.asks - 1, nil, nil
}

func (m *fakeMarket) SubmitBid(origin uuid.UUID, price, quantity int64, ts time.Time) (int, *models.Settlement, error) {
	m.bids++
	return m.bids - 1, nil, nil
}

func (m *fakeMarket) RateInteraction(caller, counterparty uuid.UUID, score int) error {
	m.ratings++
	return nil
}

func TestHousehold_DepositAndMeter(t *testing.T) {
	owner := uuid.New()
	h := New(owner, 1000)

	if err := h.Deposit(250); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := h.Deposit(0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero deposit: expected ErrInvalidAmount, got %v", err)
	}
	if err := h.Deposit(-10); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative deposit: expected ErrInvalidAmount, got %v", err)
	}

	m := h.Meter()
	if m.Owner != owner {
		t.Error("meter owner mismatch")
	}
	if m.Balance != 250 {
		t.Errorf("meter balance = %d, want 250", m.Balance)
	}
	if m.StoredEnergy != 1000 {
		t.Errorf("meter stored energy = %d, want 1000", m.StoredEnergy)
	}
}

func TestHousehold_ChargeDischarge(t *testing.T) {
	h := New(uuid.New(), 10)
	h.Charge(5)
	h.Discharge(3)
	if got := h.StoredEnergy(); got != 12 {
		t.Errorf("stored energy = %d, want 12", got)
	}
	// The counter is signed; local consumption may outrun generation.
	h.Discharge(20)
	if got := h.StoredEnergy(); got != -8 {
		t.Errorf("stored energy = %d, want -8", got)
	}
}

func TestHousehold_SubmitRequiresBinding(t *testing.T) {
	h := New(uuid.New(), 0)

	if _, _, err := h.SubmitAsk(10, 1, time.Now()); !errors.Is(err, ErrNotBound) {
		t.Errorf("ask before binding: expected ErrNotBound, got %v", err)
	}
	if _, _, err := h.SubmitBid(10, 1, time.Now()); !errors.Is(err, ErrNotBound) {
		t.Errorf("bid before binding: expected ErrNotBound, got %v", err)
	}
	if err := h.RateInteraction(uuid.New(), 3); !errors.Is(err, ErrNotBound) {
		t.Errorf("rating before binding: expected ErrNotBound, got %v", err)
	}
}

func TestHousehold_BindOnce(t *testing.T) {
	h := New(uuid.New(), 0)
	m := &fakeMarket{}

	if err := h.SetExchange(m); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if len(m.joined) != 1 || m.joined[0] != h {
		t.Fatal("binding must join the household to the market")
	}
	if err := h.SetExchange(&fakeMarket{}); !errors.Is(err, ErrRebind) {
		t.Errorf("rebind: expected ErrRebind, got %v", err)
	}

	if _, _, err := h.SubmitAsk(10, 1, time.Now()); err != nil {
		t.Errorf("ask after binding: %v", err)
	}
	if _, _, err := h.SubmitBid(12, 1, time.Now()); err != nil {
		t.Errorf("bid after binding: %v", err)
	}
	if err := h.RateInteraction(uuid.New(), 3); err != nil {
		t.Errorf("rating after binding: %v", err)
	}
	if m.asks != 1 || m.bids != 1 || m.ratings != 1 {
		t.Errorf("delegation counts: asks=%d bids=%d ratings=%d", m.asks, m.bids, m.ratings)
	}
}

func TestHousehold_SettlementMutators(t *testing.T) {
	h := New(uuid.New(), 0)
	if err := h.Deposit(30); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := h.Debit(40); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraft: expected ErrInsufficientFunds, got %v", err)
	}
	if got := h.Balance(); got != 30 {
		t.Errorf("failed debit mutated balance: %d", got)
	}

	if err := h.Debit(30); err != nil {
		t.Fatalf("debit: %v", err)
	}
	h.Credit(7)
	h.AdjustEnergy(2)
	h.AdjustEnergy(-5)

	if got := h.Balance(); got != 7 {
		t.Errorf("balance = %d, want 7", got)
	}
	if got := h.StoredEnergy(); got != -3 {
		t.Errorf("stored energy = %d, want -3", got)
	}
}

func TestFactory_Deploy(t *testing.T) {
	f := NewFactory()

	first := f.CreateHousehold(1000)
	second := f.CreateHousehold(0)

	if first.Owner() == second.Owner() {
		t.Fatal("factory assigned duplicate owner identities")
	}
	if got := first.StoredEnergy(); got != 1000 {
		t.Errorf("initial charge = %d, want 1000", got)
	}

	deployed := f.DeployedHouseholds()
	if len(deployed) != 2 || deployed[0] != first || deployed[1] != second {
		t.Error("deployed list must preserve creation order")
	}

	if h, ok := f.Get(second.Owner()); !ok || h != second {
		t.Error("owner lookup failed")
	}
	if _, ok := f.Get(uuid.New()); ok {
		t.Error("lookup of unknown owner succeeded")
	}
}
