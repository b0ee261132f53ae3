package exchange

import (
	"errors"
	"testing"
	"time"

	"github.com/jmager/microgrid/internal/household"
	"github.com/jmager/microgrid/internal/models"

	"github.com/google/uuid"
)

// newTestMarket returns an exchange with n joined households, each funded
// with the given balance and a zero meter.
func newTestMarket(t *testing.T, n int, balance int64) (*Exchange, []*household.Household) {
	t.Helper()
	ex := New(uuid.New(), nil)
	hs := make([]*household.Household, n)
	for i := range hs {
		h := household.New(uuid.New(), 0)
		if err := ex.Join(h); err != nil {
			t.Fatalf("join household %d: %v", i, err)
		}
		if balance > 0 {
			if err := h.Deposit(balance); err != nil {
				t.Fatalf("fund household %d: %v", i, err)
			}
		}
		hs[i] = h
	}
	return ex, hs
}

func TestExchange_CrossingSettlesAtBidPrice(t *testing.T) {
	tests := []struct {
		name     string
		askFirst bool
	}{
		{name: "RestingAskIncomingBid", askFirst: true},
		{name: "RestingBidIncomingAsk", askFirst: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, hs := newTestMarket(t, 2, 100)
			seller, buyer := hs[0], hs[1]

			var st *models.Settlement
			var err error
			if tt.askFirst {
				if _, _, err = ex.SubmitAsk(seller.Owner(), 10, 1, time.Now()); err != nil {
					t.Fatalf("submit ask: %v", err)
				}
				_, st, err = ex.SubmitBid(buyer.Owner(), 11, 1, time.Now())
			} else {
				if _, _, err = ex.SubmitBid(buyer.Owner(), 11, 1, time.Now()); err != nil {
					t.Fatalf("submit bid: %v", err)
				}
				_, st, err = ex.SubmitAsk(seller.Owner(), 10, 1, time.Now())
			}
			if err != nil {
				t.Fatalf("crossing submission: %v", err)
			}
			if st == nil {
				t.Fatal("expected a settlement, got none")
			}

			// Settlement always executes at the bid's price.
			if st.Price != 11 {
				t.Errorf("expected settlement price 11, got %d", st.Price)
			}
			if got := seller.Balance(); got != 111 {
				t.Errorf("expected seller balance 111, got %d", got)
			}
			if got := buyer.Balance(); got != 89 {
				t.Errorf("expected buyer balance 89, got %d", got)
			}
			if got := seller.StoredEnergy(); got != -1 {
				t.Errorf("expected seller energy -1, got %d", got)
			}
			if got := buyer.StoredEnergy(); got != 1 {
				t.Errorf("expected buyer energy 1, got %d", got)
			}

			// Both books must be empty of resting orders.
			asks, bids := ex.OrderBook()
			if len(asks) != 0 || len(bids) != 0 {
				t.Errorf("expected empty books, got %d asks, %d bids", len(asks), len(bids))
			}
		})
	}
}

func TestExchange_BestBidWins(t *testing.T) {
	ex, hs := newTestMarket(t, 3, 100)
	seller, low, high := hs[0], hs[1], hs[2]

	lowIdx, _, err := ex.SubmitBid(low.Owner(), 11, 1, time.Now())
	if err != nil {
		t.Fatalf("submit low bid: %v", err)
	}
	if _, _, err := ex.SubmitBid(high.Owner(), 15, 1, time.Now()); err != nil {
		t.Fatalf("submit high bid: %v", err)
	}

	_, st, err := ex.SubmitAsk(seller.Owner(), 10, 1, time.Now())
	if err != nil {
		t.Fatalf("submit ask: %v", err)
	}
	if st == nil {
		t.Fatal("expected a settlement")
	}
	if st.Price != 15 {
		t.Errorf("expected match against the 15 bid, got price %d", st.Price)
	}
	if st.Buyer != high.Owner() {
		t.Error("expected the highest bidder to win the match")
	}

	// The losing bid is fully unaffected.
	if got := low.Balance(); got != 100 {
		t.Errorf("losing bidder balance changed: %d", got)
	}
	if got := low.StoredEnergy(); got != 0 {
		t.Errorf("losing bidder energy changed: %d", got)
	}
	rest, err := ex.GetBid(lowIdx)
	if err != nil {
		t.Fatalf("losing bid should still rest: %v", err)
	}
	if rest.Status != models.StatusOpen {
		t.Errorf("losing bid status = %q, want open", rest.Status)
	}
	if got := seller.Balance(); got != 115 {
		t.Errorf("expected seller balance 115, got %d", got)
	}
}

func TestExchange_FIFOTieBreak(t *testing.T) {
	ex, hs := newTestMarket(t, 3, 100)
	seller, first, second := hs[0], hs[1], hs[2]

	if _, _, err := ex.SubmitBid(first.Owner(), 12, 1, time.Now()); err != nil {
		t.Fatalf("submit first bid: %v", err)
	}
	if _, _, err := ex.SubmitBid(second.Owner(), 12, 1, time.Now()); err != nil {
		t.Fatalf("submit second bid: %v", err)
	}

	_, st, err := ex.SubmitAsk(seller.Owner(), 10, 1, time.Now())
	if err != nil {
		t.Fatalf("submit ask: %v", err)
	}
	if st == nil {
		t.Fatal("expected a settlement")
	}
	if st.Buyer != first.Owner() {
		t.Error("price tie must resolve to the first-inserted bid")
	}
}

func TestExchange_IncomingBidTakesEarliestAsk(t *testing.T) {
	ex, hs := newTestMarket(t, 3, 100)
	buyer, cheap, cheaper := hs[0], hs[1], hs[2]

	// Both asks cross the incoming bid; the earlier one wins even though
	// the later one is cheaper, because settlement executes at the bid.
	if _, _, err := ex.SubmitAsk(cheap.Owner(), 9, 1, time.Now()); err != nil {
		t.Fatalf("submit ask: %v", err)
	}
	if _, _, err := ex.SubmitAsk(cheaper.Owner(), 8, 1, time.Now()); err != nil {
		t.Fatalf("submit ask: %v", err)
	}

	_, st, err := ex.SubmitBid(buyer.Owner(), 11, 1, time.Now())
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if st == nil {
		t.Fatal("expected a settlement")
	}
	if st.Seller != cheap.Owner() {
		t.Error("expected the first-inserted crossing ask to match")
	}
	if st.Price != 11 {
		t.Errorf("expected settlement at the bid price 11, got %d", st.Price)
	}
}

func TestExchange_NoMatchNoMutation(t *testing.T) {
	ex, hs := newTestMarket(t, 2, 100)
	seller, buyer := hs[0], hs[1]

	askIdx, _, err := ex.SubmitAsk(seller.Owner(), 10, 1, time.Now())
	if err != nil {
		t.Fatalf("submit ask: %v", err)
	}

	// Bid below the ask: no cross, the bid rests.
	bidIdx, st, err := ex.SubmitBid(buyer.Owner(), 9, 1, time.Now())
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if st != nil {
		t.Fatal("expected no settlement for a non-crossing bid")
	}

	if got := seller.Balance(); got != 100 {
		t.Errorf("seller balance changed: %d", got)
	}
	if got := buyer.Balance(); got != 100 {
		t.Errorf("buyer balance changed: %d", got)
	}
	if _, err := ex.GetAsk(askIdx); err != nil {
		t.Errorf("resting ask should remain: %v", err)
	}
	if _, err := ex.GetBid(bidIdx); err != nil {
		t.Errorf("new bid should rest: %v", err)
	}
}

func TestExchange_InsufficientFundsRollsBack(t *testing.T) {
	tests := []struct {
		name     string
		incoming models.Side
	}{
		{name: "IncomingBidCannotPay", incoming: models.SideBid},
		{name: "RestingBidCannotPay", incoming: models.SideAsk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := New(uuid.New(), nil)
			seller := household.New(uuid.New(), 0)
			buyer := household.New(uuid.New(), 0)
			for _, h := range []*household.Household{seller, buyer} {
				if err := ex.Join(h); err != nil {
					t.Fatalf("join: %v", err)
				}
			}
			if err := buyer.Deposit(5); err != nil {
				t.Fatalf("fund buyer: %v", err)
			}

			var restingIdx int
			var err error
			if tt.incoming == models.SideBid {
				restingIdx, _, err = ex.SubmitAsk(seller.Owner(), 10, 1, time.Now())
				if err != nil {
					t.Fatalf("submit resting ask: %v", err)
				}
				_, _, err = ex.SubmitBid(buyer.Owner(), 11, 1, time.Now())
			} else {
				restingIdx, _, err = ex.SubmitBid(buyer.Owner(), 11, 1, time.Now())
				if err != nil {
					t.Fatalf("submit resting bid: %v", err)
				}
				_, _, err = ex.SubmitAsk(seller.Owner(), 10, 1, time.Now())
			}
			if !errors.Is(err, household.ErrInsufficientFunds) {
				t.Fatalf("expected ErrInsufficientFunds, got %v", err)
			}

			// No partial mutation survives the failed settlement.
			if got := seller.Balance(); got != 0 {
				t.Errorf("seller balance mutated: %d", got)
			}
			if got := buyer.Balance(); got != 5 {
				t.Errorf("buyer balance mutated: %d", got)
			}
			if got := seller.StoredEnergy(); got != 0 {
				t.Errorf("seller energy mutated: %d", got)
			}
			if got := buyer.StoredEnergy(); got != 0 {
				t.Errorf("buyer energy mutated: %d", got)
			}
			if ex.HasUnratedInteraction(seller.Owner(), buyer.Owner()) {
				t.Error("no interaction may open on a failed settlement")
			}

			// The resting order survives; the incoming one left no trace.
			asks, bids := ex.OrderBook()
			if tt.incoming == models.SideBid {
				if _, err := ex.GetAsk(restingIdx); err != nil {
					t.Errorf("resting ask should survive: %v", err)
				}
				if len(bids) != 0 {
					t.Errorf("rejected bid left %d entries in the book", len(bids))
				}
			} else {
				if _, err := ex.GetBid(restingIdx); err != nil {
					t.Errorf("resting bid should survive: %v", err)
				}
				if len(asks) != 0 {
					t.Errorf("rejected ask left %d entries in the book", len(asks))
				}
			}
		})
	}
}

func TestExchange_InvalidOrders(t *testing.T) {
	ex, hs := newTestMarket(t, 1, 100)
	h := hs[0]

	tests := []struct {
		name     string
		price    int64
		quantity int64
	}{
		{name: "ZeroPrice", price: 0, quantity: 1},
		{name: "NegativePrice", price: -5, quantity: 1},
		{name: "ZeroQuantity", price: 10, quantity: 0},
		{name: "NegativeQuantity", price: 10, quantity: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ex.SubmitAsk(h.Owner(), tt.price, tt.quantity, time.Now()); !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("ask: expected ErrInvalidOrder, got %v", err)
			}
			if _, _, err := ex.SubmitBid(h.Owner(), tt.price, tt.quantity, time.Now()); !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("bid: expected ErrInvalidOrder, got %v", err)
			}
		})
	}

	if _, _, err := ex.SubmitAsk(uuid.New(), 10, 1, time.Now()); !errors.Is(err, ErrUnknownHousehold) {
		t.Errorf("expected ErrUnknownHousehold for a stranger, got %v", err)
	}
}

func TestExchange_IndexLookup(t *testing.T) {
	ex, hs := newTestMarket(t, 2, 100)
	seller, buyer := hs[0], hs[1]

	idx, _, err := ex.SubmitAsk(seller.Owner(), 10, 2, time.Now())
	if err != nil {
		t.Fatalf("submit ask: %v", err)
	}

	got, err := ex.GetAsk(idx)
	if err != nil {
		t.Fatalf("get ask: %v", err)
	}
	if got.Origin != seller.Owner() {
		t.Error("ask lookup returned the wrong origin")
	}
	if got.Price != 10 || got.Quantity != 2 {
		t.Errorf("ask lookup returned price=%d quantity=%d", got.Price, got.Quantity)
	}

	if _, err := ex.GetAsk(99); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for out-of-range index, got %v", err)
	}
	if _, err := ex.GetBid(0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on the empty bid book, got %v", err)
	}

	// Fill the ask; its slot must then answer NotFound.
	if _, st, err := ex.SubmitBid(buyer.Owner(), 10, 2, time.Now()); err != nil || st == nil {
		t.Fatalf("crossing bid: st=%v err=%v", st, err)
	}
	if _, err := ex.GetAsk(idx); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for a consumed slot, got %v", err)
	}
}

func TestExchange_EnergyConservation(t *testing.T) {
	ex, hs := newTestMarket(t, 2, 1000)
	a, b := hs[0], hs[1]
	a.Charge(50)
	b.Charge(50)

	trades := []struct {
		sellerIdx int
		price     int64
	}{
		{sellerIdx: 0, price: 10},
		{sellerIdx: 1, price: 12},
		{sellerIdx: 0, price: 8},
	}

	for i, tr := range trades {
		seller, buyer := a, b
		if tr.sellerIdx == 1 {
			seller, buyer = b, a
		}
		if _, _, err := ex.SubmitAsk(seller.Owner(), tr.price, 1, time.Now()); err != nil {
			t.Fatalf("trade %d ask: %v", i, err)
		}
		if _, st, err := ex.SubmitBid(buyer.Owner(), tr.price, 1, time.Now()); err != nil || st == nil {
			t.Fatalf("trade %d bid: st=%v err=%v", i, st, err)
		}
		if sum := a.StoredEnergy() + b.StoredEnergy(); sum != 100 {
			t.Errorf("after trade %d total energy = %d, want 100", i, sum)
		}
	}
}

func TestExchange_RatingLifecycle(t *testing.T) {
	ex, hs := newTestMarket(t, 2, 100)
	seller, buyer := hs[0], hs[1]

	// No settlement yet: ratings are gated.
	if err := ex.RateInteraction(seller.Owner(), buyer.Owner(), 4); err == nil {
		t.Fatal("rating before any settlement must fail")
	}
	if ex.HasUnratedInteraction(seller.Owner(), buyer.Owner()) {
		t.Fatal("no interaction should exist before a settlement")
	}

	if _, _, err := ex.SubmitAsk(seller.Owner(), 10, 1, time.Now()); err != nil {
		t.Fatalf("submit ask: %v", err)
	}
	if _, st, err := ex.SubmitBid(buyer.Owner(), 10, 1, time.Now()); err != nil || st == nil {
		t.Fatalf("crossing bid: st=%v err=%v", st, err)
	}

	// Symmetric in argument order.
	if !ex.HasUnratedInteraction(seller.Owner(), buyer.Owner()) ||
		!ex.HasUnratedInteraction(buyer.Owner(), seller.Owner()) {
		t.Fatal("settlement must open a pair-symmetric interaction")
	}

	if err := ex.RateInteraction(seller.Owner(), buyer.Owner(), 5); err != nil {
		t.Fatalf("first direction: %v", err)
	}
	if err := ex.RateInteraction(seller.Owner(), buyer.Owner(), 3); err == nil {
		t.Fatal("repeating a direction must fail")
	}
	if !ex.HasUnratedInteraction(buyer.Owner(), seller.Owner()) {
		t.Fatal("half-rated interaction must stay open")
	}

	if err := ex.RateInteraction(buyer.Owner(), seller.Owner(), 4); err != nil {
		t.Fatalf("second direction: %v", err)
	}
	if ex.HasUnratedInteraction(seller.Owner(), buyer.Owner()) {
		t.Fatal("interaction must close once both directions rated")
	}
	if err := ex.RateInteraction(buyer.Owner(), seller.Owner(), 1); err == nil {
		t.Fatal("rating a closed interaction must fail")
	}

	if agg := ex.TrustScore(seller.Owner(), buyer.Owner()); agg.Sum != 5 || agg.Count != 1 {
		t.Errorf("seller->buyer aggregate = %+v", agg)
	}
	if agg := ex.TrustScore(buyer.Owner(), seller.Owner()); agg.Sum != 4 || agg.Count != 1 {
		t.Errorf("buyer->seller aggregate = %+v", agg)
	}

	// A fresh settlement re-opens a fresh record for the same pair.
	if _, _, err := ex.SubmitAsk(seller.Owner(), 10, 1, time.Now()); err != nil {
		t.Fatalf("second ask: %v", err)
	}
	if _, st, err := ex.SubmitBid(buyer.Owner(), 10, 1, time.Now()); err != nil || st == nil {
		t.Fatalf("second crossing bid: st=%v err=%v", st, err)
	}
	if !ex.HasUnratedInteraction(seller.Owner(), buyer.Owner()) {
		t.Fatal("a new trade must open a new interaction")
	}
	if err := ex.RateInteraction(seller.Owner(), buyer.Owner(), 2); err != nil {
		t.Errorf("rating the fresh interaction: %v", err)
	}
}
