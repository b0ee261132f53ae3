package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jmager/microgrid/internal/auth"
	"github.com/jmager/microgrid/internal/db"
	"github.com/jmager/microgrid/internal/exchange"
	"github.com/jmager/microgrid/internal/household"
	"github.com/jmager/microgrid/internal/models"
	"github.com/jmager/microgrid/internal/trust"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type ctxKey string

const ctxKeyOwner ctxKey = "owner"

// orderKey addresses a resting order within the current engine run.
type orderKey struct {
	side  models.Side
	index int
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB            *db.DB
	Exchange      *exchange.Exchange
	Factory       *household.Factory
	AuthService   *auth.AuthService
	Logger        *slog.Logger
	InitialCharge int64

	// Book indices restart with every engine run while order rows persist,
	// so resting orders map to their durable row ids here and all status
	// updates go by id.
	mu       sync.Mutex
	orderIDs map[orderKey]int
}

// NewHandler creates a new handler
func NewHandler(db *db.DB, ex *exchange.Exchange, factory *household.Factory, authService *auth.AuthService, logger *slog.Logger, initialCharge int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		DB:            db,
		Exchange:      ex,
		Factory:       factory,
		AuthService:   authService,
		Logger:        logger,
		InitialCharge: initialCharge,
		orderIDs:      make(map[orderKey]int),
	}
}

// TrackOrder associates a resting order's book index with its durable row
// id. Called for every order that rests, including orders re-submitted into
// a fresh engine run at startup.
func (h *Handler) TrackOrder(side models.Side, index, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.orderIDs[orderKey{side: side, index: index}] = id
}

// takeOrderID consumes the tracked row id for a filled slot.
func (h *Handler) takeOrderID(side models.Side, index int) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := orderKey{side: side, index: index}
	id, ok := h.orderIDs[key]
	if ok {
		delete(h.orderIDs, key)
	}
	return id, ok
}

// Register provisions a household: owner credentials, the in-memory account
// with its initial stored charge, and the binding to the exchange
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, `{"error": "Username and password required"}`, http.StatusBadRequest)
		return
	}

	rec, err := h.AuthService.Register(r.Context(), req.Username, req.Password, h.InitialCharge)
	if err != nil {
		if errors.Is(err, db.ErrUsernameTaken) {
			http.Error(w, `{"error": "Username already taken"}`, http.StatusConflict)
			return
		}
		http.Error(w, `{"error": "Failed to register household"}`, http.StatusInternalServerError)
		return
	}

	hh := h.Factory.CreateHouseholdFor(rec.Owner, rec.StoredEnergy)
	if err := hh.SetExchange(h.Exchange); err != nil {
		http.Error(w, `{"error": "Failed to bind household to exchange"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"owner":    rec.Owner,
		"username": rec.Username,
	})
}

// Login handles household owner login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		owner, err := h.AuthService.GetOwnerFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyOwner, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) callerHousehold(w http.ResponseWriter, r *http.Request) (*household.Household, bool) {
	owner, ok := r.Context().Value(ctxKeyOwner).(uuid.UUID)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return nil, false
	}
	hh, ok := h.Factory.Get(owner)
	if !ok {
		http.Error(w, `{"error": "Household not provisioned"}`, http.StatusNotFound)
		return nil, false
	}
	return hh, true
}

// syncMeter mirrors a household's engine-side counters into the database.
// Non-fatal: the engine is the source of truth.
func (h *Handler) syncMeter(ctx context.Context, hh *household.Household) {
	m := hh.Meter()
	if err := h.DB.UpdateMeter(ctx, m.Owner, m.Balance, m.StoredEnergy); err != nil {
		h.Logger.Error("failed to sync meter", "owner", m.Owner, "error", err)
	}
}

// Deposit credits the household balance from an external source
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	hh, ok := h.callerHousehold(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := hh.Deposit(req.Amount); err != nil {
		http.Error(w, `{"error": "Amount must be positive"}`, http.StatusBadRequest)
		return
	}
	h.syncMeter(r.Context(), hh)

	json.NewEncoder(w).Encode(hh.Meter())
}

// PlaceOrder handles order submission and synchronous matching
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	hh, ok := h.callerHousehold(w, r)
	if !ok {
		return
	}

	var req struct {
		Side     string `json:"side"`
		Price    int64  `json:"price"`
		Quantity int64  `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	side := models.Side(req.Side)
	if side != models.SideAsk && side != models.SideBid {
		http.Error(w, `{"error": "Side must be 'ask' or 'bid'"}`, http.StatusBadRequest)
		return
	}

	now := time.Now()
	var index int
	var st *models.Settlement
	var err error
	if side == models.SideAsk {
		index, st, err = hh.SubmitAsk(req.Price, req.Quantity, now)
	} else {
		index, st, err = hh.SubmitBid(req.Price, req.Quantity, now)
	}
	if err != nil {
		switch {
		case errors.Is(err, exchange.ErrInvalidOrder):
			http.Error(w, `{"error": "Price and quantity must be positive"}`, http.StatusBadRequest)
		case errors.Is(err, household.ErrInsufficientFunds):
			http.Error(w, `{"error": "Insufficient funds to settle"}`, http.StatusPaymentRequired)
		case errors.Is(err, household.ErrNotBound):
			http.Error(w, `{"error": "Household not bound to an exchange"}`, http.StatusBadRequest)
		default:
			http.Error(w, `{"error": "Failed to place order"}`, http.StatusInternalServerError)
		}
		return
	}

	status := models.StatusOpen
	if st != nil {
		status = models.StatusFilled
	}
	order := &models.Order{
		Origin:    hh.Owner(),
		Side:      side,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Timestamp: now,
		Index:     index,
		Status:    status,
	}
	if err := h.DB.CreateOrder(r.Context(), order); err != nil {
		h.Logger.Error("failed to record order", "owner", hh.Owner(), "error", err)
	} else if st == nil {
		h.TrackOrder(side, index, order.ID)
	}

	if st != nil {
		if _, err := h.DB.CreateSettlement(r.Context(), st); err != nil {
			h.Logger.Error("failed to record settlement", "error", err)
		}
		if err := h.DB.OpenInteraction(r.Context(), st.Seller, st.Buyer); err != nil {
			h.Logger.Error("failed to record interaction", "error", err)
		}
		// The resting counterparty's persisted order is now filled too.
		counterSide := models.SideAsk
		counterIndex := st.AskIndex
		if side == models.SideAsk {
			counterSide = models.SideBid
			counterIndex = st.BidIndex
		}
		if counterID, ok := h.takeOrderID(counterSide, counterIndex); ok {
			if err := h.DB.UpdateOrderStatus(r.Context(), counterID, models.StatusFilled); err != nil {
				h.Logger.Error("failed to update counterparty order", "id", counterID, "error", err)
			}
		} else {
			h.Logger.Error("no tracked row for counterparty order",
				"side", counterSide, "index", counterIndex)
		}
		for _, owner := range []uuid.UUID{st.Seller, st.Buyer} {
			if other, ok := h.Factory.Get(owner); ok {
				h.syncMeter(r.Context(), other)
			}
		}
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"index":      index,
		"status":     status,
		"settlement": st,
	})
}

// RateInteraction submits the caller's rating of a counterparty
func (h *Handler) RateInteraction(w http.ResponseWriter, r *http.Request) {
	hh, ok := h.callerHousehold(w, r)
	if !ok {
		return
	}

	var req struct {
		Counterparty uuid.UUID `json:"counterparty"`
		Score        int       `json:"score"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if err := hh.RateInteraction(req.Counterparty, req.Score); err != nil {
		switch {
		case errors.Is(err, trust.ErrInvalidScore):
			http.Error(w, `{"error": "Score out of range"}`, http.StatusBadRequest)
		case errors.Is(err, trust.ErrNoInteraction):
			http.Error(w, `{"error": "No unrated interaction with counterparty"}`, http.StatusNotFound)
		default:
			http.Error(w, `{"error": "Failed to submit rating"}`, http.StatusInternalServerError)
		}
		return
	}

	rating := &models.Rating{
		Rater:        hh.Owner(),
		Counterparty: req.Counterparty,
		Score:        req.Score,
		RatedAt:      time.Now(),
	}
	if err := h.DB.RecordRating(r.Context(), rating); err != nil {
		h.Logger.Error("failed to record rating", "rater", rating.Rater, "error", err)
	}

	json.NewEncoder(w).Encode(map[string]string{"message": "Rating recorded"})
}

// GetOrderBook retrieves the resting orders on both books
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	asks, bids := h.Exchange.OrderBook()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"asks": asks,
		"bids": bids,
	})
}

// GetAsk retrieves a single ask by its book index
func (h *Handler) GetAsk(w http.ResponseWriter, r *http.Request) {
	h.getOrder(w, r, h.Exchange.GetAsk)
}

// GetBid retrieves a single bid by its book index
func (h *Handler) GetBid(w http.ResponseWriter, r *http.Request) {
	h.getOrder(w, r, h.Exchange.GetBid)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request, get func(int) (models.Order, error)) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, `{"error": "Invalid order index"}`, http.StatusBadRequest)
		return
	}
	order, err := get(index)
	if err != nil {
		http.Error(w, `{"error": "Order not found"}`, http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(order)
}

// GetMeter returns the caller's meter reading, stored energy last
func (h *Handler) GetMeter(w http.ResponseWriter, r *http.Request) {
	hh, ok := h.callerHousehold(w, r)
	if !ok {
		return
	}
	json.NewEncoder(w).Encode(hh.Meter())
}

// GetUnratedInteraction reports whether two households have an open
// interaction; the answer is symmetric in a and b
func (h *Handler) GetUnratedInteraction(w http.ResponseWriter, r *http.Request) {
	a, errA := uuid.Parse(r.URL.Query().Get("a"))
	b, errB := uuid.Parse(r.URL.Query().Get("b"))
	if errA != nil || errB != nil {
		http.Error(w, `{"error": "Query parameters a and b must be account identities"}`, http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{
		"unrated": h.Exchange.HasUnratedInteraction(a, b),
	})
}

// GetTrustScore returns the rating aggregates between the caller and a
// counterparty, in both directions
func (h *Handler) GetTrustScore(w http.ResponseWriter, r *http.Request) {
	hh, ok := h.callerHousehold(w, r)
	if !ok {
		return
	}
	counterparty, err := uuid.Parse(chi.URLParam(r, "counterparty"))
	if err != nil {
		http.Error(w, `{"error": "Invalid counterparty identity"}`, http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]trust.Aggregate{
		"given":    h.Exchange.TrustScore(hh.Owner(), counterparty),
		"received": h.Exchange.TrustScore(counterparty, hh.Owner()),
	})
}

// GetHouseholdOrders retrieves the caller's order history
func (h *Handler) GetHouseholdOrders(w http.ResponseWriter, r *http.Request) {
	hh, ok := h.callerHousehold(w, r)
	if !ok {
		return
	}
	orders, err := h.DB.GetHouseholdOrders(r.Context(), hh.Owner())
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve orders"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(orders)
}

// GetSettlements retrieves the caller's settlement history
func (h *Handler) GetSettlements(w http.ResponseWriter, r *http.Request) {
	hh, ok := h.callerHousehold(w, r)
	if !ok {
		return
	}
	settlements, err := h.DB.GetHouseholdSettlements(r.Context(), hh.Owner())
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve settlements"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(settlements)
}
