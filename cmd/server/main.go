package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jmager/microgrid/internal/api"
	"github.com/jmager/microgrid/internal/auth"
	"github.com/jmager/microgrid/internal/config"
	"github.com/jmager/microgrid/internal/db"
	"github.com/jmager/microgrid/internal/exchange"
	"github.com/jmager/microgrid/internal/household"
	"github.com/jmager/microgrid/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type broadcaster struct {
	ex     *exchange.Exchange
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func newBroadcaster(ex *exchange.Exchange, logger *slog.Logger) *broadcaster {
	return &broadcaster{ex: ex, logger: logger, clients: make(map[*wsClient]bool)}
}

func (b *broadcaster) broadcastOrderBook() {
	asks, bids := b.ex.OrderBook()
	book := struct {
		Asks []models.Order `json:"asks"`
		Bids []models.Order `json:"bids"`
	}{Asks: asks, Bids: bids}
	data, err := json.Marshal(book)
	if err != nil {
		b.logger.Error("failed to marshal order book", "error", err)
		return
	}

	var dead []*wsClient
	b.mu.RLock()
	for client := range b.clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			dead = append(dead, client)
		}
	}
	b.mu.RUnlock()

	if len(dead) > 0 {
		b.mu.Lock()
		for _, client := range dead {
			delete(b.clients, client)
		}
		b.mu.Unlock()
	}
}

func (b *broadcaster) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	client := &wsClient{conn: conn}
	b.mu.Lock()
	b.clients[client] = true
	b.mu.Unlock()

	// Send initial order book
	b.broadcastOrderBook()

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			b.mu.Lock()
			delete(b.clients, client)
			b.mu.Unlock()
			break
		}
	}
}

// restoreOrders re-submits the persisted open orders into the fresh engine
// in their original submission order. Resting books are never crossing, so
// replaying them cannot trigger a settlement; each order gets a new book
// index, which is written back so the durable record stays addressable.
func restoreOrders(ctx context.Context, database *db.DB, ex *exchange.Exchange, handler *api.Handler, logger *slog.Logger) (int, error) {
	orders, err := database.GetOpenOrders(ctx)
	if err != nil {
		return 0, err
	}
	for _, o := range orders {
		var index int
		var st *models.Settlement
		if o.Side == models.SideAsk {
			index, st, err = ex.SubmitAsk(o.Origin, o.Price, o.Quantity, o.Timestamp)
		} else {
			index, st, err = ex.SubmitBid(o.Origin, o.Price, o.Quantity, o.Timestamp)
		}
		if err != nil {
			return 0, fmt.Errorf("re-submit order %d: %w", o.ID, err)
		}
		if st != nil {
			return 0, fmt.Errorf("re-submitted order %d settled against a resting order", o.ID)
		}
		if index != o.Index {
			if err := database.UpdateOrderIndex(ctx, o.ID, index); err != nil {
				return 0, err
			}
		}
		handler.TrackOrder(o.Side, index, o.ID)
		logger.Debug("order restored", "id", o.ID, "side", o.Side, "index", index)
	}
	return len(orders), nil
}

// restoreHouseholds rebuilds the in-memory market from the persisted
// household records and binds each account to the exchange.
func restoreHouseholds(ctx context.Context, database *db.DB, factory *household.Factory, ex *exchange.Exchange) (int, error) {
	records, err := database.GetHouseholds(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		hh := factory.CreateHouseholdFor(rec.Owner, rec.StoredEnergy)
		if rec.Balance > 0 {
			if err := hh.Deposit(rec.Balance); err != nil {
				return 0, err
			}
		}
		if err := hh.SetExchange(ex); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}

// Main entry point: sets up database, exchange, and HTTP server
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Load .env before expanding config; missing file is fine
	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.Database.ConnString())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close(ctx)

	// The grid operator owns the exchange instance
	ex := exchange.New(uuid.New(), logger)
	factory := household.NewFactory()

	restored, err := restoreHouseholds(ctx, database, factory, ex)
	if err != nil {
		logger.Error("failed to restore households", "error", err)
		os.Exit(1)
	}
	logger.Info("households restored", "count", restored)

	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	handler := api.NewHandler(database, ex, factory, authService, logger, cfg.Market.InitialCharge)

	replayed, err := restoreOrders(ctx, database, ex, handler, logger)
	if err != nil {
		logger.Error("failed to restore open orders", "error", err)
		os.Exit(1)
	}
	logger.Info("open orders restored", "count", replayed)

	r := chi.NewRouter()

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket order book feed
	b := newBroadcaster(ex, logger)
	r.Get("/ws", b.handleWebSocket)

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/orderbook", handler.GetOrderBook)
	r.Get("/orderbook/asks/{index}", handler.GetAsk)
	r.Get("/orderbook/bids/{index}", handler.GetBid)
	r.Get("/interactions", handler.GetUnratedInteraction)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/deposit", handler.Deposit)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetHouseholdOrders)
		r.Post("/ratings", handler.RateInteraction)
		r.Get("/trust/{counterparty}", handler.GetTrustScore)
		r.Get("/meter", handler.GetMeter)
		r.Get("/settlements", handler.GetSettlements)
	})

	// Periodic order book broadcast
	go func() {
		ticker := time.NewTicker(cfg.Server.BroadcastInterval)
		for range ticker.C {
			b.broadcastOrderBook()
		}
	}()

	logger.Info("starting server", "addr", cfg.Server.Addr)
	if err := http.ListenAndServe(cfg.Server.Addr, r); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
