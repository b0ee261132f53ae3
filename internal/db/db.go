package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmager/microgrid/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUsernameTaken is returned when a household registration collides with
// an existing username.
var ErrUsernameTaken = errors.New("username already taken")

// DB wraps a PostgreSQL connection pool. The in-memory exchange is
// authoritative for matching; this store is the durable record written
// after each operation commits.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateHousehold inserts a new household account
func (db *DB) CreateHousehold(ctx context.Context, owner uuid.UUID, username, passwordHash string, initialCharge int64) (*models.HouseholdRecord, error) {
	rec := &models.HouseholdRecord{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO households (owner, username, password_hash, balance, stored_energy) VALUES ($1, $2, $3, 0, $4) "+
			"RETURNING owner, username, password_hash, balance, stored_energy, created_at",
		owner, username, passwordHash, initialCharge).Scan(
		&rec.Owner, &rec.Username, &rec.PasswordHash, &rec.Balance, &rec.StoredEnergy, &rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("failed to create household: %w", ErrUsernameTaken)
		}
		return nil, fmt.Errorf("failed to create household: %w", err)
	}
	return rec, nil
}

// GetHouseholdByUsername retrieves a household by its owner's username
func (db *DB) GetHouseholdByUsername(ctx context.Context, username string) (*models.HouseholdRecord, error) {
	rec := &models.HouseholdRecord{}
	err := db.Pool.QueryRow(ctx,
		"SELECT owner, username, password_hash, balance, stored_energy, created_at FROM households WHERE username = $1",
		username).Scan(&rec.Owner, &rec.Username, &rec.PasswordHash, &rec.Balance, &rec.StoredEnergy, &rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get household: %w", err)
	}
	return rec, nil
}

// GetHouseholds retrieves all household records in creation order
func (db *DB) GetHouseholds(ctx context.Context) ([]models.HouseholdRecord, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT owner, username, password_hash, balance, stored_energy, created_at FROM households ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to get households: %w", err)
	}
	defer rows.Close()

	var recs []models.HouseholdRecord
	for rows.Next() {
		var rec models.HouseholdRecord
		if err := rows.Scan(&rec.Owner, &rec.Username, &rec.PasswordHash, &rec.Balance, &rec.StoredEnergy, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan household: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// UpdateMeter writes a household's balance and stored-energy counters after
// a deposit or settlement committed in the engine
func (db *DB) UpdateMeter(ctx context.Context, owner uuid.UUID, balance, storedEnergy int64) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE households SET balance = $1, stored_energy = $2 WHERE owner = $3",
		balance, storedEnergy, owner)
	if err != nil {
		return fmt.Errorf("failed to update meter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("household %s not found", owner)
	}
	return nil
}

// CreateOrder inserts a new order
func (db *DB) CreateOrder(ctx context.Context, order *models.Order) error {
	// Validate order
	if order.Side != models.SideAsk && order.Side != models.SideBid {
		return fmt.Errorf("side must be 'ask' or 'bid'")
	}
	if order.Price <= 0 {
		return fmt.Errorf("price must be positive")
	}
	if order.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}

	// Verify the household exists
	var exists bool
	err := db.Pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM households WHERE owner = $1)", order.Origin).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check household existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("household not found")
	}

	err = db.Pool.QueryRow(ctx,
		"INSERT INTO orders (origin, side, book_index, price, quantity, status, submitted_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id",
		order.Origin, string(order.Side), order.Index, order.Price, order.Quantity, order.Status, order.Timestamp).Scan(&order.ID)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// UpdateOrderStatus updates the status of the order with the given row id.
// Book indices restart with every engine run, so they must never be used to
// address rows from earlier runs; the serial id is the durable key.
func (db *DB) UpdateOrderStatus(ctx context.Context, id int, status string) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE orders SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d not found", id)
	}
	return nil
}

// UpdateOrderIndex rewrites an order's book index after it has been
// re-submitted into a fresh engine run.
func (db *DB) UpdateOrderIndex(ctx context.Context, id, index int) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE orders SET book_index = $1 WHERE id = $2", index, id)
	if err != nil {
		return fmt.Errorf("failed to update order index: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d not found", id)
	}
	return nil
}

// GetHouseholdOrders retrieves all orders submitted by a household
func (db *DB) GetHouseholdOrders(ctx context.Context, owner uuid.UUID) ([]models.Order, error) {
	return db.queryOrders(ctx,
		"SELECT id, origin, side, book_index, price, quantity, status, submitted_at FROM orders WHERE origin = $1 ORDER BY submitted_at ASC, id ASC",
		owner)
}

// GetOpenOrders retrieves every order still marked open, in submission order,
// so a fresh engine run can rebuild its books.
func (db *DB) GetOpenOrders(ctx context.Context) ([]models.Order, error) {
	return db.queryOrders(ctx,
		"SELECT id, origin, side, book_index, price, quantity, status, submitted_at FROM orders WHERE status = 'open' ORDER BY submitted_at ASC, id ASC")
}

func (db *DB) queryOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		var side string
		if err := rows.Scan(&order.ID, &order.Origin, &side, &order.Index, &order.Price, &order.Quantity, &order.Status, &order.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		order.Side = models.Side(side)
		orders = append(orders, order)
	}
	return orders, nil
}

// CreateSettlement inserts a new settlement
func (db *DB) CreateSettlement(ctx context.Context, st *models.Settlement) (*models.Settlement, error) {
	out := &models.Settlement{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO settlements (seller, buyer, price, quantity, settled_at) VALUES ($1, $2, $3, $4, $5) "+
			"RETURNING id, seller, buyer, price, quantity, settled_at",
		st.Seller, st.Buyer, st.Price, st.Quantity, st.SettledAt).Scan(
		&out.ID, &out.Seller, &out.Buyer, &out.Price, &out.Quantity, &out.SettledAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create settlement: %w", err)
	}
	return out, nil
}

// GetHouseholdSettlements retrieves all settlements a household took part in
func (db *DB) GetHouseholdSettlements(ctx context.Context, owner uuid.UUID) ([]models.Settlement, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, seller, buyer, price, quantity, settled_at FROM settlements WHERE seller = $1 OR buyer = $1 ORDER BY settled_at ASC",
		owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get household settlements: %w", err)
	}
	defer rows.Close()

	var sts []models.Settlement
	for rows.Next() {
		var st models.Settlement
		if err := rows.Scan(&st.ID, &st.Seller, &st.Buyer, &st.Price, &st.Quantity, &st.SettledAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		sts = append(sts, st)
	}
	return sts, nil
}

// GetAllSettlements retrieves every settlement
func (db *DB) GetAllSettlements(ctx context.Context) ([]models.Settlement, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, seller, buyer, price, quantity, settled_at FROM settlements ORDER BY settled_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to get settlements: %w", err)
	}
	defer rows.Close()

	var sts []models.Settlement
	for rows.Next() {
		var st models.Settlement
		if err := rows.Scan(&st.ID, &st.Seller, &st.Buyer, &st.Price, &st.Quantity, &st.SettledAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		sts = append(sts, st)
	}
	return sts, nil
}

// OpenInteraction records a fresh unrated interaction for the pair,
// resetting the directional flags if a row already exists
func (db *DB) OpenInteraction(ctx context.Context, a, b uuid.UUID) error {
	low, high := normalizePair(a, b)
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO interactions (pair_low, pair_high, low_rated, high_rated, status) VALUES ($1, $2, false, false, 'open') "+
			"ON CONFLICT (pair_low, pair_high) DO UPDATE SET low_rated = false, high_rated = false, status = 'open'",
		low, high)
	if err != nil {
		return fmt.Errorf("failed to open interaction: %w", err)
	}
	return nil
}

// RecordRating persists one directional rating and closes the interaction
// row once both directions have rated. The row is locked for the duration
// so concurrent raters cannot both observe a half-rated state.
func (db *DB) RecordRating(ctx context.Context, rating *models.Rating) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	low, high := normalizePair(rating.Rater, rating.Counterparty)

	var lowRated, highRated bool
	var status string
	err = tx.QueryRow(ctx,
		"SELECT low_rated, high_rated, status FROM interactions WHERE pair_low = $1 AND pair_high = $2 FOR UPDATE",
		low, high).Scan(&lowRated, &highRated, &status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("no interaction recorded for pair")
		}
		return fmt.Errorf("failed to get interaction: %w", err)
	}
	if status != "open" {
		return fmt.Errorf("interaction not open")
	}
	if (rating.Rater == low && lowRated) || (rating.Rater == high && highRated) {
		return fmt.Errorf("direction already rated")
	}

	if rating.Rater == low {
		lowRated = true
	} else {
		highRated = true
	}
	status = "open"
	if lowRated && highRated {
		status = "closed"
	}

	_, err = tx.Exec(ctx,
		"UPDATE interactions SET low_rated = $1, high_rated = $2, status = $3 WHERE pair_low = $4 AND pair_high = $5",
		lowRated, highRated, status, low, high)
	if err != nil {
		return fmt.Errorf("failed to update interaction: %w", err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO ratings (rater, counterparty, score, rated_at) VALUES ($1, $2, $3, $4)",
		rating.Rater, rating.Counterparty, rating.Score, rating.RatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rating: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRatingsFor retrieves the ratings a household has received
func (db *DB) GetRatingsFor(ctx context.Context, counterparty uuid.UUID) ([]models.Rating, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, rater, counterparty, score, rated_at FROM ratings WHERE counterparty = $1 ORDER BY rated_at ASC",
		counterparty)
	if err != nil {
		return nil, fmt.Errorf("failed to get ratings: %w", err)
	}
	defer rows.Close()

	var ratings []models.Rating
	for rows.Next() {
		var r models.Rating
		if err := rows.Scan(&r.ID, &r.Rater, &r.Counterparty, &r.Score, &r.RatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rating: %w", err)
		}
		ratings = append(ratings, r)
	}
	return ratings, nil
}

// normalizePair orders the two identities so {a,b} and {b,a} share a row.
func normalizePair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() <= b.String() {
		return a, b
	}
	return b, a
}
