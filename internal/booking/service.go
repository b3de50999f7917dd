// ABOUTME: Read-side lookup service over the resort booking database
// ABOUTME: Resolves booking references, menus, packages, and summary stats

package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a reference resolves to no record.
var ErrNotFound = errors.New("not found")

// Booking is a resort stay reservation, referenced by a VE-prefixed code.
type Booking struct {
	Reference     string
	GuestName     string
	ResortName    string
	CheckIn       string
	PaymentStatus string
}

// FoodOrder is a restaurant order, referenced by a PA-prefixed code.
type FoodOrder struct {
	OrderID   string
	GuestName string
	Total     float64
	Status    string
}

// TravelBooking is a travel package reservation, referenced by a KE-prefixed code.
type TravelBooking struct {
	Reference    string
	CustomerName string
	TravelDate   string
	Status       string
}

// PricedItem is a name/price pair used for resort, menu, and package listings.
type PricedItem struct {
	Name  string
	Price float64
}

// Stats summarizes the booking database.
type Stats struct {
	Resorts           int
	ConfirmedBookings int
	FoodOrders        int
}

const bookingSchema = `
CREATE TABLE IF NOT EXISTS resorts (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT    NOT NULL,
	price     REAL    NOT NULL,
	available INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS bookings (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	booking_reference TEXT    NOT NULL UNIQUE,
	guest_name        TEXT    NOT NULL,
	resort_id         INTEGER NOT NULL REFERENCES resorts(id),
	check_in          TEXT    NOT NULL,
	payment_status    TEXT    NOT NULL DEFAULT 'pending'
);

CREATE TABLE IF NOT EXISTS food_orders (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id   TEXT    NOT NULL UNIQUE,
	guest_name TEXT    NOT NULL,
	total      REAL    NOT NULL,
	status     TEXT    NOT NULL DEFAULT 'pending'
);

CREATE TABLE IF NOT EXISTS travel_bookings (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	booking_reference TEXT    NOT NULL UNIQUE,
	customer_name     TEXT    NOT NULL,
	travel_date       TEXT    NOT NULL,
	status            TEXT    NOT NULL DEFAULT 'pending'
);

CREATE TABLE IF NOT EXISTS food_items (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	name  TEXT NOT NULL,
	price REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS travel_packages (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	name  TEXT NOT NULL,
	price REAL NOT NULL
);
`

// Service answers read-only queries against the booking database. It shares
// none of the relay store's tables; the bookings database is owned by the
// booking systems and consulted here for bot answers and the stats surface.
type Service struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewService opens the booking database at path, creating schema as needed.
func NewService(path string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "booking")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create booking db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open booking database: %w", err)
	}
	if path == ":memory:" {
		// Pooled connections would each get their own empty database.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure booking database: %w", err)
		}
	}

	if _, err := db.Exec(bookingSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create booking schema: %w", err)
	}

	logger.Info("booking database opened", "path", path)
	return &Service{db: db, logger: logger}, nil
}

// GetBooking resolves a VE reference to a resort booking.
func (s *Service) GetBooking(ctx context.Context, reference string) (*Booking, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT b.booking_reference, b.guest_name, r.name, b.check_in, b.payment_status
		FROM bookings b
		JOIN resorts r ON b.resort_id = r.id
		WHERE b.booking_reference = ?`, reference)

	var b Booking
	err := row.Scan(&b.Reference, &b.GuestName, &b.ResortName, &b.CheckIn, &b.PaymentStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query booking: %w", err)
	}
	return &b, nil
}

// GetFoodOrder resolves a PA reference to a food order.
func (s *Service) GetFoodOrder(ctx context.Context, orderID string) (*FoodOrder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT order_id, guest_name, total, status FROM food_orders WHERE order_id = ?`, orderID)

	var o FoodOrder
	err := row.Scan(&o.OrderID, &o.GuestName, &o.Total, &o.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query food order: %w", err)
	}
	return &o, nil
}

// GetTravelBooking resolves a KE reference to a travel booking.
func (s *Service) GetTravelBooking(ctx context.Context, reference string) (*TravelBooking, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT booking_reference, customer_name, travel_date, status FROM travel_bookings WHERE booking_reference = ?`, reference)

	var t TravelBooking
	err := row.Scan(&t.Reference, &t.CustomerName, &t.TravelDate, &t.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query travel booking: %w", err)
	}
	return &t, nil
}

// ListResorts returns up to limit available resorts, cheapest first.
func (s *Service) ListResorts(ctx context.Context, limit int) ([]PricedItem, error) {
	return s.listPriced(ctx,
		`SELECT name, price FROM resorts WHERE available = 1 ORDER BY price LIMIT ?`, limit)
}

// ListFoodItems returns up to limit menu items, cheapest first.
func (s *Service) ListFoodItems(ctx context.Context, limit int) ([]PricedItem, error) {
	return s.listPriced(ctx,
		`SELECT name, price FROM food_items ORDER BY price LIMIT ?`, limit)
}

// ListTravelPackages returns up to limit travel packages, cheapest first.
func (s *Service) ListTravelPackages(ctx context.Context, limit int) ([]PricedItem, error) {
	return s.listPriced(ctx,
		`SELECT name, price FROM travel_packages ORDER BY price LIMIT ?`, limit)
}

func (s *Service) listPriced(ctx context.Context, query string, limit int) ([]PricedItem, error) {
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query listing: %w", err)
	}
	defer rows.Close()

	var items []PricedItem
	for rows.Next() {
		var item PricedItem
		if err := rows.Scan(&item.Name, &item.Price); err != nil {
			return nil, fmt.Errorf("scan listing row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetStats returns summary counts for the stats surface.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	queries := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM resorts WHERE available = 1`, &st.Resorts},
		{`SELECT COUNT(*) FROM bookings WHERE payment_status = 'paid'`, &st.ConfirmedBookings},
		{`SELECT COUNT(*) FROM food_orders WHERE status = 'confirmed'`, &st.FoodOrders},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("query stats: %w", err)
		}
	}
	return &st, nil
}

// Seed populates the database with sample data for local development.
// Existing rows are left untouched.
func (s *Service) Seed(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resorts`).Scan(&count); err != nil {
		return fmt.Errorf("check seed state: %w", err)
	}
	if count > 0 {
		return nil
	}

	seed := []string{
		`INSERT INTO resorts (name, price, available) VALUES
			('Sea Breeze Resort', 2499, 1),
			('Palm Grove Villas', 3999, 1),
			('Hilltop Retreat', 5499, 1)`,
		`INSERT INTO bookings (booking_reference, guest_name, resort_id, check_in, payment_status) VALUES
			('VE202601150001', 'Asha Rao', 1, '2026-09-12', 'paid'),
			('VE202601150002', 'Vikram Shetty', 2, '2026-09-20', 'pending')`,
		`INSERT INTO food_orders (order_id, guest_name, total, status) VALUES
			('PA202601150001', 'Asha Rao', 860, 'confirmed')`,
		`INSERT INTO travel_bookings (booking_reference, customer_name, travel_date, status) VALUES
			('KE202601150001', 'Meera Iyer', '2026-10-02', 'confirmed')`,
		`INSERT INTO food_items (name, price) VALUES
			('Masala Dosa', 120), ('Veg Thali', 220), ('Paneer Tikka', 260),
			('Fish Curry', 340), ('Chicken Biryani', 380)`,
		`INSERT INTO travel_packages (name, price) VALUES
			('Araku Valley Day Trip', 1800), ('Beach Hopper Weekend', 4500),
			('Coastal Heritage Tour', 7200)`,
	}
	for _, stmt := range seed {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("seed booking data: %w", err)
		}
	}
	s.logger.Info("booking database seeded")
	return nil
}

// Close releases the database handle.
func (s *Service) Close() error {
	return s.db.Close()
}
