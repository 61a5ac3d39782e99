// Package crm reads client, lead and work order records from the CRM
// PostgreSQL database for caller lookup. It never writes.
package crm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Client is a CRM customer.
type Client struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

// Lead is a sales lead that has not been closed.
type Lead struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkOrder is an open maintenance order for one of a client's buildings.
type WorkOrder struct {
	ID           string    `json:"id"`
	BuildingID   string    `json:"building_id"`
	BuildingName string    `json:"building_name"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// maxWorkOrders bounds the work orders returned per client.
const maxWorkOrders = 20

// phoneMatch compares the digits of a stored phone number with a
// normalised suffix.
const phoneMatch = `regexp_replace(phone, '[^0-9]', '', 'g') LIKE '%' || $1`

// Store implements stats.CRMLookup using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection to the CRM database.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("crm dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	slog.Info("crm store opened")
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ClientByPhone returns the client whose phone number ends with digits.
// Returns nil, nil if there is none.
func (s *Store) ClientByPhone(ctx context.Context, digits string) (*Client, error) {
	var c Client
	err := s.db.QueryRowContext(ctx,
		`SELECT id::text, name, phone, COALESCE(email, '')
		 FROM clients WHERE `+phoneMatch+`
		 ORDER BY updated_at DESC LIMIT 1`, digits,
	).Scan(&c.ID, &c.Name, &c.Phone, &c.Email)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying client by phone: %w", err)
	}
	return &c, nil
}

// ActiveLeadByPhone returns the newest lead that is still open for the
// phone number. Returns nil, nil if there is none.
func (s *Store) ActiveLeadByPhone(ctx context.Context, digits string) (*Lead, error) {
	var l Lead
	err := s.db.QueryRowContext(ctx,
		`SELECT id::text, name, phone, status, created_at
		 FROM leads WHERE `+phoneMatch+`
		 AND status NOT IN ('converted', 'lost', 'closed')
		 ORDER BY created_at DESC LIMIT 1`, digits,
	).Scan(&l.ID, &l.Name, &l.Phone, &l.Status, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying lead by phone: %w", err)
	}
	return &l, nil
}

// OpenWorkOrders returns the unfinished work orders of the client's
// buildings, newest first.
func (s *Store) OpenWorkOrders(ctx context.Context, clientID string) ([]WorkOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT w.id::text, b.id::text, b.name, w.title, w.status, w.created_at
		 FROM work_orders w
		 JOIN buildings b ON b.id = w.building_id
		 WHERE b.client_id::text = $1 AND w.status NOT IN ('done', 'cancelled')
		 ORDER BY w.created_at DESC LIMIT $2`, clientID, maxWorkOrders,
	)
	if err != nil {
		return nil, fmt.Errorf("listing work orders: %w", err)
	}
	defer rows.Close()

	var orders []WorkOrder
	for rows.Next() {
		var w WorkOrder
		if err := rows.Scan(&w.ID, &w.BuildingID, &w.BuildingName, &w.Title, &w.Status, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning work order row: %w", err)
		}
		orders = append(orders, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating work order rows: %w", err)
	}
	return orders, nil
}
