// README: Courier repository backed by PostgreSQL.
package courier

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"foodrelay/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const courierSelect = `
	SELECT id, lat, lng, location_updated_at, available, active_order_id,
	       completed_deliveries, created_at, updated_at
	FROM couriers`

func (s *Store) Get(ctx context.Context, id types.ID) (*Courier, error) {
	c, err := scanCourier(s.db.QueryRow(ctx, courierSelect+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *Store) SetAvailability(ctx context.Context, id types.ID, available bool, at time.Time) (*Courier, error) {
	if id == "" {
		return nil, ErrBadRequest
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO couriers (id, available, created_at, updated_at) VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET available = EXCLUDED.available, updated_at = EXCLUDED.updated_at
		RETURNING id, lat, lng, location_updated_at, available, active_order_id,
		          completed_deliveries, created_at, updated_at`,
		string(id), available, at,
	)
	return scanCourier(row)
}

func (s *Store) UpdateLocation(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	if id == "" {
		return ErrBadRequest
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO couriers (id, lat, lng, location_updated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4, $4)
		ON CONFLICT (id) DO UPDATE
		SET lat = EXCLUDED.lat, lng = EXCLUDED.lng,
		    location_updated_at = EXCLUDED.location_updated_at, updated_at = EXCLUDED.updated_at`,
		string(id), p.Lat, p.Lng, at,
	)
	return err
}

func (s *Store) ListMatchable(ctx context.Context) ([]Courier, error) {
	rows, err := s.db.Query(ctx, courierSelect+` WHERE available AND active_order_id IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Courier{}
	for rows.Next() {
		c, err := scanCourier(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ClaimTx binds the courier to orderID inside the caller's transaction. It
// fails with ErrBusy when the courier is off duty or already has an order.
func (s *Store) ClaimTx(ctx context.Context, tx pgx.Tx, id, orderID types.ID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE couriers
		SET active_order_id = $1, updated_at = NOW()
		WHERE id = $2 AND available AND active_order_id IS NULL`,
		string(orderID), string(id),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrBusy
	}
	return nil
}

// FinishTx releases the courier from orderID inside the caller's transaction.
func (s *Store) FinishTx(ctx context.Context, tx pgx.Tx, id, orderID types.ID, delivered bool) error {
	_, err := tx.Exec(ctx, `
		UPDATE couriers
		SET active_order_id = NULL,
		    completed_deliveries = completed_deliveries + CASE WHEN $3 THEN 1 ELSE 0 END,
		    updated_at = NOW()
		WHERE id = $1 AND active_order_id = $2`,
		string(id), string(orderID), delivered,
	)
	return err
}

func scanCourier(row pgx.Row) (*Courier, error) {
	var c Courier
	var id string
	var lat, lng sql.NullFloat64
	var locAt sql.NullTime
	var active sql.NullString
	if err := row.Scan(&id, &lat, &lng, &locAt, &c.Available, &active,
		&c.CompletedDeliveries, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ID = types.ID(id)
	if lat.Valid && lng.Valid {
		c.Location = &types.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	if locAt.Valid {
		t := locAt.Time
		c.LocationUpdatedAt = &t
	}
	if active.Valid {
		a := types.ID(active.String)
		c.ActiveOrderID = &a
	}
	return &c, nil
}
