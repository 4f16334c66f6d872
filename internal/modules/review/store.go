// README: Review flags persisted in PostgreSQL.
package review

import (
	"context"
	"database/sql"
	"time"

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

// Add relies on review_flags_open_uniq; a concurrent duplicate loses the
// insert instead of adding a second open flag.
func (s *Store) Add(ctx context.Context, f Flag) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO review_flags (id, order_id, reason, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id, reason) WHERE resolved_at IS NULL DO NOTHING`,
		f.ID, string(f.OrderID), string(f.Reason), f.Detail, f.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListOpen(ctx context.Context, limit int) ([]Flag, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, reason, detail, created_at, resolved_at
		FROM review_flags
		WHERE resolved_at IS NULL
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Flag{}
	for rows.Next() {
		var f Flag
		var orderID, reason string
		var resolved sql.NullTime
		if err := rows.Scan(&f.ID, &orderID, &reason, &f.Detail, &f.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		f.OrderID = types.ID(orderID)
		f.Reason = Reason(reason)
		if resolved.Valid {
			t := resolved.Time
			f.ResolvedAt = &t
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) Resolve(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE review_flags SET resolved_at = $1 WHERE id = $2 AND resolved_at IS NULL`, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}
