// README: Order store backed by PostgreSQL; multi-aggregate transitions run in one transaction.
package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"foodrelay/internal/modules/courier"
	"foodrelay/internal/modules/wallet"
	"foodrelay/internal/types"
)

// TxLedger is the part of the wallet store that joins an order transaction.
type TxLedger interface {
	HoldTx(ctx context.Context, tx pgx.Tx, payer wallet.Owner, amount int64, orderID types.ID) error
	ReleaseTx(ctx context.Context, tx pgx.Tx, orderID types.ID) (int64, error)
	SettleTx(ctx context.Context, tx pgx.Tx, cmd wallet.SettleCommand) error
	ConfirmPaymentTx(ctx context.Context, tx pgx.Tx, orderID, customerID types.ID, amount int64) error
}

// TxCouriers is the part of the courier store that joins an order transaction.
type TxCouriers interface {
	ClaimTx(ctx context.Context, tx pgx.Tx, id, orderID types.ID) error
	FinishTx(ctx context.Context, tx pgx.Tx, id, orderID types.ID, delivered bool) error
}

type Store struct {
	db       *pgxpool.Pool
	ledger   TxLedger
	couriers TxCouriers
}

var _ Repository = (*Store)(nil)

func NewStore(db *pgxpool.Pool, ledger TxLedger, couriers TxCouriers) *Store {
	return &Store{db: db, ledger: ledger, couriers: couriers}
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Create(ctx context.Context, o *Order, e Event) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO orders (
				id, customer_id, restaurant_id, courier_id, status, status_version, payment_method,
				subtotal, delivery_fee, tip, discount, final_total, currency,
				restaurant_lat, restaurant_lng, customer_lat, customer_lng, created_at
			) VALUES (
				$1, $2, $3, NULL, $4, $5, $6,
				$7, $8, $9, $10, $11, $12,
				$13, $14, $15, $16, $17
			)`,
			string(o.ID), string(o.CustomerID), string(o.RestaurantID), string(o.Status), o.StatusVersion,
			string(o.PaymentMethod),
			o.Amounts.Subtotal, o.Amounts.DeliveryFee, o.Amounts.Tip, o.Amounts.Discount, o.Amounts.FinalTotal,
			o.Currency,
			o.RestaurantLocation.Lat, o.RestaurantLocation.Lng, o.CustomerLocation.Lat, o.CustomerLocation.Lng,
			o.CreatedAt,
		)
		if err != nil {
			return err
		}
		return appendEvent(ctx, tx, e)
	})
}

const orderSelect = `
	SELECT id, customer_id, restaurant_id, courier_id, status, status_version, payment_method,
	       subtotal, delivery_fee, tip, discount, platform_fee, final_total, currency,
	       restaurant_lat, restaurant_lng, customer_lat, customer_lng,
	       created_at, ready_at, assigned_at, delivered_at, settled_at, cancelled_at, cancel_reason
	FROM orders`

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, orderSelect+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *Store) Transition(ctx context.Context, id types.ID, from, to Status, version int, e Event) (bool, error) {
	var ok bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $1,
			    status_version = status_version + 1,
			    ready_at = CASE WHEN $1 = 'ready' THEN $2::timestamptz ELSE ready_at END
			WHERE id = $3 AND status = $4 AND status_version = $5`,
			string(to), e.CreatedAt, string(id), string(from), version,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return nil
		}
		ok = true
		return appendEvent(ctx, tx, e)
	})
	return ok, err
}

func (s *Store) Assign(ctx context.Context, req AssignRequest) error {
	o := req.Order
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $1, status_version = status_version + 1, courier_id = $2, assigned_at = $3
			WHERE id = $4 AND status = $5 AND status_version = $6 AND courier_id IS NULL`,
			string(StatusAssigned), string(req.CourierID), req.Event.CreatedAt,
			string(o.ID), string(StatusReady), o.StatusVersion,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrAssignmentConflict
		}
		if err := s.couriers.ClaimTx(ctx, tx, req.CourierID, o.ID); err != nil {
			if errors.Is(err, courier.ErrBusy) {
				return ErrCourierUnavailable
			}
			return err
		}
		if req.HoldAmount > 0 {
			if err := s.ledger.HoldTx(ctx, tx, wallet.Courier(req.CourierID), req.HoldAmount, o.ID); err != nil {
				return fmt.Errorf("escrow hold: %w", err)
			}
		}
		return appendEvent(ctx, tx, req.Event)
	})
}

func (s *Store) Deliver(ctx context.Context, req DeliverRequest) error {
	o := req.Order
	return s.inTx(ctx, func(tx pgx.Tx) error {
		now := req.Event.CreatedAt
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $1, status_version = status_version + 1,
			    delivered_at = $2, settled_at = $2, platform_fee = $3
			WHERE id = $4 AND status = $5 AND status_version = $6`,
			string(StatusDelivered), now, req.PlatformFee,
			string(o.ID), string(StatusPickingUp), o.StatusVersion,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrConflict
		}
		if err := s.ledger.SettleTx(ctx, tx, req.Settlement); err != nil {
			return settlementError(err)
		}
		if o.CourierID != nil {
			if err := s.couriers.FinishTx(ctx, tx, *o.CourierID, o.ID, true); err != nil {
				return err
			}
		}
		return appendEvent(ctx, tx, req.Event)
	})
}

func (s *Store) Cancel(ctx context.Context, req CancelRequest) (int64, error) {
	o := req.Order
	var released int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $1, status_version = status_version + 1, cancelled_at = $2, cancel_reason = $3
			WHERE id = $4 AND status = $5 AND status_version = $6`,
			string(StatusCancelled), req.Event.CreatedAt, req.Reason,
			string(o.ID), string(o.Status), o.StatusVersion,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrConflict
		}
		released, err = s.ledger.ReleaseTx(ctx, tx, o.ID)
		if err != nil {
			return fmt.Errorf("escrow release: %w", err)
		}
		if o.CourierID != nil {
			if err := s.couriers.FinishTx(ctx, tx, *o.CourierID, o.ID, false); err != nil {
				return err
			}
		}
		return appendEvent(ctx, tx, req.Event)
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// ConfirmPayment holds the order row FOR SHARE while crediting escrow, so a
// Cancel either commits first and the payment is refused, or waits for this
// transaction and then releases the escrow it created.
func (s *Store) ConfirmPayment(ctx context.Context, orderID types.ID, amount int64) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		o, err := scanOrder(tx.QueryRow(ctx, orderSelect+` WHERE id = $1 FOR SHARE`, string(orderID)))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := checkPayment(o, amount); err != nil {
			return err
		}
		return s.ledger.ConfirmPaymentTx(ctx, tx, o.ID, o.CustomerID, amount)
	})
}

func (s *Store) History(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor_type, actor_id, note, created_at
		FROM order_state_events
		WHERE order_id = $1
		ORDER BY id`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Event{}
	for rows.Next() {
		var e Event
		var orderID, from, to, actor string
		var actorID sql.NullString
		if err := rows.Scan(&e.ID, &orderID, &from, &to, &actor, &actorID, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.OrderID = types.ID(orderID)
		e.FromStatus = Status(from)
		e.ToStatus = Status(to)
		e.ActorType = Actor(actor)
		if actorID.Valid {
			a := types.ID(actorID.String)
			e.ActorID = &a
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(ctx, orderSelect+` WHERE status = $1 ORDER BY created_at LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func appendEvent(ctx context.Context, tx pgx.Tx, e Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_state_events (
			order_id, from_status, to_status, actor_type, actor_id, note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorType),
		toStringPtr(e.ActorID),
		e.Note,
		e.CreatedAt,
	)
	return err
}

func settlementError(err error) error {
	if errors.Is(err, wallet.ErrAlreadySettled) {
		return ErrAlreadySettled
	}
	return fmt.Errorf("%w: %w", ErrSettlementFailed, err)
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var id, customerID, restaurantID, status, method string
	var courierID, cancelReason sql.NullString
	var platformFee sql.NullInt64
	var rLat, rLng, cLat, cLng sql.NullFloat64
	var readyAt, assignedAt, deliveredAt, settledAt, cancelledAt sql.NullTime

	err := row.Scan(
		&id, &customerID, &restaurantID, &courierID, &status, &o.StatusVersion, &method,
		&o.Amounts.Subtotal, &o.Amounts.DeliveryFee, &o.Amounts.Tip, &o.Amounts.Discount,
		&platformFee, &o.Amounts.FinalTotal, &o.Currency,
		&rLat, &rLng, &cLat, &cLng,
		&o.CreatedAt, &readyAt, &assignedAt, &deliveredAt, &settledAt, &cancelledAt, &cancelReason,
	)
	if err != nil {
		return nil, err
	}
	o.ID = types.ID(id)
	o.CustomerID = types.ID(customerID)
	o.RestaurantID = types.ID(restaurantID)
	o.Status = Status(status)
	o.PaymentMethod = PaymentMethod(method)
	if courierID.Valid {
		c := types.ID(courierID.String)
		o.CourierID = &c
	}
	if platformFee.Valid {
		v := platformFee.Int64
		o.Amounts.PlatformFee = &v
	}
	o.RestaurantLocation = types.Point{Lat: rLat.Float64, Lng: rLng.Float64}
	o.CustomerLocation = types.Point{Lat: cLat.Float64, Lng: cLng.Float64}
	o.ReadyAt = toTimePtr(readyAt)
	o.AssignedAt = toTimePtr(assignedAt)
	o.DeliveredAt = toTimePtr(deliveredAt)
	o.SettledAt = toTimePtr(settledAt)
	o.CancelledAt = toTimePtr(cancelledAt)
	if cancelReason.Valid {
		o.CancelReason = &cancelReason.String
	}
	return &o, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
