// README: Postgres ledger; every operation is one transaction with the platform wallet locked first.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"foodrelay/internal/types"
)

type Store struct {
	db  *pgxpool.Pool
	now func() time.Time
}

var _ Ledger = (*Store)(nil)

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db, now: time.Now}
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

func (s *Store) Hold(ctx context.Context, payer Owner, amount int64, orderID types.ID) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return s.HoldTx(ctx, tx, payer, amount, orderID)
	})
}

// HoldTx runs Hold inside a caller-owned transaction.
func (s *Store) HoldTx(ctx context.Context, tx pgx.Tx, payer Owner, amount int64, orderID types.ID) error {
	if err := checkHold(payer, amount, orderID); err != nil {
		return err
	}
	if err := lockPlatform(ctx, tx); err != nil {
		return err
	}
	escrow, err := escrowForTx(ctx, tx, orderID)
	if err != nil {
		return err
	}
	settled, err := isSettledTx(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if escrow != 0 || settled {
		return ErrAlreadyHeld
	}
	return s.applyTx(ctx, tx, orderID, holdPostings(payer, amount))
}

func (s *Store) Release(ctx context.Context, orderID types.ID) (int64, error) {
	var released int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		released, err = s.ReleaseTx(ctx, tx, orderID)
		return err
	})
	return released, err
}

// ReleaseTx runs Release inside a caller-owned transaction.
func (s *Store) ReleaseTx(ctx context.Context, tx pgx.Tx, orderID types.ID) (int64, error) {
	if err := lockPlatform(ctx, tx); err != nil {
		return 0, err
	}
	escrow, err := escrowForTx(ctx, tx, orderID)
	if err != nil || escrow <= 0 {
		return 0, err
	}
	entries, err := orderEntries(ctx, tx, orderID)
	if err != nil {
		return 0, err
	}
	var ps []posting
	var released int64
	for payer, held := range outstandingHolds(entries) {
		amount := min(held, escrow)
		if amount <= 0 {
			continue
		}
		escrow -= amount
		released += amount
		ps = append(ps, releasePostings(payer, amount)...)
	}
	if len(ps) == 0 {
		return 0, nil
	}
	if err := s.applyTx(ctx, tx, orderID, ps); err != nil {
		return 0, err
	}
	return released, nil
}

func (s *Store) Settle(ctx context.Context, cmd SettleCommand) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return s.SettleTx(ctx, tx, cmd)
	})
}

// SettleTx runs Settle inside a caller-owned transaction. The settlements row
// is the idempotency guard; a second call fails with ErrAlreadySettled.
func (s *Store) SettleTx(ctx context.Context, tx pgx.Tx, cmd SettleCommand) error {
	if err := validateSettle(cmd); err != nil {
		return err
	}
	if err := lockPlatform(ctx, tx); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO settlements (
			order_id, restaurant_id, courier_id, escrowed,
			restaurant_revenue, courier_payment, platform_revenue, discount, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id) DO NOTHING`,
		string(cmd.OrderID), string(cmd.RestaurantID), string(cmd.CourierID), cmd.Escrowed,
		cmd.RestaurantRevenue, cmd.CourierPayment, cmd.PlatformRevenue, cmd.Discount, s.now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadySettled
	}
	escrow, err := escrowForTx(ctx, tx, cmd.OrderID)
	if err != nil {
		return err
	}
	if escrow != cmd.Escrowed {
		return fmt.Errorf("%w: escrow %d, expected %d", ErrEscrowMismatch, escrow, cmd.Escrowed)
	}
	return s.applyTx(ctx, tx, cmd.OrderID, settlePostings(cmd))
}

func (s *Store) ConfirmPayment(ctx context.Context, orderID, customerID types.ID, amount int64) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return s.ConfirmPaymentTx(ctx, tx, orderID, customerID, amount)
	})
}

// ConfirmPaymentTx credits a prepaid order's escrow inside the caller's
// transaction. A second confirmation for the same order is a no-op.
func (s *Store) ConfirmPaymentTx(ctx context.Context, tx pgx.Tx, orderID, customerID types.ID, amount int64) error {
	customer := Customer(customerID)
	if err := checkHold(customer, amount, orderID); err != nil {
		return err
	}
	if err := lockPlatform(ctx, tx); err != nil {
		return err
	}
	escrow, err := escrowForTx(ctx, tx, orderID)
	if err != nil {
		return err
	}
	settled, err := isSettledTx(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if escrow > 0 || settled {
		return nil
	}
	return s.applyTx(ctx, tx, orderID, paymentPostings(customer, amount))
}

func (s *Store) Deposit(ctx context.Context, owner Owner, amount int64) error {
	if !owner.valid() {
		return ErrInvalidOwner
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return s.applyTx(ctx, tx, "", depositPostings(owner, amount))
	})
}

func (s *Store) SetActive(ctx context.Context, owner Owner, active bool) error {
	if !owner.valid() {
		return ErrInvalidOwner
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO wallets (owner_kind, owner_id, active) VALUES ($1, $2, $3)
		ON CONFLICT (owner_kind, owner_id) DO UPDATE
		SET active = EXCLUDED.active, version = wallets.version + 1, updated_at = NOW()`,
		string(owner.Kind), string(owner.ID), active,
	)
	return err
}

func (s *Store) Account(ctx context.Context, owner Owner) (Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx, accountSelect+` WHERE owner_kind = $1 AND owner_id = $2`,
		string(owner.Kind), string(owner.ID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

func (s *Store) History(ctx context.Context, owner Owner, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, owner_kind, owner_id, bucket, kind, amount, order_id, created_at FROM (
			SELECT seq, id, owner_kind, owner_id, bucket, kind, amount, order_id, created_at
			FROM ledger_entries
			WHERE owner_kind = $1 AND owner_id = $2
			ORDER BY seq DESC
			LIMIT $3
		) recent ORDER BY seq ASC`,
		string(owner.Kind), string(owner.ID), limit,
	)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *Store) OrderEntries(ctx context.Context, orderID types.ID) ([]Entry, error) {
	return orderEntries(ctx, s.db, orderID)
}

func (s *Store) Verify(ctx context.Context, owner Owner) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		a, err := scanAccount(tx.QueryRow(ctx, accountSelect+` WHERE owner_kind = $1 AND owner_id = $2 FOR SHARE`,
			string(owner.Kind), string(owner.ID)))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, entrySelect+` WHERE owner_kind = $1 AND owner_id = $2 ORDER BY seq`,
			string(owner.Kind), string(owner.ID))
		if err != nil {
			return err
		}
		entries, err := scanEntries(rows)
		if err != nil {
			return err
		}
		if !matchesReplay(a, entries) {
			return fmt.Errorf("%w: %s", ErrLedgerCorrupt, owner)
		}
		return nil
	})
}

// applyTx locks every touched wallet (platform first, then sorted), folds the
// postings, writes the new balances and appends the entries.
func (s *Store) applyTx(ctx context.Context, tx pgx.Tx, orderID types.ID, ps []posting) error {
	current := map[Owner]Account{}
	for _, o := range lockOrder(ps) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO wallets (owner_kind, owner_id) VALUES ($1, $2)
			ON CONFLICT (owner_kind, owner_id) DO NOTHING`,
			string(o.Kind), string(o.ID),
		); err != nil {
			return err
		}
		a, err := scanAccount(tx.QueryRow(ctx, accountSelect+` WHERE owner_kind = $1 AND owner_id = $2 FOR UPDATE`,
			string(o.Kind), string(o.ID)))
		if err != nil {
			return err
		}
		current[o] = a
	}

	next, err := fold(current, ps)
	if err != nil {
		return err
	}

	touched := map[Owner]bool{}
	for _, p := range ps {
		touched[p.owner] = true
	}
	for o := range touched {
		a := next[o]
		tag, err := tx.Exec(ctx, `
			UPDATE wallets
			SET available = $1, escrow = $2, lifetime_credits = $3, lifetime_debits = $4,
			    version = version + 1, updated_at = NOW()
			WHERE owner_kind = $5 AND owner_id = $6 AND version = $7`,
			a.Available, a.Escrow, a.LifetimeCredits, a.LifetimeDebits,
			string(o.Kind), string(o.ID), current[o].Version,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("wallet %s changed during update", o)
		}
	}

	now := s.now().UTC()
	for _, p := range ps {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (id, owner_kind, owner_id, bucket, kind, amount, order_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			uuid.NewString(), string(p.owner.Kind), string(p.owner.ID),
			string(p.bucket), string(p.kind), p.amount, string(orderID), now,
		); err != nil {
			return err
		}
	}
	return nil
}

func lockPlatform(ctx context.Context, tx pgx.Tx) error {
	p := Platform()
	if _, err := tx.Exec(ctx, `
		INSERT INTO wallets (owner_kind, owner_id) VALUES ($1, $2)
		ON CONFLICT (owner_kind, owner_id) DO NOTHING`,
		string(p.Kind), string(p.ID),
	); err != nil {
		return err
	}
	var v int
	return tx.QueryRow(ctx, `SELECT version FROM wallets WHERE owner_kind = $1 AND owner_id = $2 FOR UPDATE`,
		string(p.Kind), string(p.ID)).Scan(&v)
}

func escrowForTx(ctx context.Context, tx pgx.Tx, orderID types.ID) (int64, error) {
	var sum int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::BIGINT FROM ledger_entries
		WHERE order_id = $1 AND owner_kind = $2 AND owner_id = $3 AND bucket = $4`,
		string(orderID), string(OwnerPlatform), string(PlatformID), string(BucketEscrow),
	).Scan(&sum)
	return sum, err
}

func isSettledTx(ctx context.Context, tx pgx.Tx, orderID types.ID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM settlements WHERE order_id = $1)`, string(orderID)).Scan(&exists)
	return exists, err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func orderEntries(ctx context.Context, q querier, orderID types.ID) ([]Entry, error) {
	rows, err := q.Query(ctx, entrySelect+` WHERE order_id = $1 ORDER BY seq`, string(orderID))
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

const accountSelect = `
	SELECT owner_kind, owner_id, available, escrow, lifetime_credits, lifetime_debits,
	       active, version, created_at, updated_at
	FROM wallets`

const entrySelect = `
	SELECT id, owner_kind, owner_id, bucket, kind, amount, order_id, created_at
	FROM ledger_entries`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	var kind, id string
	err := row.Scan(&kind, &id, &a.Available, &a.Escrow, &a.LifetimeCredits, &a.LifetimeDebits,
		&a.Active, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Account{}, err
	}
	a.Owner = Owner{Kind: OwnerKind(kind), ID: types.ID(id)}
	return a, nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var e Entry
		var kind, id, bucket, entryKind, orderID string
		if err := rows.Scan(&e.ID, &kind, &id, &bucket, &entryKind, &e.Amount, &orderID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Owner = Owner{Kind: OwnerKind(kind), ID: types.ID(id)}
		e.Bucket = Bucket(bucket)
		e.Kind = EntryKind(entryKind)
		e.OrderID = types.ID(orderID)
		out = append(out, e)
	}
	return out, rows.Err()
}
