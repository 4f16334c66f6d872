// README: Ledger contract shared by the Postgres and in-memory wallet stores.
package wallet

import (
	"context"

	"foodrelay/internal/types"
)

// DefaultHistoryLimit bounds History when the caller passes no limit.
const DefaultHistoryLimit = 1000

// Ledger moves money between wallets. Every method is atomic: either all of
// its entries are written and balances updated, or nothing changes.
type Ledger interface {
	// Hold moves amount from payer's available balance into platform escrow.
	Hold(ctx context.Context, payer Owner, amount int64, orderID types.ID) error
	// Release returns any escrow outstanding for the order to its payer and
	// reports the released amount. Releasing nothing is not an error.
	Release(ctx context.Context, orderID types.ID) (int64, error)
	// Settle releases the order's escrow and credits the split. It runs at
	// most once per order.
	Settle(ctx context.Context, cmd SettleCommand) error
	// ConfirmPayment records an externally captured payment as escrow held
	// on behalf of the customer. Repeated confirmations are no-ops.
	ConfirmPayment(ctx context.Context, orderID, customerID types.ID, amount int64) error
	Deposit(ctx context.Context, owner Owner, amount int64) error
	SetActive(ctx context.Context, owner Owner, active bool) error

	Account(ctx context.Context, owner Owner) (Account, error)
	// History returns the owner's most recent limit entries, oldest first.
	// A limit of zero or less means DefaultHistoryLimit.
	History(ctx context.Context, owner Owner, limit int) ([]Entry, error)
	OrderEntries(ctx context.Context, orderID types.ID) ([]Entry, error)
	// Verify recomputes balances from entries and compares with the stored
	// account.
	Verify(ctx context.Context, owner Owner) error
}

func checkHold(payer Owner, amount int64, orderID types.ID) error {
	if !payer.valid() || payer.Kind == OwnerPlatform || orderID == "" {
		return ErrInvalidOwner
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
