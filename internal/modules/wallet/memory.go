// README: In-memory ledger used by tests and single-process deployments.
package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"foodrelay/internal/types"
)

type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[Owner]Account
	entries  []Entry
	settled  map[types.ID]bool
	now      func() time.Time
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: map[Owner]Account{},
		settled:  map[types.ID]bool{},
		now:      time.Now,
	}
}

// SeedBalance sets an available balance directly through a credit entry.
// Intended for tests.
func (l *MemoryLedger) SeedBalance(owner Owner, amount int64) {
	_ = l.Deposit(context.Background(), owner, amount)
}

func (l *MemoryLedger) Hold(_ context.Context, payer Owner, amount int64, orderID types.ID) error {
	if err := checkHold(payer, amount, orderID); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if escrowFor(orderID, l.entries) != 0 || l.settled[orderID] {
		return ErrAlreadyHeld
	}
	return l.applyLocked(orderID, holdPostings(payer, amount))
}

func (l *MemoryLedger) Release(_ context.Context, orderID types.ID) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps := l.releaseLocked(orderID)
	if len(ps) == 0 {
		return 0, nil
	}
	if err := l.applyLocked(orderID, ps); err != nil {
		return 0, err
	}
	var total int64
	for _, p := range ps {
		if p.owner != Platform() || p.bucket != BucketEscrow {
			total += p.amount
		}
	}
	return total, nil
}

func (l *MemoryLedger) releaseLocked(orderID types.ID) []posting {
	escrow := escrowFor(orderID, l.entries)
	if escrow <= 0 {
		return nil
	}
	var ps []posting
	for payer, held := range outstandingHolds(l.orderEntriesLocked(orderID)) {
		amount := min(held, escrow)
		if amount <= 0 {
			continue
		}
		escrow -= amount
		ps = append(ps, releasePostings(payer, amount)...)
	}
	return ps
}

func (l *MemoryLedger) Settle(_ context.Context, cmd SettleCommand) error {
	if err := validateSettle(cmd); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled[cmd.OrderID] {
		return ErrAlreadySettled
	}
	if got := escrowFor(cmd.OrderID, l.entries); got != cmd.Escrowed {
		return fmt.Errorf("%w: escrow %d, expected %d", ErrEscrowMismatch, got, cmd.Escrowed)
	}
	if err := l.applyLocked(cmd.OrderID, settlePostings(cmd)); err != nil {
		return err
	}
	l.settled[cmd.OrderID] = true
	return nil
}

func (l *MemoryLedger) ConfirmPayment(_ context.Context, orderID, customerID types.ID, amount int64) error {
	customer := Customer(customerID)
	if err := checkHold(customer, amount, orderID); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled[orderID] || escrowFor(orderID, l.entries) > 0 {
		return nil
	}
	return l.applyLocked(orderID, paymentPostings(customer, amount))
}

func (l *MemoryLedger) Deposit(_ context.Context, owner Owner, amount int64) error {
	if !owner.valid() {
		return ErrInvalidOwner
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyLocked("", depositPostings(owner, amount))
}

func (l *MemoryLedger) SetActive(_ context.Context, owner Owner, active bool) error {
	if !owner.valid() {
		return ErrInvalidOwner
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[owner]
	if !ok {
		a = Account{Owner: owner, CreatedAt: l.now()}
	}
	a.Active = active
	a.Version++
	a.UpdatedAt = l.now()
	l.accounts[owner] = a
	return nil
}

func (l *MemoryLedger) Account(_ context.Context, owner Owner) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[owner]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (l *MemoryLedger) History(_ context.Context, owner Owner, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []Entry{}
	for _, e := range l.entries {
		if e.Owner == owner {
			out = append(out, e)
		}
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (l *MemoryLedger) OrderEntries(_ context.Context, orderID types.ID) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orderEntriesLocked(orderID), nil
}

func (l *MemoryLedger) Verify(_ context.Context, owner Owner) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[owner]
	if !ok {
		return ErrNotFound
	}
	var entries []Entry
	for _, e := range l.entries {
		if e.Owner == owner {
			entries = append(entries, e)
		}
	}
	if !matchesReplay(a, entries) {
		return fmt.Errorf("%w: %s", ErrLedgerCorrupt, owner)
	}
	return nil
}

func (l *MemoryLedger) orderEntriesLocked(orderID types.ID) []Entry {
	out := []Entry{}
	for _, e := range l.entries {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}

func (l *MemoryLedger) applyLocked(orderID types.ID, ps []posting) error {
	current := map[Owner]Account{}
	for _, p := range ps {
		if a, ok := l.accounts[p.owner]; ok {
			current[p.owner] = a
		}
	}
	next, err := fold(current, ps)
	if err != nil {
		return err
	}
	now := l.now().UTC()
	for o, a := range next {
		if _, existed := l.accounts[o]; !existed {
			a.CreatedAt = now
		}
		a.Version++
		a.UpdatedAt = now
		l.accounts[o] = a
	}
	for _, p := range ps {
		l.entries = append(l.entries, Entry{
			ID:        uuid.NewString(),
			Owner:     p.owner,
			Bucket:    p.bucket,
			Kind:      p.kind,
			Amount:    p.amount,
			OrderID:   orderID,
			CreatedAt: now,
		})
	}
	return nil
}
