package wallet

import (
	"sort"

	"foodrelay/internal/types"
)

// posting is a not-yet-persisted entry. Every money movement is expressed as
// a list of postings and applied all-or-nothing by a Ledger implementation.
type posting struct {
	owner  Owner
	bucket Bucket
	kind   EntryKind
	amount int64
}

func holdPostings(payer Owner, amount int64) []posting {
	return []posting{
		{owner: payer, bucket: BucketAvailable, kind: KindHold, amount: -amount},
		{owner: Platform(), bucket: BucketEscrow, kind: KindHold, amount: amount},
	}
}

func releasePostings(payer Owner, amount int64) []posting {
	return []posting{
		{owner: payer, bucket: BucketAvailable, kind: KindRelease, amount: amount},
		{owner: Platform(), bucket: BucketEscrow, kind: KindRelease, amount: -amount},
	}
}

func depositPostings(owner Owner, amount int64) []posting {
	return []posting{{owner: owner, bucket: BucketAvailable, kind: KindCredit, amount: amount}}
}

func paymentPostings(customer Owner, amount int64) []posting {
	return append(depositPostings(customer, amount), holdPostings(customer, amount)...)
}

func settlePostings(cmd SettleCommand) []posting {
	ps := []posting{
		{owner: Platform(), bucket: BucketEscrow, kind: KindRelease, amount: -cmd.Escrowed},
	}
	credit := func(o Owner, amount int64) {
		if amount > 0 {
			ps = append(ps, posting{owner: o, bucket: BucketAvailable, kind: KindCredit, amount: amount})
		}
	}
	credit(Restaurant(cmd.RestaurantID), cmd.RestaurantRevenue)
	credit(Courier(cmd.CourierID), cmd.CourierPayment)
	credit(Platform(), cmd.PlatformRevenue)
	if cmd.Discount > 0 {
		ps = append(ps, posting{owner: Platform(), bucket: BucketAvailable, kind: KindDebit, amount: -cmd.Discount})
	}
	return ps
}

func validateSettle(cmd SettleCommand) error {
	if cmd.OrderID == "" || cmd.RestaurantID == "" || cmd.CourierID == "" {
		return ErrInvalidOwner
	}
	if cmd.Escrowed < 0 || cmd.RestaurantRevenue < 0 || cmd.CourierPayment < 0 ||
		cmd.PlatformRevenue < 0 || cmd.Discount < 0 {
		return ErrInvalidAmount
	}
	if cmd.RestaurantRevenue+cmd.CourierPayment+cmd.PlatformRevenue-cmd.Discount != cmd.Escrowed {
		return ErrEscrowMismatch
	}
	return nil
}

// fold applies postings to copies of the given accounts and returns the new
// balances. Missing accounts start empty and active.
func fold(current map[Owner]Account, ps []posting) (map[Owner]Account, error) {
	next := make(map[Owner]Account, len(current))
	for o, a := range current {
		next[o] = a
	}
	for _, p := range ps {
		a, ok := next[p.owner]
		if !ok {
			a = Account{Owner: p.owner, Active: true}
		}
		if !a.Active && p.kind != KindRelease {
			return nil, ErrWalletInactive
		}
		switch p.bucket {
		case BucketAvailable:
			a.Available += p.amount
		case BucketEscrow:
			a.Escrow += p.amount
		}
		switch p.kind {
		case KindCredit:
			a.LifetimeCredits += p.amount
		case KindDebit:
			a.LifetimeDebits -= p.amount
		}
		next[p.owner] = a
	}
	for _, a := range next {
		if a.Available < 0 || a.Escrow < 0 {
			return nil, ErrInsufficientBalance
		}
	}
	return next, nil
}

// replay recomputes an account's balances from its entries.
func replay(owner Owner, entries []Entry) Account {
	a := Account{Owner: owner}
	for _, e := range entries {
		switch e.Bucket {
		case BucketAvailable:
			a.Available += e.Amount
		case BucketEscrow:
			a.Escrow += e.Amount
		}
		switch e.Kind {
		case KindCredit:
			a.LifetimeCredits += e.Amount
		case KindDebit:
			a.LifetimeDebits -= e.Amount
		}
	}
	return a
}

func matchesReplay(stored Account, entries []Entry) bool {
	r := replay(stored.Owner, entries)
	return r.Available == stored.Available && r.Escrow == stored.Escrow &&
		r.LifetimeCredits == stored.LifetimeCredits && r.LifetimeDebits == stored.LifetimeDebits
}

// outstandingHolds returns, per payer, the amount still held in escrow for an
// order, derived from that order's entries.
func outstandingHolds(entries []Entry) map[Owner]int64 {
	out := map[Owner]int64{}
	for _, e := range entries {
		if e.Bucket != BucketAvailable || (e.Kind != KindHold && e.Kind != KindRelease) {
			continue
		}
		out[e.Owner] -= e.Amount
	}
	for o, v := range out {
		if v <= 0 {
			delete(out, o)
		}
	}
	return out
}

// lockOrder returns owners in a deterministic order with the platform first.
func lockOrder(ps []posting) []Owner {
	seen := map[Owner]bool{Platform(): true}
	owners := []Owner{}
	for _, p := range ps {
		if !seen[p.owner] {
			seen[p.owner] = true
			owners = append(owners, p.owner)
		}
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].String() < owners[j].String() })
	return append([]Owner{Platform()}, owners...)
}

func escrowFor(orderID types.ID, entries []Entry) int64 {
	var sum int64
	for _, e := range entries {
		if e.OrderID == orderID && e.Owner == Platform() && e.Bucket == BucketEscrow {
			sum += e.Amount
		}
	}
	return sum
}
