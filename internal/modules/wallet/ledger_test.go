package wallet

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foodrelay/internal/testutil"
	"foodrelay/internal/types"
)

type ledgerFactory func(t *testing.T) Ledger

func backends() map[string]ledgerFactory {
	return map[string]ledgerFactory{
		"memory": func(t *testing.T) Ledger { return NewMemoryLedger() },
		"postgres": func(t *testing.T) Ledger {
			return NewStore(testutil.Postgres(t))
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, l Ledger)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func balance(t *testing.T, l Ledger, o Owner) (available, escrow int64) {
	t.Helper()
	a, err := l.Account(context.Background(), o)
	if err == ErrNotFound {
		return 0, 0
	}
	require.NoError(t, err)
	return a.Available, a.Escrow
}

func TestHoldAndInsufficientBalance(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		courier := Courier("c1")
		require.NoError(t, l.Deposit(ctx, courier, 60000))

		err := l.Hold(ctx, courier, 70000, "o-too-big")
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		require.NoError(t, l.Hold(ctx, courier, 50000, "o1"))
		avail, _ := balance(t, l, courier)
		assert.Equal(t, int64(10000), avail)
		_, escrow := balance(t, l, Platform())
		assert.Equal(t, int64(50000), escrow)

		assert.ErrorIs(t, l.Hold(ctx, courier, 5000, "o1"), ErrAlreadyHeld)

		entries, err := l.OrderEntries(ctx, "o1")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		for _, e := range entries {
			assert.Equal(t, KindHold, e.Kind)
		}
	})
}

func TestHoldWithoutWalletIsInsufficient(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		err := l.Hold(context.Background(), Courier("nobody"), 50000, "o1")
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})
}

func TestReleaseRestoresPreHoldBalances(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		courier := Courier("c1")
		require.NoError(t, l.Deposit(ctx, courier, 80000))
		_, escrowBefore := balance(t, l, Platform())

		require.NoError(t, l.Hold(ctx, courier, 50000, "o1"))

		released, err := l.Release(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, int64(50000), released)

		avail, _ := balance(t, l, courier)
		assert.Equal(t, int64(80000), avail)
		_, escrow := balance(t, l, Platform())
		assert.Equal(t, escrowBefore, escrow)

		released, err = l.Release(ctx, "o1")
		require.NoError(t, err)
		assert.Zero(t, released)

		released, err = l.Release(ctx, "never-held")
		require.NoError(t, err)
		assert.Zero(t, released)
	})
}

func cashSettlement() SettleCommand {
	return SettleCommand{
		OrderID:           "o1",
		RestaurantID:      "r1",
		CourierID:         "c1",
		Escrowed:          115000,
		RestaurantRevenue: 90000,
		CourierPayment:    10500,
		PlatformRevenue:   14500,
	}
}

func TestSettleCashOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		require.NoError(t, l.Deposit(ctx, Courier("c1"), 200000))
		require.NoError(t, l.Hold(ctx, Courier("c1"), 115000, "o1"))

		require.NoError(t, l.Settle(ctx, cashSettlement()))

		restaurantAvail, _ := balance(t, l, Restaurant("r1"))
		courierAvail, _ := balance(t, l, Courier("c1"))
		platformAvail, platformEscrow := balance(t, l, Platform())
		assert.Equal(t, int64(90000), restaurantAvail)
		assert.Equal(t, int64(200000-115000+10500), courierAvail)
		assert.Equal(t, int64(14500), platformAvail)
		assert.Zero(t, platformEscrow)

		for _, o := range []Owner{Restaurant("r1"), Courier("c1"), Platform()} {
			assert.NoError(t, l.Verify(ctx, o))
		}
	})
}

func TestSettleTwiceIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		require.NoError(t, l.Deposit(ctx, Courier("c1"), 200000))
		require.NoError(t, l.Hold(ctx, Courier("c1"), 115000, "o1"))
		require.NoError(t, l.Settle(ctx, cashSettlement()))

		snapshot := map[Owner][2]int64{}
		for _, o := range []Owner{Restaurant("r1"), Courier("c1"), Platform()} {
			a, e := balance(t, l, o)
			snapshot[o] = [2]int64{a, e}
		}

		assert.ErrorIs(t, l.Settle(ctx, cashSettlement()), ErrAlreadySettled)

		for o, want := range snapshot {
			a, e := balance(t, l, o)
			assert.Equal(t, want, [2]int64{a, e}, "balances of %s changed", o)
		}
	})
}

func TestSettleRollsBackWhenWalletInactive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		require.NoError(t, l.Deposit(ctx, Courier("c1"), 200000))
		require.NoError(t, l.Hold(ctx, Courier("c1"), 115000, "o1"))
		require.NoError(t, l.SetActive(ctx, Restaurant("r1"), false))

		err := l.Settle(ctx, cashSettlement())
		assert.ErrorIs(t, err, ErrWalletInactive)

		courierAvail, _ := balance(t, l, Courier("c1"))
		assert.Equal(t, int64(85000), courierAvail)
		_, escrow := balance(t, l, Platform())
		assert.Equal(t, int64(115000), escrow, "escrow must still be held")
		restaurantAvail, _ := balance(t, l, Restaurant("r1"))
		assert.Zero(t, restaurantAvail)

		require.NoError(t, l.SetActive(ctx, Restaurant("r1"), true))
		require.NoError(t, l.Settle(ctx, cashSettlement()))
	})
}

func TestSettleRejectsEscrowMismatch(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		// Prepaid order with no payment confirmation: nothing in escrow.
		err := l.Settle(ctx, cashSettlement())
		assert.ErrorIs(t, err, ErrEscrowMismatch)

		bad := cashSettlement()
		bad.PlatformRevenue++
		assert.ErrorIs(t, l.Settle(ctx, bad), ErrEscrowMismatch)
	})
}

func TestPrepaidPaymentThenSettle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		require.NoError(t, l.ConfirmPayment(ctx, "o1", "cust1", 115000))
		require.NoError(t, l.ConfirmPayment(ctx, "o1", "cust1", 115000))

		_, escrow := balance(t, l, Platform())
		assert.Equal(t, int64(115000), escrow)
		customer, err := l.Account(ctx, Customer("cust1"))
		require.NoError(t, err)
		assert.Zero(t, customer.Available)
		assert.Equal(t, int64(115000), customer.LifetimeCredits)

		require.NoError(t, l.Settle(ctx, cashSettlement()))
		courierAvail, _ := balance(t, l, Courier("c1"))
		assert.Equal(t, int64(10500), courierAvail)

		// Confirmation arriving after settlement changes nothing.
		require.NoError(t, l.ConfirmPayment(ctx, "o1", "cust1", 115000))
		_, escrow = balance(t, l, Platform())
		assert.Zero(t, escrow)
	})
}

func TestPrepaidCancelRefundsCustomer(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		require.NoError(t, l.ConfirmPayment(ctx, "o1", "cust1", 40000))

		released, err := l.Release(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, int64(40000), released)

		avail, _ := balance(t, l, Customer("cust1"))
		assert.Equal(t, int64(40000), avail)
	})
}

func TestSettleWithDiscount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		cmd := cashSettlement()
		cmd.Discount = 20000
		cmd.Escrowed = 95000

		require.NoError(t, l.Deposit(ctx, Courier("c1"), 95000))
		require.NoError(t, l.Hold(ctx, Courier("c1"), 95000, "o1"))

		// Platform revenue 14500 cannot cover a 20000 discount alone.
		assert.ErrorIs(t, l.Settle(ctx, cmd), ErrInsufficientBalance)

		require.NoError(t, l.Deposit(ctx, Platform(), 10000))
		require.NoError(t, l.Settle(ctx, cmd))

		platform, err := l.Account(ctx, Platform())
		require.NoError(t, err)
		assert.Equal(t, int64(10000+14500-20000), platform.Available)
		assert.Equal(t, int64(20000), platform.LifetimeDebits)
		assert.NoError(t, l.Verify(ctx, Platform()))
	})
}

func TestConcurrentHoldsNeverOverdraw(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		courier := Courier("c1")
		require.NoError(t, l.Deposit(ctx, courier, 100000))

		const attempts = 10
		var wg sync.WaitGroup
		errs := make(chan error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- l.Hold(ctx, courier, 30000, types.ID(fmt.Sprintf("o%d", i)))
			}(i)
		}
		wg.Wait()
		close(errs)

		success := 0
		for err := range errs {
			if err == nil {
				success++
				continue
			}
			require.ErrorIs(t, err, ErrInsufficientBalance)
		}
		assert.Equal(t, 3, success)

		avail, _ := balance(t, l, courier)
		assert.Equal(t, int64(10000), avail)
		_, escrow := balance(t, l, Platform())
		assert.Equal(t, int64(90000), escrow)
		assert.NoError(t, l.Verify(ctx, courier))
		assert.NoError(t, l.Verify(ctx, Platform()))
	})
}

func TestHistoryIsAppendOnlyAndOrdered(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		courier := Courier("c1")
		require.NoError(t, l.Deposit(ctx, courier, 50000))
		require.NoError(t, l.Hold(ctx, courier, 20000, "o1"))
		_, err := l.Release(ctx, "o1")
		require.NoError(t, err)

		hist, err := l.History(ctx, courier, 0)
		require.NoError(t, err)
		require.Len(t, hist, 3)
		assert.Equal(t, []EntryKind{KindCredit, KindHold, KindRelease},
			[]EntryKind{hist[0].Kind, hist[1].Kind, hist[2].Kind})
		assert.Equal(t, []int64{50000, -20000, 20000},
			[]int64{hist[0].Amount, hist[1].Amount, hist[2].Amount})

		last, err := l.History(ctx, courier, 1)
		require.NoError(t, err)
		require.Len(t, last, 1)
		assert.Equal(t, KindRelease, last[0].Kind)
	})
}

func TestHistoryWithoutLimitKeepsMostRecent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l Ledger) {
		ctx := context.Background()
		restaurant := Restaurant("r1")
		total := DefaultHistoryLimit + 5
		for i := 1; i <= total; i++ {
			require.NoError(t, l.Deposit(ctx, restaurant, int64(i)))
		}

		hist, err := l.History(ctx, restaurant, 0)
		require.NoError(t, err)
		require.Len(t, hist, DefaultHistoryLimit)
		assert.Equal(t, int64(6), hist[0].Amount)
		assert.Equal(t, int64(total), hist[len(hist)-1].Amount)

		hist, err = l.History(ctx, restaurant, -1)
		require.NoError(t, err)
		assert.Len(t, hist, DefaultHistoryLimit)
	})
}

func TestInvalidArguments(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	assert.ErrorIs(t, l.Hold(ctx, Courier("c1"), 0, "o1"), ErrInvalidAmount)
	assert.ErrorIs(t, l.Hold(ctx, Platform(), 10, "o1"), ErrInvalidOwner)
	assert.ErrorIs(t, l.Hold(ctx, Courier("c1"), 10, ""), ErrInvalidOwner)
	assert.ErrorIs(t, l.Deposit(ctx, Owner{Kind: "bank", ID: "x"}, 10), ErrInvalidOwner)
	assert.ErrorIs(t, l.Deposit(ctx, Owner{Kind: OwnerPlatform, ID: "other"}, 10), ErrInvalidOwner)
	assert.ErrorIs(t, l.Deposit(ctx, Courier("c1"), -5), ErrInvalidAmount)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	l.SeedBalance(Courier("c1"), 1000)
	require.NoError(t, l.Verify(ctx, Courier("c1")))

	l.mu.Lock()
	a := l.accounts[Courier("c1")]
	a.Available += 1
	l.accounts[Courier("c1")] = a
	l.mu.Unlock()

	assert.ErrorIs(t, l.Verify(ctx, Courier("c1")), ErrLedgerCorrupt)
	assert.ErrorIs(t, l.Verify(ctx, Courier("ghost")), ErrNotFound)
}
