// README: Dispatcher tests on miniredis plus in-memory order, courier and wallet stores.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foodrelay/internal/config"
	"foodrelay/internal/events"
	"foodrelay/internal/logging"
	"foodrelay/internal/modules/availability"
	"foodrelay/internal/modules/courier"
	"foodrelay/internal/modules/location"
	"foodrelay/internal/modules/notify"
	"foodrelay/internal/modules/order"
	"foodrelay/internal/modules/review"
	"foodrelay/internal/modules/settlement"
	"foodrelay/internal/modules/wallet"
	"foodrelay/internal/types"
)

var (
	restaurant = types.Point{Lat: 10.80, Lng: 106.70}
	customer   = types.Point{Lat: 10.78, Lng: 106.69}
	// roughly 1 km and 3 km north of the restaurant
	oneKm   = 10.809
	threeKm = 10.827
)

type harness struct {
	svc      *Service
	mr       *miniredis.Miniredis
	queue    *availability.Store
	geo      *location.Service
	orders   *order.Service
	couriers *courier.MemoryRepository
	ledger   *wallet.MemoryLedger
	reviews  *review.Service
	events   *events.Recorder
	notices  *notify.Recorder
	outbox   *notify.Outbox
}

func defaultConfig() config.DispatchConfig {
	return config.DispatchConfig{
		SweepInterval:        20 * time.Second,
		CleanupInterval:      2 * time.Minute,
		RadiusKm:             10,
		DataQualityFlagAfter: 3,
	}
}

func newHarness(t *testing.T, cfg config.DispatchConfig, adjust ...func(*Deps)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	engine, err := settlement.NewEngine(settlement.Rates{
		Restaurant: decimal.RequireFromString("0.10"),
		Courier:    decimal.RequireFromString("0.30"),
	})
	require.NoError(t, err)

	h := &harness{
		mr:       mr,
		queue:    availability.NewStore(rdb),
		geo:      location.NewService(location.NewStore(rdb)),
		couriers: courier.NewMemoryRepository(),
		ledger:   wallet.NewMemoryLedger(),
		events:   &events.Recorder{},
		notices:  &notify.Recorder{},
		outbox:   notify.NewOutbox(notify.OutboxConfig{Workers: 4, Timeout: 2 * time.Second}, logging.Discard()),
	}
	t.Cleanup(h.outbox.Close)
	h.reviews = review.NewService(review.NewMemoryRepository(), h.events, logging.Discard())
	h.orders = order.NewService(order.NewMemoryRepository(h.ledger, h.couriers), engine, h.reviews, logging.Discard(), "VND")

	deps := Deps{
		Orders:    h.orders,
		Couriers:  h.couriers,
		Geo:       h.geo,
		Queue:     h.queue,
		Reviewer:  h.reviews,
		Publisher: h.events,
		Notifier:  h.notices,
		Outbox:    h.outbox,
	}
	for _, fn := range adjust {
		fn(&deps)
	}
	h.svc = NewService(deps, cfg, logging.Discard())
	return h
}

func (h *harness) courierAt(t *testing.T, id types.ID, lat float64, balance int64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := h.couriers.SetAvailability(ctx, id, true, now)
	require.NoError(t, err)
	require.NoError(t, h.couriers.UpdateLocation(ctx, id, types.Point{Lat: lat, Lng: restaurant.Lng}, now))
	require.NoError(t, h.geo.UpsertLocation(ctx, location.Update{CourierID: id, Lat: lat, Lng: restaurant.Lng, At: now}))
	require.NoError(t, h.queue.MarkAvailable(ctx, id))
	if balance > 0 {
		require.NoError(t, h.ledger.Deposit(ctx, wallet.Courier(id), balance))
	}
}

// sent waits for the outbox to deliver at least n notices.
func (h *harness) sent(t *testing.T, n int) []notify.Sent {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.notices.Sent()) >= n }, 2*time.Second, 10*time.Millisecond)
	return h.notices.Sent()
}

// readyOrder creates a cash order, walks it to ready and queues it.
func (h *harness) readyOrder(t *testing.T, id types.ID, subtotal, fee int64, at types.Point) {
	t.Helper()
	ctx := context.Background()
	_, err := h.orders.Create(ctx, order.CreateCommand{
		ID:                 id,
		CustomerID:         "cust-" + id,
		RestaurantID:       "r1",
		PaymentMethod:      order.PaymentCash,
		Subtotal:           subtotal,
		DeliveryFee:        fee,
		FinalTotal:         subtotal + fee,
		RestaurantLocation: at,
		CustomerLocation:   customer,
	})
	require.NoError(t, err)
	step := order.TransitionCommand{OrderID: id, Actor: order.ActorRestaurant}
	require.NoError(t, h.orders.Confirm(ctx, step))
	require.NoError(t, h.orders.StartPreparing(ctx, step))
	require.NoError(t, h.orders.MarkReady(ctx, step))
	require.NoError(t, h.queue.EnqueuePending(ctx, id, time.Now()))
}

func (h *harness) pendingIDs(t *testing.T) []types.ID {
	t.Helper()
	pending, err := h.queue.ListPending(context.Background())
	require.NoError(t, err)
	ids := make([]types.ID, len(pending))
	for i, p := range pending {
		ids[i] = p.OrderID
	}
	return ids
}

func (h *harness) isAvailable(t *testing.T, id types.ID) bool {
	t.Helper()
	ok, err := h.queue.IsAvailable(context.Background(), id)
	require.NoError(t, err)
	return ok
}

func TestDispatchPrefersNearestCourier(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.courierAt(t, "far", threeKm, 200000)
	h.courierAt(t, "near", oneKm, 200000)
	h.readyOrder(t, "o1", 100000, 15000, restaurant)

	res, err := h.svc.DispatchOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAssigned, res.Outcome)
	assert.Equal(t, types.ID("near"), res.CourierID)
	assert.InDelta(t, 1.0, res.DistanceKm, 0.05)
	assert.Equal(t, 1, res.Tried)

	o, err := h.orders.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusAssigned, o.Status)
	assert.Empty(t, h.pendingIDs(t))
	assert.False(t, h.isAvailable(t, "near"))
	assert.True(t, h.isAvailable(t, "far"))

	assigned := h.events.OfType(events.OrderAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, types.ID("near"), assigned[0].CourierID)

	sent := h.sent(t, 2)
	require.Len(t, sent, 2)
	assert.Equal(t, notify.AudienceCourier, sent[0].To)
	assert.Equal(t, types.ID("near"), sent[0].UserID)
	assert.Equal(t, notify.AudienceCustomer, sent[1].To)
	assert.Equal(t, types.ID("cust-o1"), sent[1].UserID)
	assert.Zero(t, sent[1].Notice.ETA)
}

func TestDispatchFallsBackWhenNearestHoldFails(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.courierAt(t, "near", oneKm, 0)
	h.courierAt(t, "far", threeKm, 100000)
	h.readyOrder(t, "o1", 40000, 10000, restaurant)

	res, err := h.svc.DispatchOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAssigned, res.Outcome)
	assert.Equal(t, types.ID("far"), res.CourierID)
	assert.Equal(t, 2, res.Tried)

	assert.True(t, h.isAvailable(t, "near"), "refused courier goes back to the pool")
	assert.False(t, h.isAvailable(t, "far"))

	farWallet, err := h.ledger.Account(ctx, wallet.Courier("far"))
	require.NoError(t, err)
	assert.Equal(t, int64(50000), farWallet.Available)

	near, err := h.couriers.Get(ctx, "near")
	require.NoError(t, err)
	assert.Nil(t, near.ActiveOrderID)
}

func TestDispatchAllHoldsFailLeavesOrderQueued(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.courierAt(t, "near", oneKm, 0)
	h.courierAt(t, "far", threeKm, 1000)
	h.readyOrder(t, "o1", 40000, 10000, restaurant)

	res, err := h.svc.DispatchOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoCandidate, res.Outcome)
	assert.Equal(t, 2, res.Tried)
	assert.Equal(t, []types.ID{"o1"}, h.pendingIDs(t))
	assert.True(t, h.isAvailable(t, "near"))
	assert.True(t, h.isAvailable(t, "far"))
}

func TestDispatchNoCandidateInRange(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.courierAt(t, "distant", 11.0, 200000)
	h.readyOrder(t, "o1", 100000, 15000, restaurant)

	report, err := h.svc.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeNoCandidate, report.Results[0].Outcome)
	assert.Equal(t, []types.ID{"o1"}, h.pendingIDs(t))
}

func TestDispatchIgnoresCourierOutsideAvailabilitySet(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.courierAt(t, "near", oneKm, 200000)
	_, err := h.queue.MarkUnavailable(ctx, "near")
	require.NoError(t, err)
	h.readyOrder(t, "o1", 100000, 15000, restaurant)

	res, err := h.svc.DispatchOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoCandidate, res.Outcome)
	assert.Zero(t, res.Tried)
}

func TestDispatchDropsStaleLocations(t *testing.T) {
	cfg := defaultConfig()
	cfg.LocationMaxAge = 10 * time.Minute
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.courierAt(t, "stale", oneKm, 200000)
	h.courierAt(t, "fresh", threeKm, 200000)
	require.NoError(t, h.geo.UpsertLocation(ctx, location.Update{
		CourierID: "stale", Lat: oneKm, Lng: restaurant.Lng, At: time.Now().Add(-time.Hour),
	}))
	h.readyOrder(t, "o1", 100000, 15000, restaurant)

	res, err := h.svc.DispatchOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, types.ID("fresh"), res.CourierID)
}

func TestDispatchDataQualityFlagsAfterThreshold(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.courierAt(t, "near", oneKm, 200000)
	h.readyOrder(t, "o1", 100000, 15000, types.Point{})

	for i := 1; i <= 3; i++ {
		report, err := h.svc.SweepOnce(ctx)
		require.NoError(t, err)
		require.Len(t, report.Results, 1)
		assert.Equal(t, OutcomeDataQuality, report.Results[0].Outcome)

		flags, err := h.reviews.List(ctx, 0)
		require.NoError(t, err)
		if i < 3 {
			assert.Empty(t, flags, "sweep %d", i)
			continue
		}
		require.Len(t, flags, 1)
		assert.Equal(t, review.ReasonDataQuality, flags[0].Reason)
	}
	assert.Equal(t, []types.ID{"o1"}, h.pendingIDs(t))
	assert.True(t, h.isAvailable(t, "near"))

	_, err := h.svc.DispatchOrder(ctx, "o1")
	assert.ErrorIs(t, err, ErrDataQuality)
}

func TestDispatchDropsOrdersThatLeftReady(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.readyOrder(t, "o1", 100000, 15000, restaurant)
	_, err := h.orders.Cancel(ctx, order.CancelCommand{OrderID: "o1", Actor: order.ActorCustomer, Reason: "changed mind"})
	require.NoError(t, err)
	require.NoError(t, h.queue.EnqueuePending(ctx, "ghost", time.Now()))

	report, err := h.svc.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(OutcomeSkipped))
	assert.Empty(t, h.pendingIDs(t))
}

func TestSweepSkippedWhenStoreUnavailable(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.readyOrder(t, "o1", 100000, 15000, restaurant)
	h.mr.Close()

	_, err := h.svc.SweepOnce(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	o, err := h.orders.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusReady, o.Status)
}

type conflictingOrders struct {
	Orders
}

func (conflictingOrders) Assign(context.Context, order.AssignCommand) error {
	return order.ErrAssignmentConflict
}

func TestDurableConflictRestoresCourier(t *testing.T) {
	h := newHarness(t, defaultConfig(), func(d *Deps) {
		d.Orders = conflictingOrders{Orders: d.Orders}
	})
	ctx := context.Background()
	h.courierAt(t, "near", oneKm, 200000)
	h.readyOrder(t, "o1", 100000, 15000, restaurant)

	res, err := h.svc.DispatchOrder(ctx, "o1")
	assert.ErrorIs(t, err, order.ErrAssignmentConflict)
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.True(t, h.isAvailable(t, "near"))
	assert.Equal(t, []types.ID{"o1"}, h.pendingIDs(t))
}

func TestConcurrentSweepsAssignOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t, defaultConfig())
		ctx := context.Background()
		h.courierAt(t, "only", oneKm, 500000)
		h.readyOrder(t, "o1", 100000, 15000, restaurant)
		h.readyOrder(t, "o2", 100000, 15000, restaurant)

		var wg sync.WaitGroup
		reports := make([]SweepReport, 2)
		errs := make([]error, 2)
		for i := range reports {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				reports[i], errs[i] = h.svc.SweepOnce(ctx)
			}(i)
		}
		wg.Wait()

		assigned := 0
		for i := range reports {
			require.NoError(t, errs[i])
			assigned += reports[i].Count(OutcomeAssigned)
		}
		require.Equal(t, 1, assigned, "round %d", round)

		c, err := h.couriers.Get(ctx, "only")
		require.NoError(t, err)
		require.NotNil(t, c.ActiveOrderID)

		platform, err := h.ledger.Account(ctx, wallet.Platform())
		require.NoError(t, err)
		assert.Equal(t, int64(115000), platform.Escrow)
		assert.Len(t, h.pendingIDs(t), 1)
	}
}

func TestReconcileRebuildsCache(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.courierAt(t, "c1", oneKm, 200000)
	h.readyOrder(t, "o1", 100000, 15000, restaurant)
	_, err := h.couriers.SetAvailability(ctx, "off", false, time.Now())
	require.NoError(t, err)

	h.mr.FlushAll()
	require.NoError(t, h.queue.EnqueuePending(ctx, "ghost", time.Now()))
	require.NoError(t, h.queue.MarkAvailable(ctx, "off"))

	rep, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{
		PendingAdded:      1,
		PendingRemoved:    1,
		AvailableAdded:    1,
		AvailableRemoved:  1,
		LocationsRestored: 1,
	}, rep)
	assert.Equal(t, []types.ID{"o1"}, h.pendingIDs(t))
	assert.True(t, h.isAvailable(t, "c1"))
	assert.False(t, h.isAvailable(t, "off"))

	res, err := h.svc.DispatchOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, types.ID("c1"), res.CourierID)

	again, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{}, again)
}

func TestCleanupFlagsStaleOrders(t *testing.T) {
	cfg := defaultConfig()
	cfg.StaleAssignmentAfter = 10 * time.Minute
	cfg.ReadyTimeout = 30 * time.Minute
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.courierAt(t, "c1", oneKm, 200000)
	h.readyOrder(t, "assigned", 100000, 15000, restaurant)
	_, err := h.svc.DispatchOrder(ctx, "assigned")
	require.NoError(t, err)
	h.readyOrder(t, "waiting", 100000, 15000, restaurant)

	rep, err := h.svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.StaleAssigned)
	assert.Zero(t, rep.ReadyTimedOut)

	h.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	rep, err = h.svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.StaleAssigned)
	assert.Equal(t, 1, rep.ReadyTimedOut)

	flags, err := h.reviews.List(ctx, 0)
	require.NoError(t, err)
	reasons := map[types.ID]review.Reason{}
	for _, f := range flags {
		reasons[f.OrderID] = f.Reason
	}
	assert.Equal(t, review.ReasonStaleAssignment, reasons["assigned"])
	assert.Equal(t, review.ReasonReadyTimeout, reasons["waiting"])

	o, err := h.orders.Get(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, order.StatusReady, o.Status, "cleanup never cancels")
}

type fixedETA struct {
	eta time.Duration
	err error
}

func (f fixedETA) Estimate(context.Context, types.Point, types.Point, types.Point) (time.Duration, error) {
	return f.eta, f.err
}

func TestAssignedNoticeCarriesETA(t *testing.T) {
	h := newHarness(t, defaultConfig(), func(d *Deps) {
		d.ETA = fixedETA{eta: 12 * time.Minute}
	})
	h.courierAt(t, "c1", oneKm, 200000)
	h.readyOrder(t, "o1", 100000, 15000, restaurant)

	_, err := h.svc.DispatchOrder(context.Background(), "o1")
	require.NoError(t, err)
	sent := h.sent(t, 2)
	require.Len(t, sent, 2)
	assert.Equal(t, 12*time.Minute, sent[1].Notice.ETA)
}

func TestAssignedNoticeWithoutETAOnError(t *testing.T) {
	h := newHarness(t, defaultConfig(), func(d *Deps) {
		d.ETA = fixedETA{err: errors.New("quota")}
	})
	h.courierAt(t, "c1", oneKm, 200000)
	h.readyOrder(t, "o1", 100000, 15000, restaurant)

	_, err := h.svc.DispatchOrder(context.Background(), "o1")
	require.NoError(t, err)
	sent := h.sent(t, 2)
	require.Len(t, sent, 2)
	assert.Zero(t, sent[1].Notice.ETA)
}

type slowNotifier struct {
	notify.Recorder
	delay time.Duration
}

func (n *slowNotifier) NotifyCourier(ctx context.Context, id types.ID, notice notify.Notice) {
	time.Sleep(n.delay)
	n.Recorder.NotifyCourier(ctx, id, notice)
}

func (n *slowNotifier) NotifyCustomer(ctx context.Context, id types.ID, notice notify.Notice) {
	time.Sleep(n.delay)
	n.Recorder.NotifyCustomer(ctx, id, notice)
}

func TestSlowNotifierDoesNotStallSweep(t *testing.T) {
	slow := &slowNotifier{delay: 200 * time.Millisecond}
	h := newHarness(t, defaultConfig(), func(d *Deps) {
		d.Notifier = slow
	})
	h.courierAt(t, "c1", oneKm, 200000)
	h.courierAt(t, "c2", 10.818, 200000)
	h.courierAt(t, "c3", threeKm, 200000)
	h.readyOrder(t, "o1", 100000, 15000, restaurant)
	h.readyOrder(t, "o2", 100000, 15000, restaurant)
	h.readyOrder(t, "o3", 100000, 15000, restaurant)

	start := time.Now()
	rep, err := h.svc.SweepOnce(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Count(OutcomeAssigned))
	assert.Less(t, elapsed, slow.delay, "sweep waited on notice delivery")

	assert.Eventually(t, func() bool { return len(slow.Sent()) == 6 }, 3*time.Second, 20*time.Millisecond)
}

func TestKickCollapses(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.svc.Kick()
	h.svc.Kick()
	assert.Len(t, h.svc.kick, 1)
}

func TestRunSweepsOnKick(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.courierAt(t, "c1", oneKm, 200000)
	h.readyOrder(t, "o1", 100000, 15000, restaurant)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.svc.Run(ctx)
		close(done)
	}()
	h.svc.Kick()

	assert.Eventually(t, func() bool {
		o, err := h.orders.Get(context.Background(), "o1")
		return err == nil && o.Status == order.StatusAssigned
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
