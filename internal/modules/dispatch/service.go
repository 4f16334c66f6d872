// README: Dispatcher turns the pending-order queue into courier assignments on a sweep or an explicit kick.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"foodrelay/internal/config"
	"foodrelay/internal/events"
	"foodrelay/internal/modules/availability"
	"foodrelay/internal/modules/location"
	"foodrelay/internal/modules/notify"
	"foodrelay/internal/modules/order"
	"foodrelay/internal/modules/review"
	"foodrelay/internal/modules/wallet"
	"foodrelay/internal/types"
)

type Deps struct {
	Orders    Orders
	Couriers  Couriers
	Geo       GeoIndex
	Queue     *availability.Store
	Reviewer  Reviewer
	Publisher events.Publisher
	Notifier  notify.Notifier
	// ETA is optional; without it customers get no arrival estimate.
	ETA notify.ETAEstimator
	// Outbox delivers notices off the sweep path. A private one is started
	// when nil.
	Outbox *notify.Outbox
}

type Service struct {
	orders    Orders
	couriers  Couriers
	geo       GeoIndex
	queue     *availability.Store
	reviewer  Reviewer
	publisher events.Publisher
	notifier  notify.Notifier
	eta       notify.ETAEstimator
	outbox    *notify.Outbox
	cfg       config.DispatchConfig
	log       logrus.FieldLogger
	now       func() time.Time
	sweeps    atomic.Int64
	kick      chan struct{}
}

func NewService(deps Deps, cfg config.DispatchConfig, log logrus.FieldLogger) *Service {
	s := &Service{
		orders:    deps.Orders,
		couriers:  deps.Couriers,
		geo:       deps.Geo,
		queue:     deps.Queue,
		reviewer:  deps.Reviewer,
		publisher: deps.Publisher,
		notifier:  deps.Notifier,
		eta:       deps.ETA,
		outbox:    deps.Outbox,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		kick:      make(chan struct{}, 1),
	}
	if s.publisher == nil {
		s.publisher = events.Noop{}
	}
	if s.notifier == nil {
		s.notifier = notify.NewLog(log)
	}
	if s.outbox == nil {
		s.outbox = notify.NewOutbox(notify.OutboxConfig{}, log)
	}
	return s
}

// Kick requests a sweep without waiting for the next tick. Kicks that arrive
// while one is already pending collapse into it.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run rebuilds the cache, then sweeps on every tick or kick and runs the
// cleanup pass on its own interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if _, err := s.Reconcile(ctx); err != nil {
		s.log.WithError(err).Warn("initial reconcile failed")
	}

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.runSweep(ctx)
		case <-s.kick:
			s.runSweep(ctx)
		case <-cleanup.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.log.WithError(err).Warn("cleanup pass incomplete")
			}
		}
	}
}

func (s *Service) runSweep(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, ErrStoreUnavailable) && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).Error("sweep failed")
	}
}

// SweepOnce tries every pending order once, oldest first. A cache outage
// skips the rest of the sweep; per-order failures never stop it.
func (s *Service) SweepOnce(ctx context.Context) (SweepReport, error) {
	report := SweepReport{Sweep: s.sweeps.Add(1)}
	log := s.log.WithField("sweep", report.Sweep)

	pending, err := s.queue.ListPending(ctx)
	if err != nil {
		log.WithError(err).Warn("availability store unavailable; sweep skipped")
		return report, storeErr(err)
	}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := s.DispatchOrder(ctx, p.OrderID)
		report.Results = append(report.Results, res)
		entry := log.WithField("order_id", p.OrderID)
		switch {
		case err == nil:
		case errors.Is(err, ErrStoreUnavailable):
			entry.WithError(err).Warn("availability store unavailable; sweep aborted")
			return report, err
		case errors.Is(err, ErrDataQuality):
			entry.Warn("order skipped: missing restaurant coordinate")
		case errors.Is(err, order.ErrAssignmentConflict):
			entry.Info("assignment conflict; retrying next sweep")
		default:
			entry.WithError(err).Error("dispatch order")
		}
	}
	return report, nil
}

// DispatchOrder offers one order to candidates nearest first and stops at
// the first successful assignment.
func (s *Service) DispatchOrder(ctx context.Context, orderID types.ID) (Result, error) {
	res := Result{OrderID: orderID}
	o, err := s.orders.Get(ctx, orderID)
	if errors.Is(err, order.ErrNotFound) {
		res.Outcome = OutcomeSkipped
		return res, s.dequeue(ctx, orderID)
	}
	if err != nil {
		return res, err
	}
	// queue membership is best-effort; the durable record decides
	if o.CourierID != nil || o.Status != order.StatusReady {
		res.Outcome = OutcomeSkipped
		return res, s.dequeue(ctx, orderID)
	}
	if !o.RestaurantLocation.Valid() {
		res.Outcome = OutcomeDataQuality
		return res, s.dataQualityMiss(ctx, o)
	}

	candidates, err := s.candidates(ctx, o.RestaurantLocation)
	if err != nil {
		return res, err
	}

	lost := false
	for _, c := range candidates {
		res.Tried++
		entry := s.log.WithFields(logrus.Fields{"order_id": o.ID, "courier_id": c.CourierID})

		removed, err := s.queue.MarkUnavailable(ctx, c.CourierID)
		if err != nil {
			return res, storeErr(err)
		}
		if !removed {
			lost = true
			continue
		}

		err = s.orders.Assign(ctx, order.AssignCommand{OrderID: o.ID, CourierID: c.CourierID})
		switch {
		case err == nil:
			res.Outcome = OutcomeAssigned
			res.CourierID = c.CourierID
			res.DistanceKm = c.DistanceKm
			s.assigned(ctx, o, c)
			return res, nil
		case errors.Is(err, wallet.ErrInsufficientBalance):
			entry.Debug("escrow hold refused; trying next candidate")
			s.restore(ctx, c.CourierID)
		case errors.Is(err, wallet.ErrWalletInactive):
			entry.Info("courier wallet inactive; trying next candidate")
			s.restore(ctx, c.CourierID)
		case errors.Is(err, order.ErrCourierUnavailable):
			entry.Debug("courier no longer matchable")
		case errors.Is(err, order.ErrAssignmentConflict):
			s.restore(ctx, c.CourierID)
			res.Outcome = OutcomeConflict
			return res, err
		default:
			s.restore(ctx, c.CourierID)
			return res, err
		}
	}
	if lost {
		res.Outcome = OutcomeConflict
		return res, order.ErrAssignmentConflict
	}
	res.Outcome = OutcomeNoCandidate
	return res, nil
}

// candidates returns available couriers within the radius, nearest first,
// dropping positions older than LocationMaxAge when it is set.
func (s *Service) candidates(ctx context.Context, origin types.Point) ([]location.Nearby, error) {
	nearby, err := s.geo.Nearby(ctx, origin, s.cfg.RadiusKm)
	if err != nil {
		return nil, storeErr(err)
	}
	if len(nearby) == 0 {
		return nil, nil
	}
	avail, err := s.queue.ListAvailable(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	on := make(map[types.ID]bool, len(avail))
	for _, id := range avail {
		on[id] = true
	}

	now := s.now()
	out := make([]location.Nearby, 0, len(nearby))
	for _, n := range nearby {
		if !on[n.CourierID] {
			continue
		}
		if s.cfg.LocationMaxAge > 0 && n.Age(now) > s.cfg.LocationMaxAge {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Service) assigned(ctx context.Context, o *order.Order, c location.Nearby) {
	if err := s.queue.DequeuePending(ctx, o.ID); err != nil {
		s.log.WithField("order_id", o.ID).WithError(err).Warn("assigned order still queued; next sweep drops it")
	}
	s.log.WithFields(logrus.Fields{
		"order_id":    o.ID,
		"courier_id":  c.CourierID,
		"distance_km": c.DistanceKm,
	}).Info("order assigned")

	s.publisher.Publish(ctx, events.Event{
		Type:      events.OrderAssigned,
		OrderID:   o.ID,
		CourierID: c.CourierID,
		At:        s.now().UTC(),
		Attrs:     map[string]string{"distance_km": strconv.FormatFloat(c.DistanceKm, 'f', 3, 64)},
	})

	s.outbox.Go(func(ctx context.Context) { s.notifyAssigned(ctx, o, c) })
}

func (s *Service) notifyAssigned(ctx context.Context, o *order.Order, c location.Nearby) {
	s.notifier.NotifyCourier(ctx, c.CourierID, notify.Notice{OrderID: o.ID, Kind: notify.KindAssigned})
	notice := notify.Notice{OrderID: o.ID, Kind: notify.KindAssigned}
	if s.eta != nil && o.CustomerLocation.Valid() {
		eta, err := s.eta.Estimate(ctx, c.Point, o.RestaurantLocation, o.CustomerLocation)
		if err != nil {
			s.log.WithField("order_id", o.ID).WithError(err).Debug("eta unavailable")
		} else {
			notice.ETA = eta
		}
	}
	s.notifier.NotifyCustomer(ctx, o.CustomerID, notice)
}

func (s *Service) dataQualityMiss(ctx context.Context, o *order.Order) error {
	n, err := s.queue.RecordDataQualityMiss(ctx, o.ID)
	if err != nil {
		return storeErr(err)
	}
	if n >= int64(max(1, s.cfg.DataQualityFlagAfter)) {
		s.flag(ctx, o.ID, review.ReasonDataQuality, fmt.Sprintf("restaurant coordinate missing for %d sweeps", n))
	}
	return ErrDataQuality
}

// restore puts a claimed courier back after an assignment attempt failed.
func (s *Service) restore(ctx context.Context, id types.ID) {
	if err := s.queue.MarkAvailable(ctx, id); err != nil {
		s.log.WithField("courier_id", id).WithError(err).Warn("could not restore courier availability")
	}
}

func (s *Service) dequeue(ctx context.Context, id types.ID) error {
	if err := s.queue.DequeuePending(ctx, id); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Service) flag(ctx context.Context, id types.ID, reason review.Reason, detail string) {
	if s.reviewer == nil {
		return
	}
	if err := s.reviewer.Flag(ctx, id, reason, detail); err != nil {
		s.log.WithField("order_id", id).WithError(err).Error("flag order for review")
	}
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
