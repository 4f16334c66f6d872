// README: Platform facade; the operations courier clients, restaurants, operators and the payment gateway call.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"foodrelay/internal/events"
	"foodrelay/internal/modules/availability"
	"foodrelay/internal/modules/courier"
	"foodrelay/internal/modules/dispatch"
	"foodrelay/internal/modules/location"
	"foodrelay/internal/modules/notify"
	"foodrelay/internal/modules/order"
	"foodrelay/internal/modules/wallet"
	"foodrelay/internal/types"
)

// Dispatcher is the part of the dispatcher the facade triggers.
type Dispatcher interface {
	Kick()
}

type Deps struct {
	Orders     *order.Service
	Couriers   courier.Repository
	Profiles   courier.ProfileSource
	Geo        *location.Service
	Queue      *availability.Store
	Dispatcher Dispatcher
	Ledger     wallet.Ledger
	Publisher  events.Publisher
	Notifier   notify.Notifier
	// Outbox delivers notices off the request path. A private one is started
	// when nil.
	Outbox *notify.Outbox
}

type Platform struct {
	orders     *order.Service
	couriers   courier.Repository
	profiles   courier.ProfileSource
	geo        *location.Service
	queue      *availability.Store
	dispatcher Dispatcher
	ledger     wallet.Ledger
	publisher  events.Publisher
	notifier   notify.Notifier
	outbox     *notify.Outbox
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewPlatform(deps Deps, log logrus.FieldLogger) *Platform {
	p := &Platform{
		orders:     deps.Orders,
		couriers:   deps.Couriers,
		profiles:   deps.Profiles,
		geo:        deps.Geo,
		queue:      deps.Queue,
		dispatcher: deps.Dispatcher,
		ledger:     deps.Ledger,
		publisher:  deps.Publisher,
		notifier:   deps.Notifier,
		outbox:     deps.Outbox,
		log:        log,
		now:        time.Now,
	}
	if p.profiles == nil {
		p.profiles = courier.StaticProfiles{}
	}
	if p.publisher == nil {
		p.publisher = events.Noop{}
	}
	if p.notifier == nil {
		p.notifier = notify.NewLog(log)
	}
	if p.outbox == nil {
		p.outbox = notify.NewOutbox(notify.OutboxConfig{}, log)
	}
	return p
}

// SubmitLocationUpdate records a courier's position durably and in the geo
// index, then kicks dispatch when the courier can take work.
func (p *Platform) SubmitLocationUpdate(ctx context.Context, courierID types.ID, lat, lng float64) error {
	pt := types.Point{Lat: lat, Lng: lng}
	if courierID == "" || !pt.Valid() {
		return location.ErrInvalidLocation
	}
	at := p.now().UTC()
	if err := p.couriers.UpdateLocation(ctx, courierID, pt, at); err != nil {
		return err
	}
	if err := p.geo.UpsertLocation(ctx, location.Update{CourierID: courierID, Lat: lat, Lng: lng, At: at}); err != nil {
		return fmt.Errorf("%w: %w", dispatch.ErrStoreUnavailable, err)
	}
	if c, err := p.couriers.Get(ctx, courierID); err == nil && c.Matchable() {
		p.kick()
	}
	return nil
}

// SetAvailability puts a courier on or off duty. Going on duty puts the last
// durable position back in the geo index. The durable record is the source of
// truth; cache failures are logged and repaired by reconcile.
func (p *Platform) SetAvailability(ctx context.Context, courierID types.ID, available bool) (*courier.Courier, error) {
	c, err := p.couriers.SetAvailability(ctx, courierID, available, p.now().UTC())
	if err != nil {
		return nil, err
	}
	entry := p.log.WithField("courier_id", courierID)
	if !available {
		if _, err := p.queue.MarkUnavailable(ctx, courierID); err != nil {
			entry.WithError(err).Warn("could not drop courier from availability set")
		}
		if err := p.geo.RemoveLocation(ctx, courierID); err != nil {
			entry.WithError(err).Warn("could not drop courier from geo index")
		}
		return c, nil
	}
	if c.Location != nil {
		u := location.Update{CourierID: c.ID, Lat: c.Location.Lat, Lng: c.Location.Lng}
		if c.LocationUpdatedAt != nil {
			u.At = *c.LocationUpdatedAt
		}
		if err := p.geo.UpsertLocation(ctx, u); err != nil {
			entry.WithError(err).Warn("could not restore courier to geo index")
		}
	}
	if c.Matchable() {
		if err := p.queue.MarkAvailable(ctx, courierID); err != nil {
			entry.WithError(err).Warn("could not add courier to availability set")
			return c, nil
		}
		p.kick()
	}
	return c, nil
}

// EnqueueReadyOrder queues a ready order for dispatch. An order still
// preparing is marked ready first.
func (p *Platform) EnqueueReadyOrder(ctx context.Context, orderID types.ID) (*order.Order, error) {
	o, err := p.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == order.StatusPreparing {
		restaurant := o.RestaurantID
		if err := p.orders.MarkReady(ctx, order.TransitionCommand{
			OrderID: o.ID,
			Actor:   order.ActorRestaurant,
			ActorID: &restaurant,
		}); err != nil {
			return nil, err
		}
		if o, err = p.orders.Get(ctx, orderID); err != nil {
			return nil, err
		}
	}
	if o.Status != order.StatusReady || o.CourierID != nil {
		return nil, fmt.Errorf("%w: order %s is %s", order.ErrBadRequest, o.ID, o.Status)
	}
	at := p.now()
	if o.ReadyAt != nil {
		at = *o.ReadyAt
	}
	if err := p.queue.EnqueuePending(ctx, o.ID, at); err != nil {
		// reconcile re-queues ready orders; the order is not lost
		p.log.WithField("order_id", o.ID).WithError(err).Warn("could not queue ready order")
		return o, nil
	}
	p.kick()
	return o, nil
}

// AcceptDeliveryStatus applies a courier-driven transition. A repeated
// delivered report is a no-op that returns the settled order.
func (p *Platform) AcceptDeliveryStatus(ctx context.Context, orderID, courierID types.ID, status order.Status) (*order.Order, error) {
	cmd := order.CourierCommand{OrderID: orderID, CourierID: courierID}
	switch status {
	case order.StatusPickingUp:
		if err := p.orders.StartPickup(ctx, cmd); err != nil {
			return nil, err
		}
		return p.orders.Get(ctx, orderID)
	case order.StatusDelivered:
		o, split, err := p.orders.Deliver(ctx, cmd)
		if errors.Is(err, order.ErrAlreadySettled) {
			p.log.WithField("order_id", orderID).Info("delivery already settled")
			return p.orders.Get(ctx, orderID)
		}
		if err != nil {
			return nil, err
		}
		p.publisher.Publish(ctx, events.Event{
			Type:      events.OrderDelivered,
			OrderID:   o.ID,
			CourierID: courierID,
			At:        p.now().UTC(),
			Attrs: map[string]string{
				"restaurant_revenue": strconv.FormatInt(split.RestaurantRevenue, 10),
				"courier_payment":    strconv.FormatInt(split.CourierPayment, 10),
				"platform_revenue":   strconv.FormatInt(split.PlatformRevenue, 10),
			},
		})
		p.notify(notify.AudienceCustomer, o.CustomerID, notify.Notice{OrderID: o.ID, Kind: notify.KindDelivered})
		p.backOnDuty(ctx, courierID)
		return o, nil
	default:
		return nil, fmt.Errorf("%w: couriers cannot report %q", order.ErrBadRequest, status)
	}
}

type CancelRequest struct {
	OrderID types.ID
	Actor   order.Actor
	ActorID *types.ID
	Reason  string
}

// CancelOrder cancels through the state machine, releases escrow and frees
// the assigned courier.
func (p *Platform) CancelOrder(ctx context.Context, req CancelRequest) (order.CancelResult, error) {
	actor := req.Actor
	if actor == "" {
		actor = order.ActorOperator
	}
	res, err := p.orders.Cancel(ctx, order.CancelCommand{
		OrderID: req.OrderID,
		Actor:   actor,
		ActorID: req.ActorID,
		Reason:  req.Reason,
	})
	if err != nil {
		return res, err
	}
	if err := p.queue.DequeuePending(ctx, req.OrderID); err != nil {
		p.log.WithField("order_id", req.OrderID).WithError(err).Warn("cancelled order still queued; next sweep drops it")
	}

	ev := events.Event{
		Type:    events.OrderCancelled,
		OrderID: req.OrderID,
		At:      p.now().UTC(),
		Attrs: map[string]string{
			"reason":   req.Reason,
			"actor":    string(actor),
			"released": strconv.FormatInt(res.Released, 10),
		},
	}
	if c := res.Order.CourierID; c != nil {
		ev.CourierID = *c
		p.notify(notify.AudienceCourier, *c, notify.Notice{OrderID: req.OrderID, Kind: notify.KindCancelled})
		p.backOnDuty(ctx, *c)
	}
	p.publisher.Publish(ctx, ev)
	p.notify(notify.AudienceCustomer, res.Order.CustomerID, notify.Notice{OrderID: req.OrderID, Kind: notify.KindCancelled})
	return res, nil
}

// notify hands a notice to the outbox; delivery never blocks the caller.
func (p *Platform) notify(to notify.Audience, id types.ID, n notify.Notice) {
	p.outbox.Go(func(ctx context.Context) {
		if to == notify.AudienceCourier {
			p.notifier.NotifyCourier(ctx, id, n)
			return
		}
		p.notifier.NotifyCustomer(ctx, id, n)
	})
}

type PendingOrder struct {
	OrderID    types.ID
	EnqueuedAt time.Time
	Order      *order.Order
}

// GetPendingOrders lists orders waiting for a courier, oldest first. When the
// cache is down it answers from the durable ready orders.
func (p *Platform) GetPendingOrders(ctx context.Context) ([]PendingOrder, error) {
	pending, err := p.queue.ListPending(ctx)
	if err != nil {
		p.log.WithError(err).Warn("availability store unavailable; listing ready orders instead")
		return p.readyOrders(ctx)
	}
	out := make([]PendingOrder, 0, len(pending))
	for _, q := range pending {
		o, err := p.orders.Get(ctx, q.OrderID)
		if errors.Is(err, order.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, PendingOrder{OrderID: q.OrderID, EnqueuedAt: q.EnqueuedAt, Order: o})
	}
	return out, nil
}

func (p *Platform) readyOrders(ctx context.Context) ([]PendingOrder, error) {
	ready, err := p.orders.ListByStatus(ctx, order.StatusReady, 0)
	if err != nil {
		return nil, err
	}
	out := make([]PendingOrder, 0, len(ready))
	for i := range ready {
		o := ready[i]
		if o.CourierID != nil {
			continue
		}
		at := o.CreatedAt
		if o.ReadyAt != nil {
			at = *o.ReadyAt
		}
		out = append(out, PendingOrder{OrderID: o.ID, EnqueuedAt: at, Order: &o})
	}
	return out, nil
}

func (p *Platform) GetWalletBalance(ctx context.Context, kind wallet.OwnerKind, id types.ID) (wallet.Account, error) {
	return p.ledger.Account(ctx, wallet.Owner{Kind: kind, ID: id})
}

func (p *Platform) GetLedgerHistory(ctx context.Context, kind wallet.OwnerKind, id types.ID, limit int) ([]wallet.Entry, error) {
	return p.ledger.History(ctx, wallet.Owner{Kind: kind, ID: id}, limit)
}

func (p *Platform) VerifyWallet(ctx context.Context, kind wallet.OwnerKind, id types.ID) error {
	return p.ledger.Verify(ctx, wallet.Owner{Kind: kind, ID: id})
}

// OnPaymentConfirmed records a gateway payment for a prepaid order as escrow.
// The amount must match the order's final total.
func (p *Platform) OnPaymentConfirmed(ctx context.Context, orderID types.ID, amount int64) error {
	return p.orders.ConfirmPayment(ctx, orderID, amount)
}

type CourierView struct {
	Courier *courier.Courier
	Profile courier.Profile
}

func (p *Platform) GetCourier(ctx context.Context, id types.ID) (CourierView, error) {
	c, err := p.couriers.Get(ctx, id)
	if err != nil {
		return CourierView{}, err
	}
	prof, err := p.profiles.GetCourierProfile(ctx, id)
	if err != nil {
		p.log.WithField("courier_id", id).WithError(err).Warn("courier profile unavailable")
		prof = courier.Profile{ID: id}
	}
	return CourierView{Courier: c, Profile: prof}, nil
}

// backOnDuty returns a courier to the pool after their order ends, if they
// are still on duty.
func (p *Platform) backOnDuty(ctx context.Context, id types.ID) {
	c, err := p.couriers.Get(ctx, id)
	if err != nil {
		p.log.WithField("courier_id", id).WithError(err).Warn("could not load courier")
		return
	}
	if !c.Matchable() {
		return
	}
	if err := p.queue.MarkAvailable(ctx, id); err != nil {
		p.log.WithField("courier_id", id).WithError(err).Warn("could not return courier to availability set")
		return
	}
	p.kick()
}

func (p *Platform) kick() {
	if p.dispatcher != nil {
		p.dispatcher.Kick()
	}
}
