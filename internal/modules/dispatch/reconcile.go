package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"foodrelay/internal/modules/location"
	"foodrelay/internal/modules/order"
	"foodrelay/internal/modules/review"
	"foodrelay/internal/types"
)

// Reconcile rebuilds the cache from the durable stores: ready orders without
// a courier are queued, matchable couriers are marked available and their
// last known position is restored to the geo index. Members the durable
// stores no longer back are removed. The cache is read before the durable
// store so entries added concurrently are never pruned.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport

	pending, err := s.queue.ListPending(ctx)
	if err != nil {
		return rep, storeErr(err)
	}
	ready, err := s.orders.ListByStatus(ctx, order.StatusReady, 0)
	if err != nil {
		return rep, fmt.Errorf("list ready orders: %w", err)
	}
	want := make(map[types.ID]order.Order, len(ready))
	for _, o := range ready {
		if o.CourierID == nil {
			want[o.ID] = o
		}
	}
	queued := make(map[types.ID]bool, len(pending))
	for _, p := range pending {
		queued[p.OrderID] = true
		if _, ok := want[p.OrderID]; ok {
			continue
		}
		if err := s.queue.DequeuePending(ctx, p.OrderID); err != nil {
			return rep, storeErr(err)
		}
		rep.PendingRemoved++
	}
	for id, o := range want {
		if queued[id] {
			continue
		}
		at := o.CreatedAt
		if o.ReadyAt != nil {
			at = *o.ReadyAt
		}
		if err := s.queue.EnqueuePending(ctx, id, at); err != nil {
			return rep, storeErr(err)
		}
		rep.PendingAdded++
	}

	avail, err := s.queue.ListAvailable(ctx)
	if err != nil {
		return rep, storeErr(err)
	}
	matchable, err := s.couriers.ListMatchable(ctx)
	if err != nil {
		return rep, fmt.Errorf("list matchable couriers: %w", err)
	}
	onDuty := make(map[types.ID]bool, len(matchable))
	for _, c := range matchable {
		onDuty[c.ID] = true
	}
	listed := make(map[types.ID]bool, len(avail))
	for _, id := range avail {
		listed[id] = true
		if onDuty[id] {
			continue
		}
		if _, err := s.queue.MarkUnavailable(ctx, id); err != nil {
			return rep, storeErr(err)
		}
		rep.AvailableRemoved++
	}
	for _, c := range matchable {
		if !listed[c.ID] {
			if err := s.queue.MarkAvailable(ctx, c.ID); err != nil {
				return rep, storeErr(err)
			}
			rep.AvailableAdded++
		}
		if c.Location == nil {
			continue
		}
		_, found, err := s.geo.Position(ctx, c.ID)
		if err != nil {
			return rep, storeErr(err)
		}
		if found {
			continue
		}
		u := location.Update{CourierID: c.ID, Lat: c.Location.Lat, Lng: c.Location.Lng}
		if c.LocationUpdatedAt != nil {
			u.At = *c.LocationUpdatedAt
		}
		if err := s.geo.UpsertLocation(ctx, u); err != nil {
			s.log.WithField("courier_id", c.ID).WithError(err).Warn("could not restore courier location")
			continue
		}
		rep.LocationsRestored++
	}

	s.log.WithFields(logrus.Fields{
		"pending_added":      rep.PendingAdded,
		"pending_removed":    rep.PendingRemoved,
		"available_added":    rep.AvailableAdded,
		"available_removed":  rep.AvailableRemoved,
		"locations_restored": rep.LocationsRestored,
	}).Debug("cache reconciled")
	return rep, nil
}

// Cleanup reconciles the cache and flags assigned orders that never moved to
// pickup and ready orders that waited past the ready timeout. Orders are
// flagged for an operator, never cancelled. Flag passes run even when the
// cache is down since they only read the durable store.
func (s *Service) Cleanup(ctx context.Context) (CleanupReport, error) {
	var rep CleanupReport
	rec, recErr := s.Reconcile(ctx)
	rep.Reconcile = rec
	if recErr != nil {
		s.log.WithError(recErr).Warn("reconcile failed")
	}

	now := s.now()
	if s.cfg.StaleAssignmentAfter > 0 {
		assigned, err := s.orders.ListByStatus(ctx, order.StatusAssigned, 0)
		if err != nil {
			return rep, fmt.Errorf("list assigned orders: %w", err)
		}
		for _, o := range assigned {
			if o.AssignedAt == nil || now.Sub(*o.AssignedAt) <= s.cfg.StaleAssignmentAfter {
				continue
			}
			courier := ""
			if o.CourierID != nil {
				courier = string(*o.CourierID)
			}
			s.flag(ctx, o.ID, review.ReasonStaleAssignment,
				fmt.Sprintf("assigned to courier %s for %s without pickup", courier, now.Sub(*o.AssignedAt).Round(time.Second)))
			rep.StaleAssigned++
		}
	}
	if s.cfg.ReadyTimeout > 0 {
		ready, err := s.orders.ListByStatus(ctx, order.StatusReady, 0)
		if err != nil {
			return rep, fmt.Errorf("list ready orders: %w", err)
		}
		for _, o := range ready {
			if o.ReadyAt == nil || now.Sub(*o.ReadyAt) <= s.cfg.ReadyTimeout {
				continue
			}
			s.flag(ctx, o.ID, review.ReasonReadyTimeout,
				fmt.Sprintf("waiting for a courier for %s", now.Sub(*o.ReadyAt).Round(time.Second)))
			rep.ReadyTimedOut++
		}
	}
	return rep, recErr
}
