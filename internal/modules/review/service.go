// README: Review service records flags once per (order, reason) and publishes them.
package review

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"foodrelay/internal/events"
	"foodrelay/internal/types"
)

type Service struct {
	repo      Repository
	publisher events.Publisher
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewService(repo Repository, publisher events.Publisher, log logrus.FieldLogger) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Service{repo: repo, publisher: publisher, log: log, now: time.Now}
}

// Flag raises an operator flag. A second flag for the same open
// (order, reason) pair is dropped.
func (s *Service) Flag(ctx context.Context, orderID types.ID, reason Reason, detail string) error {
	f := Flag{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Reason:    reason,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	}
	added, err := s.repo.Add(ctx, f)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	s.log.WithFields(logrus.Fields{
		"order_id": orderID,
		"reason":   reason,
	}).Warn("order flagged for review: " + detail)
	s.publisher.Publish(ctx, events.Event{
		Type:    events.OrderFlagged,
		OrderID: orderID,
		At:      f.CreatedAt,
		Attrs:   map[string]string{"reason": string(reason), "detail": detail},
	})
	return nil
}

func (s *Service) List(ctx context.Context, limit int) ([]Flag, error) {
	return s.repo.ListOpen(ctx, limit)
}

func (s *Service) Resolve(ctx context.Context, id string) error {
	return s.repo.Resolve(ctx, id, s.now().UTC())
}
