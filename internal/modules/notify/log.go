package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"foodrelay/internal/types"
)

// Log writes notices to the logger; used when FCM is not configured.
type Log struct {
	log logrus.FieldLogger
}

func NewLog(log logrus.FieldLogger) *Log {
	return &Log{log: log}
}

func (l *Log) NotifyCourier(_ context.Context, id types.ID, n Notice) {
	l.entry(AudienceCourier, id, n).Info("notify courier")
}

func (l *Log) NotifyCustomer(_ context.Context, id types.ID, n Notice) {
	l.entry(AudienceCustomer, id, n).Info("notify customer")
}

func (l *Log) entry(to Audience, id types.ID, n Notice) logrus.FieldLogger {
	return l.log.WithFields(logrus.Fields{
		"audience": to,
		"user_id":  id,
		"order_id": n.OrderID,
		"kind":     n.Kind,
		"eta":      n.ETA.String(),
	})
}
