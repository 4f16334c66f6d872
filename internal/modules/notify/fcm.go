// README: FCM notifier sends topic messages per courier and customer via the Firebase Admin SDK.
package notify

import (
	"context"
	"fmt"
	"strconv"

	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"

	"foodrelay/internal/types"
)

// Sender is the subset of *messaging.Client the notifier uses.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FCM struct {
	sender Sender
	log    logrus.FieldLogger
}

func NewFCM(sender Sender, log logrus.FieldLogger) *FCM {
	return &FCM{sender: sender, log: log}
}

func (f *FCM) NotifyCourier(ctx context.Context, courierID types.ID, n Notice) {
	f.send(ctx, buildMessage(AudienceCourier, courierID, n))
}

func (f *FCM) NotifyCustomer(ctx context.Context, customerID types.ID, n Notice) {
	f.send(ctx, buildMessage(AudienceCustomer, customerID, n))
}

func (f *FCM) send(ctx context.Context, msg *messaging.Message) {
	id, err := f.sender.Send(ctx, msg)
	entry := f.log.WithFields(logrus.Fields{"topic": msg.Topic, "order_id": msg.Data["order_id"]})
	if err != nil {
		entry.WithError(err).Warn("fcm send failed")
		return
	}
	entry.WithField("message_id", id).Debug("fcm sent")
}

// topic returns the per-user FCM topic, e.g. courier_c1.
func topic(to Audience, id types.ID) string {
	return string(to) + "_" + string(id)
}

func buildMessage(to Audience, id types.ID, n Notice) *messaging.Message {
	data := map[string]string{
		"type":     string(n.Kind),
		"order_id": string(n.OrderID),
	}
	if n.ETA > 0 {
		data["eta_seconds"] = strconv.FormatInt(int64(n.ETA.Seconds()), 10)
	}
	return &messaging.Message{
		Topic:        topic(to, id),
		Data:         data,
		Notification: &messaging.Notification{Title: title(to, n.Kind), Body: body(to, n)},
		Android:      &messaging.AndroidConfig{Priority: "high"},
	}
}

func title(to Audience, k Kind) string {
	switch {
	case to == AudienceCourier && k == KindAssigned:
		return "New delivery"
	case k == KindCancelled:
		return "Order cancelled"
	case k == KindDelivered:
		return "Order delivered"
	case k == KindAssigned:
		return "Courier on the way"
	}
	return "Order update"
}

func body(to Audience, n Notice) string {
	if to == AudienceCustomer && n.Kind == KindAssigned && n.ETA > 0 {
		return fmt.Sprintf("Order %s arrives in about %d min", n.OrderID, int(n.ETA.Minutes()+0.5))
	}
	return fmt.Sprintf("Order %s: %s", n.OrderID, n.Kind)
}
