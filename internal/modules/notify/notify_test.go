package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"

	"foodrelay/internal/logging"
	"foodrelay/internal/types"
)

type fakeSender struct {
	msgs []*messaging.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.msgs = append(f.msgs, m)
	if f.err != nil {
		return "", f.err
	}
	return "projects/p/messages/1", nil
}

func TestFCMTopicsAndPayload(t *testing.T) {
	s := &fakeSender{}
	n := NewFCM(s, logging.Discard())
	ctx := context.Background()

	n.NotifyCourier(ctx, "c1", Notice{OrderID: "o1", Kind: KindAssigned})
	n.NotifyCustomer(ctx, "cust1", Notice{OrderID: "o1", Kind: KindAssigned, ETA: 14*time.Minute + 40*time.Second})

	require.Len(t, s.msgs, 2)
	assert.Equal(t, "courier_c1", s.msgs[0].Topic)
	assert.Equal(t, "assigned", s.msgs[0].Data["type"])
	assert.Equal(t, "o1", s.msgs[0].Data["order_id"])
	assert.NotContains(t, s.msgs[0].Data, "eta_seconds")
	assert.Equal(t, "New delivery", s.msgs[0].Notification.Title)

	assert.Equal(t, "customer_cust1", s.msgs[1].Topic)
	assert.Equal(t, "880", s.msgs[1].Data["eta_seconds"])
	assert.Equal(t, "Order o1 arrives in about 15 min", s.msgs[1].Notification.Body)
}

func TestFCMSendFailureIsSwallowed(t *testing.T) {
	s := &fakeSender{err: errors.New("unavailable")}
	n := NewFCM(s, logging.Discard())
	n.NotifyCourier(context.Background(), "c1", Notice{OrderID: "o1", Kind: KindCancelled})
	require.Len(t, s.msgs, 1)
	assert.Equal(t, "Order cancelled", s.msgs[0].Notification.Title)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.NotifyCourier(context.Background(), "c1", Notice{OrderID: "o1", Kind: KindAssigned})
	r.NotifyCustomer(context.Background(), "u1", Notice{OrderID: "o1", Kind: KindDelivered})
	sent := r.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, AudienceCourier, sent[0].To)
	assert.Equal(t, types.ID("u1"), sent[1].UserID)
}

func TestMapsETASumsLegs(t *testing.T) {
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","routes":[{"legs":[{"duration":{"value":300,"text":"5 mins"}},{"duration":{"value":600,"text":"10 mins"}}]}]}`))
	}))
	defer srv.Close()

	client, err := NewMapsClient("test-key", maps.WithBaseURL(srv.URL))
	require.NoError(t, err)
	eta, err := NewMapsETA(client).Estimate(context.Background(),
		types.Point{Lat: 10.809, Lng: 106.70},
		types.Point{Lat: 10.80, Lng: 106.70},
		types.Point{Lat: 10.78, Lng: 106.69},
	)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, eta)
	assert.Equal(t, "10.809000,106.700000", query["origin"][0])
	assert.Equal(t, "10.780000,106.690000", query["destination"][0])
}

func TestMapsETANoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","routes":[]}`))
	}))
	defer srv.Close()

	client, err := NewMapsClient("test-key", maps.WithBaseURL(srv.URL))
	require.NoError(t, err)
	_, err = NewMapsETA(client).Estimate(context.Background(),
		types.Point{Lat: 10.8, Lng: 106.7}, types.Point{Lat: 10.8, Lng: 106.7}, types.Point{Lat: 10.7, Lng: 106.6})
	assert.ErrorIs(t, err, ErrNoRoute)
}
