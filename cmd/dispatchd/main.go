// README: Entry point; loads config, wires stores and services, starts the dispatcher loop and the HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"foodrelay/internal/config"
	"foodrelay/internal/events"
	httptransport "foodrelay/internal/http"
	"foodrelay/internal/infra"
	"foodrelay/internal/logging"
	"foodrelay/internal/modules/availability"
	"foodrelay/internal/modules/courier"
	"foodrelay/internal/modules/dispatch"
	"foodrelay/internal/modules/location"
	"foodrelay/internal/modules/notify"
	"foodrelay/internal/modules/order"
	"foodrelay/internal/modules/review"
	"foodrelay/internal/modules/settlement"
	"foodrelay/internal/modules/wallet"
	"foodrelay/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := logging.New(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(ctx, cfg.Redis.Addr, log)
	defer redisClient.Close()

	publisher := newPublisher(cfg, log)
	if closer, ok := publisher.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	notifier := newNotifier(ctx, cfg, log)
	eta := newETA(cfg, log)
	outbox := notify.NewOutbox(notify.OutboxConfig{
		Workers:   cfg.Notify.Workers,
		QueueSize: cfg.Notify.QueueSize,
		Timeout:   cfg.Notify.Timeout,
	}, log.WithField("component", "notify"))
	defer outbox.Close()

	engine, err := settlement.NewEngine(settlement.Rates{
		Restaurant: cfg.Settlement.RestaurantCommission,
		Courier:    cfg.Settlement.CourierCommission,
	})
	if err != nil {
		log.WithError(err).Fatal("settlement rates")
	}

	walletStore := wallet.NewStore(dbPool)
	courierStore := courier.NewStore(dbPool)
	reviewSvc := review.NewService(review.NewStore(dbPool), publisher, log)
	orderSvc := order.NewService(order.NewStore(dbPool, walletStore, courierStore), engine, reviewSvc, log, cfg.Settlement.Currency)

	queue := availability.NewStore(redisClient)
	geo := location.NewService(location.NewStore(redisClient))

	dispatcher := dispatch.NewService(dispatch.Deps{
		Orders:    orderSvc,
		Couriers:  courierStore,
		Geo:       geo,
		Queue:     queue,
		Reviewer:  reviewSvc,
		Publisher: publisher,
		Notifier:  notifier,
		ETA:       eta,
		Outbox:    outbox,
	}, cfg.Dispatch, log.WithField("component", "dispatch"))

	platform := service.NewPlatform(service.Deps{
		Orders:     orderSvc,
		Couriers:   courierStore,
		Geo:        geo,
		Queue:      queue,
		Dispatcher: dispatcher,
		Ledger:     walletStore,
		Publisher:  publisher,
		Notifier:   notifier,
		Outbox:     outbox,
	}, log.WithField("component", "platform"))

	server := httptransport.NewServer(cfg.HTTP.Addr, httptransport.ServerDeps{
		Platform: platform,
		Orders:   orderSvc,
		Reviews:  reviewSvc,
		Log:      log.WithField("component", "http"),
	})

	go dispatcher.Run(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
	}()

	log.WithField("addr", cfg.HTTP.Addr).Info("dispatchd listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("http server")
	}
}

// newPublisher returns a Kafka publisher when brokers are configured and
// drops events otherwise.
func newPublisher(cfg config.Config, log *logrus.Logger) events.Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info("kafka brokers not set; domain events disabled")
		return events.Noop{}
	}
	producer, err := infra.NewKafkaProducer(cfg.Kafka.Brokers, "dispatchd")
	if err != nil {
		log.WithError(err).Fatal("kafka producer")
	}
	return events.NewKafkaPublisher(producer, cfg.Kafka.Topic, log)
}

func newNotifier(ctx context.Context, cfg config.Config, log *logrus.Logger) notify.Notifier {
	if cfg.Firebase.ProjectID == "" {
		log.Info("firebase project not set; notifications are logged only")
		return notify.NewLog(log)
	}
	client, err := infra.NewFirebaseMessaging(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.WithError(err).Fatal("firebase messaging")
	}
	return notify.NewFCM(client, log)
}

func newETA(cfg config.Config, log *logrus.Logger) notify.ETAEstimator {
	if cfg.Maps.APIKey == "" {
		return nil
	}
	client, err := notify.NewMapsClient(cfg.Maps.APIKey)
	if err != nil {
		log.WithError(err).Warn("maps client; arrival estimates disabled")
		return nil
	}
	return notify.NewMapsETA(client)
}
