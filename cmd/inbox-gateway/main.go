package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "github.com/inboxd/inboxd/internal/config/inbox-gateway"
	"github.com/inboxd/inboxd/internal/obs"
	"github.com/inboxd/inboxd/internal/obs/retry"
	outboxrelay "github.com/inboxd/inboxd/internal/outbox"
	"github.com/inboxd/inboxd/internal/repository/kafka"
	pg "github.com/inboxd/inboxd/internal/repository/postgres"
	"github.com/inboxd/inboxd/internal/services/delivery"
	"github.com/inboxd/inboxd/internal/services/delivery/repo"
)

func wiring(db *pg.DB, cfg *config.Config, feed *kafka.Feed, l *zap.Logger) (*delivery.Manager, *outboxrelay.Runner) {
	items := pg.NewItemRepo(db)
	obx := pg.NewOutboxRepo(db)
	tx := pg.NewTransactor(db, l)

	mgr := delivery.NewManager(delivery.ManagerConfig{
		Reader:    repo.ItemReader{R: items},
		Sender:    repo.Sender{Items: items, Outbox: obx, Tx: tx},
		Acks:      repo.ReadAcks{Items: items, Outbox: obx, Tx: tx},
		Stream:    feed,
		LoadLimit: cfg.Delivery.LoadLimit,
		Logger:    l,
	})

	prod := kafka.NewProducer(cfg.Feed.Brokers, cfg.Feed.Topic).WithLogger(l)
	relay := outboxrelay.NewRunner(
		l,
		obx,
		outboxrelay.MakeGlobalHandler(kafka.NewItemEventsKafka(prod), retry.PublishPolicy(l)),
		cfg.Outbox.Workers,
		cfg.Outbox.BatchSize,
		cfg.Outbox.Tick,
		cfg.Outbox.InProgressTTL,
	)
	return mgr, relay
}

func main() {
	// init
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal(err)
	}

	// logger
	l, err := obs.NewLogger(cfg.Log.AsLoggerConfig())
	if err != nil {
		log.Fatal(err)
	}

	l.Info("starting inbox-gateway",
		zap.Any("kafka_feed", cfg.Feed),
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
	)

	// otel
	otelCloser, err := obs.SetupOTel(rootCtx, cfg.OTEL.AsOTELConfig())
	if err != nil {
		l.Warn("otel init", zap.Error(err))
	}
	defer func() { _ = otelCloser.Shutdown(context.Background()) }()

	// db
	db, err := pg.New(rootCtx, cfg.DB)
	if err != nil {
		l.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	l.Info("db connected")

	// metrics
	ms := obs.BootstrapMetricsServer(cfg.Server.MetricsAddr, func(ctx context.Context) error {
		hctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		return db.Pool.Ping(hctx)
	}, l)

	// kafka
	cons := kafka.BootstrapConsumer(rootCtx, cfg.Feed.AsConsumerConfig(), l).WithLogger(l)
	defer func() { _ = cons.Close() }()
	feed := kafka.NewFeed(cons, l)
	l.Info("change feed initialized",
		zap.Strings("brokers", cfg.Feed.Brokers),
		zap.String("group_id", cfg.Feed.GroupID),
		zap.String("topic", cfg.Feed.Topic),
	)

	// start
	mgr, relay := wiring(db, cfg, feed, l)
	defer mgr.Close()
	relay.Start(rootCtx)

	errCh := make(chan error, 1)
	go func() {
		l.Info("feed consumer starting")
		errCh <- feed.Run(rootCtx)
	}()

	// main loop
	var runErr error
	select {
	case <-rootCtx.Done():
		l.Info("shutdown signal")
	case runErr = <-errCh:
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			l.Error("feed consumer error", zap.Error(runErr))
		}
	}

	// graceful metrics server shutdown
	shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = ms.Shutdown(shCtx)
	l.Info("bye")
}
