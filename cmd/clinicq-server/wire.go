package main

import (
	"context"
	"fmt"
	"log/slog"

	"clinicq/backend/internal/config"
	"clinicq/backend/internal/metrics"
	"clinicq/backend/internal/notify"
	"clinicq/backend/internal/queuefeed"
	"clinicq/backend/internal/reaper"
	"clinicq/backend/internal/service/appointments"
	"clinicq/backend/internal/store"
	"clinicq/backend/internal/store/memstore"
	"clinicq/backend/internal/store/postgres"
	httpTransport "clinicq/backend/internal/transport/http"
)

type dependencies struct {
	service *appointments.Service
	counter httpTransport.QueueCounter
	metrics *metrics.Collector
	locker  reaper.Locker
	ping    func(ctx context.Context) error

	closers []func() error
	log     *slog.Logger
}

func (d *dependencies) close() {
	if d.service != nil {
		d.service.Wait()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.log.Warn("close failed", slog.Any("err", err))
		}
	}
}

// wire builds the service and its collaborators from cfg. Optional backends
// (redis, amqp) fall back to in-process implementations when not configured.
func wire(ctx context.Context, cfg config.Config, log *slog.Logger) (*dependencies, error) {
	deps := &dependencies{log: log, metrics: metrics.New()}

	ledger, catalog, err := openStorage(cfg, log, deps)
	if err != nil {
		deps.close()
		return nil, err
	}

	var feed appointments.CounterFeed
	if cfg.RedisURL != "" {
		client, err := queuefeed.Dial(ctx, cfg.RedisURL)
		if err != nil {
			log.Error("redis connection failed", slog.Any("err", err))
			deps.close()
			return nil, err
		}
		deps.closers = append(deps.closers, client.Close)
		counter := queuefeed.NewRedis(client)
		feed, deps.counter = counter, counter
		deps.locker = reaper.NewRedisLocker(client)
		log.Info("queue feed backed by redis")
	} else {
		counter := queuefeed.NewStatic()
		feed, deps.counter = counter, counter
		log.Info("queue feed kept in memory")
	}

	var notifier appointments.Notifier
	if cfg.AMQPURL != "" {
		publisher, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue, log)
		if err != nil {
			log.Error("amqp connection failed", slog.Any("err", err))
			deps.close()
			return nil, err
		}
		deps.closers = append(deps.closers, publisher.Close)
		notifier = publisher
		log.Info("notifications published to amqp", slog.String("queue", cfg.AMQPQueue))
	} else {
		notifier = notify.NewLog(log)
	}

	deps.service = appointments.NewService(ledger, catalog, appointments.Options{
		Location:          cfg.Location,
		HoldTTL:           cfg.HoldTTL,
		MaxAttempts:       cfg.MaxAttempts,
		MaxAdvanceDays:    cfg.MaxAdvanceDays,
		RescheduleAdvance: cfg.RescheduleAdvance,
		Logger:            log.With(slog.String("component", "appointments")),
		Notifier:          notifier,
		Feed:              feed,
		Metrics:           deps.metrics,
	})
	return deps, nil
}

func openStorage(cfg config.Config, log *slog.Logger, deps *dependencies) (store.BookingLedger, store.ScheduleCatalog, error) {
	switch cfg.StorageDriver {
	case config.StorageMemory:
		catalog := memstore.NewCatalog()
		if cfg.SeedFile != "" {
			n, err := catalog.LoadFile(cfg.SeedFile)
			if err != nil {
				return nil, nil, fmt.Errorf("load schedules from %s: %w", cfg.SeedFile, err)
			}
			log.Info("schedules loaded", slog.String("file", cfg.SeedFile), slog.Int("count", n))
		} else {
			log.Warn("memory storage without a seed file; no sessions are bookable")
		}
		return memstore.NewLedger(), catalog, nil

	case config.StoragePostgres:
		log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
		db, err := postgres.Open(cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
			log.Error("database connection failed", args...)
			return nil, nil, err
		}
		deps.closers = append(deps.closers, func() error { return postgres.Close(db) })
		deps.ping = db.PingContext
		return postgres.NewLedger(db), postgres.NewScheduleRepo(db), nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}
