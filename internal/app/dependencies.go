package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/oms-lifecycle/internal/health"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/reservation"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/storage/memory"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/storage/postgres"
)

const kafkaClientID = "oms-lifecycle"

// Хранилища и клиенты, общие для API и фоновых воркеров.
type runtimeDependencies struct {
	orders       domain.OrderRepository
	reservations domain.ReservationStore
	ledger       domain.Ledger
	instruments  domain.InstrumentRepository
	outboxRepo   domain.OutboxRepository
	timelineRepo domain.TimelineRepository

	sweepLock reservation.Lock

	store    *postgres.Store
	redis    *redis.Client
	producer *kafka.Producer
	// Причина, по которой Kafka не подключена при заданных брокерах.
	kafkaErr error

	closers []func() error
}

// initRuntimeDependencies выбирает хранилище и подключает опциональные Redis и Kafka.
// Недоступные Redis и Kafka не мешают старту: сервис работает в degraded-режиме.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{}

	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		deps.orders = memory.NewOrderRepository()
		deps.reservations = memory.NewReservationStore()
		deps.ledger = memory.NewLedger()
		deps.instruments = memory.NewInstrumentRepository()
		deps.outboxRepo = memory.NewOutboxRepository()
		deps.timelineRepo = memory.NewTimelineRepository()
		logger.Info("используется in-memory хранилище")
	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, errors.New("postgres storage requires dsn")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		deps.store = store
		deps.closers = append(deps.closers, store.Close)
		deps.orders = postgres.NewOrderRepository(store)
		deps.reservations = postgres.NewReservationStore(store)
		deps.ledger = postgres.NewLedger(store)
		deps.instruments = postgres.NewInstrumentRepository(store)
		deps.outboxRepo = postgres.NewOutboxRepository(store)
		deps.timelineRepo = postgres.NewTimelineRepository(store)
		logger.Info("используется postgres хранилище")
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	deps.sweepLock = reservation.NewLocalLock()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		lock, err := reservation.NewRedisLock(client, reservation.DefaultLockKey, 0)
		if err != nil {
			_ = client.Close()
			deps.close(logger)
			return nil, fmt.Errorf("init sweep lock: %w", err)
		}
		deps.redis = client
		deps.sweepLock = lock
		deps.closers = append(deps.closers, client.Close)
		logger.WithField("addr", addr).Info("распределённая блокировка планировщика через redis")
	}

	if brokers := splitBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		producer, err := initKafkaProducer(brokers, logger)
		if err != nil {
			deps.kafkaErr = err
		} else {
			deps.producer = producer
			deps.closers = append(deps.closers, producer.Close)
		}
	}

	return deps, nil
}

// close освобождает ресурсы в обратном порядке подключения.
func (d *runtimeDependencies) close(logger *log.Entry) {
	var errs error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, d.closers[i]())
	}
	d.closers = nil
	if errs != nil {
		logger.WithError(errs).Warn("failed to close runtime dependencies")
	}
}

// registerHealthChecks: postgres критичен, redis и kafka только понижают статус до degraded.
func registerHealthChecks(handler *healthcheck.Handler, deps *runtimeDependencies) {
	if deps.store != nil {
		handler.Register("postgres", true, deps.store.Ping)
	}
	if deps.redis != nil {
		client := deps.redis
		handler.Register("redis", false, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	if deps.producer != nil || deps.kafkaErr != nil {
		kafkaErr := deps.kafkaErr
		handler.Register("kafka", false, func(context.Context) error {
			return kafkaErr
		})
	}
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
