package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/oms-lifecycle/internal/health"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/httpapi"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/metrics"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/outbox"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/reservation"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/version"
)

const (
	// StorageDriverMemory хранит всё в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres использует PostgreSQL.
	StorageDriverPostgres = "postgres"

	shutdownTimeout = 5 * time.Second
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// Окно удержания резерва при оформлении.
	ReservationHold time.Duration
	SweepInterval   time.Duration
	SweepBatchSize  int
	// SweepSecret открывает ручной запуск планировщика по HTTP; пустое значение выключает его.
	SweepSecret string
	// RedisAddr включает распределённую блокировку планировщика.
	RedisAddr string

	// Список брокеров через запятую; без брокеров сервис работает без Kafka.
	KafkaBrokers string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
}

// DefaultConfig возвращает базовые адреса и параметры фоновых воркеров.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:            ":8080",
		GRPCAddr:            ":50051",
		MetricsAddr:         ":9090",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		ReservationHold:     15 * time.Minute,
		SweepInterval:       2 * time.Minute,
		SweepBatchSize:      500,
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    50 * time.Millisecond,
	}
}

// Run поднимает хранилище, фоновые воркеры и серверы, и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	coordinator, err := lifecycle.NewCoordinator(lifecycle.Dependencies{
		Orders:       deps.orders,
		Reservations: deps.reservations,
		Ledger:       deps.ledger,
		Instruments:  deps.instruments,
		Outbox:       deps.outboxRepo,
		Timeline:     deps.timelineRepo,
	},
		lifecycle.WithLogger(logger.WithField("layer", "lifecycle")),
		lifecycle.WithMetrics(metrics.NewLifecycleMetrics(prometheus.DefaultRegisterer)),
		lifecycle.WithReservationHold(cfg.ReservationHold),
	)
	if err != nil {
		return fmt.Errorf("init lifecycle coordinator: %w", err)
	}

	healthHandler := healthcheck.NewHandler(version.Current().Version)
	registerHealthChecks(healthHandler, deps)

	workersCtx, stopWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	defer func() {
		stopWorkers()
		workers.Wait()
	}()

	sweeper := reservation.NewSweepWorker(deps.reservations,
		reservation.WithLogger(logger.WithField("layer", "reservation-sweeper")),
		reservation.WithInterval(cfg.SweepInterval),
		reservation.WithBatchSize(cfg.SweepBatchSize),
		reservation.WithLock(deps.sweepLock),
	)
	startWorker(workersCtx, &workers, sweeper.Run)

	outboxWorker := newOutboxWorker(cfg, deps, logger)
	startWorker(workersCtx, &workers, outboxWorker.Run)

	consumer, err := startPaymentConsumer(workersCtx, cfg, deps.producer, coordinator, logger)
	if err != nil {
		logger.WithError(err).Warn("payment outcome consumer is disabled")
	}
	defer stopConsumer(consumer, logger)

	grpcServer, grpcHealth := newGRPCServer(logger)

	apiSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Dependencies{
			Lifecycle:    coordinator,
			Reservations: deps.reservations,
			Ledger:       deps.ledger,
			Instruments:  deps.instruments,
			Sweeper:      sweeper,
			SweepSecret:  cfg.SweepSecret,
			Logger:       logger.WithField("layer", "http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http api: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		shutdownHTTP(apiSrv, logger)
		stopGRPC(grpcServer, grpcHealth, logger)
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(apiSrv, logger)
		stopGRPC(grpcServer, grpcHealth, logger)
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func startWorker(ctx context.Context, wg *sync.WaitGroup, run func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		run(ctx)
	}()
}

func newOutboxWorker(cfg Config, deps *runtimeDependencies, logger *log.Entry) *outbox.Worker {
	publisher, dlq := outboxPublishers(deps.producer, logger)

	options := []outbox.Option{
		outbox.WithLogger(logger.WithField("layer", "outbox")),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if dlq != nil {
		options = append(options, outbox.WithDLQPublisher(dlq))
	}
	return outbox.NewWorker(deps.outboxRepo, publisher, options...)
}

// newGRPCServer поднимает gRPC с health и reflection; статус SERVING до остановки.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	return grpcServer, healthServer
}

func stopGRPC(server *grpc.Server, healthServer *health.Server, logger *log.Entry) {
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startMetricsServer запускает /metrics и health-эндпоинты для Prometheus и оркестратора.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(version.Current())
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).WithField("addr", srv.Addr).Warn("http shutdown with error")
	}
}
