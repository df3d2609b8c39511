package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/app"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/version"
)

const (
	envHTTPAddr            = "OMS_HTTP_ADDR"
	envGRPCAddr            = "OMS_GRPC_ADDR"
	envMetricsAddr         = "OMS_METRICS_ADDR"
	envStorageDriver       = "OMS_STORAGE_DRIVER"
	envPostgresDSN         = "OMS_POSTGRES_DSN"
	envPostgresAutoMigrate = "OMS_POSTGRES_AUTO_MIGRATE"
	envReservationHold     = "OMS_RESERVATION_HOLD"
	envSweepInterval       = "OMS_SWEEP_INTERVAL"
	envSweepBatchSize      = "OMS_SWEEP_BATCH_SIZE"
	envSweepSecret         = "OMS_SWEEP_SECRET"
	envRedisAddr           = "OMS_REDIS_ADDR"
	envKafkaBrokers        = "OMS_KAFKA_BROKERS"
	envOutboxPollInterval  = "OMS_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize     = "OMS_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts   = "OMS_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay    = "OMS_OUTBOX_RETRY_DELAY"
	envLogLevel            = "OMS_LOG_LEVEL"
)

type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) []string {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	raw, ok := lookup(envLogLevel)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	level, err := log.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		return []string{fmt.Sprintf("%s=%q ignored: %v", envLogLevel, raw, err)}
	}
	log.SetLevel(level)
	return nil
}

// readConfigFromEnv собирает конфигурацию из окружения.
// Некорректные значения не останавливают старт: остаётся значение по умолчанию и предупреждение.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string

	warn := func(key, raw string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", key, raw, err))
	}
	positiveInt := func(v int) bool { return v > 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }

	readString(lookup, envHTTPAddr, &cfg.HTTPAddr)
	readString(lookup, envGRPCAddr, &cfg.GRPCAddr)
	readString(lookup, envMetricsAddr, &cfg.MetricsAddr)
	readString(lookup, envPostgresDSN, &cfg.PostgresDSN)
	readString(lookup, envSweepSecret, &cfg.SweepSecret)
	readString(lookup, envRedisAddr, &cfg.RedisAddr)
	readString(lookup, envKafkaBrokers, &cfg.KafkaBrokers)
	if readString(lookup, envStorageDriver, &cfg.StorageDriver) {
		cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	}

	if raw, ok := lookup(envPostgresAutoMigrate); ok {
		if value, err := parseBool(raw); err != nil {
			warn(envPostgresAutoMigrate, raw, err)
		} else {
			cfg.PostgresAutoMigrate = value
		}
	}

	durations := []struct {
		key    string
		dest   *time.Duration
		valid  func(time.Duration) bool
		reason string
	}{
		{envReservationHold, &cfg.ReservationHold, positiveDuration, "must be > 0"},
		{envSweepInterval, &cfg.SweepInterval, positiveDuration, "must be > 0"},
		{envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0"},
		{envOutboxRetryDelay, &cfg.OutboxRetryDelay, func(v time.Duration) bool { return v >= 0 }, "must be >= 0"},
	}
	for _, d := range durations {
		raw, ok := lookup(d.key)
		if !ok {
			continue
		}
		value, err := parseDuration(raw, d.valid, d.reason)
		if err != nil {
			warn(d.key, raw, err)
			continue
		}
		*d.dest = value
	}

	ints := []struct {
		key  string
		dest *int
	}{
		{envSweepBatchSize, &cfg.SweepBatchSize},
		{envOutboxBatchSize, &cfg.OutboxBatchSize},
		{envOutboxMaxAttempts, &cfg.OutboxMaxAttempts},
	}
	for _, i := range ints {
		raw, ok := lookup(i.key)
		if !ok {
			continue
		}
		value, err := parseInt(raw, positiveInt, "must be > 0")
		if err != nil {
			warn(i.key, raw, err)
			continue
		}
		*i.dest = value
	}

	return cfg, warnings
}

// readString перезаписывает dest непустым значением переменной.
func readString(lookup envLookup, key string, dest *string) bool {
	raw, ok := lookup(key)
	if !ok {
		return false
	}
	value := strings.TrimSpace(raw)
	if value == "" {
		return false
	}
	*dest = value
	return true
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, reason string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(value) {
		return 0, errors.New(reason)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, reason string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(value) {
		return 0, errors.New(reason)
	}
	return value, nil
}

func main() {
	// .env необязателен: в контейнере переменные приходят из окружения.
	envErr := godotenv.Load()

	warnings := setupLogger(os.LookupEnv)
	cfg, cfgWarnings := readConfigFromEnv(os.LookupEnv)
	warnings = append(warnings, cfgWarnings...)

	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		log.WithError(envErr).Warn("failed to load .env")
	}
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":        version.String(),
		"http_addr":      cfg.HTTPAddr,
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"kafka":          cfg.KafkaBrokers != "",
		"redis":          cfg.RedisAddr != "",
	}).Info("запускаем order lifecycle service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("order lifecycle service остановлен")
}
