package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/oms-lifecycle/internal/health"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/reservation"
)

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("test", "app")
}

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
	}, quietLogger())
	if err != nil {
		t.Fatalf("initRuntimeDependencies(memory) failed: %v", err)
	}
	defer deps.close(quietLogger())

	if deps.orders == nil || deps.reservations == nil || deps.ledger == nil {
		t.Fatal("core stores should not be nil for memory storage")
	}
	if deps.instruments == nil || deps.outboxRepo == nil || deps.timelineRepo == nil {
		t.Fatal("auxiliary stores should not be nil for memory storage")
	}
	if deps.store != nil {
		t.Fatal("postgres store must not be opened for memory storage")
	}
	if _, ok := deps.sweepLock.(*reservation.RedisLock); ok {
		t.Fatal("expected local sweep lock without redis")
	}
	if deps.producer != nil || deps.kafkaErr != nil {
		t.Fatal("kafka must stay disabled without brokers")
	}
}

func TestInitRuntimeDependencies_EmptyDriverFallsBackToMemory(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{}, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deps.orders == nil {
		t.Fatal("orders should be initialized")
	}
}

func TestInitRuntimeDependencies_IndependentInstances(t *testing.T) {
	t.Parallel()

	deps1, err := initRuntimeDependencies(context.Background(), Config{}, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deps2, err := initRuntimeDependencies(context.Background(), Config{}, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deps1.orders == deps2.orders {
		t.Error("order repositories should be independent")
	}
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverPostgres,
	}, quietLogger())
	if err == nil {
		t.Fatal("expected error when postgres driver is selected without DSN")
	}
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: "sqlite",
	}, quietLogger())
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestInitRuntimeDependencies_RedisLock(t *testing.T) {
	t.Parallel()

	// Клиент подключается лениво, поэтому адрес может быть недоступен.
	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
		RedisAddr:     "127.0.0.1:1",
	}, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer deps.close(quietLogger())

	if deps.redis == nil {
		t.Fatal("expected redis client")
	}
	if _, ok := deps.sweepLock.(*reservation.RedisLock); !ok {
		t.Fatalf("expected redis sweep lock, got %T", deps.sweepLock)
	}

	handler := healthcheck.NewHandler("test")
	registerHealthChecks(handler, deps)
	response := handler.Run(context.Background())
	if response.Status != healthcheck.StatusDegraded {
		t.Fatalf("unreachable redis should degrade health, got %s", response.Status)
	}
	if _, ok := response.Checks["redis"]; !ok {
		t.Fatal("expected redis check to be registered")
	}
}

func TestRegisterHealthChecks_KafkaFailureDegrades(t *testing.T) {
	t.Parallel()

	handler := healthcheck.NewHandler("test")
	registerHealthChecks(handler, &runtimeDependencies{kafkaErr: errors.New("no brokers")})

	response := handler.Run(context.Background())
	if response.Status != healthcheck.StatusDegraded {
		t.Fatalf("expected degraded status, got %s", response.Status)
	}
	check := response.Checks["kafka"]
	if check.Critical {
		t.Error("kafka check must not be critical")
	}
	if check.Message != "no brokers" {
		t.Errorf("unexpected check message %q", check.Message)
	}
}

func TestRegisterHealthChecks_MemoryIsHealthy(t *testing.T) {
	t.Parallel()

	handler := healthcheck.NewHandler("test")
	registerHealthChecks(handler, &runtimeDependencies{})

	if status := handler.Run(context.Background()).Status; status != healthcheck.StatusHealthy {
		t.Fatalf("expected healthy status, got %s", status)
	}
}

func TestRuntimeDependencies_CloseInReverseOrder(t *testing.T) {
	t.Parallel()

	var order []string
	deps := &runtimeDependencies{closers: []func() error{
		func() error { order = append(order, "store"); return nil },
		func() error { order = append(order, "redis"); return errors.New("redis close failed") },
		func() error { order = append(order, "kafka"); return nil },
	}}

	deps.close(quietLogger())
	deps.close(quietLogger())

	if strings.Join(order, ",") != "kafka,redis,store" {
		t.Fatalf("unexpected close order: %v", order)
	}
}

func TestSplitBrokers(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		raw  string
		want int
	}{
		{raw: "", want: 0},
		{raw: " , ", want: 0},
		{raw: "broker1:9092", want: 1},
		{raw: "broker1:9092, broker2:9092,,broker3:9092", want: 3},
	}
	for _, tc := range testCases {
		if got := splitBrokers(tc.raw); len(got) != tc.want {
			t.Errorf("splitBrokers(%q) = %v, want %d items", tc.raw, got, tc.want)
		}
	}
	if got := splitBrokers(" a:1 ,b:2"); got[0] != "a:1" || got[1] != "b:2" {
		t.Errorf("brokers must be trimmed, got %v", got)
	}
}
