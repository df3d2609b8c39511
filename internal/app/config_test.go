package app

import (
	"testing"
	"time"
)

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected HTTPAddr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":50051" {
		t.Errorf("expected GRPCAddr :50051, got %s", cfg.GRPCAddr)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("expected MetricsAddr :9090, got %s", cfg.MetricsAddr)
	}
	if cfg.StorageDriver != StorageDriverMemory {
		t.Errorf("expected StorageDriver %s, got %s", StorageDriverMemory, cfg.StorageDriver)
	}
	if !cfg.PostgresAutoMigrate {
		t.Error("expected PostgresAutoMigrate to be true")
	}
	if cfg.ReservationHold != 15*time.Minute {
		t.Errorf("expected ReservationHold 15m, got %s", cfg.ReservationHold)
	}
	if cfg.SweepInterval <= 0 {
		t.Error("expected SweepInterval to be > 0")
	}
	if cfg.SweepBatchSize <= 0 {
		t.Error("expected SweepBatchSize to be > 0")
	}
	if cfg.SweepSecret != "" {
		t.Error("manual sweep must be disabled by default")
	}
	if cfg.RedisAddr != "" || cfg.KafkaBrokers != "" {
		t.Error("optional integrations must be disabled by default")
	}
	if cfg.OutboxPollInterval <= 0 {
		t.Error("expected OutboxPollInterval to be > 0")
	}
	if cfg.OutboxBatchSize <= 0 {
		t.Error("expected OutboxBatchSize to be > 0")
	}
	if cfg.OutboxMaxAttempts <= 0 {
		t.Error("expected OutboxMaxAttempts to be > 0")
	}
	if cfg.OutboxRetryDelay < 0 {
		t.Error("expected OutboxRetryDelay to be >= 0")
	}
}

func TestConfig_Comparison(t *testing.T) {
	cfg1 := DefaultConfig()
	cfg2 := DefaultConfig()

	if cfg1 != cfg2 {
		t.Error("two DefaultConfig instances should be equal")
	}

	cfg2.SweepSecret = "s3cret"
	if cfg1 == cfg2 {
		t.Error("modified config should not be equal to original")
	}
}

func TestConfig_Copy(t *testing.T) {
	original := DefaultConfig()
	changed := original
	changed.HTTPAddr = ":18080"

	if original.HTTPAddr != ":8080" {
		t.Error("original config was modified")
	}
}
