package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
)

// RetryConfig конфигурация повторов вызовов хранилища.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}
}

func (cfg RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	return cfg
}

func (cfg RetryConfig) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * cfg.BackoffFactor)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// Исходы, которые повтор не изменит.
var permanentErrors = []error{
	domain.ErrInsufficientStock,
	domain.ErrReservationNotFound,
	domain.ErrReservationNotActive,
	domain.ErrVariantNotFound,
	domain.ErrOrderNotFound,
	domain.ErrOrderAlreadyExists,
	domain.ErrOrderVersionConflict,
	domain.ErrInvalidTransition,
	domain.ErrInvalidLedgerTransition,
	domain.ErrLedgerEntryNotFound,
	domain.ErrLedgerDetailsInvalid,
	domain.ErrTransactionTypeInvalid,
	domain.ErrEntityIDRequired,
	domain.ErrBudgetExhausted,
	domain.ErrInstrumentNotFound,
	domain.ErrOwnerRequired,
	domain.ErrReservationQtyInvalid,
	domain.ErrVariantRequired,
}

// isTransient сообщает, имеет ли смысл повторить вызов.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	for _, permanent := range permanentErrors {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}

// sleep ждёт delay или отмены контекста.
func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withRetry выполняет fn с экспоненциальной задержкой между попытками.
func (c *Coordinator) withRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	_, err := retryValue(ctx, c, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Вариант withRetry для вызовов, возвращающих значение.
func retryValue[T any](ctx context.Context, c *Coordinator, operation string, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	delay := c.retry.InitialDelay

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				c.logger.WithFields(log.Fields{
					"operation": operation,
					"attempt":   attempt,
				}).Info("storage call succeeded after retry")
			}
			return value, nil
		}
		if !isTransient(err) {
			return zero, err
		}
		lastErr = err

		if attempt == c.retry.MaxAttempts {
			break
		}
		c.logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay,
		}).Warn("storage call failed, retrying")
		if c.metrics != nil {
			c.metrics.RecordRetry(operation)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
		delay = c.retry.next(delay)
	}

	c.logger.WithError(lastErr).WithFields(log.Fields{
		"operation":    operation,
		"max_attempts": c.retry.MaxAttempts,
	}).Error("storage call failed after all retry attempts")
	return zero, fmt.Errorf("%w: %s: %w", ErrTransient, operation, lastErr)
}
