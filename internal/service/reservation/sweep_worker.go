// Package reservation содержит планировщик, снимающий просроченные удержания остатков.
package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
)

const (
	defaultSweepInterval  = 2 * time.Minute
	defaultSweepBatchSize = 500
)

var (
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oms_reservation_sweep_runs_total",
		Help: "Total number of reservation sweep runs grouped by result.",
	}, []string{"result"})
	sweepExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oms_reservation_sweep_expired_total",
		Help: "Total number of reservations expired by the sweeper.",
	})
	sweepLastExpired = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oms_reservation_sweep_last_expired",
		Help: "Number of reservations expired during the last sweep run.",
	})
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oms_reservation_sweep_duration_seconds",
		Help:    "Duration of reservation sweep runs in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

// SweepOptions задаёт параметры планировщика.
type SweepOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
	Lock      Lock
	Clock     func() time.Time
}

// SweepOption настраивает SweepWorker.
type SweepOption func(*SweepOptions)

// WithLogger задаёт logger для планировщика.
func WithLogger(logger *log.Entry) SweepOption {
	return func(opts *SweepOptions) {
		opts.Logger = logger
	}
}

// WithInterval задаёт интервал между проходами.
func WithInterval(interval time.Duration) SweepOption {
	return func(opts *SweepOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize задаёт размер batch для одного SweepExpired.
func WithBatchSize(batchSize int) SweepOption {
	return func(opts *SweepOptions) {
		opts.BatchSize = batchSize
	}
}

// WithLock задаёт блокировку между экземплярами сервиса.
func WithLock(lock Lock) SweepOption {
	return func(opts *SweepOptions) {
		opts.Lock = lock
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) SweepOption {
	return func(opts *SweepOptions) {
		opts.Clock = now
	}
}

// SweepResult содержит итог одного прохода.
type SweepResult struct {
	Expired int
	// Проход выполняет другой экземпляр.
	Skipped bool
}

// SweepWorker периодически переводит просроченные активные резервы в expired.
// Проход идемпотентен; блокировка лишь избавляет экземпляры от лишней работы.
type SweepWorker struct {
	store     domain.ReservationStore
	lock      Lock
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewSweepWorker создаёт планировщик.
func NewSweepWorker(store domain.ReservationStore, options ...SweepOption) *SweepWorker {
	opts := SweepOptions{
		Interval:  defaultSweepInterval,
		BatchSize: defaultSweepBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "reservation-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatchSize
	}
	if opts.Lock == nil {
		opts.Lock = NewLocalLock()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &SweepWorker{
		store:     store,
		lock:      opts.Lock,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		now:       opts.Clock,
	}
}

// Run запускает периодические проходы до отмены ctx.
func (w *SweepWorker) Run(ctx context.Context) {
	if w.store == nil {
		w.logger.Warn("reservation sweeper is disabled: store is nil")
		return
	}

	w.tick(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *SweepWorker) tick(ctx context.Context) {
	if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.WithError(err).Warn("reservation sweep run failed")
	}
}

// RunOnce выполняет один проход под блокировкой. Используется тикером и HTTP-триггером.
func (w *SweepWorker) RunOnce(ctx context.Context) (SweepResult, error) {
	acquired, err := w.lock.Acquire(ctx)
	if err != nil {
		sweepRunsTotal.WithLabelValues("error").Inc()
		return SweepResult{}, err
	}
	if !acquired {
		sweepRunsTotal.WithLabelValues("skipped").Inc()
		w.logger.Debug("reservation sweep skipped: lock held elsewhere")
		return SweepResult{Skipped: true}, nil
	}
	defer func() {
		if err := w.lock.Release(context.WithoutCancel(ctx)); err != nil {
			w.logger.WithError(err).Warn("release sweep lock failed")
		}
	}()

	started := time.Now()
	expired, err := w.Sweep(ctx, w.now())
	sweepDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			sweepRunsTotal.WithLabelValues("error").Inc()
		}
		return SweepResult{Expired: expired}, err
	}

	sweepRunsTotal.WithLabelValues("ok").Inc()
	sweepLastExpired.Set(float64(expired))
	if expired > 0 {
		w.logger.WithField("expired", expired).Info("reservation sweep completed")
	}
	return SweepResult{Expired: expired}, nil
}

// Sweep переводит в expired все резервы с expires_at <= now порциями batchSize.
func (w *SweepWorker) Sweep(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = w.now()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		expired, err := w.store.SweepExpired(ctx, now, w.batchSize)
		if err != nil {
			return total, err
		}

		total += expired
		if expired > 0 {
			sweepExpiredTotal.Add(float64(expired))
		}

		if expired < w.batchSize {
			break
		}
	}

	return total, nil
}
