// Package httpapi реализует HTTP API жизненного цикла заказа: оформление, оплата, отмена,
// переходы исполнения, остатки, дисконтные инструменты и ручной запуск планировщика.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/reservation"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxBodyBytes          = 1 << 20
	// Заголовок с секретом для ручного запуска планировщика.
	SweepSecretHeader = "X-Sweep-Secret"
	// Альтернатива полю checkout_key в теле запроса.
	IdempotencyKeyHeader = "Idempotency-Key"
)

// Lifecycle — операции координатора, доступные через HTTP.
type Lifecycle interface {
	Checkout(ctx context.Context, req lifecycle.CheckoutRequest) (lifecycle.CheckoutResult, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error)
	HandlePaymentOutcome(ctx context.Context, orderID string, success bool) (domain.Order, error)
	Cancel(ctx context.Context, orderID, reason string) (domain.Order, error)
	Transition(ctx context.Context, orderID string, to domain.OrderStatus) (domain.Order, error)
}

// Sweeper — ручной запуск прохода по просроченным резервам.
type Sweeper interface {
	RunOnce(ctx context.Context) (reservation.SweepResult, error)
}

// Dependencies — сервисы и хранилища, которые обслуживает API.
type Dependencies struct {
	Lifecycle    Lifecycle
	Reservations domain.ReservationStore
	Ledger       domain.Ledger
	Instruments  domain.InstrumentRepository
	Sweeper      Sweeper
	// Пустое значение отключает ручной запуск.
	SweepSecret string
	Logger      *log.Entry
	// Ограничение на обработку одного запроса.
	Timeout time.Duration
}

// Server обрабатывает HTTP-запросы.
type Server struct {
	lifecycle    Lifecycle
	reservations domain.ReservationStore
	ledger       domain.Ledger
	instruments  domain.InstrumentRepository
	sweeper      Sweeper
	sweepSecret  string
	logger       *log.Entry
}

// NewRouter собирает chi-роутер с middleware и маршрутами API.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	s := &Server{
		lifecycle:    deps.Lifecycle,
		reservations: deps.Reservations,
		ledger:       deps.Ledger,
		instruments:  deps.Instruments,
		sweeper:      deps.Sweeper,
		sweepSecret:  deps.SweepSecret,
		logger:       logger,
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(logger),
		middleware.Recoverer,
		middleware.Timeout(timeout),
	)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/checkout", s.checkout)

		r.Route("/orders/{orderID}", func(r chi.Router) {
			r.Get("/", s.getOrder)
			r.Get("/timeline", s.getTimeline)
			r.Get("/ledger", s.getLedger)
			r.Get("/reservations", s.getReservations)
			r.Post("/payment", s.paymentOutcome)
			r.Post("/cancel", s.cancelOrder)
			r.Post("/transitions", s.transitionOrder)
		})

		r.Route("/stock/{variantID}", func(r chi.Router) {
			r.Get("/", s.getStock)
			r.Post("/receipts", s.receiveStock)
		})

		r.Put("/instruments/{type}/{code}", s.upsertInstrument)

		r.Post("/admin/reservations/sweep", s.triggerSweep)
	})

	return r
}

// requestLogger пишет одну строку на запрос через logrus.
func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(started).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			if status >= http.StatusInternalServerError {
				entry.Warn("http request failed")
				return
			}
			entry.Debug("http request")
		})
	}
}
