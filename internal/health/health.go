// Package health отдаёт liveness/readiness probes и сводный отчёт о зависимостях.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status представляет статус компонента
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const defaultCheckTimeout = 2 * time.Second

// Check содержит результат проверки одного компонента.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Critical   bool   `json:"critical"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response представляет ответ health check
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// CheckFunc проверяет доступность зависимости.
type CheckFunc func(ctx context.Context) error

type registration struct {
	check    CheckFunc
	critical bool
}

// Handler обрабатывает health check запросы.
// Отказ критичной зависимости (БД) делает сервис unhealthy, остальных только degraded.
type Handler struct {
	mu        sync.RWMutex
	checks    map[string]registration
	version   string
	timeout   time.Duration
	startTime time.Time
}

// NewHandler создаёт новый health handler
func NewHandler(version string) *Handler {
	return &Handler{
		checks:    make(map[string]registration),
		version:   version,
		timeout:   defaultCheckTimeout,
		startTime: time.Now(),
	}
}

// Register добавляет проверку зависимости.
func (h *Handler) Register(name string, critical bool, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registration{check: check, critical: critical}
}

// Run выполняет все проверки параллельно с общим таймаутом.
func (h *Handler) Run(ctx context.Context) Response {
	h.mu.RLock()
	registered := make(map[string]registration, len(h.checks))
	for name, reg := range h.checks {
		registered[name] = reg
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]Check, len(registered))
	)
	for name, reg := range registered {
		wg.Add(1)
		go func() {
			defer wg.Done()
			check := runCheck(ctx, name, reg)
			mu.Lock()
			checks[name] = check
			mu.Unlock()
		}()
	}
	wg.Wait()

	return Response{
		Status:        overall(checks),
		Timestamp:     time.Now().UTC(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
}

func runCheck(ctx context.Context, name string, reg registration) Check {
	start := time.Now()
	err := reg.check(ctx)
	check := Check{
		Name:       name,
		Status:     StatusHealthy,
		Critical:   reg.critical,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		check.Message = err.Error()
		check.Status = StatusDegraded
		if reg.critical {
			check.Status = StatusUnhealthy
		}
	}
	return check
}

func overall(checks map[string]Check) Status {
	status := StatusHealthy
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// ServeHTTP отдаёт полный отчёт (/healthz).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Run(r.Context())

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler простой liveness probe (всегда возвращает 200)
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler возвращает 503, пока недоступна хотя бы одна критичная зависимость (/readyz).
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Run(r.Context())
	if response.Status == StatusUnhealthy {
		failed := make([]string, 0)
		for name, check := range response.Checks {
			if check.Status == StatusUnhealthy {
				failed = append(failed, name)
			}
		}
		sort.Strings(failed)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "not ready", "failed": failed})
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
