package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/oms-lifecycle/internal/httpapi"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/oms-lifecycle/internal/storage/memory"
)

type loadFixture struct {
	server *httptest.Server
	stock  *memory.ReservationStore
}

func newLoadFixture(t *testing.T) *loadFixture {
	t.Helper()

	logger := log.New()
	logger.SetOutput(io.Discard)
	entry := logger.WithField("component", "loadtest-test")

	stock := memory.NewReservationStore()
	ledger := memory.NewLedger()
	instruments := memory.NewInstrumentRepository()

	coordinator, err := lifecycle.NewCoordinator(lifecycle.Dependencies{
		Orders:       memory.NewOrderRepository(),
		Reservations: stock,
		Ledger:       ledger,
		Instruments:  instruments,
		Outbox:       memory.NewOutboxRepository(),
		Timeline:     memory.NewTimelineRepository(),
	}, lifecycle.WithLogger(entry))
	require.NoError(t, err)

	server := httptest.NewServer(httpapi.NewRouter(httpapi.Dependencies{
		Lifecycle:    coordinator,
		Reservations: stock,
		Ledger:       ledger,
		Instruments:  instruments,
		Logger:       entry,
	}))
	t.Cleanup(server.Close)

	return &loadFixture{server: server, stock: stock}
}

func (f *loadFixture) client() *apiClient {
	return &apiClient{
		http:    f.server.Client(),
		baseURL: f.server.URL,
		timeout: 2 * time.Second,
		col:     newCollector(),
	}
}

func testConfig(mode loadMode, total int) config {
	return config{
		total:       total,
		concurrency: 4,
		timeout:     2 * time.Second,
		mode:        mode,
		currency:    "USD",
		sku:         "SKU-LOAD",
		amountMinor: defaultAmount,
		customerTag: "load",
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig(nil)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", cfg.baseURL)
	require.Equal(t, modeCheckout, cfg.mode)
	require.False(t, cfg.totalSet)

	cfg, err = parseConfig([]string{"-url", "http://api:8080/", "-mode", "checkout-pay", "-total", "10", "-fail-rate", "20", "-seed-stock", "50"})
	require.NoError(t, err)
	require.Equal(t, "http://api:8080", cfg.baseURL)
	require.Equal(t, modeCheckoutPay, cfg.mode)
	require.True(t, cfg.totalSet)
	require.Equal(t, 20, cfg.failRate)
	require.Equal(t, int64(50), cfg.seedStock)

	invalid := [][]string{
		{"-mode", "create"},
		{"-url", "not a url"},
		{"-total", "0"},
		{"-duration", "-1s"},
		{"-duration", "1s", "-total", "0"},
		{"-concurrency", "0"},
		{"-timeout", "0s"},
		{"-amount-minor", "0"},
		{"-fail-rate", "101"},
		{"-seed-stock", "-1"},
		{"-currency", "EURO"},
		{"-sku", " "},
		{"-customer-tag", ""},
	}
	for _, args := range invalid {
		_, err := parseConfig(args)
		require.Error(t, err, "args %v", args)
	}
}

func TestShouldFailPayment(t *testing.T) {
	require.False(t, shouldFailPayment(5, 0))
	require.True(t, shouldFailPayment(5, 100))
	require.True(t, shouldFailPayment(4, 20))
	require.False(t, shouldFailPayment(5, 20))

	failed := 0
	for i := range 100 {
		if shouldFailPayment(i, 25) {
			failed++
		}
	}
	require.Equal(t, 25, failed)
}

func TestPercentileAndSummary(t *testing.T) {
	require.Zero(t, percentile(nil, 95))
	require.Equal(t, 7.0, percentile([]float64{7}, 50))
	require.InDelta(t, 2.5, percentile([]float64{1, 2, 3, 4}, 50), 1e-9)

	summary := summarize([]float64{4, 1, 3, 2})
	require.Equal(t, 1.0, summary.Min)
	require.Equal(t, 4.0, summary.Max)
	require.Equal(t, 2.5, summary.Avg)
}

func TestDispatchJobs_CountMode(t *testing.T) {
	jobs := make(chan int, 10)
	dispatchJobs(jobs, config{total: 3})

	var got []int
	for job := range jobs {
		got = append(got, job)
	}
	require.Equal(t, []int{0, 1, 2}, got)
}

func TestDispatchJobs_DurationModeStopsAtTotal(t *testing.T) {
	jobs := make(chan int, 10)
	dispatchJobs(jobs, config{total: 2, totalSet: true, duration: time.Minute})

	count := 0
	for range jobs {
		count++
	}
	require.Equal(t, 2, count)
}

func TestRun_CheckoutPay(t *testing.T) {
	fixture := newLoadFixture(t)
	cfg := testConfig(modeCheckoutPay, 20)
	cfg.seedStock = 20
	cfg.failRate = 25

	var out bytes.Buffer
	result, err := run(cfg, fixture.client(), &out)
	require.NoError(t, err)
	require.Equal(t, int64(20), result.TotalScenarios)
	require.Zero(t, result.FailedScenarios)
	require.Equal(t, int64(20), result.Calls["Checkout"].Statuses["201"])
	require.Equal(t, int64(20), result.Calls["PaymentOutcome"].Success)
	require.Contains(t, out.String(), "mode=checkout-pay")

	// 5 из 20 оплат неуспешны, их удержания сняты.
	level, err := fixture.stock.Stock(t.Context(), "SKU-LOAD")
	require.NoError(t, err)
	require.Equal(t, int64(5), level.OnHand)
	require.Zero(t, level.Reserved)
}

func TestRun_CheckoutCancelReleasesStock(t *testing.T) {
	fixture := newLoadFixture(t)
	cfg := testConfig(modeCheckoutCancel, 8)
	cfg.seedStock = 8

	result, err := run(cfg, fixture.client(), io.Discard)
	require.NoError(t, err)
	require.Zero(t, result.FailedScenarios)
	require.Equal(t, int64(8), result.Calls["CancelOrder"].Success)

	level, err := fixture.stock.Stock(t.Context(), "SKU-LOAD")
	require.NoError(t, err)
	require.Equal(t, int64(8), level.OnHand)
	require.Zero(t, level.Reserved)
}

func TestRun_OutOfStockCountsAsFailure(t *testing.T) {
	fixture := newLoadFixture(t)
	cfg := testConfig(modeCheckout, 5)
	cfg.seedStock = 3

	result, err := run(cfg, fixture.client(), io.Discard)
	require.NoError(t, err)
	require.Equal(t, int64(3), result.SuccessScenarios)
	require.Equal(t, int64(2), result.FailedScenarios)
	require.Equal(t, int64(2), result.Calls["Checkout"].Statuses["409"])
}

func TestRun_SeedFailureStopsRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := &apiClient{http: server.Client(), baseURL: server.URL, timeout: time.Second, col: newCollector()}
	cfg := testConfig(modeCheckout, 1)
	cfg.seedStock = 1

	_, err := run(cfg, client, io.Discard)
	require.Error(t, err)
}

func TestWriteJSONReport(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	result := report{TotalScenarios: 2, Calls: map[string]callReport{"Checkout": {Calls: 2}}}
	require.NoError(t, writeJSONReport("report.json", result))

	raw, err := os.ReadFile(filepath.Join(dir, "report.json"))
	require.NoError(t, err)
	var decoded report
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, int64(2), decoded.TotalScenarios)

	require.Error(t, writeJSONReport(".", result))
	require.Error(t, writeJSONReport("../escape.json", result))
}
