// Command loadtest нагружает HTTP API сценариями оформления, оплаты и отмены заказов.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	idempotencyHeader = "Idempotency-Key"
	defaultAmount     = int64(1000)
	defaultQty        = int32(1)
)

type loadMode string

const (
	modeCheckout       loadMode = "checkout"
	modeCheckoutPay    loadMode = "checkout-pay"
	modeCheckoutCancel loadMode = "checkout-cancel"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	failRate    int
	seedStock   int64
	currency    string
	sku         string
	amountMinor int64
	customerTag string
	outputPath  string
}

func parseConfig(args []string) (config, error) {
	cfg := config{}
	var modeValue string

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "HTTP API base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCheckout), "load mode: checkout | checkout-pay | checkout-cancel")
	fs.IntVar(&cfg.failRate, "fail-rate", 0, "share of failed payments in percent for checkout-pay mode (0..100)")
	fs.Int64Var(&cfg.seedStock, "seed-stock", 0, "units to receive for the sku before the run (0 = skip)")
	fs.StringVar(&cfg.currency, "currency", "USD", "order currency")
	fs.StringVar(&cfg.sku, "sku", "SKU-LOAD", "variant id of the single order line")
	fs.Int64Var(&cfg.amountMinor, "amount-minor", defaultAmount, "line price in minor units")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "customer id prefix")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	if _, err := url.ParseRequestURI(cfg.baseURL); err != nil {
		return cfg, fmt.Errorf("invalid url: %w", err)
	}
	cfg.baseURL = strings.TrimRight(cfg.baseURL, "/")

	switch {
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.amountMinor <= 0:
		return cfg, errors.New("amount-minor must be > 0")
	case cfg.failRate < 0 || cfg.failRate > 100:
		return cfg, errors.New("fail-rate must be between 0 and 100")
	case cfg.seedStock < 0:
		return cfg, errors.New("seed-stock must be >= 0")
	case len(strings.TrimSpace(cfg.currency)) != 3:
		return cfg, errors.New("currency must be a 3-letter code")
	case strings.TrimSpace(cfg.sku) == "":
		return cfg, errors.New("sku is required")
	case strings.TrimSpace(cfg.customerTag) == "":
		return cfg, errors.New("customer-tag is required")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeCheckout, modeCheckoutPay, modeCheckoutCancel:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

// Тонкий клиент HTTP API, который пишет каждый вызов в collector.
type apiClient struct {
	http    *http.Client
	baseURL string
	timeout time.Duration
	col     *collector
}

type orderRef struct {
	Order struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"order"`
}

func (c *apiClient) call(name, method, path string, body any, headers map[string]string, out any) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.col.record(name, time.Since(start), "transport_error", false)
		return err
	}
	defer resp.Body.Close()

	ok := resp.StatusCode < http.StatusBadRequest
	c.col.record(name, time.Since(start), strconv.Itoa(resp.StatusCode), ok)
	if !ok {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *apiClient) seedStock(sku string, qty int64) error {
	return c.call("ReceiveStock", http.MethodPost, "/v1/stock/"+url.PathEscape(sku)+"/receipts",
		map[string]int64{"qty": qty}, nil, nil)
}

func runScenario(client *apiClient, cfg config, index int, runID string) error {
	start := time.Now()
	var scenarioErr error
	defer func() {
		status := "ok"
		if scenarioErr != nil {
			status = "failed"
		}
		client.col.record(scenarioMetric, time.Since(start), status, scenarioErr == nil)
	}()

	checkout := map[string]any{
		"customer_id": fmt.Sprintf("%s-%s-%d", cfg.customerTag, runID, index),
		"currency":    cfg.currency,
		"lines": []map[string]any{
			{"variant_id": cfg.sku, "qty": defaultQty, "price_minor": cfg.amountMinor},
		},
	}
	headers := map[string]string{idempotencyHeader: fmt.Sprintf("lt-checkout-%s-%d", runID, index)}

	var created orderRef
	if scenarioErr = client.call("Checkout", http.MethodPost, "/v1/checkout", checkout, headers, &created); scenarioErr != nil {
		return scenarioErr
	}
	orderID := created.Order.ID
	if orderID == "" {
		scenarioErr = errors.New("checkout response returned empty order id")
		return scenarioErr
	}
	orderPath := "/v1/orders/" + url.PathEscape(orderID)

	switch cfg.mode {
	case modeCheckoutPay:
		success := !shouldFailPayment(index, cfg.failRate)
		scenarioErr = client.call("PaymentOutcome", http.MethodPost, orderPath+"/payment",
			map[string]bool{"success": success}, nil, nil)
	case modeCheckoutCancel:
		scenarioErr = client.call("CancelOrder", http.MethodPost, orderPath+"/cancel",
			map[string]string{"reason": "load-cancel"}, nil, nil)
	}
	return scenarioErr
}

// shouldFailPayment равномерно распределяет отказы: на любых 100 подряд идущих
// сценариях их ровно failRate.
func shouldFailPayment(index, failRate int) bool {
	if failRate <= 0 {
		return false
	}
	if failRate >= 100 {
		return true
	}
	return (index+1)*failRate/100 > index*failRate/100
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()
	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}
		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func run(cfg config, client *apiClient, out io.Writer) (report, error) {
	if cfg.seedStock > 0 {
		if err := client.seedStock(cfg.sku, cfg.seedStock); err != nil {
			return report{}, fmt.Errorf("seed stock: %w", err)
		}
	}

	startedAt := time.Now()
	runID := strconv.FormatInt(startedAt.UnixNano(), 36)
	jobs := make(chan int, cfg.concurrency*2)

	var wg sync.WaitGroup
	for range cfg.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				_ = runScenario(client, cfg, index, runID)
			}
		}()
	}
	dispatchJobs(jobs, cfg)
	wg.Wait()

	result := client.col.buildReport(startedAt, time.Since(startedAt))
	printReport(out, result, cfg)
	return result, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	client := &apiClient{
		http: &http.Client{Transport: &http.Transport{
			MaxIdleConns:        cfg.concurrency,
			MaxIdleConnsPerHost: cfg.concurrency,
		}},
		baseURL: cfg.baseURL,
		timeout: cfg.timeout,
		col:     newCollector(),
	}

	result, err := run(cfg, client, os.Stdout)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}
