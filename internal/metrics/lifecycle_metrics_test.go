package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()

	ch := make(chan prometheus.Metric, 32)
	c.Collect(ch)
	close(ch)

	var total float64
	for m := range ch {
		metric := &dto.Metric{}
		if err := m.Write(metric); err != nil {
			t.Fatalf("failed to write metric: %v", err)
		}
		switch {
		case metric.Counter != nil:
			total += metric.Counter.GetValue()
		case metric.Gauge != nil:
			total += metric.Gauge.GetValue()
		}
	}
	return total
}

func TestNewLifecycleMetrics(t *testing.T) {
	m := NewLifecycleMetrics(prometheus.NewRegistry())

	if m == nil {
		t.Fatal("NewLifecycleMetrics should not return nil")
	}
	if m.checkouts == nil || m.confirmations == nil || m.cancellations == nil || m.transitions == nil {
		t.Fatal("outcome counters should not be nil")
	}
	if m.stepDuration == nil {
		t.Error("stepDuration histogram vec should not be nil")
	}
	if m.inFlight == nil {
		t.Error("inFlight gauge should not be nil")
	}
}

func TestNewLifecycleMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewLifecycleMetrics(reg)
	second := NewLifecycleMetrics(reg)

	first.RecordCheckout(OutcomeSuccess)
	second.RecordCheckout(OutcomeSuccess)

	if got := counterValue(t, first.checkouts.WithLabelValues(OutcomeSuccess)); got != 2 {
		t.Fatalf("expected shared counter value 2, got %f", got)
	}
}

func TestRecordCheckoutOutcomes(t *testing.T) {
	m := NewLifecycleMetrics(prometheus.NewRegistry())

	m.RecordCheckout(OutcomeSuccess)
	m.RecordCheckout(OutcomeReplay)
	m.RecordCheckout("OUT_OF_STOCK")
	m.RecordCheckout("OUT_OF_STOCK")

	if got := counterValue(t, m.checkouts.WithLabelValues("OUT_OF_STOCK")); got != 2 {
		t.Errorf("expected 2 out of stock checkouts, got %f", got)
	}
	if got := counterValue(t, m.checkouts); got != 4 {
		t.Errorf("expected 4 checkouts total, got %f", got)
	}
}

func TestInFlightGauge(t *testing.T) {
	m := NewLifecycleMetrics(prometheus.NewRegistry())

	m.OperationStarted()
	m.OperationStarted()
	m.OperationFinished()

	if got := counterValue(t, m.inFlight); got != 1 {
		t.Errorf("expected in-flight 1, got %f", got)
	}
}

func TestRecordStepDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewLifecycleMetrics(reg)

	m.RecordStepDuration("reserve", 20*time.Millisecond)
	m.RecordStepDuration("reserve", 30*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "oms_lifecycle_step_duration_seconds" {
			continue
		}
		histogram := family.GetMetric()[0].GetHistogram()
		if histogram.GetSampleCount() != 2 {
			t.Fatalf("expected 2 samples, got %d", histogram.GetSampleCount())
		}
		return
	}
	t.Fatal("step duration histogram not gathered")
}

func TestEventCounters(t *testing.T) {
	m := NewLifecycleMetrics(prometheus.NewRegistry())

	m.RecordOutboxEvent()
	m.RecordTimelineEvent()
	m.RecordTimelineEvent()
	m.RecordRetry("reserve")
	m.RecordTransition("paid")

	if got := counterValue(t, m.outboxEvents); got != 1 {
		t.Errorf("expected 1 outbox event, got %f", got)
	}
	if got := counterValue(t, m.timelineEvents); got != 2 {
		t.Errorf("expected 2 timeline events, got %f", got)
	}
	if got := counterValue(t, m.retries); got != 1 {
		t.Errorf("expected 1 retry, got %f", got)
	}
	if got := counterValue(t, m.transitions); got != 1 {
		t.Errorf("expected 1 transition, got %f", got)
	}
}
