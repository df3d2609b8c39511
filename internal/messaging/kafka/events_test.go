package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParsePaymentOutcome(t *testing.T) {
	event, err := ParsePaymentOutcome([]byte(`{"event_id":"e-1","order_id":"o-1","result":" Failed ","reason":"declined","occurred_at":"2026-03-02T10:00:00Z"}`))
	require.NoError(t, err)
	require.Equal(t, PaymentFailed, event.Result)
	require.False(t, event.Succeeded())
	require.Equal(t, "declined", event.Reason)
	require.True(t, event.OccurredAt.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)))

	_, err = ParsePaymentOutcome([]byte(`{"event_id":"e-1","result":"succeeded"}`))
	require.ErrorContains(t, err, "OrderID")

	_, err = ParsePaymentOutcome([]byte(`not json`))
	require.ErrorContains(t, err, "unmarshal")
}

func TestParseOrderEvent(t *testing.T) {
	envelope, err := ParseOrderEvent([]byte(`{"id":"m-1","aggregate_type":"order","aggregate_id":"o-1","event_type":"OrderCreated","payload":{"status":"pending"}}`))
	require.NoError(t, err)
	require.Equal(t, "o-1", envelope.AggregateID)
	require.JSONEq(t, `{"status":"pending"}`, string(envelope.Payload))

	_, err = ParseOrderEvent([]byte(`{`))
	require.Error(t, err)
}
