package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus-enricher/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{QueueBacklogThreshold: 100})

	alerts := a.Evaluate(&MetricsSnapshot{Pending: 3, Processing: 1, Completed: 40, QueueDepth: 20})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_StaleBatches(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	hb := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	alerts := a.Evaluate(&MetricsSnapshot{
		StaleAfter: 15 * time.Minute,
		Stale: []StaleBatch{
			{ID: "b1", JobID: "job", BatchNumber: 1, HeartbeatAt: &hb, CurrentItem: "item-9"},
			{ID: "b2", JobID: "job", BatchNumber: 2},
		},
	})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertStaleBatch, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "enricher reset --batch b1")
	assert.Equal(t, "2026-01-02T03:04:05Z", alerts[0].Details["heartbeat_at"])
	assert.Equal(t, "item-9", alerts[0].Details["current_item"])
	assert.NotContains(t, alerts[1].Details, "heartbeat_at")
}

func TestAlerter_Evaluate_FailedBatches(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	alerts := a.Evaluate(&MetricsSnapshot{Failed: 3, Completed: 7, FailedItems: 12})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailedBatch, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "3 batch(es)")
	assert.Equal(t, 12, alerts[0].Details["failed_items"])
}

func TestAlerter_Evaluate_QueueBacklog(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{QueueBacklogThreshold: 10})
	alerts := a.Evaluate(&MetricsSnapshot{QueueDepth: 11})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertQueueBacklog, alerts[0].Type)

	// Zero threshold disables the check.
	a = NewAlerter(config.MonitoringConfig{})
	assert.Empty(t, a.Evaluate(&MetricsSnapshot{QueueDepth: 10000}))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertStaleBatch, Severity: "high", Message: "test alert 1"},
		{Type: AlertFailedBatch, Severity: "medium", Message: "test alert 2"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertFailedBatch, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	a.client.RetryWaitMin = time.Millisecond
	a.client.RetryWaitMax = time.Millisecond

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertFailedBatch, Message: "test"}})
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(3), calls.Load(), "one try plus two retries")
}
