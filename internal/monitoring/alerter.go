package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-enricher/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertStaleBatch   AlertType = "stale_batch"
	AlertFailedBatch  AlertType = "failed_batch"
	AlertQueueBacklog AlertType = "queue_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot and sends alerts via webhook. It only
// reports; batch rows are never modified here.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *retryablehttp.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	rc.Logger = nil
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Alerter{cfg: cfg, client: rc}
}

// Evaluate returns one alert per stale batch, one for failed batches and
// one for a backlog over the configured threshold.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, s := range snap.Stale {
		details := map[string]any{
			"batch_id":     s.ID,
			"job_id":       s.JobID,
			"batch_number": s.BatchNumber,
		}
		if s.HeartbeatAt != nil {
			details["heartbeat_at"] = s.HeartbeatAt.Format(time.RFC3339)
		}
		if s.CurrentItem != "" {
			details["current_item"] = s.CurrentItem
		}
		alerts = append(alerts, Alert{
			Type:     AlertStaleBatch,
			Severity: "high",
			Message: fmt.Sprintf(
				"Batch %d of job %s has not heartbeat in %s; it stays processing until reset with `enricher reset --batch %s`",
				s.BatchNumber, s.JobID, snap.StaleAfter, s.ID,
			),
			Details:   details,
			Timestamp: now,
		})
	}

	if snap.Failed > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertFailedBatch,
			Severity: "medium",
			Message:  fmt.Sprintf("%d batch(es) failed and await operator reset", snap.Failed),
			Details: map[string]any{
				"failed":       snap.Failed,
				"completed":    snap.Completed,
				"failed_items": snap.FailedItems,
			},
			Timestamp: now,
		})
	}

	if a.cfg.QueueBacklogThreshold > 0 && snap.QueueDepth > a.cfg.QueueBacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertQueueBacklog,
			Severity: "medium",
			Message: fmt.Sprintf("Dispatch queue depth %d exceeds threshold %d",
				snap.QueueDepth, a.cfg.QueueBacklogThreshold),
			Details: map[string]any{
				"depth":     snap.QueueDepth,
				"threshold": a.cfg.QueueBacklogThreshold,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
