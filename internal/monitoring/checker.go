package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/corpus-enricher/internal/config"
)

// Checker runs periodic alert checks in the background. A stale batch is
// reported once per stale episode and failed batches only when their count
// grows, so a wedged batch does not page on every tick.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	reported   map[string]bool
	lastFailed int
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		reported:  make(map[string]bool),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Duration("stale_after", c.staleAfter()),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) staleAfter() time.Duration {
	if d := c.cfg.StaleAfter(); d > 0 {
		return d
	}
	return 15 * time.Minute
}

// check runs one collect/evaluate/send cycle and returns the alerts it
// decided to send.
func (c *Checker) check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx, c.staleAfter())
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}

	alerts := c.filterNew(snap, c.alerter.Evaluate(snap))
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered",
			zap.Int("processing", snap.Processing),
			zap.Int("pending", snap.Pending),
		)
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}

func (c *Checker) filterNew(snap *MetricsSnapshot, alerts []Alert) []Alert {
	stillStale := make(map[string]bool, len(snap.Stale))
	for _, s := range snap.Stale {
		stillStale[s.ID] = true
	}
	for id := range c.reported {
		if !stillStale[id] {
			delete(c.reported, id)
		}
	}

	out := alerts[:0]
	for _, a := range alerts {
		switch a.Type {
		case AlertStaleBatch:
			id, _ := a.Details["batch_id"].(string)
			if c.reported[id] {
				continue
			}
			c.reported[id] = true
		case AlertFailedBatch:
			if snap.Failed <= c.lastFailed {
				continue
			}
		}
		out = append(out, a)
	}
	c.lastFailed = snap.Failed
	return out
}
