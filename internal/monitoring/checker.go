package monitoring

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/account-engine/internal/config"
)

// Checker runs one collect, evaluate and send pass per call. It suppresses
// an alert while the condition that raised it is unchanged.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu     sync.Mutex
	active map[AlertType]string
}

// NewChecker creates an alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	if cfg.LookbackWindowHours <= 0 {
		cfg.LookbackWindowHours = 1
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		active:    make(map[AlertType]string),
	}
}

// Check collects a snapshot, evaluates it and sends new alerts. It returns
// the snapshot and the alerts that were raised for the first time.
func (c *Checker) Check(ctx context.Context) (*PoolSnapshot, []Alert, error) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect pool snapshot", zap.Error(err))
		return nil, nil, err
	}

	fresh := c.dedupe(c.alerter.Evaluate(snap))
	if len(fresh) == 0 {
		log.Debug("monitoring: no new alerts",
			zap.Int("total", snap.Total),
			zap.Float64("active_fraction", snap.ActiveFraction),
		)
		return snap, nil, nil
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(fresh)),
		zap.Int("alerts_sent", sent),
	)
	return snap, fresh, nil
}

// dedupe drops alerts whose fingerprint matches the previous pass and
// forgets conditions that cleared.
func (c *Checker) dedupe(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[AlertType]string, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		fp := fingerprint(a)
		seen[a.Type] = fp
		if c.active[a.Type] != fp {
			fresh = append(fresh, a)
		}
	}
	c.active = seen
	return fresh
}

func fingerprint(a Alert) string {
	switch a.Type {
	case AlertManualIntervention, AlertBanWave:
		if ids, ok := a.Details["accounts"].([]string); ok {
			return strings.Join(ids, ",")
		}
	}
	return string(a.Type)
}
