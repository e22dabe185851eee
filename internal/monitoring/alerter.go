package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-engine/internal/config"
	"github.com/sells-group/account-engine/internal/metrics"
	"github.com/sells-group/account-engine/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertManualIntervention AlertType = "manual_intervention"
	AlertPoolDepleted       AlertType = "pool_depleted"
	AlertBanWave            AlertType = "ban_wave"
)

// Alert represents a single alert to be sent.
type Alert struct {
	ID        string         `json:"id"`
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns pool snapshots into alerts and delivers them to a webhook.
type Alerter struct {
	cfg     config.MonitoringConfig
	client  *http.Client
	backoff resilience.Backoff
}

// NewAlerter creates an Alerter. Webhook posts retry 429 and 5xx responses.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		backoff: resilience.Backoff{
			Attempts: 3,
			Initial:  200 * time.Millisecond,
			Max:      2 * time.Second,
			OnRetry:  resilience.LogRetries("webhook", "alert"),
		},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *PoolSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if n := len(snap.ManualIntervention); n > 0 {
		alerts = append(alerts, Alert{
			ID:       uuid.NewString(),
			Type:     AlertManualIntervention,
			Severity: "high",
			Message: fmt.Sprintf("%d account(s) need manual intervention: %s",
				n, strings.Join(snap.ManualIntervention, ", ")),
			Details: map[string]any{
				"accounts": snap.ManualIntervention,
			},
			Timestamp: now,
		})
	}

	// An empty pool is not depleted, just unconfigured.
	if snap.Total > 0 && snap.ActiveFraction < a.cfg.MinActiveFraction {
		active := snap.ByStatus["active"]
		alerts = append(alerts, Alert{
			ID:       uuid.NewString(),
			Type:     AlertPoolDepleted,
			Severity: "critical",
			Message: fmt.Sprintf("Only %d of %d accounts active (%.1f%%, threshold %.1f%%)",
				active, snap.Total, snap.ActiveFraction*100, a.cfg.MinActiveFraction*100),
			Details: map[string]any{
				"active":          active,
				"total":           snap.Total,
				"active_fraction": snap.ActiveFraction,
				"by_status":       snap.ByStatus,
				"expiring_soon":   len(snap.ExpiringSoon),
			},
			Timestamp: now,
		})
	}

	if a.cfg.BanWaveThreshold > 0 && snap.RecentBans >= a.cfg.BanWaveThreshold {
		alerts = append(alerts, Alert{
			ID:       uuid.NewString(),
			Type:     AlertBanWave,
			Severity: "high",
			Message: fmt.Sprintf("%d bans across %d account(s) in last %dh",
				snap.RecentBans, len(snap.RecentlyBanned), snap.LookbackHours),
			Details: map[string]any{
				"bans":      snap.RecentBans,
				"threshold": a.cfg.BanWaveThreshold,
				"accounts":  snap.RecentlyBanned,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts records every alert and posts each one to the webhook, if
// configured. It returns how many posts succeeded.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	for _, alert := range alerts {
		metrics.ObserveAlert(string(alert.Type))
	}
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	log := zap.L().With(zap.String("component", "monitoring.alerter"))
	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.backoff, func(ctx context.Context) error {
			return a.post(ctx, alert)
		})
		if err != nil {
			log.Error("alert delivery failed",
				zap.String("alert_id", alert.ID),
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		log.Info("alert delivered",
			zap.String("alert_id", alert.ID),
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: encode alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post alert")
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resilience.IsTransientStatus(resp.StatusCode):
		return resilience.Transient(eris.Errorf("monitoring: webhook status %d", resp.StatusCode), resp.StatusCode)
	case resp.StatusCode >= 400:
		return eris.Errorf("monitoring: webhook status %d", resp.StatusCode)
	}
	return nil
}
