package metaobserver

import (
	"context"
	"database/sql"
	"fmt"

	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/types"
)

// Built-in alert types raised by CheckAlerts.
const (
	AlertBootstrap          = "bootstrap"
	AlertConfidenceDecline  = "confidence_decline"
	AlertContradictionSpike = "contradiction_spike"
)

// CreateAlert upserts an alert keyed on (type, metric_name): an
// un-resolved alert of the same key gets its last_seen and message
// refreshed; otherwise a fresh alert starts in state new. Resolved alerts
// never absorb new firings.
func (o *Observer) CreateAlert(ctx context.Context, alertType, severity, metricName, message, contextJSON string, currentValue, baselineValue *float64) (int64, error) {
	var existingID int64
	err := o.store.DB().QueryRowContext(ctx, `
		SELECT id FROM meta_alerts
		WHERE alert_type = ? AND metric_name = ? AND state != 'resolved'
		ORDER BY id DESC LIMIT 1`, alertType, metricName).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		res, err := o.store.DB().ExecContext(ctx, `
			INSERT INTO meta_alerts (alert_type, severity, metric_name, current_value, baseline_value, message, context, state, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'new', ?, ?)`,
			alertType, severity, metricName, nullF(currentValue), nullF(baselineValue), message, contextJSON,
			types.FormatTime(types.NowUTC()), types.FormatTime(types.NowUTC()))
		if err != nil {
			return 0, qerr.Wrap(qerr.CodeDatabase, err, "failed to insert alert")
		}
		id, _ := res.LastInsertId()
		logging.MetaObserver("Alert %d created: %s on %s (%s)", id, alertType, metricName, severity)
		return id, nil
	case err != nil:
		return 0, qerr.Wrap(qerr.CodeDatabase, err, "failed to look up alert")
	}

	_, err = o.store.DB().ExecContext(ctx, `
		UPDATE meta_alerts SET last_seen = ?, message = ?, severity = ?, current_value = ?, baseline_value = ?
		WHERE id = ?`,
		types.FormatTime(types.NowUTC()), message, severity, nullF(currentValue), nullF(baselineValue), existingID)
	if err != nil {
		return 0, qerr.Wrap(qerr.CodeDatabase, err, "failed to refresh alert %d", existingID)
	}
	logging.MetaObserverDebug("Alert %d refreshed: %s on %s", existingID, alertType, metricName)
	return existingID, nil
}

// AcknowledgeAlert moves new|active → ack.
func (o *Observer) AcknowledgeAlert(ctx context.Context, id int64) error {
	res, err := o.store.DB().ExecContext(ctx, `
		UPDATE meta_alerts SET state = 'ack' WHERE id = ? AND state IN ('new', 'active')`, id)
	if err != nil {
		return qerr.Wrap(qerr.CodeDatabase, err, "failed to acknowledge alert %d", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return qerr.Validation("alert %d not found or not acknowledgeable", id)
	}
	return nil
}

// ResolveAlert terminates an alert from any non-terminal state.
func (o *Observer) ResolveAlert(ctx context.Context, id int64) error {
	res, err := o.store.DB().ExecContext(ctx, `
		UPDATE meta_alerts SET state = 'resolved', resolved_at = ?
		WHERE id = ? AND state != 'resolved'`, types.FormatTime(types.NowUTC()), id)
	if err != nil {
		return qerr.Wrap(qerr.CodeDatabase, err, "failed to resolve alert %d", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return qerr.Validation("alert %d not found or already resolved", id)
	}
	return nil
}

// ListAlerts returns alerts, optionally restricted to open states.
func (o *Observer) ListAlerts(ctx context.Context, openOnly bool, limit int) ([]types.MetaAlert, error) {
	query := `
		SELECT id, alert_type, severity, metric_name, current_value, baseline_value,
		       message, context, state, first_seen, last_seen, resolved_at
		FROM meta_alerts`
	if openOnly {
		query += " WHERE state != 'resolved'"
	}
	query += " ORDER BY last_seen DESC LIMIT ?"

	rows, err := o.store.DB().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to list alerts")
	}
	defer rows.Close()

	var out []types.MetaAlert
	for rows.Next() {
		var a types.MetaAlert
		var cur, base sql.NullFloat64
		var resolved sql.NullTime
		if err := rows.Scan(&a.ID, &a.AlertType, &a.Severity, &a.MetricName, &cur, &base,
			&a.Message, &a.Context, &a.State, &a.FirstSeen, &a.LastSeen, &resolved); err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to scan alert")
		}
		if cur.Valid {
			a.CurrentValue = &cur.Float64
		}
		if base.Valid {
			a.BaselineValue = &base.Float64
		}
		if resolved.Valid {
			t := resolved.Time.UTC()
			a.ResolvedAt = &t
		}
		a.FirstSeen = a.FirstSeen.UTC()
		a.LastSeen = a.LastSeen.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// CheckAlerts runs the built-in health checks. While the avg_confidence
// series is younger than the bootstrap window it returns a single
// bootstrap alert and fires nothing else.
func (o *Observer) CheckAlerts(ctx context.Context) ([]types.MetaAlert, error) {
	timer := logging.StartTimer(logging.CategoryMetaObserver, "CheckAlerts")
	defer timer.Stop()

	age, exists, err := o.seriesAge(ctx, "avg_confidence")
	if err != nil {
		return nil, err
	}
	bootstrapWindow := hoursDur(o.cfg.BootstrapDays * 24)
	if !exists || age < bootstrapWindow {
		id, err := o.CreateAlert(ctx, AlertBootstrap, "info", "avg_confidence",
			fmt.Sprintf("Metric history spans %.1f days; alerting begins after %d days.",
				age.Hours()/24, o.cfg.BootstrapDays), "", nil, nil)
		if err != nil {
			return nil, err
		}
		return o.alertsByID(ctx, id)
	}

	var fired []int64

	// Sustained confidence decline over the last week.
	trend, err := o.CalculateTrend(ctx, "avg_confidence", 7*24, "")
	if err != nil {
		return nil, err
	}
	slopePerDay := trend.Slope * 24
	if trend.Direction == "decreasing" && slopePerDay <= -o.cfg.DeclineSlopePerDay {
		cur := trend.Intercept + trend.Slope*float64(7*24)
		id, err := o.CreateAlert(ctx, AlertConfidenceDecline, "warning", "avg_confidence",
			fmt.Sprintf("Average confidence declining %.3f/day over the last 7 days.", -slopePerDay),
			"", &cur, nil)
		if err != nil {
			return nil, err
		}
		fired = append(fired, id)
	}

	// Contradiction-rate spike against a 30-day baseline.
	anomaly, err := o.DetectAnomaly(ctx, "contradiction_rate", 30*24, 24, "")
	if err != nil {
		return nil, err
	}
	if anomaly.Severity != "" && anomaly.ZScore > 0 {
		id, err := o.CreateAlert(ctx, AlertContradictionSpike, anomaly.Severity, "contradiction_rate",
			fmt.Sprintf("Contradiction rate %.3f is %.1f sigma above the 30-day baseline %.3f.",
				anomaly.CurrentMean, anomaly.ZScore, anomaly.BaselineMean),
			"", &anomaly.CurrentMean, &anomaly.BaselineMean)
		if err != nil {
			return nil, err
		}
		fired = append(fired, id)
	}

	logging.MetaObserver("CheckAlerts fired %d alerts", len(fired))
	return o.alertsByID(ctx, fired...)
}

func (o *Observer) alertsByID(ctx context.Context, ids ...int64) ([]types.MetaAlert, error) {
	var out []types.MetaAlert
	for _, id := range ids {
		row := o.store.DB().QueryRowContext(ctx, `
			SELECT id, alert_type, severity, metric_name, current_value, baseline_value,
			       message, context, state, first_seen, last_seen, resolved_at
			FROM meta_alerts WHERE id = ?`, id)
		var a types.MetaAlert
		var cur, base sql.NullFloat64
		var resolved sql.NullTime
		err := row.Scan(&a.ID, &a.AlertType, &a.Severity, &a.MetricName, &cur, &base,
			&a.Message, &a.Context, &a.State, &a.FirstSeen, &a.LastSeen, &resolved)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to load alert %d", id)
		}
		if cur.Valid {
			a.CurrentValue = &cur.Float64
		}
		if base.Valid {
			a.BaselineValue = &base.Float64
		}
		if resolved.Valid {
			t := resolved.Time.UTC()
			a.ResolvedAt = &t
		}
		a.FirstSeen = a.FirstSeen.UTC()
		a.LastSeen = a.LastSeen.UTC()
		out = append(out, a)
	}
	return out, nil
}

// MarkAlertOutcome records a human verdict on an alert, feeding the
// per-metric false-positive counters.
func (o *Observer) MarkAlertOutcome(ctx context.Context, alertID int64, falsePositive bool) error {
	var metric string
	err := o.store.DB().QueryRowContext(ctx,
		"SELECT metric_name FROM meta_alerts WHERE id = ?", alertID).Scan(&metric)
	if err == sql.ErrNoRows {
		return qerr.Validation("alert %d not found", alertID)
	}
	if err != nil {
		return qerr.Wrap(qerr.CodeDatabase, err, "failed to load alert %d", alertID)
	}

	col := "true_positive_count"
	if falsePositive {
		col = "false_positive_count"
	}
	_, err = o.store.DB().ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO meta_observer_config (metric_name, %[1]s) VALUES (?, 1)
		ON CONFLICT(metric_name) DO UPDATE SET
			%[1]s = %[1]s + 1, updated_at = CURRENT_TIMESTAMP`, col), metric)
	if err != nil {
		return qerr.Wrap(qerr.CodeDatabase, err, "failed to record alert outcome")
	}
	return nil
}

// FPRStats reports per-metric true/false positive counts and rate, with a
// warning flag when the rate exceeds the configured tolerance.
type FPRStats struct {
	MetricName     string  `json:"metric_name"`
	FalsePositives int     `json:"false_positives"`
	TruePositives  int     `json:"true_positives"`
	FPR            float64 `json:"fpr"`
	OverTolerance  bool    `json:"over_tolerance"`
}

// FalsePositiveStats returns FPR tracking per metric.
func (o *Observer) FalsePositiveStats(ctx context.Context) (map[string]FPRStats, error) {
	rows, err := o.store.DB().QueryContext(ctx,
		"SELECT metric_name, false_positive_count, true_positive_count FROM meta_observer_config")
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to load FPR stats")
	}
	defer rows.Close()

	out := make(map[string]FPRStats)
	for rows.Next() {
		var s FPRStats
		if err := rows.Scan(&s.MetricName, &s.FalsePositives, &s.TruePositives); err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to scan FPR row")
		}
		if total := s.FalsePositives + s.TruePositives; total > 0 {
			s.FPR = float64(s.FalsePositives) / float64(total)
		}
		s.OverTolerance = s.FPR > o.cfg.FPRTolerance
		if s.OverTolerance {
			logging.Get(logging.CategoryMetaObserver).Warn(
				"Detector for %s exceeds FPR tolerance: %.2f > %.2f", s.MetricName, s.FPR, o.cfg.FPRTolerance)
		}
		out[s.MetricName] = s
	}
	return out, rows.Err()
}

func nullF(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
