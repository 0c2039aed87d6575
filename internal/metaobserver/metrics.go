// Package metaobserver watches the knowledge base's own health: it
// records metric observations, rolls them up hourly, detects trends and
// z-score anomalies, and drives an alert state machine with
// false-positive tracking.
package metaobserver

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"elfcore/internal/config"
	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/store"
	"elfcore/internal/types"
)

// Observer is the meta-observer over one store.
type Observer struct {
	store *store.Store
	cfg   config.MetaObserverConfig
}

// New creates a meta-observer.
func New(s *store.Store, cfg config.MetaObserverConfig) *Observer {
	return &Observer{store: s, cfg: cfg}
}

// RecordMetric appends one observation. The unique index on
// (metric_name, observed_at, domain) makes duplicate instants fail.
func (o *Observer) RecordMetric(ctx context.Context, name string, value float64, domain, metadata string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, qerr.Validation("metric name must not be empty")
	}
	var domainVal, metadataVal any
	if domain != "" {
		domainVal = domain
	}
	if metadata != "" {
		metadataVal = metadata
	}
	res, err := o.store.DB().ExecContext(ctx, `
		INSERT INTO metric_observations (metric_name, value, observed_at, domain, metadata)
		VALUES (?, ?, ?, ?, ?)`,
		name, value, types.FormatTime(types.NowUTC()), domainVal, metadataVal)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return 0, qerr.Validation("duplicate observation for %s at this instant", name)
		}
		return 0, qerr.Wrap(qerr.CodeDatabase, err, "failed to record metric %s", name)
	}
	return res.LastInsertId()
}

// Window returns observations for a metric over the last N hours, ordered
// by observed_at.
func (o *Observer) Window(ctx context.Context, name string, hours int, domain string) ([]types.MetricObservation, error) {
	return o.windowBetween(ctx, name, domain,
		types.NowUTC().Add(-time.Duration(hours)*time.Hour), types.NowUTC())
}

func (o *Observer) windowBetween(ctx context.Context, name, domain string, from, to time.Time) ([]types.MetricObservation, error) {
	query := `
		SELECT id, metric_name, value, observed_at, IFNULL(domain, ''), IFNULL(metadata, '')
		FROM metric_observations
		WHERE metric_name = ? AND observed_at >= ? AND observed_at <= ?`
	args := []any{name, types.FormatTime(from), types.FormatTime(to)}
	if domain != "" {
		query += " AND domain = ?"
		args = append(args, domain)
	}
	query += " ORDER BY observed_at"

	rows, err := o.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to load window for %s", name)
	}
	defer rows.Close()

	var out []types.MetricObservation
	for rows.Next() {
		var m types.MetricObservation
		if err := rows.Scan(&m.ID, &m.MetricName, &m.Value, &m.ObservedAt, &m.Domain, &m.Metadata); err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to scan observation")
		}
		m.ObservedAt = m.ObservedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// RollupHourly maintains (min, max, avg, sample_count) per metric-hour. Each
// pass recomputes every metric-hour present in metric_observations.
func (o *Observer) RollupHourly(ctx context.Context) (int, error) {
	timer := logging.StartTimer(logging.CategoryMetaObserver, "RollupHourly")
	defer timer.Stop()

	res, err := o.store.DB().ExecContext(ctx, `
		INSERT INTO metric_hourly_rollups (metric_name, hour_start, domain, min_value, max_value, avg_value, sample_count)
		SELECT metric_name,
		       strftime('%Y-%m-%d %H:00:00', observed_at) AS hour_start,
		       domain,
		       MIN(value), MAX(value), AVG(value), COUNT(*)
		FROM metric_observations
		WHERE true
		GROUP BY metric_name, hour_start, IFNULL(domain, '')
		ON CONFLICT(metric_name, hour_start, IFNULL(domain, '')) DO UPDATE SET
			min_value = excluded.min_value,
			max_value = excluded.max_value,
			avg_value = excluded.avg_value,
			sample_count = excluded.sample_count`)
	if err != nil {
		return 0, qerr.Wrap(qerr.CodeDatabase, err, "failed to roll up metrics")
	}
	n, _ := res.RowsAffected()
	logging.MetaObserverDebug("Hourly rollup touched %d rows", n)
	return int(n), nil
}

// seriesAge returns how old a metric series is, and whether it exists.
// The aggregate loses the column's declared type, so the value comes back
// as text and is parsed here.
func (o *Observer) seriesAge(ctx context.Context, name string) (time.Duration, bool, error) {
	var earliest sql.NullString
	err := o.store.DB().QueryRowContext(ctx,
		"SELECT MIN(observed_at) FROM metric_observations WHERE metric_name = ?", name).Scan(&earliest)
	if err != nil {
		return 0, false, qerr.Wrap(qerr.CodeDatabase, err, "failed to read series age for %s", name)
	}
	if !earliest.Valid {
		return 0, false, nil
	}
	t, perr := types.ParseTime(earliest.String)
	if perr != nil {
		return 0, false, nil
	}
	return types.NowUTC().Sub(t), true, nil
}
