package fraud

import (
	"context"
	"database/sql"
	"time"

	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/types"
)

// GetBaseline loads the current statistical baseline for a domain, or nil
// when none has been computed.
func (d *Detector) GetBaseline(ctx context.Context, domain string) (*types.DomainBaseline, error) {
	row := d.store.DB().QueryRowContext(ctx, `
		SELECT domain, avg_success_rate, std_success_rate,
		       avg_update_frequency, std_update_frequency, sample_count, last_updated
		FROM domain_baselines WHERE domain = ?`, domain)

	var b types.DomainBaseline
	err := row.Scan(&b.Domain, &b.AvgSuccessRate, &b.StdSuccessRate,
		&b.AvgUpdateFrequency, &b.StdUpdateFrequency, &b.SampleCount, &b.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to load baseline for %s", domain)
	}
	b.LastUpdated = b.LastUpdated.UTC()
	return &b, nil
}

// UpdateBaseline recomputes a domain's baseline from its active
// heuristics with enough evidence, snapshotting the previous row into the
// history table with the success-rate drift.
func (d *Detector) UpdateBaseline(ctx context.Context, domain string) (*types.DomainBaseline, error) {
	timer := logging.StartTimer(logging.CategoryFraud, "UpdateBaseline")
	defer timer.Stop()

	heuristics, err := d.store.ListActiveHeuristics(ctx, domain)
	if err != nil {
		return nil, err
	}

	var rates []float64
	var freqs []float64
	now := types.NowUTC()
	for _, h := range heuristics {
		total := h.TimesValidated + h.TimesViolated + h.TimesContradicted
		if total < minApplications {
			continue
		}
		rates = append(rates, float64(h.TimesValidated)/float64(total))
		ageDays := now.Sub(h.CreatedAt).Hours() / 24
		if ageDays >= 1 {
			freqs = append(freqs, float64(total)/ageDays)
		}
	}

	avgRate, stdRate := meanStd(rates)
	avgFreq, stdFreq := meanStd(freqs)

	prev, err := d.GetBaseline(ctx, domain)
	if err != nil {
		return nil, err
	}

	b := &types.DomainBaseline{
		Domain:             domain,
		AvgSuccessRate:     avgRate,
		StdSuccessRate:     stdRate,
		AvgUpdateFrequency: avgFreq,
		StdUpdateFrequency: stdFreq,
		SampleCount:        len(rates),
		LastUpdated:        now,
	}

	err = d.store.WithTx(ctx, func(tx *sql.Tx) error {
		if prev != nil {
			drift := b.AvgSuccessRate - prev.AvgSuccessRate
			_, err := tx.Exec(`
				INSERT INTO domain_baseline_history (
					domain, avg_success_rate, std_success_rate,
					avg_update_frequency, std_update_frequency, sample_count, drift, recorded_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				prev.Domain, prev.AvgSuccessRate, prev.StdSuccessRate,
				prev.AvgUpdateFrequency, prev.StdUpdateFrequency, prev.SampleCount,
				drift, types.FormatTime(now))
			if err != nil {
				return qerr.Wrap(qerr.CodeDatabase, err, "failed to snapshot baseline history")
			}
		}
		_, err := tx.Exec(`
			INSERT INTO domain_baselines (
				domain, avg_success_rate, std_success_rate,
				avg_update_frequency, std_update_frequency, sample_count, last_updated
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(domain) DO UPDATE SET
				avg_success_rate = excluded.avg_success_rate,
				std_success_rate = excluded.std_success_rate,
				avg_update_frequency = excluded.avg_update_frequency,
				std_update_frequency = excluded.std_update_frequency,
				sample_count = excluded.sample_count,
				last_updated = excluded.last_updated`,
			b.Domain, b.AvgSuccessRate, b.StdSuccessRate,
			b.AvgUpdateFrequency, b.StdUpdateFrequency, b.SampleCount,
			types.FormatTime(now))
		if err != nil {
			return qerr.Wrap(qerr.CodeDatabase, err, "failed to upsert baseline for %s", domain)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Fraud("Baseline for %s: avg=%.3f std=%.3f samples=%d", domain, avgRate, stdRate, b.SampleCount)
	return b, nil
}

// RefreshStaleBaselines recomputes every baseline older than 7 days, plus
// any domain with active heuristics and no baseline at all.
func (d *Detector) RefreshStaleBaselines(ctx context.Context) (int, error) {
	rows, err := d.store.DB().QueryContext(ctx, `
		SELECT DISTINCT h.domain FROM heuristics h
		LEFT JOIN domain_baselines b ON b.domain = h.domain
		WHERE h.status = 'active'
		  AND (b.domain IS NULL OR b.last_updated < ?)`,
		types.FormatTime(types.NowUTC().Add(-7*24*time.Hour)))
	if err != nil {
		return 0, qerr.Wrap(qerr.CodeDatabase, err, "failed to list stale baselines")
	}
	var domains []string
	for rows.Next() {
		var dom string
		if err := rows.Scan(&dom); err == nil {
			domains = append(domains, dom)
		}
	}
	rows.Close()

	refreshed := 0
	for _, dom := range domains {
		if ctx.Err() != nil {
			return refreshed, nil
		}
		if _, err := d.UpdateBaseline(ctx, dom); err != nil {
			logging.Get(logging.CategoryFraud).Warn("Baseline refresh for %s failed: %v", dom, err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

func staleAfter(hours int) time.Duration {
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}
