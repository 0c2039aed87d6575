package fraud

import (
	"context"
	"database/sql"

	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/types"
)

// CheckHeuristic runs every detector for one heuristic, fuses the firing
// signals, and persists the report, its signals, and the fraud-flag bump
// in one transaction. Classification at fraud_likely or above records an
// alert response; quarantine remains a separate human-gated action.
func (d *Detector) CheckHeuristic(ctx context.Context, heuristicID int64) (*types.FraudReport, error) {
	timer := logging.StartTimer(logging.CategoryFraud, "CheckHeuristic")
	defer timer.Stop()

	h, err := d.store.GetHeuristic(ctx, heuristicID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, qerr.Validation("heuristic %d not found", heuristicID)
	}

	signals, err := d.runDetectors(ctx, h)
	if err != nil {
		return nil, err
	}
	combinedLR, posterior := d.fuse(signals)

	report := &types.FraudReport{
		HeuristicID:    heuristicID,
		CombinedScore:  combinedLR,
		Posterior:      posterior,
		Classification: classify(posterior),
		Signals:        signals,
		CreatedAt:      types.NowUTC(),
	}

	err = d.store.WithTx(ctx, func(tx *sql.Tx) error {
		now := types.FormatTime(report.CreatedAt)
		res, err := tx.Exec(`
			INSERT INTO fraud_reports (heuristic_id, combined_score, posterior, classification, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			report.HeuristicID, report.CombinedScore, report.Posterior, report.Classification, now)
		if err != nil {
			return qerr.Wrap(qerr.CodeDatabase, err, "failed to insert fraud report")
		}
		reportID, err := res.LastInsertId()
		if err != nil {
			return qerr.Wrap(qerr.CodeDatabase, err, "failed to read report id")
		}
		report.ID = reportID

		for i := range report.Signals {
			s := &report.Signals[i]
			s.ReportID = reportID
			res, err := tx.Exec(`
				INSERT INTO anomaly_signals (report_id, heuristic_id, signal_type, score, severity, reason, evidence, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				reportID, s.HeuristicID, s.SignalType, s.Score, s.Severity, s.Reason, s.Evidence, now)
			if err != nil {
				return qerr.Wrap(qerr.CodeDatabase, err, "failed to insert anomaly signal")
			}
			s.ID, _ = res.LastInsertId()
		}

		// fraud_flags is monotonically non-decreasing; it bumps only when
		// something actually fired.
		flagDelta := 0
		if len(report.Signals) > 0 {
			flagDelta = 1
		}
		_, err = tx.Exec(`
			UPDATE heuristics SET fraud_flags = fraud_flags + ?, last_fraud_check = ?, updated_at = ?
			WHERE id = ?`, flagDelta, now, now, heuristicID)
		if err != nil {
			return qerr.Wrap(qerr.CodeDatabase, err, "failed to stamp fraud check")
		}

		if report.Classification == ClassFraudLikely || report.Classification == ClassFraudConfirmed {
			_, err = tx.Exec(`
				INSERT INTO fraud_responses (report_id, heuristic_id, response_type, created_at)
				VALUES (?, ?, 'alert', ?)`, reportID, heuristicID, now)
			if err != nil {
				return qerr.Wrap(qerr.CodeDatabase, err, "failed to insert fraud response")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Fraud("Fraud check heuristic=%d signals=%d posterior=%.3f class=%s",
		heuristicID, len(report.Signals), report.Posterior, report.Classification)
	return report, nil
}

// Quarantine flips the human-gated quarantine flag on a heuristic.
func (d *Detector) Quarantine(ctx context.Context, heuristicID int64, quarantined bool) error {
	status := types.StatusActive
	if quarantined {
		status = types.StatusQuarantined
	}
	_, err := d.store.DB().ExecContext(ctx, `
		UPDATE heuristics SET is_quarantined = ?, status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, quarantined, status, heuristicID)
	if err != nil {
		return qerr.Wrap(qerr.CodeDatabase, err, "failed to set quarantine on %d", heuristicID)
	}
	logging.Fraud("Heuristic %d quarantine=%v", heuristicID, quarantined)
	return nil
}

// SweepResult summarizes one scheduled fraud sweep.
type SweepResult struct {
	Checked int   `json:"checked"`
	Flagged int   `json:"flagged"`
	Skipped int   `json:"skipped"`
	IDs     []int64 `json:"ids,omitempty"`
}

// Sweep checks heuristics whose last fraud check is stale and whose
// evidence meets the application floor, bounded per pass. Each heuristic
// runs in its own transaction so readers are not starved.
func (d *Detector) Sweep(ctx context.Context) (*SweepResult, error) {
	timer := logging.StartTimer(logging.CategoryFraud, "Sweep")
	defer timer.Stop()

	cutoff := types.FormatTime(types.NowUTC().Add(-staleAfter(d.cfg.SweepStaleAfterHrs)))
	rows, err := d.store.DB().QueryContext(ctx, `
		SELECT id FROM heuristics
		WHERE status = 'active'
		  AND (last_fraud_check IS NULL OR last_fraud_check < ?)
		  AND (times_validated + times_violated) >= ?
		ORDER BY last_fraud_check ASC
		LIMIT ?`, cutoff, minApplications, d.cfg.SweepBatchSize)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to list sweep candidates")
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	res := &SweepResult{}
	for _, id := range ids {
		if ctx.Err() != nil {
			res.Skipped = len(ids) - res.Checked
			return res, nil
		}
		report, err := d.CheckHeuristic(ctx, id)
		if err != nil {
			logging.Get(logging.CategoryFraud).Warn("Sweep check of %d failed: %v", id, err)
			res.Skipped++
			continue
		}
		res.Checked++
		if len(report.Signals) > 0 {
			res.Flagged++
			res.IDs = append(res.IDs, id)
		}
	}
	logging.Fraud("Sweep complete: checked=%d flagged=%d skipped=%d", res.Checked, res.Flagged, res.Skipped)
	return res, nil
}

// PendingReports returns reports at suspicious or worse with no
// acknowledged response, newest first.
func (d *Detector) PendingReports(ctx context.Context, limit int) ([]*types.FraudReport, error) {
	rows, err := d.store.DB().QueryContext(ctx, `
		SELECT r.id, r.heuristic_id, r.combined_score, r.posterior, r.classification, r.created_at
		FROM fraud_reports r
		WHERE r.classification IN ('suspicious', 'fraud_likely', 'fraud_confirmed')
		  AND NOT EXISTS (
			SELECT 1 FROM fraud_responses fr
			WHERE fr.report_id = r.id AND fr.acknowledged = 1)
		ORDER BY r.created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to list pending reports")
	}
	defer rows.Close()

	var out []*types.FraudReport
	for rows.Next() {
		var r types.FraudReport
		if err := rows.Scan(&r.ID, &r.HeuristicID, &r.CombinedScore, &r.Posterior, &r.Classification, &r.CreatedAt); err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to scan report")
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}
