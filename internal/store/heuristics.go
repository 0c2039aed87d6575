package store

import (
	"context"
	"database/sql"

	"elfcore/internal/qerr"
	"elfcore/internal/types"
)

// heuristicCols is the canonical column order shared by every heuristic
// scan in this module.
const heuristicCols = `id, domain, rule, explanation, source_type, source_id,
	confidence, confidence_ema, ema_alpha, ema_warmup_remaining,
	times_validated, times_violated, times_contradicted, times_revived,
	is_golden, status, dormant_since, revival_conditions,
	last_used_at, last_confidence_update,
	update_count_today, update_count_reset_date, min_applications,
	fraud_flags, is_quarantined, last_fraud_check, project_path,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// ScanHeuristic reads one heuristic from a row selected with heuristicCols.
func ScanHeuristic(row rowScanner) (*types.Heuristic, error) {
	var h types.Heuristic
	var sourceID sql.NullInt64
	var ema sql.NullFloat64
	var dormantSince, lastUsed, lastConfUpdate, lastFraudCheck sql.NullTime
	var projectPath sql.NullString

	err := row.Scan(
		&h.ID, &h.Domain, &h.Rule, &h.Explanation, &h.SourceType, &sourceID,
		&h.Confidence, &ema, &h.EMAAlpha, &h.EMAWarmupRemaining,
		&h.TimesValidated, &h.TimesViolated, &h.TimesContradicted, &h.TimesRevived,
		&h.IsGolden, &h.Status, &dormantSince, &h.RevivalConditions,
		&lastUsed, &lastConfUpdate,
		&h.UpdateCountToday, &h.UpdateCountResetDate, &h.MinApplications,
		&h.FraudFlags, &h.IsQuarantined, &lastFraudCheck, &projectPath,
		&h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sourceID.Valid {
		h.SourceID = &sourceID.Int64
	}
	if ema.Valid {
		h.ConfidenceEMA = &ema.Float64
	}
	if dormantSince.Valid {
		t := dormantSince.Time.UTC()
		h.DormantSince = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time.UTC()
		h.LastUsedAt = &t
	}
	if lastConfUpdate.Valid {
		t := lastConfUpdate.Time.UTC()
		h.LastConfidenceUpdate = &t
	}
	if lastFraudCheck.Valid {
		t := lastFraudCheck.Time.UTC()
		h.LastFraudCheck = &t
	}
	if projectPath.Valid {
		h.ProjectPath = &projectPath.String
	}
	h.CreatedAt = h.CreatedAt.UTC()
	h.UpdatedAt = h.UpdatedAt.UTC()
	return &h, nil
}

// GetHeuristic fetches one heuristic by id.
func (s *Store) GetHeuristic(ctx context.Context, id int64) (*types.Heuristic, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+heuristicCols+" FROM heuristics WHERE id = ?", id)
	h, err := ScanHeuristic(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to load heuristic %d", id)
	}
	return h, nil
}

// ListDomainHeuristics returns heuristics in a domain ordered by
// (confidence desc, times_validated desc), honoring location scoping: a
// row is visible iff project_path IS NULL or equals the caller's location.
func (s *Store) ListDomainHeuristics(ctx context.Context, domain string, location string, statuses []string, limit int) ([]*types.Heuristic, error) {
	query := "SELECT " + heuristicCols + " FROM heuristics WHERE domain = ?"
	args := []any{domain}

	if location != "" {
		query += " AND (project_path IS NULL OR project_path = ?)"
		args = append(args, location)
	}
	if len(statuses) > 0 {
		query += " AND status IN (?" + repeat(",?", len(statuses)-1) + ")"
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += " ORDER BY confidence DESC, times_validated DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to list heuristics for %s", domain)
	}
	defer rows.Close()

	var out []*types.Heuristic
	for rows.Next() {
		h, err := ScanHeuristic(rows)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to scan heuristic")
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListActiveHeuristics returns every active heuristic, optionally scoped to
// a domain, for sweep-style consumers.
func (s *Store) ListActiveHeuristics(ctx context.Context, domain string) ([]*types.Heuristic, error) {
	query := "SELECT " + heuristicCols + " FROM heuristics WHERE status = 'active'"
	args := []any{}
	if domain != "" {
		query += " AND domain = ?"
		args = append(args, domain)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to list active heuristics")
	}
	defer rows.Close()

	var out []*types.Heuristic
	for rows.Next() {
		h, err := ScanHeuristic(rows)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to scan heuristic")
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// InsertHeuristicTx inserts a heuristic inside an existing transaction and
// returns its id. Callers (lifecycle, distiller) own capacity admission.
func InsertHeuristicTx(tx *sql.Tx, h *types.Heuristic) (int64, error) {
	now := types.FormatTime(types.NowUTC())
	res, err := tx.Exec(`
		INSERT INTO heuristics (
			domain, rule, explanation, source_type, source_id,
			confidence, confidence_ema, ema_alpha, ema_warmup_remaining,
			times_validated, times_violated, times_contradicted, times_revived,
			is_golden, status, revival_conditions, min_applications,
			project_path, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.Domain, h.Rule, h.Explanation, h.SourceType, nullInt(h.SourceID),
		h.Confidence, nullFloat(h.ConfidenceEMA), h.EMAAlpha, h.EMAWarmupRemaining,
		h.TimesValidated, h.TimesViolated, h.TimesContradicted, h.TimesRevived,
		h.IsGolden, orDefault(h.Status, types.StatusActive), h.RevivalConditions,
		orDefaultInt(h.MinApplications, 10),
		nullString(h.ProjectPath), now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetDomainMetadata fetches the capacity row for a domain, or nil when the
// domain has never held a heuristic.
func (s *Store) GetDomainMetadata(ctx context.Context, domain string) (*types.DomainMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, soft_limit, hard_limit, ceo_override_limit, current_count,
		       state, overflow_entered_at, expansion_min_confidence,
		       expansion_min_validations, expansion_min_novelty,
		       grace_period_days, max_overflow_days, avg_confidence, health_score,
		       created_at, updated_at
		FROM domain_metadata WHERE domain = ?`, domain)

	var d types.DomainMetadata
	var ceo sql.NullInt64
	var overflowAt sql.NullTime
	err := row.Scan(&d.Domain, &d.SoftLimit, &d.HardLimit, &ceo, &d.CurrentCount,
		&d.State, &overflowAt, &d.ExpansionMinConfidence,
		&d.ExpansionMinValidations, &d.ExpansionMinNovelty,
		&d.GracePeriodDays, &d.MaxOverflowDays, &d.AvgConfidence, &d.HealthScore,
		&d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to load domain metadata for %s", domain)
	}
	if ceo.Valid {
		v := int(ceo.Int64)
		d.CEOOverrideLimit = &v
	}
	if overflowAt.Valid {
		t := overflowAt.Time.UTC()
		d.OverflowEnteredAt = &t
	}
	return &d, nil
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultInt(n, def int) int {
	if n == 0 {
		return def
	}
	return n
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
