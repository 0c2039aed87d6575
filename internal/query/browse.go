package query

import (
	"context"
	"database/sql"
	"time"

	"elfcore/internal/qerr"
	"elfcore/internal/types"
	"elfcore/internal/validate"
)

// GetActiveExperiments returns experiments in active status.
func (s *Service) GetActiveExperiments(ctx context.Context, timeout time.Duration) ([]types.Experiment, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("get_active_experiments", "", nil, 0)

	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT id, name, hypothesis, domain, status, started_at, created_at, updated_at
		FROM experiments WHERE status = 'active' ORDER BY created_at DESC`)
	if err != nil {
		err = normalizeErr(qerr.Wrap(qerr.CodeDatabase, err, "failed to list experiments"))
		a.finish(err, 0, 0, 0)
		return nil, err
	}
	defer rows.Close()

	var out []types.Experiment
	for rows.Next() {
		var e types.Experiment
		var started sql.NullTime
		if err := rows.Scan(&e.ID, &e.Name, &e.Hypothesis, &e.Domain, &e.Status, &started, &e.CreatedAt, &e.UpdatedAt); err != nil {
			continue
		}
		if started.Valid {
			t := started.Time.UTC()
			e.StartedAt = &t
		}
		out = append(out, e)
	}
	a.finish(nil, len(out), 0, 0)
	return out, nil
}

// GetPendingCEOReviews returns pending human-review items.
func (s *Service) GetPendingCEOReviews(ctx context.Context, timeout time.Duration) ([]types.CEOReview, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("get_pending_ceo_reviews", "", nil, 0)

	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT id, subject, description, domain, status, created_at, updated_at
		FROM ceo_reviews WHERE status = 'pending' ORDER BY created_at DESC`)
	if err != nil {
		err = normalizeErr(qerr.Wrap(qerr.CodeDatabase, err, "failed to list CEO reviews"))
		a.finish(err, 0, 0, 0)
		return nil, err
	}
	defer rows.Close()

	var out []types.CEOReview
	for rows.Next() {
		var r types.CEOReview
		if err := rows.Scan(&r.ID, &r.Subject, &r.Description, &r.Domain, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			continue
		}
		out = append(out, r)
	}
	a.finish(nil, len(out), 0, 0)
	return out, nil
}

// GetDecisions returns architecture decision records.
func (s *Service) GetDecisions(ctx context.Context, domain, status string, limit int, timeout time.Duration) ([]types.Decision, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("get_decisions", domain, nil, limit)

	out, err := func() ([]types.Decision, error) {
		limit, err := validate.Limit(limit)
		if err != nil {
			return nil, err
		}
		if status == "" {
			status = "accepted"
		}
		query := `SELECT id, title, context, options_considered, decision, rationale,
			domain, status, superseded_by, created_at, updated_at
			FROM decisions WHERE status = ?`
		args := []any{status}
		if domain != "" {
			if domain, err = validate.Domain(domain); err != nil {
				return nil, err
			}
			query += " AND domain = ?"
			args = append(args, domain)
		}
		query += " ORDER BY created_at DESC LIMIT ?"
		args = append(args, limit)

		rows, err := s.store.DB().QueryContext(ctx, query, args...)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to list decisions")
		}
		defer rows.Close()

		var out []types.Decision
		for rows.Next() {
			var d types.Decision
			var superseded sql.NullInt64
			if err := rows.Scan(&d.ID, &d.Title, &d.Context, &d.OptionsConsidered, &d.Decision,
				&d.Rationale, &d.Domain, &d.Status, &superseded, &d.CreatedAt, &d.UpdatedAt); err != nil {
				continue
			}
			if superseded.Valid {
				d.SupersededBy = &superseded.Int64
			}
			out = append(out, d)
		}
		return out, rows.Err()
	}()
	err = normalizeErr(err)
	a.finish(err, len(out), 0, 0)
	return out, err
}

// GetInvariants returns declared invariants.
func (s *Service) GetInvariants(ctx context.Context, domain, status string, limit int, timeout time.Duration) ([]types.Invariant, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("get_invariants", domain, nil, limit)

	out, err := func() ([]types.Invariant, error) {
		limit, err := validate.Limit(limit)
		if err != nil {
			return nil, err
		}
		if status == "" {
			status = "active"
		}
		query := `SELECT id, statement, rationale, domain, scope, validation_type, severity,
			status, violation_count, last_validated_at, last_violated_at, created_at, updated_at
			FROM invariants WHERE status = ?`
		args := []any{status}
		if domain != "" {
			if domain, err = validate.Domain(domain); err != nil {
				return nil, err
			}
			query += " AND domain = ?"
			args = append(args, domain)
		}
		query += " ORDER BY created_at DESC LIMIT ?"
		args = append(args, limit)

		rows, err := s.store.DB().QueryContext(ctx, query, args...)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to list invariants")
		}
		defer rows.Close()

		var out []types.Invariant
		for rows.Next() {
			var inv types.Invariant
			var validated, violated sql.NullTime
			if err := rows.Scan(&inv.ID, &inv.Statement, &inv.Rationale, &inv.Domain, &inv.Scope,
				&inv.ValidationType, &inv.Severity, &inv.Status, &inv.ViolationCount,
				&validated, &violated, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
				continue
			}
			if validated.Valid {
				t := validated.Time.UTC()
				inv.LastValidatedAt = &t
			}
			if violated.Valid {
				t := violated.Time.UTC()
				inv.LastViolatedAt = &t
			}
			out = append(out, inv)
		}
		return out, rows.Err()
	}()
	err = normalizeErr(err)
	a.finish(err, len(out), 0, 0)
	return out, err
}

// GetAssumptions returns recorded assumptions.
func (s *Service) GetAssumptions(ctx context.Context, domain, status string, limit int, timeout time.Duration) ([]types.Assumption, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("get_assumptions", domain, nil, limit)

	out, err := func() ([]types.Assumption, error) {
		limit, err := validate.Limit(limit)
		if err != nil {
			return nil, err
		}
		if status == "" {
			status = "active"
		}
		query := `SELECT id, statement, domain, status, impact, created_at, updated_at
			FROM assumptions WHERE status = ?`
		args := []any{status}
		if domain != "" {
			if domain, err = validate.Domain(domain); err != nil {
				return nil, err
			}
			query += " AND domain = ?"
			args = append(args, domain)
		}
		query += " ORDER BY created_at DESC LIMIT ?"
		args = append(args, limit)

		rows, err := s.store.DB().QueryContext(ctx, query, args...)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to list assumptions")
		}
		defer rows.Close()

		var out []types.Assumption
		for rows.Next() {
			var a types.Assumption
			if err := rows.Scan(&a.ID, &a.Statement, &a.Domain, &a.Status, &a.Impact, &a.CreatedAt, &a.UpdatedAt); err != nil {
				continue
			}
			out = append(out, a)
		}
		return out, rows.Err()
	}()
	err = normalizeErr(err)
	a.finish(err, len(out), 0, 0)
	return out, err
}

// GetViolations returns violations within the last N days, optionally
// filtered by acknowledgment.
func (s *Service) GetViolations(ctx context.Context, days int, acknowledged *bool, timeout time.Duration) ([]types.Violation, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("get_violations", "", nil, 0)

	out, err := func() ([]types.Violation, error) {
		if days <= 0 {
			days = 7
		}
		cutoff := types.FormatTime(types.NowUTC().AddDate(0, 0, -days))
		query := `SELECT id, rule_id, rule_name, violation_date, description, session_id,
			acknowledged, created_at, updated_at
			FROM violations WHERE violation_date >= ?`
		args := []any{cutoff}
		if acknowledged != nil {
			query += " AND acknowledged = ?"
			args = append(args, *acknowledged)
		}
		query += " ORDER BY violation_date DESC"

		rows, err := s.store.DB().QueryContext(ctx, query, args...)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to list violations")
		}
		defer rows.Close()

		var out []types.Violation
		for rows.Next() {
			var v types.Violation
			if err := rows.Scan(&v.ID, &v.RuleID, &v.RuleName, &v.ViolationDate, &v.Description,
				&v.SessionID, &v.Acknowledged, &v.CreatedAt, &v.UpdatedAt); err != nil {
				continue
			}
			v.ViolationDate = v.ViolationDate.UTC()
			out = append(out, v)
		}
		return out, rows.Err()
	}()
	err = normalizeErr(err)
	a.finish(err, len(out), 0, 0)
	return out, err
}

// ViolationSummary aggregates violations per rule over a window.
type ViolationSummary struct {
	Days           int            `json:"days"`
	Total          int            `json:"total"`
	Unacknowledged int            `json:"unacknowledged"`
	ByRule         map[string]int `json:"by_rule"`
}

// GetViolationSummary summarizes violations over the last N days.
func (s *Service) GetViolationSummary(ctx context.Context, days int, timeout time.Duration) (*ViolationSummary, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("get_violation_summary", "", nil, 0)

	summary, err := func() (*ViolationSummary, error) {
		if days <= 0 {
			days = 7
		}
		cutoff := types.FormatTime(types.NowUTC().AddDate(0, 0, -days))

		summary := &ViolationSummary{Days: days, ByRule: make(map[string]int)}
		rows, err := s.store.DB().QueryContext(ctx, `
			SELECT rule_name, COUNT(*), SUM(CASE WHEN acknowledged = 0 THEN 1 ELSE 0 END)
			FROM violations WHERE violation_date >= ?
			GROUP BY rule_name`, cutoff)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to summarize violations")
		}
		defer rows.Close()

		for rows.Next() {
			var rule string
			var count, unack int
			if err := rows.Scan(&rule, &count, &unack); err != nil {
				continue
			}
			summary.ByRule[rule] = count
			summary.Total += count
			summary.Unacknowledged += unack
		}
		return summary, rows.Err()
	}()
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return nil, err
	}
	a.finish(nil, summary.Total, 0, 0)
	return summary, nil
}
