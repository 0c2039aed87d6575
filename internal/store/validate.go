package store

import (
	"context"
	"fmt"

	"elfcore/internal/logging"
)

// ValidationResult is the outcome of a full database validation pass.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []string          `json:"errors"`
	Warnings []string          `json:"warnings"`
	Checks   map[string]string `json:"checks"`
}

func (v *ValidationResult) check(name, status string) { v.Checks[name] = status }

func (v *ValidationResult) fail(name, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	v.Errors = append(v.Errors, msg)
	v.Checks[name] = "failed"
	v.Valid = false
}

func (v *ValidationResult) warn(name, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	v.Warnings = append(v.Warnings, msg)
	v.Checks[name] = "warning"
}

// ValidateDatabase runs integrity and invariant checks over the store.
// Writer-ownership violations are detected post-hoc here and surfaced as
// warnings, not errors.
func (s *Store) ValidateDatabase(ctx context.Context) (*ValidationResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ValidateDatabase")
	defer timer.Stop()

	res := &ValidationResult{Valid: true, Checks: make(map[string]string)}

	var integrity string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		res.fail("integrity", "integrity check failed to run: %v", err)
	} else if integrity != "ok" {
		res.fail("integrity", "integrity check returned %q", integrity)
	} else {
		res.check("integrity", "ok")
	}

	// Invariant 1: confidence and counters stay in bounds.
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM heuristics
		WHERE confidence < 0 OR confidence > 1
		   OR (confidence_ema IS NOT NULL AND (confidence_ema < 0 OR confidence_ema > 1))
		   OR times_validated < 0 OR times_violated < 0 OR times_contradicted < 0`).Scan(&n)
	if err != nil {
		res.fail("confidence_bounds", "bounds query failed: %v", err)
	} else if n > 0 {
		res.fail("confidence_bounds", "%d heuristics with out-of-bounds confidence or counters", n)
	} else {
		res.check("confidence_bounds", "ok")
	}

	// Invariant 2: domain_metadata.current_count matches the active
	// population.
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM domain_metadata dm
		WHERE dm.current_count != (
			SELECT COUNT(*) FROM heuristics h WHERE h.domain = dm.domain AND h.status = 'active')`).Scan(&n)
	if err != nil {
		res.fail("domain_counts", "count query failed: %v", err)
	} else if n > 0 {
		res.fail("domain_counts", "%d domains with stale current_count", n)
	} else {
		res.check("domain_counts", "ok")
	}

	// Invariant 3: state consistent with counts vs limits.
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM domain_metadata
		WHERE state != CASE
			WHEN current_count > MAX(hard_limit, IFNULL(ceo_override_limit, 0)) THEN 'critical'
			WHEN current_count > soft_limit THEN 'overflow'
			ELSE 'normal' END`).Scan(&n)
	if err != nil {
		res.fail("domain_states", "state query failed: %v", err)
	} else if n > 0 {
		res.fail("domain_states", "%d domains with inconsistent state", n)
	} else {
		res.check("domain_states", "ok")
	}

	// Invariant 5: promoted patterns point at real auto-distilled
	// heuristics that point back.
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM patterns p
		WHERE p.promoted_to_heuristic_id IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM heuristics h
			WHERE h.id = p.promoted_to_heuristic_id
			  AND h.source_type = 'auto_distilled'
			  AND h.source_id = p.id)`).Scan(&n)
	if err != nil {
		res.fail("promotions", "promotion query failed: %v", err)
	} else if n > 0 {
		res.fail("promotions", "%d patterns with dangling or mismatched promotions", n)
	} else {
		res.check("promotions", "ok")
	}

	// Invariant 6: confidence_updates delta arithmetic.
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM confidence_updates
		WHERE ABS((new_confidence - old_confidence) - delta) > 1e-9`).Scan(&n)
	if err != nil {
		res.fail("update_deltas", "delta query failed: %v", err)
	} else if n > 0 {
		res.fail("update_deltas", "%d confidence updates with inconsistent delta", n)
	} else {
		res.check("update_deltas", "ok")
	}

	// Invariant 8: audit rows must be finalized.
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM building_queries
		WHERE completed_at IS NULL AND created_at < datetime('now', '-1 hour')`).Scan(&n)
	if err != nil {
		res.warn("query_audit", "audit query failed: %v", err)
	} else if n > 0 {
		res.warn("query_audit", "%d stale audit rows without completed_at", n)
	} else {
		res.check("query_audit", "ok")
	}

	// Ownership: quarantined heuristics should carry at least one fraud
	// report; anything else suggests a write outside the fraud detector.
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM heuristics h
		WHERE h.is_quarantined = 1
		  AND NOT EXISTS (SELECT 1 FROM fraud_reports r WHERE r.heuristic_id = h.id)`).Scan(&n)
	if err != nil {
		res.warn("ownership_quarantine", "ownership query failed: %v", err)
	} else if n > 0 {
		res.warn("ownership_quarantine", "%d quarantined heuristics without a fraud report", n)
	} else {
		res.check("ownership_quarantine", "ok")
	}

	// Ownership: confidence movement must leave an audit trail.
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM heuristics h
		WHERE h.last_confidence_update IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM confidence_updates u WHERE u.heuristic_id = h.id)`).Scan(&n)
	if err != nil {
		res.warn("ownership_confidence", "ownership query failed: %v", err)
	} else if n > 0 {
		res.warn("ownership_confidence", "%d heuristics updated without confidence audit rows", n)
	} else {
		res.check("ownership_confidence", "ok")
	}

	logging.Store("Database validation: valid=%v errors=%d warnings=%d", res.Valid, len(res.Errors), len(res.Warnings))
	return res, nil
}
