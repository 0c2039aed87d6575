package query

import (
	"context"
	"time"

	"elfcore/internal/qerr"
	"elfcore/internal/store"
)

// Statistics is the counter snapshot returned by GetStatistics.
type Statistics struct {
	TotalLearnings    int64            `json:"total_learnings"`
	TotalHeuristics   int64            `json:"total_heuristics"`
	TotalPatterns     int64            `json:"total_patterns"`
	TotalDecisions    int64            `json:"total_decisions"`
	TotalInvariants   int64            `json:"total_invariants"`
	LearningsByType   map[string]int64 `json:"learnings_by_type"`
	HeuristicsByDomain map[string]int64 `json:"heuristics_by_domain"`
	TopDomains        []string         `json:"top_domains"`
	GoldenRules       int64            `json:"golden_rules"`
	DormantHeuristics int64            `json:"dormant_heuristics"`
	Violations7d      int64            `json:"violations_7d"`
	OpenAlerts        int64            `json:"open_alerts"`
}

// GetStatistics returns entity counts and per-type/per-domain breakdowns.
func (s *Service) GetStatistics(ctx context.Context, timeout time.Duration) (*Statistics, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("get_statistics", "", nil, 0)

	stats, err := func() (*Statistics, error) {
		st := &Statistics{
			LearningsByType:    make(map[string]int64),
			HeuristicsByDomain: make(map[string]int64),
			TopDomains:         []string{},
		}
		db := s.store.DB()

		counts := []struct {
			query string
			dest  *int64
		}{
			{"SELECT COUNT(*) FROM learnings", &st.TotalLearnings},
			{"SELECT COUNT(*) FROM heuristics", &st.TotalHeuristics},
			{"SELECT COUNT(*) FROM patterns", &st.TotalPatterns},
			{"SELECT COUNT(*) FROM decisions", &st.TotalDecisions},
			{"SELECT COUNT(*) FROM invariants", &st.TotalInvariants},
			{"SELECT COUNT(*) FROM heuristics WHERE is_golden = 1", &st.GoldenRules},
			{"SELECT COUNT(*) FROM heuristics WHERE status = 'dormant'", &st.DormantHeuristics},
			{"SELECT COUNT(*) FROM violations WHERE violation_date >= datetime('now', '-7 days')", &st.Violations7d},
			{"SELECT COUNT(*) FROM meta_alerts WHERE state != 'resolved'", &st.OpenAlerts},
		}
		for _, c := range counts {
			if err := db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
				return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to count")
			}
		}

		rows, err := db.QueryContext(ctx, "SELECT type, COUNT(*) FROM learnings GROUP BY type")
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to group learnings")
		}
		for rows.Next() {
			var t string
			var n int64
			if err := rows.Scan(&t, &n); err == nil {
				st.LearningsByType[t] = n
			}
		}
		rows.Close()

		rows, err = db.QueryContext(ctx, `
			SELECT domain, COUNT(*) FROM heuristics WHERE status = 'active'
			GROUP BY domain ORDER BY COUNT(*) DESC`)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to group heuristics")
		}
		for rows.Next() {
			var d string
			var n int64
			if err := rows.Scan(&d, &n); err == nil {
				st.HeuristicsByDomain[d] = n
				if len(st.TopDomains) < 5 {
					st.TopDomains = append(st.TopDomains, d)
				}
			}
		}
		rows.Close()

		return st, nil
	}()
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return nil, err
	}
	a.finish(nil, 1, 0, 0)
	return stats, nil
}

// ValidateDatabase runs the full validation pass.
func (s *Service) ValidateDatabase(ctx context.Context, timeout time.Duration) (*store.ValidationResult, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("validate_database", "", nil, 0)

	res, err := s.store.ValidateDatabase(ctx)
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return nil, err
	}
	a.finish(nil, len(res.Checks), 0, 0)
	return res, nil
}
