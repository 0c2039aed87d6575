package query

import (
	"strings"
	"time"

	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/types"
)

// audit is one in-flight BuildingQuery row. The row is inserted on entry
// and finalized exactly once on exit, so every API call appears once with
// a non-null completed_at.
type audit struct {
	id      int64
	started time.Time
	svc     *Service

	queryType string
	domain    string
	tags      []string
	limit     int
}

// beginAudit inserts the entry row. Audit failures never fail the
// operation itself.
func (s *Service) beginAudit(queryType, domain string, tags []string, limit int) *audit {
	a := &audit{
		started:   time.Now(),
		svc:       s,
		queryType: queryType,
		domain:    domain,
		tags:      tags,
		limit:     limit,
	}
	res, err := s.store.DB().Exec(`
		INSERT INTO building_queries (query_type, session_id, agent_id, domain, tags, limit_requested, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		queryType, s.sessionID, s.agentID, domain, strings.Join(tags, ","), limit,
		types.FormatTime(types.NowUTC()))
	if err != nil {
		logging.Get(logging.CategoryQuery).Warn("Audit insert failed for %s: %v", queryType, err)
		return a
	}
	a.id, _ = res.LastInsertId()
	return a
}

// finish finalizes the audit row with the outcome.
func (a *audit) finish(err error, results, heuristics, learnings int) {
	status := types.QueryStatusSuccess
	errMsg, errCode := "", ""
	if err != nil {
		errMsg = err.Error()
		errCode = string(qerr.CodeOf(err))
		if qerr.IsTimeout(err) {
			status = types.QueryStatusTimeout
		} else {
			status = types.QueryStatusError
		}
	}

	durationMs := time.Since(a.started).Milliseconds()
	if a.id != 0 {
		_, uerr := a.svc.store.DB().Exec(`
			UPDATE building_queries SET
				results_returned = ?, duration_ms = ?, status = ?,
				error_message = ?, error_code = ?,
				heuristic_count = ?, learning_count = ?, completed_at = ?
			WHERE id = ?`,
			results, durationMs, status, errMsg, errCode,
			heuristics, learnings, types.FormatTime(types.NowUTC()), a.id)
		if uerr != nil {
			logging.Get(logging.CategoryQuery).Warn("Audit finalize failed for %s: %v", a.queryType, uerr)
		}
	}
	logging.QueryDebug("%s: status=%s results=%d duration=%dms", a.queryType, status, results, durationMs)
}
