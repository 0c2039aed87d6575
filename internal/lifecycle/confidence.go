package lifecycle

import (
	"context"
	"database/sql"

	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/store"
	"elfcore/internal/types"
)

// UpdateEvent describes one confidence-moving event.
type UpdateEvent struct {
	// Type: success, failure, contradiction, or manual.
	Type      string
	Reason    string
	SessionID string
	AgentID   string
	// ManualTarget is the explicit target confidence for manual updates.
	ManualTarget float64
}

// Raw target deltas per event type.
const (
	successDelta       = 0.05
	failureDelta       = 0.05
	contradictionDelta = 0.15
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// UpdateConfidence applies one EMA-smoothed confidence update and persists
// the audit row in the same transaction. At most one non-manual update per
// UTC calendar day may increase confidence; later increases the same day
// are applied but clipped to no-increase and flagged rate_limited, so the
// evidence counters keep moving.
func (e *Engine) UpdateConfidence(ctx context.Context, heuristicID int64, ev UpdateEvent) (*types.ConfidenceUpdate, error) {
	timer := logging.StartTimer(logging.CategoryLifecycle, "UpdateConfidence")
	defer timer.Stop()

	switch ev.Type {
	case types.UpdateSuccess, types.UpdateFailure, types.UpdateContradiction, types.UpdateManual:
	default:
		return nil, qerr.Validation("unknown update type: %q", ev.Type)
	}

	var result *types.ConfidenceUpdate
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		h, err := loadHeuristicTx(tx, heuristicID)
		if err != nil {
			return err
		}
		if h == nil {
			return qerr.Validation("heuristic %d not found", heuristicID)
		}

		now := types.NowUTC()
		today := now.Format("2006-01-02")
		if h.UpdateCountResetDate != today {
			h.UpdateCountToday = 0
			h.UpdateCountResetDate = today
		}

		old := h.Confidence

		// Raw target.
		var target float64
		switch ev.Type {
		case types.UpdateSuccess:
			target = clamp01(old + successDelta)
		case types.UpdateFailure:
			target = clamp01(old - failureDelta)
		case types.UpdateContradiction:
			target = clamp01(old - contradictionDelta)
		case types.UpdateManual:
			target = clamp01(ev.ManualTarget)
		}

		// Smoothing factor: no smoothing while warming up.
		alpha := h.EMAAlpha
		if h.EMAWarmupRemaining > 0 {
			alpha = 1.0
			h.EMAWarmupRemaining--
		}

		emaOld := old
		if h.ConfidenceEMA != nil {
			emaOld = *h.ConfidenceEMA
		}
		emaNew := clamp01(alpha*target + (1-alpha)*emaOld)
		smoothedDelta := emaNew - emaOld
		newConf := emaNew

		// Rate limit: at most one non-manual increase per UTC calendar day.
		// Later increases apply as evidence only.
		rateLimited := false
		if ev.Type != types.UpdateManual && newConf > old {
			var increasesToday int
			err = tx.QueryRow(`
				SELECT COUNT(*) FROM confidence_updates
				WHERE heuristic_id = ? AND update_type != 'manual'
				  AND delta > 0 AND rate_limited = 0 AND created_at >= ?`,
				h.ID, today+" 00:00:00").Scan(&increasesToday)
			if err != nil {
				return qerr.Wrap(qerr.CodeDatabase, err, "failed to count daily increases")
			}
			if increasesToday >= 1 {
				rateLimited = true
				newConf = old
				emaNew = emaOld
			}
		}

		switch ev.Type {
		case types.UpdateSuccess:
			h.TimesValidated++
		case types.UpdateFailure:
			h.TimesViolated++
		case types.UpdateContradiction:
			h.TimesContradicted++
		}
		h.UpdateCountToday++

		// Dormancy: low confidence with enough evidence sidelines the rule.
		status := h.Status
		var dormantSince any
		if h.DormantSince != nil {
			dormantSince = types.FormatTime(*h.DormantSince)
		}
		if status == types.StatusActive && newConf < e.cfg.DormancyFloor &&
			h.TimesValidated+h.TimesViolated >= h.MinApplications {
			status = types.StatusDormant
			dormantSince = types.FormatTime(now)
			logging.Lifecycle("Heuristic %d entering dormancy (confidence=%.3f)", h.ID, newConf)
		}

		nowStr := types.FormatTime(now)
		_, err = tx.Exec(`
			UPDATE heuristics SET
				confidence = ?, confidence_ema = ?, ema_warmup_remaining = ?,
				times_validated = ?, times_violated = ?, times_contradicted = ?,
				status = ?, dormant_since = ?,
				last_used_at = ?, last_confidence_update = ?,
				update_count_today = ?, update_count_reset_date = ?,
				updated_at = ?
			WHERE id = ?`,
			newConf, emaNew, h.EMAWarmupRemaining,
			h.TimesValidated, h.TimesViolated, h.TimesContradicted,
			status, dormantSince,
			nowStr, nowStr,
			h.UpdateCountToday, h.UpdateCountResetDate,
			nowStr, h.ID)
		if err != nil {
			return qerr.Wrap(qerr.CodeDatabase, err, "failed to update heuristic %d", h.ID)
		}

		upd := &types.ConfidenceUpdate{
			HeuristicID:         h.ID,
			OldConfidence:       old,
			NewConfidence:       newConf,
			Delta:               newConf - old,
			UpdateType:          ev.Type,
			Reason:              ev.Reason,
			SessionID:           ev.SessionID,
			AgentID:             ev.AgentID,
			RateLimited:         rateLimited,
			RawTargetConfidence: target,
			SmoothedDelta:       smoothedDelta,
			AlphaUsed:           alpha,
			CreatedAt:           now,
		}
		if err := insertUpdateTx(tx, upd); err != nil {
			return err
		}
		result = upd
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.LifecycleDebug("Confidence update: heuristic=%d type=%s %.3f -> %.3f (rate_limited=%v)",
		heuristicID, ev.Type, result.OldConfidence, result.NewConfidence, result.RateLimited)
	return result, nil
}

// Revive returns a dormant heuristic to active, incrementing
// times_revived and appending an audit row. Confidence is unchanged.
func (e *Engine) Revive(ctx context.Context, heuristicID int64, reason, sessionID string) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		h, err := loadHeuristicTx(tx, heuristicID)
		if err != nil {
			return err
		}
		if h == nil {
			return qerr.Validation("heuristic %d not found", heuristicID)
		}
		if h.Status != types.StatusDormant {
			return qerr.Validation("heuristic %d is not dormant (status=%s)", heuristicID, h.Status)
		}

		now := types.NowUTC()
		nowStr := types.FormatTime(now)
		_, err = tx.Exec(`
			UPDATE heuristics SET
				status = 'active', dormant_since = NULL,
				times_revived = times_revived + 1,
				last_used_at = ?, updated_at = ?
			WHERE id = ?`, nowStr, nowStr, heuristicID)
		if err != nil {
			return qerr.Wrap(qerr.CodeDatabase, err, "failed to revive heuristic %d", heuristicID)
		}

		upd := &types.ConfidenceUpdate{
			HeuristicID:         heuristicID,
			OldConfidence:       h.Confidence,
			NewConfidence:       h.Confidence,
			Delta:               0,
			UpdateType:          types.UpdateRevival,
			Reason:              reason,
			SessionID:           sessionID,
			RawTargetConfidence: h.Confidence,
			AlphaUsed:           0,
			CreatedAt:           now,
		}
		if err := insertUpdateTx(tx, upd); err != nil {
			return err
		}
		logging.Lifecycle("Heuristic %d revived: %s", heuristicID, reason)
		return nil
	})
}

// CheckRevivals scans dormant heuristics whose revival conditions match
// any of the supplied trigger tokens and revives them.
func (e *Engine) CheckRevivals(ctx context.Context, tokens []string, sessionID string) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	rows, err := e.store.DB().QueryContext(ctx,
		"SELECT id, revival_conditions FROM heuristics WHERE status = 'dormant' AND revival_conditions != ''")
	if err != nil {
		return 0, qerr.Wrap(qerr.CodeDatabase, err, "failed to list dormant heuristics")
	}

	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[normalizeToken(t)] = true
	}

	type match struct {
		id    int64
		token string
	}
	var matches []match
	for rows.Next() {
		var id int64
		var conditions string
		if err := rows.Scan(&id, &conditions); err != nil {
			continue
		}
		for _, cond := range splitTokens(conditions) {
			if tokenSet[cond] {
				matches = append(matches, match{id: id, token: cond})
				break
			}
		}
	}
	rows.Close()

	revived := 0
	for _, m := range matches {
		if err := e.Revive(ctx, m.id, "revival condition matched: "+m.token, sessionID); err != nil {
			logging.Get(logging.CategoryLifecycle).Warn("Revival of %d failed: %v", m.id, err)
			continue
		}
		revived++
	}
	return revived, nil
}

func loadHeuristicTx(tx *sql.Tx, id int64) (*types.Heuristic, error) {
	row := tx.QueryRow(`SELECT id, domain, rule, explanation, source_type, source_id,
		confidence, confidence_ema, ema_alpha, ema_warmup_remaining,
		times_validated, times_violated, times_contradicted, times_revived,
		is_golden, status, dormant_since, revival_conditions,
		last_used_at, last_confidence_update,
		update_count_today, update_count_reset_date, min_applications,
		fraud_flags, is_quarantined, last_fraud_check, project_path,
		created_at, updated_at FROM heuristics WHERE id = ?`, id)
	h, err := store.ScanHeuristic(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to load heuristic %d", id)
	}
	return h, nil
}

func insertUpdateTx(tx *sql.Tx, u *types.ConfidenceUpdate) error {
	_, err := tx.Exec(`
		INSERT INTO confidence_updates (
			heuristic_id, old_confidence, new_confidence, delta,
			update_type, reason, session_id, agent_id, rate_limited,
			raw_target_confidence, smoothed_delta, alpha_used, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.HeuristicID, u.OldConfidence, u.NewConfidence, u.Delta,
		u.UpdateType, u.Reason, u.SessionID, u.AgentID, u.RateLimited,
		u.RawTargetConfidence, u.SmoothedDelta, u.AlphaUsed,
		types.FormatTime(u.CreatedAt))
	if err != nil {
		return qerr.Wrap(qerr.CodeDatabase, err, "failed to insert confidence update")
	}
	return nil
}

func normalizeToken(s string) string {
	return trimLower(s)
}

func splitTokens(s string) []string {
	var out []string
	for _, part := range splitAny(s, ", ") {
		if t := trimLower(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}
