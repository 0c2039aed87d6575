package lifecycle

import (
	"context"
	"sort"
	"time"

	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/types"
)

// EvictionScore combines confidence, recency, and evidence into the score
// contraction sorts by. Lower scores evict first.
func EvictionScore(h *types.Heuristic, now time.Time) float64 {
	return h.Confidence * recencyFactor(h.LastUsedAt, now) * evidenceFactor(h.TimesValidated)
}

func recencyFactor(lastUsed *time.Time, now time.Time) float64 {
	if lastUsed == nil {
		return 0.25
	}
	days := now.Sub(*lastUsed).Hours() / 24
	switch {
	case days <= 7:
		return 1.0
	case days <= 14:
		return 0.85
	case days <= 30:
		return 0.7
	case days <= 60:
		return 0.5
	case days <= 90:
		return 0.3
	default:
		return 0.1
	}
}

func evidenceFactor(timesValidated int) float64 {
	switch {
	case timesValidated == 0:
		return 0.5
	case timesValidated < 3:
		return 0.7
	case timesValidated < 10:
		return 0.85
	default:
		return 1.0
	}
}

// ContractionResult summarizes one contraction pass over a domain.
type ContractionResult struct {
	Domain  string
	Evicted []int64
	Skipped string // non-empty when the pass did nothing, with the reason
}

// ContractDomain brings a domain's active count back to its soft cap by
// evicting the lowest-scoring heuristics. The grace period after entering
// overflow is honored before any forced eviction; golden rules are never
// evicted.
func (e *Engine) ContractDomain(ctx context.Context, domain string) (*ContractionResult, error) {
	timer := logging.StartTimer(logging.CategoryLifecycle, "ContractDomain")
	defer timer.Stop()

	res := &ContractionResult{Domain: domain}

	meta, err := e.store.GetDomainMetadata(ctx, domain)
	if err != nil {
		return nil, err
	}
	soft := e.cfg.SoftLimit
	grace := 7
	if meta != nil {
		soft = meta.SoftLimit
		grace = meta.GracePeriodDays
	}

	active, err := e.store.ListDomainHeuristics(ctx, domain, "", []string{types.StatusActive}, 10000)
	if err != nil {
		return nil, err
	}
	if len(active) <= soft {
		res.Skipped = "within soft cap"
		return res, nil
	}

	now := types.NowUTC()
	if meta != nil && meta.OverflowEnteredAt != nil {
		inOverflow := now.Sub(*meta.OverflowEnteredAt)
		if inOverflow < time.Duration(grace)*24*time.Hour {
			res.Skipped = "grace period active"
			logging.LifecycleDebug("Contraction of %s skipped: %.1f days into %d-day grace period",
				domain, inOverflow.Hours()/24, grace)
			return res, nil
		}
	}

	candidates := make([]*types.Heuristic, 0, len(active))
	for _, h := range active {
		if h.IsGolden {
			continue
		}
		candidates = append(candidates, h)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return EvictionScore(candidates[i], now) < EvictionScore(candidates[j], now)
	})

	toEvict := len(active) - soft
	for _, h := range candidates {
		if toEvict == 0 {
			break
		}
		_, err := e.store.DB().ExecContext(ctx,
			"UPDATE heuristics SET status = 'evicted', updated_at = ? WHERE id = ?",
			types.FormatTime(now), h.ID)
		if err != nil {
			return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to evict heuristic %d", h.ID)
		}
		res.Evicted = append(res.Evicted, h.ID)
		toEvict--
		logging.Lifecycle("Evicted heuristic %d from %s (score=%.3f)", h.ID, domain, EvictionScore(h, now))
	}
	return res, nil
}

// ContractOverdueDomains runs contraction over every domain that has been
// in overflow or critical longer than its max_overflow_days.
func (e *Engine) ContractOverdueDomains(ctx context.Context) ([]*ContractionResult, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT domain FROM domain_metadata
		WHERE state != 'normal'
		  AND overflow_entered_at IS NOT NULL
		  AND overflow_entered_at <= datetime('now', '-' || max_overflow_days || ' days')`)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to list overdue domains")
	}
	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err == nil {
			domains = append(domains, d)
		}
	}
	rows.Close()

	var results []*ContractionResult
	for _, d := range domains {
		r, err := e.ContractDomain(ctx, d)
		if err != nil {
			logging.Get(logging.CategoryLifecycle).Warn("Contraction of %s failed: %v", d, err)
			continue
		}
		results = append(results, r)
	}
	return results, nil
}
