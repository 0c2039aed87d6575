package lifecycle

import (
	"context"
	"database/sql"
	"strings"

	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/store"
	"elfcore/internal/types"
)

// Expansion thresholds a candidate must meet while a domain is in
// overflow.
const (
	expansionMinConfidence  = 0.70
	expansionMinValidations = 3
	expansionMinNovelty     = 0.60
	nearDuplicateThreshold  = 0.85
	minRuleLen              = 10
	maxRuleLen              = 500
)

// RecordRequest carries a new heuristic through admission.
type RecordRequest struct {
	Domain            string
	Rule              string
	Explanation       string
	SourceType        string
	SourceID          *int64
	Confidence        float64
	TimesValidated    int
	ProjectPath       *string
	RevivalConditions string
	// Global forces a NULL project_path even when the caller has a
	// current location.
	Global bool
}

// RecordHeuristic validates a candidate rule, runs the elastic-capacity
// state machine for its domain, and inserts it. The domain transitions:
// normal (count <= soft) admits unconditionally; overflow (soft < count <=
// hard) admits only candidates meeting the expansion thresholds; critical
// (count > effective hard) rejects and leaves contraction to the
// scheduled pass.
func (e *Engine) RecordHeuristic(ctx context.Context, req RecordRequest) (int64, error) {
	timer := logging.StartTimer(logging.CategoryLifecycle, "RecordHeuristic")
	defer timer.Stop()

	rule := sanitizeRule(req.Rule)
	if len(rule) < minRuleLen {
		return 0, qerr.Validation("rule too short (%d chars, min %d)", len(rule), minRuleLen)
	}
	if len(rule) > maxRuleLen {
		return 0, qerr.Validation("rule too long (%d chars, max %d)", len(rule), maxRuleLen)
	}

	existing, err := e.store.ListDomainHeuristics(ctx, req.Domain, "", []string{types.StatusActive}, 1000)
	if err != nil {
		return 0, err
	}

	// Near-duplicate guard and novelty in one pass.
	maxSim := 0.0
	var nearest string
	for _, h := range existing {
		if sim := jaccard(rule, h.Rule); sim > maxSim {
			maxSim = sim
			nearest = h.Rule
		}
	}
	if maxSim >= nearDuplicateThreshold {
		return 0, qerr.Validation("rule duplicates an existing heuristic (similarity %.2f): %q", maxSim, nearest)
	}
	novelty := 1 - maxSim

	meta, err := e.store.GetDomainMetadata(ctx, req.Domain)
	if err != nil {
		return 0, err
	}
	soft, hard := e.cfg.SoftLimit, e.cfg.HardLimit
	if meta != nil {
		soft, hard = meta.SoftLimit, meta.EffectiveHardLimit()
	}
	count := len(existing)

	switch {
	case count < soft:
		// normal: admit unconditionally
	case count < hard:
		// overflow: expansion thresholds apply
		if req.Confidence < expansionMinConfidence {
			return 0, qerr.Validation("domain %s in overflow: candidate confidence %.2f below %.2f",
				req.Domain, req.Confidence, expansionMinConfidence)
		}
		if req.TimesValidated < expansionMinValidations {
			return 0, qerr.Validation("domain %s in overflow: candidate has %d validations, needs %d",
				req.Domain, req.TimesValidated, expansionMinValidations)
		}
		if novelty < expansionMinNovelty {
			return 0, qerr.Validation("domain %s in overflow: candidate novelty %.2f below %.2f",
				req.Domain, novelty, expansionMinNovelty)
		}
	default:
		// critical: reject; contraction is scheduled, not inline
		return 0, qerr.New(qerr.CodeGeneric,
			"domain %s at hard capacity (%d/%d); raise the CEO override or wait for contraction",
			req.Domain, count, hard)
	}

	h := &types.Heuristic{
		Domain:            req.Domain,
		Rule:              rule,
		Explanation:       req.Explanation,
		SourceType:        orSource(req.SourceType),
		SourceID:          req.SourceID,
		Confidence:        clamp01(req.Confidence),
		EMAAlpha:          e.cfg.EMAAlpha,
		EMAWarmupRemaining: e.cfg.EMAWarmup,
		TimesValidated:    req.TimesValidated,
		Status:            types.StatusActive,
		RevivalConditions: req.RevivalConditions,
		MinApplications:   e.cfg.MinApplications,
		ProjectPath:       req.ProjectPath,
	}
	ema := h.Confidence
	h.ConfidenceEMA = &ema

	var id int64
	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		id, txErr = store.InsertHeuristicTx(tx, h)
		return txErr
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return 0, qerr.Validation("heuristic already exists in domain %s: %q", req.Domain, rule)
		}
		return 0, err
	}

	if mdErr := e.appendMarkdownEntry(h, id); mdErr != nil {
		logging.Get(logging.CategoryLifecycle).Warn("Rollup append failed: %v", mdErr)
	}

	logging.Lifecycle("Recorded heuristic %d in %s (confidence=%.2f novelty=%.2f)", id, req.Domain, h.Confidence, novelty)
	return id, nil
}

// SetCEOOverride raises a domain's effective hard cap. NULL (nil) clears
// the override.
func (e *Engine) SetCEOOverride(ctx context.Context, domain string, limit *int) error {
	meta, err := e.store.GetDomainMetadata(ctx, domain)
	if err != nil {
		return err
	}
	if meta == nil {
		return qerr.Validation("unknown domain: %s", domain)
	}
	if limit != nil && *limit < meta.HardLimit {
		return qerr.Validation("CEO override %d below hard limit %d", *limit, meta.HardLimit)
	}
	var v any
	if limit != nil {
		v = *limit
	}
	_, err = e.store.DB().ExecContext(ctx,
		"UPDATE domain_metadata SET ceo_override_limit = ?, updated_at = CURRENT_TIMESTAMP WHERE domain = ?",
		v, domain)
	if err != nil {
		return qerr.Wrap(qerr.CodeDatabase, err, "failed to set CEO override for %s", domain)
	}
	return nil
}

func orSource(s string) string {
	if s == "" {
		return types.SourceObservation
	}
	return s
}

func trimLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func splitAny(s, seps string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(seps, r)
	})
}
