// Package distill turns observed patterns into heuristics: time-based
// strength decay, promotion-candidate selection under a token budget, and
// the auto-distilled section of the golden-rules file.
package distill

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"

	"elfcore/internal/config"
	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/store"
	"elfcore/internal/types"
)

// Promotion criteria: all four must hold.
const (
	promotionMinStrength    = 0.7
	promotionMinOccurrences = 3
	promotionMinAgeDays     = 1.0
	promotionMinSessions    = 2
)

// Distiller runs the distillation cycle.
type Distiller struct {
	store           *store.Store
	cfg             config.DistillConfig
	goldenRulesPath string
}

// New creates a distiller. goldenRulesPath may be empty to disable the
// auto-append step.
func New(s *store.Store, cfg config.DistillConfig, goldenRulesPath string) *Distiller {
	return &Distiller{store: s, cfg: cfg, goldenRulesPath: goldenRulesPath}
}

// Result summarizes one distillation cycle.
type Result struct {
	PatternsDecayed  int     `json:"patterns_decayed"`
	Candidates       int     `json:"candidates"`
	PatternsPromoted int     `json:"patterns_promoted"`
	TokensUsed       int     `json:"tokens_used"`
	GoldenAppended   bool    `json:"golden_appended"`
	DryRun           bool    `json:"dry_run"`
	PromotedIDs      []int64 `json:"promoted_ids,omitempty"`
}

// decayFactor is the exponential half-life factor for a pattern's age.
func decayFactor(ageDays, halfLifeDays float64) float64 {
	if ageDays <= 0 {
		return 1.0
	}
	return math.Pow(0.5, ageDays/halfLifeDays)
}

// ApplyDecay multiplies every pattern's strength by the half-life factor
// of its age since last_seen, flooring at the configured minimum. Rows are
// never deleted by decay.
func (d *Distiller) ApplyDecay(ctx context.Context) (int, error) {
	timer := logging.StartTimer(logging.CategoryDistill, "ApplyDecay")
	defer timer.Stop()

	patterns, err := d.store.ListAllPatterns(ctx)
	if err != nil {
		return 0, err
	}

	now := types.NowUTC()
	decayed := 0
	for _, p := range patterns {
		ageDays := now.Sub(p.LastSeen).Hours() / 24
		newStrength := p.Strength * decayFactor(ageDays, d.cfg.HalfLifeDays)
		if newStrength < d.cfg.StrengthFloor {
			newStrength = d.cfg.StrengthFloor
		}
		if newStrength == p.Strength {
			continue
		}
		_, err := d.store.DB().ExecContext(ctx,
			"UPDATE patterns SET strength = ?, updated_at = ? WHERE id = ?",
			newStrength, types.FormatTime(now), p.ID)
		if err != nil {
			return decayed, qerr.Wrap(qerr.CodeDatabase, err, "failed to decay pattern %d", p.ID)
		}
		decayed++
	}
	logging.Distill("Decay applied to %d/%d patterns", decayed, len(patterns))
	return decayed, nil
}

// candidateOK checks the four promotion criteria.
func candidateOK(p *types.Pattern) bool {
	if p.PromotedToHeuristicID != nil {
		return false
	}
	if p.Strength < promotionMinStrength {
		return false
	}
	if p.OccurrenceCount < promotionMinOccurrences {
		return false
	}
	ageDays := types.NowUTC().Sub(p.FirstSeen).Hours() / 24
	if ageDays < promotionMinAgeDays {
		return false
	}
	return len(distinct(p.SessionIDs)) >= promotionMinSessions
}

func distinct(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// estimateTokens approximates a markdown block's cost at 4 chars/token.
func estimateTokens(text string) int {
	return len(text) / 4
}

// Run executes one distillation cycle: decay, candidate selection under
// the token budget, promotion, and the optional golden-rules append. The
// cycle is idempotent: with no intervening events, a second run promotes
// nothing and leaves the golden-rules file untouched.
func (d *Distiller) Run(ctx context.Context, projectPath string, autoAppend, dryRun bool) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryDistill, "Run")
	defer timer.Stop()

	res := &Result{DryRun: dryRun}

	if !dryRun {
		n, err := d.ApplyDecay(ctx)
		if err != nil {
			return nil, err
		}
		res.PatternsDecayed = n
	}

	patterns, err := d.store.ListUnpromotedPatterns(ctx, projectPath)
	if err != nil {
		return nil, err
	}
	var candidates []*types.Pattern
	for _, p := range patterns {
		if candidateOK(p) {
			candidates = append(candidates, p)
		}
	}
	res.Candidates = len(candidates)

	// Strongest first; ties broken by how often the pattern recurred.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Strength != candidates[j].Strength {
			return candidates[i].Strength > candidates[j].Strength
		}
		return candidates[i].OccurrenceCount > candidates[j].OccurrenceCount
	})

	// Accumulate until the golden-rules markdown budget is exhausted.
	var selected []*types.Pattern
	remaining := d.cfg.TokenBudget
	for i, p := range candidates {
		block := formatPatternBlock(p, i+1)
		need := estimateTokens(block)
		if need <= remaining {
			selected = append(selected, p)
			remaining -= need
		}
		if remaining < 100 {
			break
		}
	}
	res.TokensUsed = d.cfg.TokenBudget - remaining

	if dryRun {
		res.PatternsPromoted = len(selected)
		return res, nil
	}

	for _, p := range selected {
		id, err := d.promote(ctx, p)
		if err != nil {
			logging.Get(logging.CategoryDistill).Warn("Promotion of pattern %d failed: %v", p.ID, err)
			continue
		}
		res.PatternsPromoted++
		res.PromotedIDs = append(res.PromotedIDs, id)
	}

	if autoAppend && len(selected) > 0 && d.goldenRulesPath != "" {
		promoted := make([]*types.Pattern, 0, len(selected))
		for _, p := range selected {
			// Re-read to pick up the promotion link.
			if fresh, err := d.store.GetPattern(ctx, p.ID); err == nil && fresh != nil {
				promoted = append(promoted, fresh)
			}
		}
		if err := d.rewriteAutoSection(promoted); err != nil {
			logging.Get(logging.CategoryDistill).Warn("Golden-rules append failed: %v", err)
		} else {
			res.GoldenAppended = true
		}
	}

	logging.Distill("Distillation: decayed=%d candidates=%d promoted=%d tokens=%d",
		res.PatternsDecayed, res.Candidates, res.PatternsPromoted, res.TokensUsed)
	return res, nil
}

// promote creates the heuristic and marks the pattern in one transaction;
// on failure neither write persists.
func (d *Distiller) promote(ctx context.Context, p *types.Pattern) (int64, error) {
	var heuristicID int64
	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		sourceID := p.ID
		ema := p.Strength
		h := &types.Heuristic{
			Domain:         orDomain(p.Domain),
			Rule:           p.PatternText,
			Explanation:    fmt.Sprintf("Auto-distilled from %s pattern observed %d times.", p.PatternType, p.OccurrenceCount),
			SourceType:     types.SourceAutoDistilled,
			SourceID:       &sourceID,
			Confidence:     p.Strength,
			ConfidenceEMA:  &ema,
			EMAAlpha:       0.3,
			TimesValidated: p.OccurrenceCount,
			Status:         types.StatusActive,
			ProjectPath:    p.ProjectPath,
		}
		id, err := store.InsertHeuristicTx(tx, h)
		if err != nil {
			return qerr.Wrap(qerr.CodeDatabase, err, "failed to insert promoted heuristic")
		}
		_, err = tx.Exec(
			"UPDATE patterns SET promoted_to_heuristic_id = ?, updated_at = ? WHERE id = ?",
			id, types.FormatTime(types.NowUTC()), p.ID)
		if err != nil {
			return qerr.Wrap(qerr.CodeDatabase, err, "failed to link pattern %d", p.ID)
		}
		heuristicID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	logging.Distill("Promoted pattern %d -> heuristic %d (%s)", p.ID, heuristicID, p.PatternType)
	return heuristicID, nil
}

func orDomain(d string) string {
	if d == "" {
		return "general"
	}
	return d
}
