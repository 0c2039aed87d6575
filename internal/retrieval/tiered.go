package retrieval

import (
	"context"
	"fmt"
	"strings"

	"elfcore/internal/config"
	"elfcore/internal/logging"
	"elfcore/internal/store"
	"elfcore/internal/types"
)

// ContextBuilder assembles a bounded-token context packet per query.
//
// Tier 1 (always): golden rules.
// Tier 2 (directed): domain heuristics and learnings, tag matches.
// Tier 3 (recency): recent learnings while budget remains.
// Appendices: active experiments, pending CEO reviews.
type ContextBuilder struct {
	store  *store.Store
	golden *GoldenRules
	cfg    config.ContextConfig
}

// NewContextBuilder creates a builder over the store and golden-rules
// cache.
func NewContextBuilder(s *store.Store, golden *GoldenRules, cfg config.ContextConfig) *ContextBuilder {
	return &ContextBuilder{store: s, golden: golden, cfg: cfg}
}

// estimateTokens approximates an item's cost at 4 chars/token.
func estimateTokens(text string) int {
	return len(text) / 4
}

// packet accumulates sections under the token budget.
type packet struct {
	sb     strings.Builder
	budget int
	used   int
}

// add appends text when the budget allows it; it reports whether the text
// was taken.
func (p *packet) add(text string) bool {
	need := estimateTokens(text)
	if p.used+need > p.budget {
		return false
	}
	p.sb.WriteString(text)
	p.used += need
	return true
}

func (p *packet) remaining() int { return p.budget - p.used }

// BuildRequest parameterizes one context build.
type BuildRequest struct {
	Task      string
	Domains   []string
	Tags      []string
	MaxTokens int
	// Location is the caller's current project path; it scopes heuristic
	// visibility.
	Location string
}

// Build assembles the context packet. Accumulation stops when the running
// total would exceed the budget; tier 3 stops early once the remaining
// budget falls under the reserve.
func (b *ContextBuilder) Build(ctx context.Context, req BuildRequest) (string, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Build")
	defer timer.Stop()

	budget := req.MaxTokens
	if budget <= 0 {
		budget = b.cfg.MaxTokens
	}
	p := &packet{budget: budget}

	p.add(fmt.Sprintf("# Context for: %s\n\n", truncate(req.Task, 200)))

	// Tier 1: golden rules, always.
	golden := b.golden.Get(nil)
	if !p.add(golden + "\n") {
		// The golden rules alone blew the budget; take what fits.
		cut := p.remaining() * 4
		if cut > 0 && cut < len(golden) {
			p.add(golden[:cut])
		}
		logging.Retrieval("Context build hit budget inside tier 1 (budget=%d)", budget)
		return p.sb.String(), nil
	}

	// Tier 2: domain-directed.
	for _, domain := range req.Domains {
		heuristics, err := b.store.ListDomainHeuristics(ctx, domain, req.Location,
			[]string{types.StatusActive}, 10)
		if err != nil {
			return "", err
		}
		if len(heuristics) > 0 {
			p.add(fmt.Sprintf("## Heuristics: %s\n\n", domain))
			for _, h := range heuristics {
				entry := fmt.Sprintf("- [%.2f] %s\n", h.Confidence, h.Rule)
				if h.Explanation != "" {
					entry += fmt.Sprintf("  %s\n", truncate(h.Explanation, 300))
				}
				if !p.add(entry) {
					break
				}
			}
			p.add("\n")
		}

		learnings, err := b.store.ListDomainLearnings(ctx, domain, 5)
		if err != nil {
			return "", err
		}
		if len(learnings) > 0 {
			p.add(fmt.Sprintf("## Recent learnings: %s\n\n", domain))
			for _, l := range learnings {
				if !p.add(formatLearning(l)) {
					break
				}
			}
			p.add("\n")
		}
	}

	// Tier 2: tag-directed.
	if len(req.Tags) > 0 {
		learnings, err := b.store.ListLearningsByTags(ctx, req.Tags, 10)
		if err != nil {
			return "", err
		}
		if len(learnings) > 0 {
			p.add(fmt.Sprintf("## Tagged: %s\n\n", strings.Join(req.Tags, ", ")))
			for _, l := range learnings {
				if !p.add(formatLearning(l)) {
					break
				}
			}
			p.add("\n")
		}
	}

	// Tier 3: recency, while the reserve holds.
	if p.remaining() >= b.cfg.ReserveTokens {
		recent, err := b.store.ListRecentLearnings(ctx, "", 10)
		if err != nil {
			return "", err
		}
		if len(recent) > 0 {
			p.add("## Recent activity\n\n")
			for _, l := range recent {
				if p.remaining() < b.cfg.ReserveTokens {
					break
				}
				if !p.add(formatLearning(l)) {
					break
				}
			}
			p.add("\n")
		}
	}

	// Appendices.
	if err := b.appendExperiments(ctx, p); err != nil {
		return "", err
	}
	if err := b.appendCEOReviews(ctx, p); err != nil {
		return "", err
	}

	logging.Retrieval("Context packet built: %d/%d tokens", p.used, budget)
	return p.sb.String(), nil
}

func (b *ContextBuilder) appendExperiments(ctx context.Context, p *packet) error {
	rows, err := b.store.DB().QueryContext(ctx,
		"SELECT name, hypothesis FROM experiments WHERE status = 'active' ORDER BY created_at DESC LIMIT 5")
	if err != nil {
		return err
	}
	defer rows.Close()

	wrote := false
	for rows.Next() {
		var name, hypothesis string
		if err := rows.Scan(&name, &hypothesis); err != nil {
			continue
		}
		if !wrote {
			if !p.add("## Active experiments\n\n") {
				return nil
			}
			wrote = true
		}
		if !p.add(fmt.Sprintf("- %s: %s\n", name, truncate(hypothesis, 200))) {
			break
		}
	}
	if wrote {
		p.add("\n")
	}
	return rows.Err()
}

func (b *ContextBuilder) appendCEOReviews(ctx context.Context, p *packet) error {
	rows, err := b.store.DB().QueryContext(ctx,
		"SELECT subject FROM ceo_reviews WHERE status = 'pending' ORDER BY created_at DESC LIMIT 5")
	if err != nil {
		return err
	}
	defer rows.Close()

	wrote := false
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			continue
		}
		if !wrote {
			if !p.add("## Pending reviews\n\n") {
				return nil
			}
			wrote = true
		}
		if !p.add(fmt.Sprintf("- %s\n", truncate(subject, 200))) {
			break
		}
	}
	if wrote {
		p.add("\n")
	}
	return rows.Err()
}

func formatLearning(l *types.Learning) string {
	return fmt.Sprintf("- [%s] %s: %s\n", l.Type, l.Title, truncate(l.Summary, 240))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
