// Package lifecycle owns every write that changes a heuristic's
// confidence, status, evidence counters, or its place in a domain. Raw
// repository CRUD must not touch those columns.
package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"elfcore/internal/config"
	"elfcore/internal/logging"
	"elfcore/internal/store"
	"elfcore/internal/types"
)

// Engine is the lifecycle engine over one store.
type Engine struct {
	store *store.Store
	cfg   config.LifecycleConfig

	// markdownDir, when set, receives per-domain rollup entries on every
	// recorded heuristic (append-only).
	markdownDir string
}

// New creates a lifecycle engine.
func New(s *store.Store, cfg config.LifecycleConfig) *Engine {
	return &Engine{store: s, cfg: cfg}
}

// SetMarkdownDir enables per-domain markdown rollups under dir.
func (e *Engine) SetMarkdownDir(dir string) {
	e.markdownDir = dir
}

var controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)

// sanitizeRule normalizes whitespace and strips control characters.
func sanitizeRule(rule string) string {
	rule = controlChars.ReplaceAllString(rule, "")
	return strings.Join(strings.Fields(rule), " ")
}

// wordSet tokenizes a rule for similarity comparison.
func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if w != "" {
			set[w] = true
		}
	}
	return set
}

// jaccard computes word-level Jaccard similarity between two rules.
func jaccard(a, b string) float64 {
	sa, sb := wordSet(a), wordSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for w := range sa {
		if sb[w] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// appendMarkdownEntry appends the standard rollup block for a recorded
// heuristic to memory/heuristics/<domain>.md.
func (e *Engine) appendMarkdownEntry(h *types.Heuristic, id int64) error {
	if e.markdownDir == "" {
		return nil
	}
	if err := os.MkdirAll(e.markdownDir, 0o755); err != nil {
		return fmt.Errorf("failed to create heuristics dir: %w", err)
	}
	location := "global"
	if h.ProjectPath != nil {
		location = *h.ProjectPath
	}
	entry := fmt.Sprintf("## H-%d: %s\n\n**Confidence**: %.2f\n**Source**: %s\n**Location**: %s\n**Created**: %s\n\n%s\n\n---\n",
		id, h.Rule, h.Confidence, h.SourceType, location, types.NowUTC().Format("2006-01-02"), h.Explanation)

	path := filepath.Join(e.markdownDir, h.Domain+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open rollup file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("failed to append rollup entry: %w", err)
	}
	logging.LifecycleDebug("Appended rollup entry H-%d to %s", id, path)
	return nil
}
