package distill

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elfcore/internal/config"
	"elfcore/internal/store"
	"elfcore/internal/types"
)

func testDistiller(t *testing.T) (*Distiller, *store.Store, string) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	goldenPath := filepath.Join(t.TempDir(), "golden-rules.md")
	d := New(s, config.DefaultConfig().Distill, goldenPath)
	return d, s, goldenPath
}

func insertPattern(t *testing.T, s *store.Store, patternType, text, hash string, strength float64, occurrences int, firstSeenDaysAgo int, sessions []string) int64 {
	t.Helper()
	now := types.NowUTC()
	res, err := s.DB().Exec(`
		INSERT INTO patterns (pattern_type, pattern_text, signature, pattern_hash,
			occurrence_count, first_seen, last_seen, session_ids, domain, strength)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'general', ?)`,
		patternType, text, text, hash, occurrences,
		types.FormatTime(now.AddDate(0, 0, -firstSeenDaysAgo)), types.FormatTime(now),
		store.MarshalSessionIDs(sessions), strength)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestDecayFactor(t *testing.T) {
	assert.InDelta(t, 1.0, decayFactor(0, 7), 1e-9)
	assert.InDelta(t, 0.5, decayFactor(7, 7), 1e-9)
	assert.InDelta(t, 0.25, decayFactor(14, 7), 1e-9)
	// Two applications compose multiplicatively.
	assert.InDelta(t, decayFactor(3, 7)*decayFactor(3, 7), decayFactor(6, 7), 1e-9)
}

func TestApplyDecayFloorsNeverDeletes(t *testing.T) {
	d, s, _ := testDistiller(t)
	ctx := context.Background()

	id := insertPattern(t, s, types.PatternRetry, "retry the build", "hash-decay-1", 0.5, 3, 5, []string{"a"})
	// Age last_seen by 14 days so decay halves twice.
	old := types.FormatTime(types.NowUTC().AddDate(0, 0, -14))
	_, err := s.DB().Exec("UPDATE patterns SET last_seen = ? WHERE id = ?", old, id)
	require.NoError(t, err)

	_, err = d.ApplyDecay(ctx)
	require.NoError(t, err)

	p, err := s.GetPattern(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.5*math.Pow(0.5, 2), p.Strength, 1e-6)

	// Decay all the way down floors at 0.01 and keeps the row.
	for i := 0; i < 10; i++ {
		_, err = s.DB().Exec("UPDATE patterns SET last_seen = ? WHERE id = ?", old, id)
		require.NoError(t, err)
		_, err = d.ApplyDecay(ctx)
		require.NoError(t, err)
	}
	p, err = s.GetPattern(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p, "decay must never delete")
	assert.InDelta(t, 0.01, p.Strength, 1e-9)
}

func TestCandidateCriteria(t *testing.T) {
	now := types.NowUTC()
	base := types.Pattern{
		Strength:        0.85,
		OccurrenceCount: 5,
		FirstSeen:       now.AddDate(0, 0, -3),
		SessionIDs:      []string{"a", "b", "c"},
	}

	ok := base
	assert.True(t, candidateOK(&ok))

	weak := base
	weak.Strength = 0.5
	assert.False(t, candidateOK(&weak))

	rare := base
	rare.OccurrenceCount = 2
	assert.False(t, candidateOK(&rare))

	young := base
	young.FirstSeen = now.Add(-6 * time.Hour)
	assert.False(t, candidateOK(&young))

	oneSession := base
	oneSession.SessionIDs = []string{"a", "a"}
	assert.False(t, candidateOK(&oneSession))

	promoted := base
	id := int64(7)
	promoted.PromotedToHeuristicID = &id
	assert.False(t, candidateOK(&promoted))
}

func TestPromotionPath(t *testing.T) {
	d, s, goldenPath := testDistiller(t)
	ctx := context.Background()

	patternID := insertPattern(t, s, types.PatternRetry,
		"When Bash fails, retry with: go test -run One ./...",
		"hash-promote-1", 0.85, 5, 3, []string{"a", "b", "c"})

	res, err := d.Run(ctx, "", true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PatternsPromoted)
	assert.True(t, res.GoldenAppended)

	p, err := s.GetPattern(ctx, patternID)
	require.NoError(t, err)
	require.NotNil(t, p.PromotedToHeuristicID)

	h, err := s.GetHeuristic(ctx, *p.PromotedToHeuristicID)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, types.SourceAutoDistilled, h.SourceType)
	require.NotNil(t, h.SourceID)
	assert.Equal(t, patternID, *h.SourceID)
	assert.InDelta(t, 0.85, h.Confidence, 1e-6)
	assert.Equal(t, 5, h.TimesValidated)
	assert.False(t, h.IsGolden)

	data, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# Auto-Distilled Patterns")
	assert.Contains(t, content, "When Bash fails, retry with:")

	// Running again with no intervening events is a no-op on heuristics
	// and the golden section.
	var heuristicsBefore int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM heuristics").Scan(&heuristicsBefore))

	res, err = d.Run(ctx, "", true, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.PatternsPromoted)
	assert.False(t, res.GoldenAppended)

	var heuristicsAfter int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM heuristics").Scan(&heuristicsAfter))
	assert.Equal(t, heuristicsBefore, heuristicsAfter)

	after, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Equal(t, content, string(after))
}

func TestGoldenSectionPreservesHead(t *testing.T) {
	d, s, goldenPath := testDistiller(t)
	ctx := context.Background()

	head := "# Golden Rules\n\n## 1. Keep commits atomic\n\n**Category:** git\n\nOne logical change per commit.\n\n"
	require.NoError(t, os.WriteFile(goldenPath, []byte(head+"# Auto-Distilled Patterns\n\nstale body\n"), 0o644))

	insertPattern(t, s, types.PatternError,
		"Recurring permission_denied errors from Bash",
		"hash-golden-1", 0.9, 4, 2, []string{"x", "y"})

	_, err := d.Run(ctx, "", true, false)
	require.NoError(t, err)

	data, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	content := string(data)
	assert.True(t, strings.HasPrefix(content, head), "content above the marker is preserved verbatim")
	assert.NotContains(t, content, "stale body")
	assert.Contains(t, content, "permission_denied")
}

func TestBudgetBoundsSelection(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig().Distill
	cfg.TokenBudget = 150
	d := New(s, cfg, filepath.Join(t.TempDir(), "golden-rules.md"))

	long := strings.Repeat("a reliable observation about tooling ", 8)
	insertPattern(t, s, types.PatternRetry, long+"one", "hash-budget-1", 0.95, 5, 3, []string{"a", "b"})
	insertPattern(t, s, types.PatternRetry, long+"two", "hash-budget-2", 0.90, 5, 3, []string{"a", "b"})
	insertPattern(t, s, types.PatternRetry, long+"ten", "hash-budget-3", 0.85, 5, 3, []string{"a", "b"})

	res, err := d.Run(context.Background(), "", false, false)
	require.NoError(t, err)
	assert.Less(t, res.PatternsPromoted, 3, "budget must cut the candidate list")
	assert.GreaterOrEqual(t, res.PatternsPromoted, 1)
}
