package query

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elfcore/internal/config"
	"elfcore/internal/lifecycle"
	"elfcore/internal/qerr"
	"elfcore/internal/store"
	"elfcore/internal/types"
)

func testService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataRoot = t.TempDir()
	st, err := store.Open(":memory:")
	require.NoError(t, err)

	svc, err := NewWithStore(cfg, st, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestFreshInstallStatistics(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	stats, err := svc.GetStatistics(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalLearnings)
	assert.Zero(t, stats.TotalHeuristics)
	assert.Zero(t, stats.Violations7d)
	assert.Empty(t, stats.LearningsByType)
	assert.Empty(t, stats.HeuristicsByDomain)
}

func TestEveryCallAudited(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	_, err := svc.GetStatistics(ctx, 0)
	require.NoError(t, err)
	_, err = svc.QueryByDomain(ctx, "auth", 5, 0)
	require.NoError(t, err)
	// A validation failure is audited too.
	_, err = svc.QueryByDomain(ctx, "bad domain!", 5, 0)
	require.Error(t, err)

	rows, err := svc.Store().DB().Query(
		"SELECT query_type, status, error_code, completed_at FROM building_queries ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		queryType, status, errorCode string
		completed                    any
	}
	var audits []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.queryType, &r.status, &r.errorCode, &r.completed))
		audits = append(audits, r)
	}
	require.Len(t, audits, 3)
	for _, a := range audits {
		assert.NotNil(t, a.completed, "every audit row is finalized")
	}
	assert.Equal(t, types.QueryStatusSuccess, audits[0].status)
	assert.Equal(t, types.QueryStatusError, audits[2].status)
	assert.Equal(t, string(qerr.CodeValidation), audits[2].errorCode)
}

func TestValidationErrors(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	_, err := svc.QueryByDomain(ctx, "", 5, 0)
	assert.Equal(t, qerr.CodeValidation, qerr.CodeOf(err))

	_, err = svc.QueryByDomain(ctx, "ok", 0, 0)
	assert.Equal(t, qerr.CodeValidation, qerr.CodeOf(err))

	_, err = svc.QueryByTags(ctx, nil, 5, 0)
	assert.Equal(t, qerr.CodeValidation, qerr.CodeOf(err))

	_, err = svc.BuildContext(ctx, "   ", nil, nil, 0, 0)
	assert.Equal(t, qerr.CodeValidation, qerr.CodeOf(err))
}

func TestLocationScopingThroughService(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataRoot = t.TempDir()
	st, err := store.Open(":memory:")
	require.NoError(t, err)

	atX, err := NewWithStore(cfg, st, WithLocation("/x"))
	require.NoError(t, err)
	t.Cleanup(func() { atX.Close() })
	ctx := context.Background()

	// Heuristic A is global, heuristic B pinned to /x.
	_, err = atX.RecordHeuristic(ctx, lifecycle.RecordRequest{
		Domain: "auth", Rule: "a global rule visible from anywhere", Confidence: 0.8, Global: true,
	}, 0)
	require.NoError(t, err)
	_, err = atX.RecordHeuristic(ctx, lifecycle.RecordRequest{
		Domain: "auth", Rule: "a rule pinned to one project tree", Confidence: 0.7,
	}, 0)
	require.NoError(t, err)

	res, err := atX.QueryByDomain(ctx, "auth", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.HeuristicCount)

	atY, err := NewWithStore(cfg, st, WithLocation("/y"))
	require.NoError(t, err)
	res, err = atY.QueryByDomain(ctx, "auth", 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, res.HeuristicCount)
	assert.Nil(t, res.Heuristics[0].ProjectPath)
}

func TestUpdateConfidenceThroughService(t *testing.T) {
	svc := testService(t, WithSession("sess-42", "agent-7"))
	ctx := context.Background()

	id, err := svc.RecordHeuristic(ctx, lifecycle.RecordRequest{
		Domain: "testing", Rule: "always run the race detector in CI", Confidence: 0.5, Global: true,
	}, 0)
	require.NoError(t, err)

	upd, err := svc.UpdateConfidence(ctx, id, lifecycle.UpdateEvent{Type: types.UpdateSuccess}, 0)
	require.NoError(t, err)
	assert.Equal(t, "sess-42", upd.SessionID)
	assert.Equal(t, "agent-7", upd.AgentID)
	assert.InDelta(t, 0.55, upd.NewConfidence, 1e-9)
}

func TestObserveAndDistillEndToEnd(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	text := `{"ts": "2025-06-01T10:00:00Z", "type": "tool_use", "tool": "Bash", "input_summary": "go test ./...", "outcome": "failure"}
{"ts": "2025-06-01T10:00:30Z", "type": "tool_use", "tool": "Bash", "input_summary": "go test -count=1 ./...", "outcome": "success"}`

	summary, err := svc.ObserveSession(ctx, "", text, "e2e-1", "", true, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NewPatterns)

	// Age and strengthen the pattern so a distillation run promotes it.
	_, err = svc.Store().DB().Exec(`
		UPDATE patterns SET strength = 0.85, occurrence_count = 5,
			first_seen = ?, session_ids = '["a","b","c"]'`,
		types.FormatTime(types.NowUTC().AddDate(0, 0, -3)))
	require.NoError(t, err)

	res, err := svc.RunDistillation(ctx, "", true, false, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PatternsPromoted)

	golden, err := svc.GetGoldenRules(ctx, nil, 0)
	require.NoError(t, err)
	assert.Contains(t, golden, "Auto-Distilled Patterns")
}

func TestViolationSummary(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	for i, rule := range []string{"no-force-push", "no-force-push", "review-required"} {
		_, err := svc.Store().DB().Exec(`
			INSERT INTO violations (rule_id, rule_name, description, acknowledged)
			VALUES (?, ?, 'x', ?)`, i, rule, i == 2)
		require.NoError(t, err)
	}

	summary, err := svc.GetViolationSummary(ctx, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Unacknowledged)
	assert.Equal(t, 2, summary.ByRule["no-force-push"])

	violations, err := svc.GetViolations(ctx, 7, nil, 0)
	require.NoError(t, err)
	assert.Len(t, violations, 3)

	ack := false
	violations, err = svc.GetViolations(ctx, 7, &ack, 0)
	require.NoError(t, err)
	assert.Len(t, violations, 2)
}

func TestGoldenRuleCategoryFiltering(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataRoot = t.TempDir()
	goldenDir := filepath.Dir(cfg.GoldenRulesPath())
	require.NoError(t, writeFile(goldenDir, cfg.GoldenRulesPath(), `# Golden Rules

## 1. Squash fixups before merging

**Category:** git

Keep the history readable.

## 2. Fail loudly on bad config

**Category:** core

Silent defaults hide outages.
`))

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	svc, err := NewWithStore(cfg, st)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	out, err := svc.GetGoldenRules(context.Background(), []string{"git"}, 0)
	require.NoError(t, err)
	assert.Contains(t, out, "Squash fixups before merging")
	assert.NotContains(t, out, "Fail loudly on bad config")
	assert.Contains(t, out, "*[Filtered to categories: git]*")
}

func writeFile(dir, path, content string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
