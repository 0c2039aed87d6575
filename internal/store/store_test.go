package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elfcore/internal/qerr"
	"elfcore/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err, "failed to open in-memory store")
	t.Cleanup(func() { s.Close() })
	return s
}

func insertHeuristic(t *testing.T, s *Store, domain, rule string, confidence float64, projectPath *string) int64 {
	t.Helper()
	var id int64
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		id, err = InsertHeuristicTx(tx, &types.Heuristic{
			Domain:     domain,
			Rule:       rule,
			Confidence: confidence,
			EMAAlpha:   0.3,
			Status:     types.StatusActive,
			ProjectPath: projectPath,
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStore(t)

	required := []string{
		"learnings", "heuristics", "patterns", "decisions", "invariants",
		"violations", "confidence_updates", "domain_metadata",
		"domain_baselines", "domain_baseline_history",
		"fraud_reports", "anomaly_signals", "fraud_responses", "session_contexts",
		"metric_observations", "metric_hourly_rollups", "meta_observer_config",
		"meta_alerts", "building_queries",
		"experiments", "ceo_reviews", "assumptions", "session_summaries",
	}
	for _, table := range required {
		if !tableExists(s.DB(), table) {
			t.Errorf("missing table: %s", table)
		}
	}
}

func TestDomainMetadataTriggers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertHeuristic(t, s, "auth", "always validate tokens on entry", 0.8, nil)
	insertHeuristic(t, s, "auth", "never log raw credentials anywhere", 0.9, nil)

	meta, err := s.GetDomainMetadata(ctx, "auth")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 2, meta.CurrentCount)
	assert.Equal(t, types.DomainNormal, meta.State)

	// Push past the soft limit of 5.
	rules := []string{
		"rotate signing keys every quarter without fail",
		"prefer short lived session tokens over long ones",
		"check audience claims before trusting any token",
		"store refresh tokens hashed at rest",
	}
	for _, r := range rules {
		insertHeuristic(t, s, "auth", r, 0.75, nil)
	}

	meta, err = s.GetDomainMetadata(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, 6, meta.CurrentCount)
	assert.Equal(t, types.DomainOverflow, meta.State)
	assert.NotNil(t, meta.OverflowEnteredAt, "overflow entry should be stamped")

	// Evicting back under the soft cap returns the domain to normal.
	_, err = s.DB().Exec("UPDATE heuristics SET status = 'evicted' WHERE domain = 'auth' AND id IN (SELECT id FROM heuristics WHERE domain = 'auth' LIMIT 2)")
	require.NoError(t, err)

	meta, err = s.GetDomainMetadata(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, 4, meta.CurrentCount)
	assert.Equal(t, types.DomainNormal, meta.State)
	assert.Nil(t, meta.OverflowEnteredAt)
}

func TestHeuristicIdentityUnique(t *testing.T) {
	s := newTestStore(t)

	insertHeuristic(t, s, "git", "commit early and commit often", 0.5, nil)

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := InsertHeuristicTx(tx, &types.Heuristic{
			Domain: "git", Rule: "commit early and commit often", Confidence: 0.5, EMAAlpha: 0.3,
		})
		return err
	})
	assert.Error(t, err, "duplicate (domain, rule, NULL path) must fail")

	// Same rule pinned to a project is a distinct identity.
	path := "/x"
	insertHeuristic(t, s, "git", "commit early and commit often", 0.5, &path)
}

func TestLearningFilepathUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertLearning(ctx, &types.Learning{
		Type: types.LearningFailure, Filepath: "memory/learnings/f1.md", Title: "first",
	})
	require.NoError(t, err)

	_, err = s.InsertLearning(ctx, &types.Learning{
		Type: types.LearningSuccess, Filepath: "memory/learnings/f1.md", Title: "second",
	})
	assert.Error(t, err)
}

func TestLocationScopedListing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := "/x"
	insertHeuristic(t, s, "auth", "global rule about token validation", 0.8, nil)
	insertHeuristic(t, s, "auth", "project rule about local key handling", 0.7, &path)

	// Caller at /x sees both.
	atX, err := s.ListDomainHeuristics(ctx, "auth", "/x", []string{types.StatusActive}, 10)
	require.NoError(t, err)
	assert.Len(t, atX, 2)

	// Caller at /y sees only the global row.
	atY, err := s.ListDomainHeuristics(ctx, "auth", "/y", []string{types.StatusActive}, 10)
	require.NoError(t, err)
	require.Len(t, atY, 1)
	assert.Nil(t, atY[0].ProjectPath)
}

func TestRepositoryAllowList(t *testing.T) {
	s := newTestStore(t)
	repo := NewRepository(s)
	ctx := context.Background()

	// Unknown entity fails before SQL.
	_, err := repo.ListAll(ctx, "heuristics; DROP TABLE learnings", "", "", 0)
	require.Error(t, err)
	assert.Equal(t, qerr.CodeValidation, qerr.CodeOf(err))

	// Unknown column fails.
	_, err = repo.ListWithFilters(ctx, "learnings", map[string]any{"nope": 1}, "", "", 0)
	require.Error(t, err)
	assert.Equal(t, qerr.CodeValidation, qerr.CodeOf(err))

	// Bad sort direction fails.
	_, err = repo.ListAll(ctx, "learnings", "created_at", "SIDEWAYS", 0)
	require.Error(t, err)
	assert.Equal(t, qerr.CodeValidation, qerr.CodeOf(err))

	// Round trip through create/get/update/count/delete.
	id, err := repo.Create(ctx, "decisions", map[string]any{
		"title":    "use one embedded store",
		"decision": "single sqlite file under the data root",
		"domain":   "storage",
	})
	require.NoError(t, err)

	row, err := repo.GetByID(ctx, "decisions", id)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "use one embedded store", row["title"])

	require.NoError(t, repo.Update(ctx, "decisions", id, map[string]any{"status": "superseded"}))

	n, err := repo.Count(ctx, "decisions", map[string]any{"status": "superseded"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	exists, err := repo.Exists(ctx, "decisions", id)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, repo.Delete(ctx, "decisions", id))
	exists, err = repo.Exists(ctx, "decisions", id)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestValidateFreshDatabase(t *testing.T) {
	s := newTestStore(t)

	res, err := s.ValidateDatabase(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	assert.Equal(t, "ok", res.Checks["integrity"])
	assert.Equal(t, "ok", res.Checks["domain_counts"])
}

func TestTagSubstringListing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertLearning(ctx, &types.Learning{
		Type: types.LearningFailure, Filepath: "l1.md", Title: "timeout in CI",
		Tags: "ci,timeout,flaky",
	})
	require.NoError(t, err)
	_, err = s.InsertLearning(ctx, &types.Learning{
		Type: types.LearningSuccess, Filepath: "l2.md", Title: "cache warmup",
		Tags: "performance,cache",
	})
	require.NoError(t, err)

	hits, err := s.ListLearningsByTags(ctx, []string{"timeout"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "timeout in CI", hits[0].Title)

	hits, err = s.ListLearningsByTags(ctx, []string{"cache", "flaky"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}
