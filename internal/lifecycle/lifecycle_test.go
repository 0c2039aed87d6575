package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elfcore/internal/config"
	"elfcore/internal/qerr"
	"elfcore/internal/store"
	"elfcore/internal/types"
)

func testEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, config.DefaultConfig().Lifecycle), s
}

func record(t *testing.T, e *Engine, domain, rule string, confidence float64) int64 {
	t.Helper()
	id, err := e.RecordHeuristic(context.Background(), RecordRequest{
		Domain: domain, Rule: rule, Confidence: confidence,
	})
	require.NoError(t, err)
	return id
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "use short tokens", "use short tokens", 1.0},
		{"disjoint", "alpha beta", "gamma delta", 0.0},
		{"half", "one two three four", "one two five six", 1.0 / 3.0},
		{"empty", "", "anything", 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, jaccard(tt.a, tt.b), 1e-9)
		})
	}
}

func TestConfidenceUpdateWarmupAndSmoothing(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()

	id := record(t, e, "testing", "rerun flaky tests once before failing the build", 0.5)

	// First update: warmup, alpha = 1, success target = 0.55.
	upd, err := e.UpdateConfidence(ctx, id, UpdateEvent{Type: types.UpdateSuccess, SessionID: "s1"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, upd.AlphaUsed, 1e-9)
	assert.InDelta(t, 0.55, upd.NewConfidence, 1e-9)
	assert.InDelta(t, 0.55, upd.RawTargetConfidence, 1e-9)
	assert.False(t, upd.RateLimited)

	h, err := s.GetHeuristic(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, h.TimesValidated)
	assert.Equal(t, 2, h.EMAWarmupRemaining)
	require.NotNil(t, h.ConfidenceEMA)
	assert.InDelta(t, 0.55, *h.ConfidenceEMA, 1e-9)

	// A failure the same day is not rate limited (only increases are).
	upd, err = e.UpdateConfidence(ctx, id, UpdateEvent{Type: types.UpdateFailure})
	require.NoError(t, err)
	assert.False(t, upd.RateLimited)
	assert.InDelta(t, 0.50, upd.NewConfidence, 1e-9)

	// A second increase the same day applies but is clipped.
	upd, err = e.UpdateConfidence(ctx, id, UpdateEvent{Type: types.UpdateSuccess})
	require.NoError(t, err)
	assert.True(t, upd.RateLimited)
	assert.InDelta(t, 0.0, upd.Delta, 1e-9)

	h, err = s.GetHeuristic(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, h.TimesValidated, "evidence keeps moving under rate limiting")
}

func TestConfidenceSmoothingAfterWarmup(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()

	id := record(t, e, "testing", "pin dependency versions in integration suites", 0.5)
	// Exhaust the 3-update warmup with failures (no rate limit on decreases).
	for i := 0; i < 3; i++ {
		_, err := e.UpdateConfidence(ctx, id, UpdateEvent{Type: types.UpdateFailure})
		require.NoError(t, err)
	}
	h, err := s.GetHeuristic(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, h.EMAWarmupRemaining)
	before := h.Confidence // 0.35 after three unsmoothed -0.05 steps

	upd, err := e.UpdateConfidence(ctx, id, UpdateEvent{Type: types.UpdateFailure})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, upd.AlphaUsed, 1e-9)
	// ema' = 0.3*(before-0.05) + 0.7*before = before - 0.015
	assert.InDelta(t, before-0.015, upd.NewConfidence, 1e-9)
}

func TestDeltaInvariant(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()

	id := record(t, e, "shell", "quote variables in shell commands", 0.6)
	for _, typ := range []string{types.UpdateSuccess, types.UpdateFailure, types.UpdateContradiction} {
		_, err := e.UpdateConfidence(ctx, id, UpdateEvent{Type: typ})
		require.NoError(t, err)
	}

	rows, err := s.DB().Query("SELECT old_confidence, new_confidence, delta FROM confidence_updates WHERE heuristic_id = ?", id)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var oldC, newC, delta float64
		require.NoError(t, rows.Scan(&oldC, &newC, &delta))
		assert.InDelta(t, newC-oldC, delta, 1e-9)
	}
}

func TestDormancyAndRevival(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()

	id := record(t, e, "infra", "restart the agent when the socket goes stale", 0.5)
	_, err := s.DB().Exec(`
		UPDATE heuristics SET confidence = 0.21, confidence_ema = 0.21,
			ema_warmup_remaining = 0, times_validated = 4, times_violated = 6,
			revival_conditions = 'socket, restart'
		WHERE id = ?`, id)
	require.NoError(t, err)

	// One contradiction drops below the floor with enough evidence.
	_, err = e.UpdateConfidence(ctx, id, UpdateEvent{Type: types.UpdateContradiction})
	require.NoError(t, err)

	h, err := s.GetHeuristic(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDormant, h.Status)
	assert.NotNil(t, h.DormantSince)

	// A matching trigger token revives it.
	revived, err := e.CheckRevivals(ctx, []string{"socket"}, "s9")
	require.NoError(t, err)
	assert.Equal(t, 1, revived)

	h, err = s.GetHeuristic(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, h.Status)
	assert.Equal(t, 1, h.TimesRevived)
	assert.Nil(t, h.DormantSince)
}

func TestEvictionScoreBuckets(t *testing.T) {
	now := types.NowUTC()
	days := func(n int) *time.Time {
		t := now.AddDate(0, 0, -n)
		return &t
	}

	tests := []struct {
		name     string
		lastUsed *time.Time
		validated int
		want     float64
	}{
		{"fresh and proven", days(1), 12, 1.0 * 1.0},
		{"two weeks old", days(10), 5, 0.85 * 0.85},
		{"month old", days(20), 2, 0.7 * 0.7},
		{"quarter old", days(80), 0, 0.3 * 0.5},
		{"ancient", days(120), 12, 0.1 * 1.0},
		{"never used", nil, 0, 0.25 * 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &types.Heuristic{Confidence: 1.0, LastUsedAt: tt.lastUsed, TimesValidated: tt.validated}
			assert.InDelta(t, tt.want, EvictionScore(h, now), 1e-9)
		})
	}
}

func TestElasticCapacityAdmission(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	rules := []string{
		"first rule about widget calibration procedures",
		"second rule about gasket tensioning and torque",
		"third rule about flange inspection cadence",
		"fourth rule about bearing lubrication schedules",
		"fifth rule about conveyor belt alignment marks",
	}
	for _, r := range rules {
		record(t, e, "maintenance", r, 0.5)
	}

	// Domain is at the soft cap: weak candidates are refused.
	_, err := e.RecordHeuristic(ctx, RecordRequest{
		Domain: "maintenance", Rule: "sixth rule about compressor drain intervals", Confidence: 0.5,
	})
	require.Error(t, err)
	assert.Equal(t, qerr.CodeValidation, qerr.CodeOf(err))

	// A strong, validated, novel candidate expands into overflow.
	id, err := e.RecordHeuristic(ctx, RecordRequest{
		Domain: "maintenance", Rule: "pressure relief valves get bench tested yearly",
		Confidence: 0.8, TimesValidated: 5,
	})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	// Insufficiently novel candidates are refused in overflow.
	_, err = e.RecordHeuristic(ctx, RecordRequest{
		Domain: "maintenance", Rule: "pressure relief valves get bench tested early",
		Confidence: 0.9, TimesValidated: 5,
	})
	require.Error(t, err)
	assert.Equal(t, qerr.CodeValidation, qerr.CodeOf(err))
}

func TestCriticalRejectsUntilOverride(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()

	rules := []string{
		"page the on call engineer before silencing monitors",
		"drain traffic from a node prior to kernel patching",
		"snapshot volumes ahead of any schema migration",
		"rotate pager duty ownership every sprint boundary",
		"capture flame graphs when latency doubles suddenly",
		"throttle batch jobs during peak checkout windows",
		"verify backup restores quarterly with real data",
		"tag every incident with its blast radius estimate",
		"keep runbooks adjacent to the alerts they resolve",
		"freeze deploys while error budgets are exhausted",
	}
	for _, rule := range rules {
		_, err := e.RecordHeuristic(ctx, RecordRequest{
			Domain: "ops", Rule: rule, Confidence: 0.9, TimesValidated: 5,
		})
		require.NoError(t, err)
	}

	meta, err := s.GetDomainMetadata(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, 10, meta.CurrentCount)

	// At the hard cap the insert is rejected.
	_, err = e.RecordHeuristic(ctx, RecordRequest{
		Domain: "ops", Rule: "one more rule that should bounce off the hard cap",
		Confidence: 0.95, TimesValidated: 9,
	})
	require.Error(t, err)

	// A CEO override raises the effective cap.
	limit := 12
	require.NoError(t, e.SetCEOOverride(ctx, "ops", &limit))
	_, err = e.RecordHeuristic(ctx, RecordRequest{
		Domain: "ops", Rule: "an override admitted rule about incident escalation",
		Confidence: 0.95, TimesValidated: 9,
	})
	assert.NoError(t, err)
}

func TestContractionHonorsGraceAndGolden(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()

	rules := []string{
		"canary a single region before any global rollout",
		"hold schema changes until traffic dips overnight",
		"gate releases on the smoke suite passing twice",
		"pin container digests rather than floating tags",
		"announce maintenance windows a week in advance",
		"roll back automatically when error rates triple",
		"bake configuration flags before removing old paths",
		"compare heap profiles across consecutive releases",
	}
	for _, rule := range rules {
		_, err := e.RecordHeuristic(ctx, RecordRequest{
			Domain: "deploy", Rule: rule, Confidence: 0.9, TimesValidated: 5,
		})
		require.NoError(t, err)
	}

	// Inside the grace period nothing is evicted.
	res, err := e.ContractDomain(ctx, "deploy")
	require.NoError(t, err)
	assert.Empty(t, res.Evicted)
	assert.Equal(t, "grace period active", res.Skipped)

	// Age the overflow entry past the grace period and pin one golden row.
	old := types.FormatTime(types.NowUTC().AddDate(0, 0, -10))
	_, err = s.DB().Exec("UPDATE domain_metadata SET overflow_entered_at = ? WHERE domain = 'deploy'", old)
	require.NoError(t, err)
	_, err = s.DB().Exec("UPDATE heuristics SET is_golden = 1 WHERE domain = 'deploy' AND id = (SELECT MIN(id) FROM heuristics WHERE domain = 'deploy')")
	require.NoError(t, err)

	res, err = e.ContractDomain(ctx, "deploy")
	require.NoError(t, err)
	assert.Len(t, res.Evicted, 3, "8 active minus soft cap of 5")

	var goldenStatus string
	require.NoError(t, s.DB().QueryRow(
		"SELECT status FROM heuristics WHERE domain = 'deploy' AND is_golden = 1").Scan(&goldenStatus))
	assert.Equal(t, types.StatusActive, goldenStatus, "golden rules are never evicted")
}

func TestRuleQualityValidation(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	_, err := e.RecordHeuristic(ctx, RecordRequest{Domain: "x", Rule: "short", Confidence: 0.5})
	require.Error(t, err)
	assert.Equal(t, qerr.CodeValidation, qerr.CodeOf(err))

	long := make([]byte, 0, 600)
	for len(long) < 520 {
		long = append(long, "all work and no play "...)
	}
	_, err = e.RecordHeuristic(ctx, RecordRequest{Domain: "x", Rule: string(long), Confidence: 0.5})
	require.Error(t, err)
	assert.Equal(t, qerr.CodeValidation, qerr.CodeOf(err))
}
