package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"elfcore/internal/config"
	"elfcore/internal/query"
	"elfcore/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testService(t *testing.T) *query.Service {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataRoot = t.TempDir()
	st, err := store.Open(":memory:")
	require.NoError(t, err)

	svc, err := query.NewWithStore(cfg, st)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestStartStopLeavesNoGoroutines(t *testing.T) {
	svc := testService(t)
	sched := New(svc, config.DefaultConfig().Scheduler)

	require.NoError(t, sched.Start(context.Background()))
	sched.Stop()
}

func TestSingletonLockSkipsOverlap(t *testing.T) {
	svc := testService(t)
	sched := New(svc, config.DefaultConfig().Scheduler)
	sched.ctx = context.Background()

	var runs int32
	started := make(chan struct{})
	release := make(chan struct{})
	slow := &task{name: "slow", run: func(ctx context.Context) error {
		if atomic.AddInt32(&runs, 1) == 1 {
			close(started)
			<-release
		}
		return nil
	}}

	go sched.execute(slow)
	<-started

	// A second tick while the first is running is skipped, not queued.
	sched.execute(slow)

	close(release)
	sched.wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs), "overlapping run must be skipped")
}

func TestTaskDisablesAfterConsecutiveFailures(t *testing.T) {
	svc := testService(t)
	sched := New(svc, config.DefaultConfig().Scheduler)
	sched.ctx = context.Background()

	failing := &task{name: "flaky_job", run: func(ctx context.Context) error {
		return errors.New("boom")
	}}

	for i := 0; i < maxConsecutiveFailures; i++ {
		sched.execute(failing)
	}
	assert.True(t, failing.disabled)

	// A critical alert was raised for the disabled task.
	alerts, err := svc.Meta().ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	found := false
	for _, a := range alerts {
		if a.AlertType == "task_disabled" && a.MetricName == "task.flaky_job" {
			found = true
			assert.Equal(t, "critical", a.Severity)
		}
	}
	assert.True(t, found, "expected a task_disabled alert")

	// Failure metrics were recorded along the way.
	var n int
	require.NoError(t, svc.Store().DB().QueryRow(
		"SELECT COUNT(*) FROM metric_observations WHERE metric_name = 'task.flaky_job.failures'").Scan(&n))
	assert.GreaterOrEqual(t, n, 1)

	// Once disabled, further ticks are no-ops.
	sched.execute(failing)
	assert.True(t, failing.disabled)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	svc := testService(t)
	sched := New(svc, config.DefaultConfig().Scheduler)
	sched.ctx = context.Background()

	calls := 0
	flaky := &task{name: "recovers", run: func(ctx context.Context) error {
		calls++
		if calls%2 == 1 {
			return errors.New("intermittent")
		}
		return nil
	}}

	for i := 0; i < 6; i++ {
		sched.execute(flaky)
	}
	assert.False(t, flaky.disabled, "alternating failures never reach the disable threshold")
	assert.Zero(t, flaky.failures)
}
