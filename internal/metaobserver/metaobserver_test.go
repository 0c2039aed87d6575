package metaobserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elfcore/internal/config"
	"elfcore/internal/store"
	"elfcore/internal/types"
)

func testObserver(t *testing.T) (*Observer, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, config.DefaultConfig().MetaObserver), s
}

func insertObservation(t *testing.T, s *store.Store, name string, value float64, at time.Time, domain string) {
	t.Helper()
	var domainVal any
	if domain != "" {
		domainVal = domain
	}
	_, err := s.DB().Exec(`
		INSERT INTO metric_observations (metric_name, value, observed_at, domain)
		VALUES (?, ?, ?, ?)`, name, value, types.FormatTime(at), domainVal)
	require.NoError(t, err)
}

func TestRecordMetricAndDedup(t *testing.T) {
	o, s := testObserver(t)
	ctx := context.Background()

	id, err := o.RecordMetric(ctx, "avg_confidence", 0.75, "", "")
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	// The same (name, instant, domain) must fail; domain-scoped rows are
	// a separate series.
	now := types.NowUTC()
	insertObservation(t, s, "test_metric", 1.0, now, "")
	_, err = s.DB().Exec(`
		INSERT INTO metric_observations (metric_name, value, observed_at, domain)
		VALUES ('test_metric', 2.0, ?, NULL)`, types.FormatTime(now))
	assert.Error(t, err)
	insertObservation(t, s, "test_metric", 2.0, now, "security")
}

func TestRollingWindow(t *testing.T) {
	o, s := testObserver(t)
	ctx := context.Background()

	now := types.NowUTC()
	insertObservation(t, s, "m", 1.0, now.Add(-50*time.Hour), "")
	insertObservation(t, s, "m", 2.0, now.Add(-26*time.Hour), "")
	insertObservation(t, s, "m", 3.0, now.Add(-12*time.Hour), "")
	insertObservation(t, s, "m", 4.0, now.Add(-1*time.Hour), "")

	win, err := o.Window(ctx, "m", 24, "")
	require.NoError(t, err)
	require.Len(t, win, 2)
	assert.Equal(t, 3.0, win[0].Value, "ordered by observed_at")
	assert.Equal(t, 4.0, win[1].Value)

	win, err = o.Window(ctx, "m", 48, "")
	require.NoError(t, err)
	assert.Len(t, win, 3)
}

func TestHourlyRollup(t *testing.T) {
	o, s := testObserver(t)
	ctx := context.Background()

	hour := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	insertObservation(t, s, "m", 1.0, hour.Add(5*time.Minute), "")
	insertObservation(t, s, "m", 3.0, hour.Add(25*time.Minute), "")
	insertObservation(t, s, "m", 2.0, hour.Add(45*time.Minute), "")

	_, err := o.RollupHourly(ctx)
	require.NoError(t, err)

	var minV, maxV, avgV float64
	var n int
	require.NoError(t, s.DB().QueryRow(`
		SELECT min_value, max_value, avg_value, sample_count
		FROM metric_hourly_rollups WHERE metric_name = 'm' AND hour_start = '2025-06-01 10:00:00'`).
		Scan(&minV, &maxV, &avgV, &n))
	assert.Equal(t, 1.0, minV)
	assert.Equal(t, 3.0, maxV)
	assert.InDelta(t, 2.0, avgV, 1e-9)
	assert.Equal(t, 3, n)

	// Re-rolling after another observation updates in place.
	insertObservation(t, s, "m", 7.0, hour.Add(55*time.Minute), "")
	_, err = o.RollupHourly(ctx)
	require.NoError(t, err)
	require.NoError(t, s.DB().QueryRow(`
		SELECT max_value, sample_count FROM metric_hourly_rollups
		WHERE metric_name = 'm' AND hour_start = '2025-06-01 10:00:00'`).Scan(&maxV, &n))
	assert.Equal(t, 7.0, maxV)
	assert.Equal(t, 4, n)
}

func TestTrendDetection(t *testing.T) {
	o, s := testObserver(t)
	ctx := context.Background()
	now := types.NowUTC()

	// Declining series: -0.05/day over 8 days, hourly samples.
	for day := 0; day < 8; day++ {
		for hour := 0; hour < 24; hour++ {
			elapsed := day*24 + hour
			ts := now.Add(-time.Duration(8*24-elapsed) * time.Hour)
			value := 0.75 - float64(elapsed)*0.05/24
			insertObservation(t, s, "declining", value, ts, "")
		}
	}
	trend, err := o.CalculateTrend(ctx, "declining", 8*24, "")
	require.NoError(t, err)
	assert.Equal(t, "decreasing", trend.Direction)
	assert.Negative(t, trend.Slope)

	// Increasing series.
	for i := 0; i < 48; i++ {
		insertObservation(t, s, "rising", 0.3+float64(i)*0.01, now.Add(-time.Duration(48-i)*time.Hour), "")
	}
	trend, err = o.CalculateTrend(ctx, "rising", 48, "")
	require.NoError(t, err)
	assert.Equal(t, "increasing", trend.Direction)

	// Flat noisy-ish series stays stable.
	for i := 0; i < 48; i++ {
		v := 0.5
		if i%2 == 0 {
			v = 0.52
		}
		insertObservation(t, s, "flat", v, now.Add(-time.Duration(48-i)*time.Hour), "")
	}
	trend, err = o.CalculateTrend(ctx, "flat", 48, "")
	require.NoError(t, err)
	assert.Equal(t, "stable", trend.Direction)

	// Too few samples.
	for i := 0; i < 5; i++ {
		insertObservation(t, s, "thin", 0.5, now.Add(-time.Duration(i+1)*time.Hour), "")
	}
	trend, err = o.CalculateTrend(ctx, "thin", 6, "")
	require.NoError(t, err)
	assert.Equal(t, "low", trend.Confidence)
	assert.Equal(t, "insufficient_data", trend.Reason)
}

func TestAnomalyDetection(t *testing.T) {
	o, s := testObserver(t)
	ctx := context.Background()
	now := types.NowUTC()

	// 30 days of baseline around 0.05, then a spike to 0.20.
	for day := 1; day <= 30; day++ {
		for h := 0; h < 2; h++ {
			v := 0.05
			if (day+h)%2 == 0 {
				v = 0.06
			}
			insertObservation(t, s, "contradiction_rate", v,
				now.Add(-time.Duration(day*24+h*3+24)*time.Hour), "")
		}
	}
	for h := 1; h <= 6; h++ {
		insertObservation(t, s, "contradiction_rate", 0.20, now.Add(-time.Duration(h)*time.Hour), "")
	}

	a, err := o.DetectAnomaly(ctx, "contradiction_rate", 31*24, 24, "")
	require.NoError(t, err)
	assert.NotEmpty(t, a.Severity)
	assert.Greater(t, a.ZScore, 4.0)

	// Insufficient baseline reports the reason instead of firing.
	for i := 0; i < 5; i++ {
		insertObservation(t, s, "sparse", 0.5, now.Add(-time.Duration(30+i)*time.Hour), "")
	}
	a, err = o.DetectAnomaly(ctx, "sparse", 72, 24, "")
	require.NoError(t, err)
	assert.Empty(t, a.Severity)
	assert.Equal(t, "insufficient_baseline", a.Reason)
}

func TestAlertStateMachine(t *testing.T) {
	o, _ := testObserver(t)
	ctx := context.Background()

	id, err := o.CreateAlert(ctx, "confidence_decline", "warning", "avg_confidence", "declining", "", nil, nil)
	require.NoError(t, err)

	alerts, err := o.ListAlerts(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertNew, alerts[0].State)

	// Same key dedups onto the open alert.
	id2, err := o.CreateAlert(ctx, "confidence_decline", "warning", "avg_confidence", "still declining", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	alerts, err = o.ListAlerts(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "still declining", alerts[0].Message)

	require.NoError(t, o.AcknowledgeAlert(ctx, id))
	require.NoError(t, o.ResolveAlert(ctx, id))

	// Resolved is terminal: acknowledging again fails, and the same key
	// creates a fresh alert.
	assert.Error(t, o.AcknowledgeAlert(ctx, id))
	id3, err := o.CreateAlert(ctx, "confidence_decline", "warning", "avg_confidence", "new episode", "", nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id, id3)
}

func TestCheckAlertsBootstrap(t *testing.T) {
	o, s := testObserver(t)
	ctx := context.Background()
	now := types.NowUTC()

	// Three days of history only.
	for day := 0; day < 3; day++ {
		for h := 0; h < 4; h++ {
			insertObservation(t, s, "avg_confidence", 0.7,
				now.Add(-time.Duration(day*24+h)*time.Hour), "")
		}
	}

	alerts, err := o.CheckAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBootstrap, alerts[0].AlertType)
}

func TestCheckAlertsConfidenceDecline(t *testing.T) {
	o, s := testObserver(t)
	ctx := context.Background()
	now := types.NowUTC()

	// Ten days of hourly history sliding 0.05/day, well past the decline
	// threshold.
	for day := 0; day < 10; day++ {
		for h := 0; h < 24; h++ {
			elapsed := day*24 + h
			age := time.Duration(10*24-elapsed) * time.Hour
			value := 0.75 - float64(elapsed)*0.05/24
			insertObservation(t, s, "avg_confidence", value, now.Add(-age), "")
		}
	}

	alerts, err := o.CheckAlerts(ctx)
	require.NoError(t, err)
	var decline *types.MetaAlert
	for i := range alerts {
		if alerts[i].AlertType == AlertConfidenceDecline {
			decline = &alerts[i]
		}
	}
	require.NotNil(t, decline, "expected a confidence_decline alert")
	assert.Equal(t, types.AlertNew, decline.State)

	// Walk the state machine and confirm a fresh episode after resolve.
	require.NoError(t, o.AcknowledgeAlert(ctx, decline.ID))
	require.NoError(t, o.ResolveAlert(ctx, decline.ID))

	alerts, err = o.CheckAlerts(ctx)
	require.NoError(t, err)
	var second *types.MetaAlert
	for i := range alerts {
		if alerts[i].AlertType == AlertConfidenceDecline {
			second = &alerts[i]
		}
	}
	require.NotNil(t, second)
	assert.NotEqual(t, decline.ID, second.ID, "resolved alerts never absorb new firings")
}

func TestFalsePositiveTracking(t *testing.T) {
	o, _ := testObserver(t)
	ctx := context.Background()

	id, err := o.CreateAlert(ctx, "test_alert", "warning", "test_metric", "msg", "", nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, o.MarkAlertOutcome(ctx, id, true))
	}
	for i := 0; i < 7; i++ {
		require.NoError(t, o.MarkAlertOutcome(ctx, id, false))
	}

	stats, err := o.FalsePositiveStats(ctx)
	require.NoError(t, err)
	s, ok := stats["test_metric"]
	require.True(t, ok)
	assert.Equal(t, 3, s.FalsePositives)
	assert.Equal(t, 7, s.TruePositives)
	assert.InDelta(t, 0.3, s.FPR, 1e-9)
	assert.True(t, s.OverTolerance)
}
