package metaobserver

import (
	"context"
	"math"
	"time"

	"elfcore/internal/logging"
	"elfcore/internal/types"
)

// minBaselineSamples is the observation floor for the baseline window.
const minBaselineSamples = 30

// Anomaly is a z-score comparison of a current window against a baseline
// window.
type Anomaly struct {
	MetricName   string  `json:"metric_name"`
	ZScore       float64 `json:"z_score"`
	CurrentMean  float64 `json:"current_mean"`
	BaselineMean float64 `json:"baseline_mean"`
	BaselineStd  float64 `json:"baseline_std"`
	Severity     string  `json:"severity"` // "", warning, critical
	Reason       string  `json:"reason,omitempty"`
}

// DetectAnomaly compares the mean of [now-currentHours, now] against the
// baseline window [now-baselineHours, now-currentHours]. Severity is
// warning above the configured z-warning threshold and critical above the
// z-critical threshold.
func (o *Observer) DetectAnomaly(ctx context.Context, name string, baselineHours, currentHours int, domain string) (*Anomaly, error) {
	now := types.NowUTC()
	baseline, err := o.windowBetween(ctx, name, domain,
		now.Add(-hoursDur(baselineHours)), now.Add(-hoursDur(currentHours)))
	if err != nil {
		return nil, err
	}
	current, err := o.windowBetween(ctx, name, domain, now.Add(-hoursDur(currentHours)), now)
	if err != nil {
		return nil, err
	}

	a := &Anomaly{MetricName: name}
	if len(baseline) < minBaselineSamples {
		a.Reason = "insufficient_baseline"
		return a, nil
	}
	if len(current) == 0 {
		a.Reason = "no_current_data"
		return a, nil
	}

	baseMean, baseStd := meanStd(values(baseline))
	curMean, _ := meanStd(values(current))
	a.BaselineMean = baseMean
	a.BaselineStd = baseStd
	a.CurrentMean = curMean

	if baseStd == 0 {
		if curMean != baseMean {
			a.ZScore = math.Inf(sign(curMean - baseMean))
			a.Severity = "critical"
		}
		return a, nil
	}

	a.ZScore = (curMean - baseMean) / baseStd
	abs := math.Abs(a.ZScore)
	switch {
	case abs > o.cfg.ZCritical:
		a.Severity = "critical"
	case abs > o.cfg.ZWarning:
		a.Severity = "warning"
	}
	logging.MetaObserverDebug("Anomaly %s: z=%.2f severity=%q", name, a.ZScore, a.Severity)
	return a, nil
}

func hoursDur(h int) time.Duration {
	return time.Duration(h) * time.Hour
}

func values(obs []types.MetricObservation) []float64 {
	out := make([]float64, len(obs))
	for i, m := range obs {
		out[i] = m.Value
	}
	return out
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	varSum := 0.0
	for _, x := range xs {
		varSum += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(varSum / float64(len(xs)))
}

func sign(x float64) int {
	if x < 0 {
		return -1
	}
	return 1
}
