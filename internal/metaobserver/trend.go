package metaobserver

import (
	"context"
	"math"

	"elfcore/internal/logging"
)

// minTrendSamples is the sample floor for a meaningful fit.
const minTrendSamples = 10

// Trend is a least-squares fit over a rolling window.
type Trend struct {
	MetricName string  `json:"metric_name"`
	Direction  string  `json:"direction"`  // increasing, decreasing, stable
	Slope      float64 `json:"slope"`      // value change per hour
	Intercept  float64 `json:"intercept"`
	Samples    int     `json:"samples"`
	Confidence string  `json:"confidence"` // low, high
	Reason     string  `json:"reason,omitempty"`
}

// CalculateTrend fits value = slope*t + intercept over the window, where t
// is elapsed hours from the window start. The null slope is rejected only
// when |slope|*sqrt(n)/sigma_residual > 2 (roughly a 95% interval);
// otherwise the direction is stable.
func (o *Observer) CalculateTrend(ctx context.Context, name string, hours int, domain string) (*Trend, error) {
	obs, err := o.Window(ctx, name, hours, domain)
	if err != nil {
		return nil, err
	}

	t := &Trend{MetricName: name, Samples: len(obs), Direction: "stable"}
	if len(obs) < minTrendSamples {
		t.Confidence = "low"
		t.Reason = "insufficient_data"
		return t, nil
	}

	start := obs[0].ObservedAt
	xs := make([]float64, len(obs))
	ys := make([]float64, len(obs))
	for i, m := range obs {
		xs[i] = m.ObservedAt.Sub(start).Hours()
		ys[i] = m.Value
	}

	n := float64(len(obs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		t.Confidence = "low"
		t.Reason = "degenerate_window"
		return t, nil
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n
	t.Slope = slope
	t.Intercept = intercept

	// Residual spread around the fit.
	var ssr float64
	for i := range xs {
		r := ys[i] - (slope*xs[i] + intercept)
		ssr += r * r
	}
	sigma := math.Sqrt(ssr / n)

	t.Confidence = "high"
	if sigma == 0 {
		// A perfect fit: any non-zero slope is significant.
		if slope > 0 {
			t.Direction = "increasing"
		} else if slope < 0 {
			t.Direction = "decreasing"
		}
		return t, nil
	}

	stat := math.Abs(slope) * math.Sqrt(n) / sigma
	if stat > 2 {
		if slope > 0 {
			t.Direction = "increasing"
		} else {
			t.Direction = "decreasing"
		}
	}
	logging.MetaObserverDebug("Trend %s: slope=%.5f/h direction=%s stat=%.2f n=%d",
		name, slope, t.Direction, stat, len(obs))
	return t, nil
}
