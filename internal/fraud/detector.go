// Package fraud detects confidence gaming over heuristics: success-rate
// anomalies against a domain baseline, temporal manipulation of update
// timing, and unnaturally smooth confidence growth, fused into a Bayesian
// posterior.
package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"elfcore/internal/config"
	"elfcore/internal/logging"
	"elfcore/internal/qerr"
	"elfcore/internal/store"
	"elfcore/internal/types"
)

// Signal types.
const (
	SignalSuccessRate = "success_rate_anomaly"
	SignalTemporal    = "temporal_manipulation"
	SignalGrowth      = "unnatural_growth"
)

// Detector preconditions and thresholds.
const (
	minApplications    = 10
	minBaselineSamples = 3
	minTemporalUpdates = 5
	minGrowthUpdates   = 10
	temporalWindowDays = 30
	growthWindowDays   = 60
	combinedThreshold  = 0.5
)

// Detector runs the anomaly detectors and fusion for one store.
type Detector struct {
	store *store.Store
	cfg   config.FraudConfig
}

// New creates a fraud detector.
func New(s *store.Store, cfg config.FraudConfig) *Detector {
	return &Detector{store: s, cfg: cfg}
}

func evidence(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// detectSuccessRateAnomaly fires when a heuristic's success rate sits far
// above its domain baseline. Requires enough applications, enough peers in
// the baseline, and a non-degenerate spread.
func (d *Detector) detectSuccessRateAnomaly(h *types.Heuristic, baseline *types.DomainBaseline) *types.AnomalySignal {
	total := h.TimesValidated + h.TimesViolated + h.TimesContradicted
	if total < minApplications {
		return nil
	}
	if baseline == nil || baseline.SampleCount < minBaselineSamples || baseline.StdSuccessRate <= 0 {
		return nil
	}

	successRate := float64(h.TimesValidated) / float64(total)
	z := (successRate - baseline.AvgSuccessRate) / baseline.StdSuccessRate
	if z <= d.cfg.SuccessZThreshold {
		return nil
	}

	score := math.Min(z/5.0, 1.0)
	severity := "medium"
	if z > 3.5 {
		severity = "high"
	}
	return &types.AnomalySignal{
		HeuristicID: h.ID,
		SignalType:  SignalSuccessRate,
		Score:       score,
		Severity:    severity,
		Reason: fmt.Sprintf("Success rate %.1f%% is %.1f sigma above domain average %.1f%%",
			successRate*100, z, baseline.AvgSuccessRate*100),
		Evidence: evidence(map[string]any{
			"success_rate": successRate,
			"domain_avg":   baseline.AvgSuccessRate,
			"domain_std":   baseline.StdSuccessRate,
			"z_score":      z,
			"total_apps":   total,
		}),
	}
}

// updateTimes loads confidence-update timestamps for the window.
func (d *Detector) updateTimes(ctx context.Context, heuristicID int64, windowDays int) ([]time.Time, error) {
	cutoff := types.FormatTime(types.NowUTC().AddDate(0, 0, -windowDays))
	rows, err := d.store.DB().QueryContext(ctx, `
		SELECT created_at FROM confidence_updates
		WHERE heuristic_id = ? AND created_at >= ?
		ORDER BY created_at`, heuristicID, cutoff)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to load update times for %d", heuristicID)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			continue
		}
		out = append(out, t.UTC())
	}
	return out, rows.Err()
}

// detectTemporalManipulation inspects update timing over the last 30 days
// for cooldown-boundary clustering, midnight clustering, and machine-like
// regularity.
func (d *Detector) detectTemporalManipulation(ctx context.Context, heuristicID int64) (*types.AnomalySignal, error) {
	times, err := d.updateTimes(ctx, heuristicID, temporalWindowDays)
	if err != nil {
		return nil, err
	}
	if len(times) < minTemporalUpdates {
		return nil, nil
	}

	gaps := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		gaps = append(gaps, times[i].Sub(times[i-1]).Minutes())
	}

	// Sub-signal 1: fraction of gaps hugging a 60-minute cooldown.
	cooldownHits := 0
	for _, g := range gaps {
		if g >= 60 && g <= 65 {
			cooldownHits++
		}
	}
	cooldownRate := float64(cooldownHits) / float64(len(gaps))

	// Sub-signal 2: clustering around the daily reset.
	midnightHits := 0
	for _, t := range times {
		h := t.Hour()
		if h == 23 || h == 0 || h == 1 {
			midnightHits++
		}
	}
	midnightRate := float64(midnightHits) / float64(len(times))
	expectedMidnight := 3.0 / 24.0

	// Sub-signal 3: coefficient of variation of gaps.
	meanGap, stdGap := meanStd(gaps)
	cv := 0.0
	if meanGap > 0 {
		cv = stdGap / meanGap
	}
	regularity := math.Max(0, 1.0-cv/0.5)

	score := 0.4*cooldownRate +
		0.3*math.Max(0, (midnightRate-expectedMidnight)*4) +
		0.3*regularity
	if score < combinedThreshold {
		return nil, nil
	}

	severity := "medium"
	if score > 0.7 {
		severity = "high"
	}
	return &types.AnomalySignal{
		HeuristicID: heuristicID,
		SignalType:  SignalTemporal,
		Score:       math.Min(score, 1.0),
		Severity:    severity,
		Reason: fmt.Sprintf("Suspicious timing: %.0f%% at cooldown boundary, %.0f%% at midnight, CV=%.2f",
			cooldownRate*100, midnightRate*100, cv),
		Evidence: evidence(map[string]any{
			"cooldown_cluster_rate":  cooldownRate,
			"midnight_rate":          midnightRate,
			"expected_midnight_rate": expectedMidnight,
			"coefficient_of_variation": cv,
			"update_count":           len(times),
		}),
	}, nil
}

// detectUnnaturalGrowth inspects the last 60 days of confidence movement
// for monotonic, fast, suspiciously smooth trajectories.
func (d *Detector) detectUnnaturalGrowth(ctx context.Context, heuristicID int64) (*types.AnomalySignal, error) {
	cutoff := types.FormatTime(types.NowUTC().AddDate(0, 0, -growthWindowDays))
	rows, err := d.store.DB().QueryContext(ctx, `
		SELECT new_confidence, created_at FROM confidence_updates
		WHERE heuristic_id = ? AND created_at >= ?
		ORDER BY created_at`, heuristicID, cutoff)
	if err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to load confidence history for %d", heuristicID)
	}
	defer rows.Close()

	var confidences []float64
	var stamps []time.Time
	for rows.Next() {
		var c float64
		var t time.Time
		if err := rows.Scan(&c, &t); err != nil {
			continue
		}
		confidences = append(confidences, c)
		stamps = append(stamps, t.UTC())
	}
	if err := rows.Err(); err != nil {
		return nil, qerr.Wrap(qerr.CodeDatabase, err, "failed to scan confidence history")
	}
	if len(confidences) < minGrowthUpdates {
		return nil, nil
	}

	// Sub-signal 1: never decreases.
	monotonic := true
	for i := 1; i < len(confidences); i++ {
		if confidences[i] < confidences[i-1] {
			monotonic = false
			break
		}
	}
	monotonicScore := 0.0
	if monotonic && len(confidences) > 10 {
		monotonicScore = 1.0
	}

	// Sub-signal 2: growth rate per day, saturating at 0.02/day.
	days := stamps[len(stamps)-1].Sub(stamps[0]).Hours() / 24
	slope := 0.0
	if days > 0 {
		slope = (confidences[len(confidences)-1] - confidences[0]) / days
	}

	// Sub-signal 3: variance of deltas; too smooth is suspicious.
	deltas := make([]float64, 0, len(confidences)-1)
	for i := 1; i < len(confidences); i++ {
		deltas = append(deltas, confidences[i]-confidences[i-1])
	}
	_, deltaStd := meanStd(deltas)
	deltaVar := deltaStd * deltaStd
	smoothness := math.Max(0, 1.0-math.Min(deltaVar/0.01, 1.0))

	score := 0.3*monotonicScore + 0.4*math.Min(slope/0.02, 1.0) + 0.3*smoothness
	if score < combinedThreshold {
		return nil, nil
	}

	severity := "medium"
	if score > 0.7 {
		severity = "high"
	}
	return &types.AnomalySignal{
		HeuristicID: heuristicID,
		SignalType:  SignalGrowth,
		Score:       math.Min(score, 1.0),
		Severity:    severity,
		Reason: fmt.Sprintf("Unnatural growth: monotonic=%v, slope=%.4f/day, smoothness=%.2f",
			monotonic, slope, smoothness),
		Evidence: evidence(map[string]any{
			"monotonic":        monotonic,
			"growth_slope":     slope,
			"smoothness_score": smoothness,
			"delta_variance":   deltaVar,
			"update_count":     len(confidences),
		}),
	}, nil
}

// runDetectors executes every detector for a heuristic. Golden heuristics
// are whitelisted from all of them.
func (d *Detector) runDetectors(ctx context.Context, h *types.Heuristic) ([]types.AnomalySignal, error) {
	if h.IsGolden {
		logging.FraudDebug("Heuristic %d is golden; skipping detectors", h.ID)
		return nil, nil
	}

	var signals []types.AnomalySignal

	baseline, err := d.GetBaseline(ctx, h.Domain)
	if err != nil {
		return nil, err
	}
	if s := d.detectSuccessRateAnomaly(h, baseline); s != nil {
		signals = append(signals, *s)
	}

	if s, err := d.detectTemporalManipulation(ctx, h.ID); err != nil {
		return nil, err
	} else if s != nil {
		signals = append(signals, *s)
	}

	if s, err := d.detectUnnaturalGrowth(ctx, h.ID); err != nil {
		return nil, err
	} else if s != nil {
		signals = append(signals, *s)
	}

	return signals, nil
}

// meanStd returns the mean and population standard deviation.
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
