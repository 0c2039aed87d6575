package query

import (
	"context"
	"time"

	"elfcore/internal/distill"
	"elfcore/internal/observe"
	"elfcore/internal/retrieval"
	"elfcore/internal/types"
	"elfcore/internal/validate"
)

// BuildContext assembles the bounded-token context packet for a task.
func (s *Service) BuildContext(ctx context.Context, task string, domains, tags []string, maxTokens int, timeout time.Duration) (string, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("build_context", firstOf(domains), tags, 0)

	packet, err := func() (string, error) {
		task, err := validate.Query(task)
		if err != nil {
			return "", err
		}
		if maxTokens > 0 {
			if maxTokens, err = validate.MaxTokens(maxTokens); err != nil {
				return "", err
			}
		}
		for i, d := range domains {
			if domains[i], err = validate.Domain(d); err != nil {
				return "", err
			}
		}
		if len(tags) > 0 {
			if tags, err = validate.Tags(tags); err != nil {
				return "", err
			}
		}
		return s.builder.Build(ctx, retrieval.BuildRequest{
			Task:      task,
			Domains:   domains,
			Tags:      tags,
			MaxTokens: maxTokens,
			Location:  s.currentLocation,
		})
	}()
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return "", err
	}
	a.finish(nil, 1, 0, 0)
	return packet, nil
}

// RecordMetric appends a metric observation for the meta-observer.
func (s *Service) RecordMetric(ctx context.Context, name string, value float64, domain, metadata string, timeout time.Duration) (int64, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("record_metric", domain, nil, 0)

	id, err := func() (int64, error) {
		if domain != "" {
			var err error
			if domain, err = validate.Domain(domain); err != nil {
				return 0, err
			}
		}
		return s.meta.RecordMetric(ctx, name, value, domain, metadata)
	}()
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return 0, err
	}
	a.finish(nil, 1, 0, 0)
	return id, nil
}

// CheckAlerts runs the meta-observer health checks.
func (s *Service) CheckAlerts(ctx context.Context, timeout time.Duration) ([]types.MetaAlert, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("check_alerts", "", nil, 0)

	alerts, err := s.meta.CheckAlerts(ctx)
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return nil, err
	}
	a.finish(nil, len(alerts), 0, 0)
	return alerts, nil
}

// AcknowledgeAlert moves an alert to the ack state.
func (s *Service) AcknowledgeAlert(ctx context.Context, id int64, timeout time.Duration) error {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("acknowledge_alert", "", nil, 0)

	err := normalizeErr(s.meta.AcknowledgeAlert(ctx, id))
	if err != nil {
		a.finish(err, 0, 0, 0)
		return err
	}
	a.finish(nil, 1, 0, 0)
	return nil
}

// ResolveAlert terminates an alert.
func (s *Service) ResolveAlert(ctx context.Context, id int64, timeout time.Duration) error {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("resolve_alert", "", nil, 0)

	err := normalizeErr(s.meta.ResolveAlert(ctx, id))
	if err != nil {
		a.finish(err, 0, 0, 0)
		return err
	}
	a.finish(nil, 1, 0, 0)
	return nil
}

// ObserveSession extracts patterns from a session log file or inline
// text. Exactly one of logPath and text must be set.
func (s *Service) ObserveSession(ctx context.Context, logPath, text, sessionID, projectPath string, persist bool, timeout time.Duration) (*observe.Summary, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("observe_session", "", nil, 0)

	summary, err := func() (*observe.Summary, error) {
		if projectPath == "" {
			projectPath = s.currentLocation
		}
		if logPath != "" {
			return s.observer.ObserveFile(ctx, logPath, sessionID, projectPath, persist)
		}
		return s.observer.ObserveText(ctx, text, sessionID, projectPath, persist)
	}()
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return nil, err
	}
	a.finish(nil, summary.NewPatterns+summary.Reinforced, 0, 0)
	return summary, nil
}

// RunDistillation executes one distillation cycle.
func (s *Service) RunDistillation(ctx context.Context, projectPath string, autoAppend, dryRun bool, timeout time.Duration) (*distill.Result, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("run_distillation", "", nil, 0)

	if projectPath == "" {
		projectPath = s.currentLocation
	}
	res, err := s.distiller.Run(ctx, projectPath, autoAppend, dryRun)
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return nil, err
	}
	a.finish(nil, res.PatternsPromoted, res.PatternsPromoted, 0)
	return res, nil
}

// RunFraudCheck runs every detector for one heuristic and persists the
// report.
func (s *Service) RunFraudCheck(ctx context.Context, heuristicID int64, timeout time.Duration) (*types.FraudReport, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("run_fraud_check", "", nil, 0)

	report, err := s.fraud.CheckHeuristic(ctx, heuristicID)
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return nil, err
	}
	a.finish(nil, len(report.Signals), 0, 0)
	return report, nil
}

// TrackSessionContext stores a privacy-reduced context fingerprint for
// fraud selectivity analysis.
func (s *Service) TrackSessionContext(ctx context.Context, sessionID, contextText string, appliedHeuristics []int64, timeout time.Duration) error {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("track_session_context", "", nil, 0)

	err := normalizeErr(s.fraud.TrackContext(ctx, sessionID, contextText, appliedHeuristics))
	if err != nil {
		a.finish(err, 0, 0, 0)
		return err
	}
	a.finish(nil, 1, 0, 0)
	return nil
}

func firstOf(xs []string) string {
	if len(xs) > 0 {
		return xs[0]
	}
	return ""
}
