package query

import (
	"context"
	"time"

	"elfcore/internal/lifecycle"
	"elfcore/internal/retrieval"
	"elfcore/internal/types"
	"elfcore/internal/validate"
)

// GetGoldenRules returns the tier-1 golden rules, optionally filtered to
// categories.
func (s *Service) GetGoldenRules(ctx context.Context, categories []string, timeout time.Duration) (string, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("get_golden_rules", "", categories, 0)

	content := s.golden.Get(categories)
	if err := ctx.Err(); err != nil {
		err = normalizeErr(err)
		a.finish(err, 0, 0, 0)
		return "", err
	}
	a.finish(nil, 1, 0, 0)
	return content, nil
}

// DomainResult is the payload of QueryByDomain.
type DomainResult struct {
	Domain         string             `json:"domain"`
	Heuristics     []*types.Heuristic `json:"heuristics"`
	Learnings      []*types.Learning  `json:"learnings"`
	HeuristicCount int                `json:"heuristic_count"`
	LearningCount  int                `json:"learning_count"`
}

// QueryByDomain returns the top heuristics and recent learnings for a
// domain, honoring the caller's location.
func (s *Service) QueryByDomain(ctx context.Context, domain string, limit int, timeout time.Duration) (*DomainResult, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("query_by_domain", domain, nil, limit)

	result, err := func() (*DomainResult, error) {
		domain, err := validate.Domain(domain)
		if err != nil {
			return nil, err
		}
		limit, err = validate.Limit(limit)
		if err != nil {
			return nil, err
		}

		heuristics, err := s.store.ListDomainHeuristics(ctx, domain, s.currentLocation,
			[]string{types.StatusActive}, limit)
		if err != nil {
			return nil, err
		}
		learnings, err := s.store.ListDomainLearnings(ctx, domain, limit)
		if err != nil {
			return nil, err
		}
		return &DomainResult{
			Domain:         domain,
			Heuristics:     heuristics,
			Learnings:      learnings,
			HeuristicCount: len(heuristics),
			LearningCount:  len(learnings),
		}, nil
	}()
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return nil, err
	}
	a.finish(nil, result.HeuristicCount+result.LearningCount, result.HeuristicCount, result.LearningCount)
	return result, nil
}

// QueryByTags returns learnings matching any of the tags.
func (s *Service) QueryByTags(ctx context.Context, tags []string, limit int, timeout time.Duration) ([]*types.Learning, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("query_by_tags", "", tags, limit)

	learnings, err := func() ([]*types.Learning, error) {
		tags, err := validate.Tags(tags)
		if err != nil {
			return nil, err
		}
		limit, err = validate.Limit(limit)
		if err != nil {
			return nil, err
		}
		return s.store.ListLearningsByTags(ctx, tags, limit)
	}()
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return nil, err
	}
	a.finish(nil, len(learnings), 0, len(learnings))
	return learnings, nil
}

// QueryRecent returns the most recent learnings, optionally by type.
func (s *Service) QueryRecent(ctx context.Context, learningType string, limit int, timeout time.Duration) ([]*types.Learning, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("query_recent", "", nil, limit)

	learnings, err := func() ([]*types.Learning, error) {
		limit, err := validate.Limit(limit)
		if err != nil {
			return nil, err
		}
		return s.store.ListRecentLearnings(ctx, learningType, limit)
	}()
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return nil, err
	}
	a.finish(nil, len(learnings), 0, len(learnings))
	return learnings, nil
}

// QuerySemantic ranks heuristics against a task description. With no
// embedding backend the ranking degrades to bag-of-words and says so.
func (s *Service) QuerySemantic(ctx context.Context, task string, threshold float64, limit int, domain string, timeout time.Duration) (*retrieval.SemanticResult, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("query_semantic", domain, nil, limit)

	result, err := func() (*retrieval.SemanticResult, error) {
		task, err := validate.Query(task)
		if err != nil {
			return nil, err
		}
		limit, err = validate.Limit(limit)
		if err != nil {
			return nil, err
		}
		if domain != "" {
			if domain, err = validate.Domain(domain); err != nil {
				return nil, err
			}
		}
		return s.ranker.Query(ctx, task, threshold, limit, domain, s.currentLocation)
	}()
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return nil, err
	}
	a.finish(nil, len(result.Heuristics), len(result.Heuristics), 0)
	return result, nil
}

// RecordHeuristic admits a new heuristic through the lifecycle engine.
func (s *Service) RecordHeuristic(ctx context.Context, req lifecycle.RecordRequest, timeout time.Duration) (int64, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("record_heuristic", req.Domain, nil, 0)

	id, err := func() (int64, error) {
		domain, err := validate.Domain(req.Domain)
		if err != nil {
			return 0, err
		}
		req.Domain = domain
		if !req.Global && req.ProjectPath == nil && s.currentLocation != "" {
			loc := s.currentLocation
			req.ProjectPath = &loc
		}
		return s.lifecycle.RecordHeuristic(ctx, req)
	}()
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return 0, err
	}
	a.finish(nil, 1, 1, 0)
	return id, nil
}

// UpdateConfidence applies a lifecycle-gated confidence event.
func (s *Service) UpdateConfidence(ctx context.Context, heuristicID int64, ev lifecycle.UpdateEvent, timeout time.Duration) (*types.ConfidenceUpdate, error) {
	ctx, cancel := s.opContext(ctx, timeout)
	defer cancel()
	a := s.beginAudit("update_confidence", "", nil, 0)

	if ev.SessionID == "" {
		ev.SessionID = s.sessionID
	}
	if ev.AgentID == "" {
		ev.AgentID = s.agentID
	}
	upd, err := s.lifecycle.UpdateConfidence(ctx, heuristicID, ev)
	err = normalizeErr(err)
	if err != nil {
		a.finish(err, 0, 0, 0)
		return nil, err
	}
	a.finish(nil, 1, 1, 0)
	return upd, nil
}
