package retrieval

import (
	"context"
	"sort"

	"elfcore/internal/embedding"
	"elfcore/internal/logging"
	"elfcore/internal/store"
	"elfcore/internal/types"
)

// defaultSemanticThreshold is the cosine-similarity floor when the caller
// passes none.
const defaultSemanticThreshold = 0.75

// SemanticRanker scores heuristics against a task description using the
// configured embedding engine. With the bag-of-words fallback the scores
// are lexical; the result's Semantic field reports which mode ran.
type SemanticRanker struct {
	store  *store.Store
	engine embedding.Engine
}

// NewSemanticRanker creates a ranker over the store and engine.
func NewSemanticRanker(s *store.Store, engine embedding.Engine) *SemanticRanker {
	return &SemanticRanker{store: s, engine: engine}
}

// RankedHeuristic is one semantic query hit.
type RankedHeuristic struct {
	Heuristic  *types.Heuristic `json:"heuristic"`
	Similarity float64          `json:"similarity"`
	Score      float64          `json:"score"`
}

// SemanticResult carries the hits plus the mode that produced them.
type SemanticResult struct {
	Heuristics []RankedHeuristic `json:"heuristics"`
	Semantic   bool              `json:"semantic"`
	Engine     string            `json:"engine"`
}

// Query embeds the task text and returns heuristics whose similarity
// clears the threshold, ordered by the boosted score: similarity plus
// confidence*0.1 plus min(times_validated*0.01, 0.1).
func (r *SemanticRanker) Query(ctx context.Context, task string, threshold float64, limit int, domain, location string) (*SemanticResult, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "SemanticQuery")
	defer timer.Stop()

	if threshold <= 0 {
		threshold = defaultSemanticThreshold
	}

	taskVec, err := r.engine.Embed(ctx, task)
	if err != nil {
		return nil, err
	}

	var heuristics []*types.Heuristic
	if domain != "" {
		heuristics, err = r.store.ListDomainHeuristics(ctx, domain, location,
			[]string{types.StatusActive}, 1000)
	} else {
		heuristics, err = r.store.ListActiveHeuristics(ctx, "")
	}
	if err != nil {
		return nil, err
	}

	result := &SemanticResult{Semantic: r.engine.Semantic(), Engine: r.engine.Name()}
	for _, h := range heuristics {
		if location != "" && h.ProjectPath != nil && *h.ProjectPath != location {
			continue
		}
		text := h.Rule
		if h.Explanation != "" {
			text += " " + h.Explanation
		}
		vec, err := r.engine.Embed(ctx, text)
		if err != nil {
			logging.Get(logging.CategoryRetrieval).Warn("Embed failed for heuristic %d: %v", h.ID, err)
			continue
		}
		sim, err := embedding.CosineSimilarity(taskVec, vec)
		if err != nil {
			continue
		}
		if sim < threshold {
			continue
		}
		boost := h.Confidence*0.1 + minF(float64(h.TimesValidated)*0.01, 0.1)
		result.Heuristics = append(result.Heuristics, RankedHeuristic{
			Heuristic:  h,
			Similarity: sim,
			Score:      sim + boost,
		})
	}

	sort.Slice(result.Heuristics, func(i, j int) bool {
		return result.Heuristics[i].Score > result.Heuristics[j].Score
	})
	if limit > 0 && len(result.Heuristics) > limit {
		result.Heuristics = result.Heuristics[:limit]
	}

	logging.Retrieval("Semantic query: %d hits over threshold %.2f (engine=%s)",
		len(result.Heuristics), threshold, result.Engine)
	return result, nil
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
