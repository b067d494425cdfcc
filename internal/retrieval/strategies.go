package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Strategy names a retrieval algorithm over the similarity index.
type Strategy string

const (
	// StrategyTopK is a direct nearest-neighbor lookup.
	StrategyTopK Strategy = "topk"
	// StrategyThreshold over-fetches then filters by similarity.
	StrategyThreshold Strategy = "threshold"
	// StrategyWindow expands each hit with neighboring chunks.
	StrategyWindow Strategy = "window"
	// StrategyMMR re-ranks for diversity via maximal marginal relevance.
	StrategyMMR Strategy = "mmr"
	// StrategyMerge folds same-document hits into one result each.
	StrategyMerge Strategy = "merge"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyTopK, StrategyThreshold, StrategyWindow, StrategyMMR, StrategyMerge:
		return Strategy(name), nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, name)
	}
}

// StrategyParams carries per-strategy tuning knobs.
type StrategyParams struct {
	// K is the result count every strategy targets.
	K int `json:"k"`
	// Threshold is the minimum similarity for StrategyThreshold.
	Threshold float64 `json:"threshold"`
	// OverFetch multiplies K for threshold candidate retrieval.
	OverFetch int `json:"over_fetch"`
	// WindowSize is the neighbor span for StrategyWindow.
	WindowSize int `json:"window_size"`
	// Lambda trades relevance against diversity for StrategyMMR.
	Lambda float64 `json:"lambda"`
	// InitialResults is the MMR candidate pool size.
	InitialResults int `json:"initial_results"`
}

// DefaultStrategyParams returns sensible defaults.
func DefaultStrategyParams() StrategyParams {
	return StrategyParams{
		K:              5,
		Threshold:      0.6,
		OverFetch:      4,
		WindowSize:     1,
		Lambda:         0.7,
		InitialResults: 20,
	}
}

// Retriever runs one strategy for one query against one source.
type Retriever interface {
	Retrieve(ctx context.Context, query Query, strategy Strategy, params StrategyParams) ([]*Result, error)
	Source() Source
}

// VectorSource runs the retrieval strategies against a similarity
// index.
type VectorSource struct {
	index  SimilarityIndex
	logger *logrus.Logger
}

// NewVectorSource creates a strategy runner over an index.
func NewVectorSource(index SimilarityIndex, logger *logrus.Logger) *VectorSource {
	if logger == nil {
		logger = logrus.New()
	}
	return &VectorSource{index: index, logger: logger}
}

// Source identifies this retriever as the vector source.
func (s *VectorSource) Source() Source {
	return SourceVector
}

// Retrieve embeds the query once and dispatches to the configured
// strategy.
func (s *VectorSource) Retrieve(ctx context.Context, query Query, strategy Strategy, params StrategyParams) ([]*Result, error) {
	if s.index == nil {
		return nil, fmt.Errorf("%w: no similarity index configured", ErrSourceUnavailable)
	}
	if params.K <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", ErrInvalidConfig)
	}

	vector, err := s.index.Embed(ctx, query.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding failed: %v", ErrSourceUnavailable, err)
	}

	var results []*Result
	switch strategy {
	case StrategyTopK:
		results, err = s.topK(ctx, query, vector, params)
	case StrategyThreshold:
		results, err = s.threshold(ctx, query, vector, params)
	case StrategyWindow:
		results, err = s.window(ctx, query, vector, params)
	case StrategyMMR:
		results, err = s.mmr(ctx, query, vector, params)
	case StrategyMerge:
		results, err = s.merge(ctx, query, vector, params)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, strategy)
	}
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"query":    truncate(query.Text, 50),
		"strategy": strategy,
		"results":  len(results),
	}).Debug("Vector retrieval completed")

	return results, nil
}

func (s *VectorSource) search(ctx context.Context, vector []float32, k int) ([]IndexHit, error) {
	hits, err := s.index.Search(ctx, vector, k)
	if err != nil {
		return nil, fmt.Errorf("%w: index search failed: %v", ErrSourceUnavailable, err)
	}
	return hits, nil
}

func (s *VectorSource) hitToResult(hit IndexHit, query Query) *Result {
	return &Result{
		Text:        hit.Text,
		Score:       Normalize(hit.Distance),
		Source:      SourceVector,
		OriginQuery: query.Text,
		DocID:       hit.DocID,
		ChunkID:     hit.ChunkID,
		ChunkIndex:  hit.ChunkIndex,
		Metadata:    hit.Metadata,
	}
}

// topK is a direct nearest-neighbor lookup, no post-filtering.
func (s *VectorSource) topK(ctx context.Context, query Query, vector []float32, params StrategyParams) ([]*Result, error) {
	hits, err := s.search(ctx, vector, params.K)
	if err != nil {
		return nil, err
	}
	results := make([]*Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, s.hitToResult(hit, query))
	}
	return results, nil
}

// threshold over-fetches, keeps hits at or above the similarity
// threshold and truncates to k. Fewer than k survivors are returned
// as-is, never padded.
func (s *VectorSource) threshold(ctx context.Context, query Query, vector []float32, params StrategyParams) ([]*Result, error) {
	overFetch := params.OverFetch
	if overFetch <= 0 {
		overFetch = 4
	}
	hits, err := s.search(ctx, vector, params.K*overFetch)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, params.K)
	for _, hit := range hits {
		if Normalize(hit.Distance) < params.Threshold {
			continue
		}
		results = append(results, s.hitToResult(hit, query))
		if len(results) == params.K {
			break
		}
	}
	return results, nil
}

// window folds up to WindowSize neighboring chunks on each side of a
// hit into its text. Neighbors are ordered by chunk index, clipped at
// document boundaries, and do not count toward k; the merged unit
// keeps the original hit's similarity.
func (s *VectorSource) window(ctx context.Context, query Query, vector []float32, params StrategyParams) ([]*Result, error) {
	hits, err := s.search(ctx, vector, params.K)
	if err != nil {
		return nil, err
	}
	windowSize := params.WindowSize
	if windowSize <= 0 {
		windowSize = 1
	}

	results := make([]*Result, 0, len(hits))
	for _, hit := range hits {
		neighbors, err := s.index.Adjacent(ctx, hit.DocID, hit.ChunkIndex, windowSize)
		if err != nil {
			// A hit without neighbors is still a hit.
			s.logger.WithFields(logrus.Fields{
				"doc_id": hit.DocID,
				"chunk":  hit.ChunkIndex,
			}).Warn("Adjacent chunk lookup failed, keeping bare hit")
			results = append(results, s.hitToResult(hit, query))
			continue
		}

		merged := append(neighbors, hit)
		sort.Slice(merged, func(i, j int) bool { return merged[i].ChunkIndex < merged[j].ChunkIndex })

		parts := make([]string, 0, len(merged))
		seen := make(map[int]bool, len(merged))
		for _, chunk := range merged {
			if seen[chunk.ChunkIndex] {
				continue
			}
			seen[chunk.ChunkIndex] = true
			parts = append(parts, chunk.Text)
		}

		result := s.hitToResult(hit, query)
		result.Text = strings.Join(parts, "\n")
		results = append(results, result)
	}
	return results, nil
}

// mmr over-fetches InitialResults candidates and greedily selects k
// maximizing lambda*relevance - (1-lambda)*maxSimilarityToSelected.
// Relevance is the candidate's normalized query similarity; pairwise
// similarity is cosine over the candidates' embeddings. Ties keep the
// earliest original rank.
func (s *VectorSource) mmr(ctx context.Context, query Query, vector []float32, params StrategyParams) ([]*Result, error) {
	pool := params.InitialResults
	if pool < params.K {
		pool = params.K * 4
	}
	hits, err := s.search(ctx, vector, pool)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, len(hits))
	for i, hit := range hits {
		emb, err := s.index.Embed(ctx, hit.Text)
		if err != nil {
			return nil, fmt.Errorf("%w: candidate embedding failed: %v", ErrSourceUnavailable, err)
		}
		embeddings[i] = emb
	}

	selected := make([]int, 0, params.K)
	remaining := make([]int, len(hits))
	for i := range hits {
		remaining[i] = i
	}

	for len(selected) < params.K && len(remaining) > 0 {
		bestPos := 0
		bestScore := -1.0
		for pos, cand := range remaining {
			relevance := Normalize(hits[cand].Distance)
			redundancy := 0.0
			for _, sel := range selected {
				if sim := cosineSimilarity(embeddings[cand], embeddings[sel]); sim > redundancy {
					redundancy = sim
				}
			}
			score := params.Lambda*relevance - (1-params.Lambda)*redundancy
			// Strict > keeps the earliest original rank on ties.
			if score > bestScore {
				bestScore = score
				bestPos = pos
			}
		}
		selected = append(selected, remaining[bestPos])
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}

	results := make([]*Result, 0, len(selected))
	for _, idx := range selected {
		results = append(results, s.hitToResult(hits[idx], query))
	}
	return results, nil
}

// merge groups top-k hits by document and concatenates same-document
// hits in chunk order into a single result per document, capped at k
// merged documents. The merged result keeps the best member score.
func (s *VectorSource) merge(ctx context.Context, query Query, vector []float32, params StrategyParams) ([]*Result, error) {
	hits, err := s.search(ctx, vector, params.K)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]IndexHit)
	order := make([]string, 0)
	for _, hit := range hits {
		if _, ok := groups[hit.DocID]; !ok {
			order = append(order, hit.DocID)
		}
		groups[hit.DocID] = append(groups[hit.DocID], hit)
	}

	results := make([]*Result, 0, len(order))
	for _, docID := range order {
		if len(results) == params.K {
			break
		}
		members := groups[docID]
		sort.Slice(members, func(i, j int) bool { return members[i].ChunkIndex < members[j].ChunkIndex })

		parts := make([]string, 0, len(members))
		best := members[0]
		for _, member := range members {
			parts = append(parts, member.Text)
			if Normalize(member.Distance) > Normalize(best.Distance) {
				best = member
			}
		}

		result := s.hitToResult(best, query)
		result.Text = strings.Join(parts, "\n")
		result.ChunkID = docID + "#merged"
		results = append(results, result)
	}
	return results, nil
}
