package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Package-level metrics (registered once)
var (
	fusionMetricsOnce        sync.Once
	fusionRequestsTotal      prometheus.Counter
	fusionSourceErrorsTotal  *prometheus.CounterVec
	fusionCacheLookupsTotal  *prometheus.CounterVec
	fusionResultsReturnedSum prometheus.Summary
)

func initFusionMetrics() {
	fusionMetricsOnce.Do(func() {
		fusionRequestsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "symposium_fusion_requests_total",
				Help: "Total number of fusion searches",
			},
		)
		fusionSourceErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "symposium_fusion_source_errors_total",
				Help: "Retrieval failures by source",
			},
			[]string{"source"},
		)
		fusionCacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "symposium_fusion_cache_lookups_total",
				Help: "Fusion cache lookups by outcome",
			},
			[]string{"outcome"},
		)
		fusionResultsReturnedSum = promauto.NewSummary(
			prometheus.SummaryOpts{
				Name: "symposium_fusion_results_returned",
				Help: "Result counts returned by fusion searches",
			},
		)
	})
}

// FuseConfig enumerates the recognized fusion options.
type FuseConfig struct {
	UseVector    bool           `json:"use_vector"`
	UseWeb       bool           `json:"use_web"`
	VectorWeight float64        `json:"vector_weight"`
	WebWeight    float64        `json:"web_weight"`
	Enhance      bool           `json:"enhance"`
	Method       Method         `json:"enhancement_method"`
	EnhanceCount int            `json:"enhance_count"`
	Strategy     Strategy       `json:"strategy"`
	Params       StrategyParams `json:"params"`
	ResultBudget int            `json:"result_budget"`
	// MaxConcurrent bounds the fan-out across (source, query) pairs.
	MaxConcurrent int `json:"max_concurrent"`
	// Timeout caps the whole fusion call.
	Timeout time.Duration `json:"timeout"`
}

// DefaultFuseConfig returns a vector-only configuration with sane
// bounds.
func DefaultFuseConfig() FuseConfig {
	return FuseConfig{
		UseVector:     true,
		VectorWeight:  1.0,
		Method:        MethodHybrid,
		EnhanceCount:  3,
		Strategy:      StrategyTopK,
		Params:        DefaultStrategyParams(),
		ResultBudget:  10,
		MaxConcurrent: 4,
		Timeout:       30 * time.Second,
	}
}

// Validate rejects configurations the engine cannot honor.
func (c *FuseConfig) Validate() error {
	if !c.UseVector && !c.UseWeb {
		return fmt.Errorf("%w: no sources enabled", ErrInvalidConfig)
	}
	if err := validateWeight("vector", c.VectorWeight); err != nil {
		return err
	}
	if err := validateWeight("web", c.WebWeight); err != nil {
		return err
	}

	sum := 0.0
	if c.UseVector {
		sum += c.VectorWeight
	}
	if c.UseWeb {
		sum += c.WebWeight
	}
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("%w: enabled source weights sum to %.3f, want 1", ErrInvalidConfig, sum)
	}

	if c.ResultBudget <= 0 {
		return fmt.Errorf("%w: result budget must be positive", ErrInvalidConfig)
	}
	if c.Params.K <= 0 {
		return fmt.Errorf("%w: k must be positive", ErrInvalidConfig)
	}
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.Enhance {
		if _, err := ParseMethod(string(c.Method)); err != nil {
			return err
		}
	}
	return nil
}

// Engine fuses results from one or more retrieval sources under
// per-source weights.
type Engine struct {
	vector   Retriever
	web      Retriever
	rewriter *Rewriter
	cache    *Cache
	logger   *logrus.Logger
}

// NewEngine creates a fusion engine. Either retriever and both the
// rewriter and cache may be nil; a nil retriever simply means that
// source cannot be enabled.
func NewEngine(vector, web Retriever, rewriter *Rewriter, cache *Cache, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	initFusionMetrics()
	return &Engine{
		vector:   vector,
		web:      web,
		rewriter: rewriter,
		cache:    cache,
		logger:   logger,
	}
}

// sourceRun is one (source, query) retrieval unit. Slot order is fixed
// before the fan-out starts so the fused output is deterministic:
// vector slots precede web slots, queries keep rewriter order.
type sourceRun struct {
	retriever Retriever
	weight    float64
	query     Query
}

// Fuse runs the configured strategy for every enabled source and
// query, weights and deduplicates the union, and truncates it to the
// result budget. A failing source is logged and excluded; Fuse only
// fails when every enabled source failed.
func (e *Engine) Fuse(ctx context.Context, query string, cfg FuseConfig) ([]*FusedResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fusionRequestsTotal.Inc()

	if e.cache != nil {
		if cached, ok := e.cache.Get(ctx, query, cfg); ok {
			fusionCacheLookupsTotal.WithLabelValues("hit").Inc()
			return cached, nil
		}
		fusionCacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	queries := e.expandQueries(ctx, query, cfg)
	runs := e.planRuns(queries, cfg)
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: enabled sources have no retrievers", ErrAllSourcesFailed)
	}

	slots := make([][]*Result, len(runs))
	errs := make([]error, len(runs))

	maxConcurrent := int64(cfg.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	sem := semaphore.NewWeighted(maxConcurrent)
	group, groupCtx := errgroup.WithContext(ctx)

	for i, run := range runs {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(runs); j++ {
				errs[j] = err
			}
			break
		}
		i, run := i, run
		group.Go(func() error {
			defer sem.Release(1)
			results, err := run.retriever.Retrieve(groupCtx, run.query, cfg.Strategy, cfg.Params)
			if err != nil {
				// Source failures are collected, not propagated: a slow
				// or broken web source must not cancel vector results.
				errs[i] = err
				fusionSourceErrorsTotal.WithLabelValues(string(run.retriever.Source())).Inc()
				e.logger.WithError(err).WithFields(logrus.Fields{
					"source": run.retriever.Source(),
					"query":  truncate(run.query.Text, 50),
				}).Warn("Retrieval source failed, excluding from fusion")
				return nil
			}
			slots[i] = results
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	failedBySource := make(map[Source]int)
	totalBySource := make(map[Source]int)
	for i, run := range runs {
		totalBySource[run.retriever.Source()]++
		if errs[i] != nil {
			failedBySource[run.retriever.Source()]++
		}
	}
	allFailed := true
	for source, total := range totalBySource {
		if failedBySource[source] < total {
			allFailed = false
		}
	}
	if allFailed {
		return nil, fmt.Errorf("%w: %d of %d retrieval runs failed", ErrAllSourcesFailed, len(runs), len(runs))
	}

	fused := e.combine(runs, slots, cfg)
	fusionResultsReturnedSum.Observe(float64(len(fused)))

	if e.cache != nil {
		e.cache.Set(ctx, query, cfg, fused)
	}
	return fused, nil
}

// expandQueries applies the rewriter when enhancement is enabled. The
// original query always leads.
func (e *Engine) expandQueries(ctx context.Context, query string, cfg FuseConfig) []Query {
	texts := []string{query}
	if cfg.Enhance && e.rewriter != nil {
		count := cfg.EnhanceCount
		if count <= 0 {
			count = 3
		}
		texts = e.rewriter.Enhance(ctx, query, cfg.Method, count)
	}

	queries := make([]Query, len(texts))
	for i, text := range texts {
		origin := OriginRewritten
		if i == 0 {
			origin = OriginOriginal
		}
		queries[i] = Query{Text: text, Origin: origin}
	}
	return queries
}

// planRuns fixes the fan-out slot order: vector before web, queries in
// rewriter order. Insertion order doubles as the tie-break for equal
// weighted scores.
func (e *Engine) planRuns(queries []Query, cfg FuseConfig) []sourceRun {
	var runs []sourceRun
	if cfg.UseVector && e.vector != nil {
		for _, q := range queries {
			runs = append(runs, sourceRun{retriever: e.vector, weight: cfg.VectorWeight, query: q})
		}
	}
	if cfg.UseWeb && e.web != nil {
		for _, q := range queries {
			runs = append(runs, sourceRun{retriever: e.web, weight: cfg.WebWeight, query: q})
		}
	}
	return runs
}

// combine weights, dedupes, sorts and truncates the retrieved slots.
func (e *Engine) combine(runs []sourceRun, slots [][]*Result, cfg FuseConfig) []*FusedResult {
	byKey := make(map[string]int)
	var fused []*FusedResult

	for i, run := range runs {
		for _, result := range slots[i] {
			candidate := &FusedResult{
				Result:        *result,
				WeightedScore: result.Score * run.weight,
			}
			key := result.IdentityKey()
			if pos, ok := byKey[key]; ok {
				// Keep the highest-scoring duplicate.
				if candidate.WeightedScore > fused[pos].WeightedScore {
					fused[pos] = candidate
				}
				continue
			}
			byKey[key] = len(fused)
			fused = append(fused, candidate)
		}
	}

	// Stable sort preserves insertion order on ties (vector before
	// web, then query order), keeping the output fully deterministic.
	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].WeightedScore > fused[j].WeightedScore
	})

	if len(fused) > cfg.ResultBudget {
		fused = fused[:cfg.ResultBudget]
	}
	return fused
}
