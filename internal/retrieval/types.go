// Package retrieval implements hybrid evidence retrieval: a family of
// strategies over a similarity index, query rewriting for recall
// expansion, and a fusion engine that merges weighted results from
// multiple sources into one ranked, deduplicated list.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
)

// Taxonomy errors shared across the package.
var (
	// ErrInvalidConfig marks a caller configuration mistake; fatal,
	// never retried.
	ErrInvalidConfig = errors.New("invalid retrieval configuration")
	// ErrSourceUnavailable marks one backend failing; recovered by
	// excluding that source.
	ErrSourceUnavailable = errors.New("retrieval source unavailable")
	// ErrAllSourcesFailed is surfaced only when every enabled source
	// failed and no results can be produced.
	ErrAllSourcesFailed = errors.New("all retrieval sources failed")
)

// Source tags where a result came from.
type Source string

const (
	SourceVector Source = "vector"
	SourceWeb    Source = "web"
)

// QueryOrigin distinguishes the caller's query from rewriter output.
type QueryOrigin string

const (
	OriginOriginal  QueryOrigin = "original"
	OriginRewritten QueryOrigin = "rewritten"
)

// Query is one retrieval query with its provenance.
type Query struct {
	Text   string      `json:"text"`
	Origin QueryOrigin `json:"origin"`
}

// Result is a single retrieval hit. Every result carries enough
// provenance to deduplicate against hits from a different source:
// chunk identity for vector results, canonical URL for web results.
type Result struct {
	Text        string                 `json:"text"`
	Score       float64                `json:"score"`
	Source      Source                 `json:"source"`
	OriginQuery string                 `json:"origin_query"`
	DocID       string                 `json:"doc_id,omitempty"`
	ChunkID     string                 `json:"chunk_id,omitempty"`
	ChunkIndex  int                    `json:"chunk_index,omitempty"`
	URL         string                 `json:"url,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// IdentityKey returns the source-appropriate deduplication key.
func (r *Result) IdentityKey() string {
	if r.Source == SourceWeb {
		return string(SourceWeb) + ":" + CanonicalURL(r.URL)
	}
	return string(SourceVector) + ":" + r.ChunkID
}

// FusedResult is a retrieval result with its source-weighted score.
type FusedResult struct {
	Result
	WeightedScore float64 `json:"weighted_score"`
}

// IndexHit is one raw nearest-neighbor hit from a similarity index.
// Distance is a cosine distance in [0, 2].
type IndexHit struct {
	ChunkID    string
	DocID      string
	ChunkIndex int
	Distance   float64
	Text       string
	Metadata   map[string]interface{}
}

// SimilarityIndex is the embedding index capability the strategies
// consume. Adjacent returns up to window chunks on each side of a
// chunk within the same document, ordered by chunk index and clipped
// at document boundaries.
type SimilarityIndex interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Search(ctx context.Context, vector []float32, k int) ([]IndexHit, error)
	Adjacent(ctx context.Context, docID string, chunkIndex, window int) ([]IndexHit, error)
}

// Normalize converts a cosine distance in [0, 2] to a similarity in
// [0, 1]. Every strategy shares this one conversion.
func Normalize(distance float64) float64 {
	sim := 1 - distance/2
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// CanonicalURL normalizes a URL for identity comparison: lowercased
// scheme and host, fragment dropped, tracking parameters stripped,
// trailing slash removed.
func CanonicalURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return strings.TrimRight(strings.TrimSpace(raw), "/")
	}

	parsed.Fragment = ""
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)

	query := parsed.Query()
	for key := range query {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			query.Del(key)
		}
	}
	parsed.RawQuery = query.Encode()
	if parsed.Path != "/" {
		parsed.Path = strings.TrimRight(parsed.Path, "/")
	}

	return strings.TrimRight(parsed.String(), "/")
}

// cosineSimilarity computes the cosine of the angle between two
// vectors, 0 when either has no magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// tokenize lowercases and splits text on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// validateWeight rejects weights outside [0, 1].
func validateWeight(name string, w float64) error {
	if w < 0 || w > 1 {
		return fmt.Errorf("%w: %s weight %.3f outside [0,1]", ErrInvalidConfig, name, w)
	}
	return nil
}
