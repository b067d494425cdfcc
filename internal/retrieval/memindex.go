package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
)

// Embedder computes a vector for one text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MemoryIndex is an in-memory SimilarityIndex over float32 vectors
// with chunk adjacency tracked per document. It backs tests and local
// single-process deployments; production deployments plug in a remote
// index behind the same interface.
type MemoryIndex struct {
	embedder Embedder

	mu     sync.RWMutex
	chunks []memChunk
	byDoc  map[string][]int // doc id -> chunk slice indices, in chunk order
}

type memChunk struct {
	hit    IndexHit
	vector []float32
}

// NewMemoryIndex creates an empty index using the given embedder.
func NewMemoryIndex(embedder Embedder) *MemoryIndex {
	return &MemoryIndex{
		embedder: embedder,
		byDoc:    make(map[string][]int),
	}
}

// Add embeds and stores a document's chunks in order. Chunk ids are
// derived from the document id and chunk index.
func (m *MemoryIndex) Add(ctx context.Context, docID string, texts []string, metadata map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := len(m.byDoc[docID])
	for i, text := range texts {
		vector, err := m.embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("failed to embed chunk %d of %s: %w", base+i, docID, err)
		}
		idx := base + i
		m.byDoc[docID] = append(m.byDoc[docID], len(m.chunks))
		m.chunks = append(m.chunks, memChunk{
			hit: IndexHit{
				ChunkID:    fmt.Sprintf("%s#%d", docID, idx),
				DocID:      docID,
				ChunkIndex: idx,
				Text:       text,
				Metadata:   metadata,
			},
			vector: vector,
		})
	}
	return nil
}

// Embed delegates to the configured embedder.
func (m *MemoryIndex) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedder.Embed(ctx, text)
}

// Search returns the k nearest chunks by cosine distance.
func (m *MemoryIndex) Search(ctx context.Context, vector []float32, k int) ([]IndexHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]IndexHit, 0, len(m.chunks))
	for _, chunk := range m.chunks {
		hit := chunk.hit
		hit.Distance = 1 - cosineSimilarity(vector, chunk.vector)
		hits = append(hits, hit)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Adjacent returns up to window chunks on each side of a chunk within
// the same document, clipped at document boundaries. The anchor chunk
// itself is excluded.
func (m *MemoryIndex) Adjacent(ctx context.Context, docID string, chunkIndex, window int) ([]IndexHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	indices, ok := m.byDoc[docID]
	if !ok {
		return nil, nil
	}

	var neighbors []IndexHit
	for _, idx := range indices {
		chunk := m.chunks[idx]
		delta := chunk.hit.ChunkIndex - chunkIndex
		if delta == 0 || delta < -window || delta > window {
			continue
		}
		neighbors = append(neighbors, chunk.hit)
	}
	return neighbors, nil
}

// Len returns the number of stored chunks.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// HashEmbedder is a deterministic embedder hashing tokens into a
// fixed-dimension bag-of-words vector. It gives stable, repeatable
// similarities without a model, which is what tests and offline runs
// need.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hash embedder with the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &HashEmbedder{dim: dim}
}

// Embed hashes each token into a bucket and L2-normalizes the counts.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vector := make([]float32, e.dim)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vector[h.Sum32()%uint32(e.dim)]++
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= scale
		}
	}
	return vector, nil
}
