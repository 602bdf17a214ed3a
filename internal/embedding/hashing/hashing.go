// Package hashing implements an in-process embedding model that maps words
// into a fixed number of buckets with a signed feature hash.
package hashing

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"

	"ragchat/internal/domain"
	"ragchat/internal/textutil"
)

// DefaultDimension is the number of hash buckets used when none is configured.
const DefaultDimension = 1024

// Embedder is a bag-of-words model over a signed feature hash. It needs no
// corpus preparation, so documents and queries embed into the same space
// regardless of when they are processed.
type Embedder struct {
	dimension int
}

var _ domain.Embedder = (*Embedder)(nil)

// NewEmbedder creates a hashing embedder with the given dimension.
func NewEmbedder(dimension int) *Embedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &Embedder{dimension: dimension}
}

// Name returns the identifier of this embedder configuration.
func (e *Embedder) Name() string { return "hashing:" + strconv.Itoa(e.dimension) }

// EmbedDocuments embeds every text in order.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrEmbedding, err)
		}
		out[i] = e.embed(text)
	}
	return out, nil
}

// EmbedQuery embeds a single query.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbedding, err)
	}
	return e.embed(text), nil
}

func (e *Embedder) embed(text string) []float32 {
	vec := make([]float64, e.dimension)
	for _, tok := range textutil.ContentWords(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dimension))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	// L2 normalize
	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, e.dimension)
	if norm == 0 {
		return out
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}
