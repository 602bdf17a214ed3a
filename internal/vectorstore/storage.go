// Package vectorstore defines the persisted vector index used for retrieval.
//
// A Storage owns one persisted location (a directory, a collection) and
// produces an Index from it, either by loading what is there or by building
// a new one from entries. Indexes are never patched: a rebuild replaces the
// whole content.
package vectorstore

import (
	"context"
	"math"
	"sort"

	"ragchat/internal/domain"
)

// Index answers k-nearest-neighbour queries with cosine similarity scores.
type Index interface {
	Len() int
	// Search returns up to k chunks ordered by descending score, ties in
	// insertion order.
	Search(ctx context.Context, query []float32, k int) ([]domain.ScoredChunk, error)
}

// Storage persists an index built with a given embedder.
type Storage interface {
	// Load returns the persisted index, or (nil, nil) when there is none.
	// An index that cannot be read or was built by a different embedder
	// fails with domain.ErrIndexCorrupt.
	Load(ctx context.Context, embedder string) (Index, error)
	// Build reuses a valid persisted index unless force is set; otherwise it
	// indexes entries and replaces the persisted content.
	Build(ctx context.Context, entries []domain.IndexEntry, embedder string, force bool) (Index, error)
	Close() error
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero vector.
func Cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Ranked is a search candidate with its insertion ordinal.
type Ranked struct {
	Ordinal int
	Result  domain.ScoredChunk
}

// TopK orders candidates by descending score, then ascending ordinal, and
// returns the first k results.
func TopK(candidates []Ranked, k int) []domain.ScoredChunk {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Result.Score != candidates[j].Result.Score {
			return candidates[i].Result.Score > candidates[j].Result.Score
		}
		return candidates[i].Ordinal < candidates[j].Ordinal
	})
	k = max(0, min(k, len(candidates)))
	out := make([]domain.ScoredChunk, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, candidates[i].Result)
	}
	return out
}
