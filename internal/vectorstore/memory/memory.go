// Package memory provides a brute-force in-memory vector index and a
// Storage that keeps it for the lifetime of the process.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ragchat/internal/domain"
	"ragchat/internal/vectorstore"
)

// Index is a flat cosine-similarity index. The zero value is an index that
// was never built; searching it fails with domain.ErrNotInitialized.
type Index struct {
	dimension int
	entries   []domain.IndexEntry
	built     bool
}

var _ vectorstore.Index = (*Index)(nil)

// New builds an index over entries. All vectors must be non-empty and share
// one dimension.
func New(entries []domain.IndexEntry) (*Index, error) {
	dimension := 0
	for i, e := range entries {
		if len(e.Vector) == 0 {
			return nil, fmt.Errorf("entry %d has an empty vector", i)
		}
		if dimension == 0 {
			dimension = len(e.Vector)
		}
		if len(e.Vector) != dimension {
			return nil, fmt.Errorf("entry %d has dimension %d, want %d", i, len(e.Vector), dimension)
		}
	}
	return &Index{
		dimension: dimension,
		entries:   append([]domain.IndexEntry(nil), entries...),
		built:     true,
	}, nil
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int { return len(ix.entries) }

// Dimension returns the vector dimension, 0 for an empty index.
func (ix *Index) Dimension() int { return ix.dimension }

// Entries returns the indexed entries in insertion order.
func (ix *Index) Entries() []domain.IndexEntry {
	return append([]domain.IndexEntry(nil), ix.entries...)
}

// Search scores every entry against query.
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]domain.ScoredChunk, error) {
	if !ix.built {
		return nil, domain.ErrNotInitialized
	}
	if len(ix.entries) == 0 || k <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	if len(query) != ix.dimension {
		return nil, fmt.Errorf("%w: query has dimension %d, index has %d", domain.ErrEmbedding, len(query), ix.dimension)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	candidates := make([]vectorstore.Ranked, len(ix.entries))
	for i, e := range ix.entries {
		candidates[i] = vectorstore.Ranked{
			Ordinal: i,
			Result:  domain.ScoredChunk{Chunk: e.Chunk, Score: vectorstore.Cosine(query, e.Vector)},
		}
	}
	return vectorstore.TopK(candidates, k), nil
}

// Storage keeps the last built index in memory. Nothing survives the process.
type Storage struct {
	mu       sync.RWMutex
	index    *Index
	embedder string
}

var _ vectorstore.Storage = (*Storage)(nil)

// NewStorage creates an empty in-memory storage.
func NewStorage() *Storage { return &Storage{} }

// Load returns the index built earlier in this process, if any.
func (s *Storage) Load(ctx context.Context, embedder string) (vectorstore.Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index == nil {
		return nil, nil
	}
	if s.embedder != embedder {
		return nil, fmt.Errorf("%w: index built with %s, want %s", domain.ErrIndexCorrupt, s.embedder, embedder)
	}
	return s.index, nil
}

// Build replaces the held index unless force is false and a compatible one exists.
func (s *Storage) Build(ctx context.Context, entries []domain.IndexEntry, embedder string, force bool) (vectorstore.Index, error) {
	if !force {
		ix, err := s.Load(ctx, embedder)
		if err != nil && !errors.Is(err, domain.ErrIndexCorrupt) {
			return nil, err
		}
		if ix != nil {
			return ix, nil
		}
	}
	ix, err := New(entries)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbedding, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = ix
	s.embedder = embedder
	return ix, nil
}

// Close releases nothing.
func (s *Storage) Close() error { return nil }
