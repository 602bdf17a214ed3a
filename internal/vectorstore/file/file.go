// Package file persists a vector index as a gob snapshot inside a directory.
package file

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"ragchat/internal/domain"
	"ragchat/internal/vectorstore"
	"ragchat/internal/vectorstore/memory"
)

const (
	// IndexFile is the snapshot file name inside the index directory.
	IndexFile = "index.gob"

	formatVersion = 1
)

// snapshot is the on-disk representation of an index.
type snapshot struct {
	Version   int
	Embedder  string
	Dimension int
	Entries   []domain.IndexEntry
}

// Storage keeps an index in dir/index.gob. Rebuilds write a temporary file in
// the same directory and rename it over the snapshot, so readers see either
// the old or the new index.
type Storage struct {
	dir string
}

var _ vectorstore.Storage = (*Storage)(nil)

// NewStorage creates a storage rooted at dir. Nothing is touched until Build.
func NewStorage(dir string) *Storage {
	return &Storage{dir: dir}
}

// Dir returns the index directory.
func (s *Storage) Dir() string { return s.dir }

// Load reads the snapshot. A missing directory or snapshot means there is no index.
func (s *Storage) Load(ctx context.Context, embedder string) (vectorstore.Index, error) {
	info, err := os.Stat(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrIndexCorrupt, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", domain.ErrIndexCorrupt, s.dir)
	}

	f, err := os.Open(filepath.Join(s.dir, IndexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrIndexCorrupt, err)
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", domain.ErrIndexCorrupt, f.Name(), err)
	}
	if snap.Version != formatVersion {
		return nil, fmt.Errorf("%w: format version %d, want %d", domain.ErrIndexCorrupt, snap.Version, formatVersion)
	}
	if snap.Embedder != embedder {
		return nil, fmt.Errorf("%w: index built with %s, want %s", domain.ErrIndexCorrupt, snap.Embedder, embedder)
	}
	ix, err := memory.New(snap.Entries)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrIndexCorrupt, err)
	}
	if ix.Dimension() != snap.Dimension {
		return nil, fmt.Errorf("%w: vectors have dimension %d, header says %d", domain.ErrIndexCorrupt, ix.Dimension(), snap.Dimension)
	}
	return ix, nil
}

// Build reuses a valid snapshot unless force is set; otherwise it writes a new one.
func (s *Storage) Build(ctx context.Context, entries []domain.IndexEntry, embedder string, force bool) (vectorstore.Index, error) {
	if !force {
		ix, err := s.Load(ctx, embedder)
		if err == nil && ix != nil {
			return ix, nil
		}
	}
	ix, err := memory.New(entries)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbedding, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.write(snapshot{
		Version:   formatVersion,
		Embedder:  embedder,
		Dimension: ix.Dimension(),
		Entries:   ix.Entries(),
	}); err != nil {
		return nil, err
	}
	return ix, nil
}

func (s *Storage) write(snap snapshot) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "index-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := gob.NewEncoder(tmp).Encode(&snap); err != nil {
		tmp.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, IndexFile)); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Close releases nothing; the snapshot is closed after every read.
func (s *Storage) Close() error { return nil }
