package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"ragchat/internal/domain"
	"ragchat/internal/loader"
	"ragchat/internal/observability"
	"ragchat/internal/vectorstore"
)

// DefaultTopK is the number of chunks returned when the caller asks for k <= 0.
const DefaultTopK = 3

// State is the lifecycle stage of a Retriever's index.
type State int

const (
	StateUninitialized State = iota
	// StateLoaded means a persisted index was opened without embedding anything.
	StateLoaded
	// StateBuilt means the index was built from a document in this process.
	StateBuilt
	// StateEmpty means initialisation finished without an index.
	StateEmpty
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoaded:
		return "loaded"
	case StateBuilt:
		return "built"
	case StateEmpty:
		return "empty"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options tunes a Retriever.
type Options struct {
	// DocumentPath is ingested by Init when no persisted index exists.
	DocumentPath string
	TopK         int
	// ScoreThreshold drops results scoring below it. Zero disables filtering.
	ScoreThreshold float64
	Logger         *slog.Logger
}

// IngestReport describes the outcome of an ingestion.
type IngestReport struct {
	Source string
	Chunks int
	// Reused is set when a persisted index was loaded instead of rebuilt.
	Reused bool
}

// Stats is a snapshot of the retriever for status displays.
type Stats struct {
	State  State
	Chunks int
	Source string
}

// Retriever ties chunking, embedding and the vector index together. Ingestion
// takes the write lock, so queries never observe a half-built index.
type Retriever struct {
	chunker  domain.Chunker
	embedder domain.Embedder
	storage  vectorstore.Storage
	opts     Options
	log      *slog.Logger

	mu     sync.RWMutex
	index  vectorstore.Index
	state  State
	source string
}

// New creates a retriever. Call Init or Ingest before Retrieve.
func New(chunker domain.Chunker, embedder domain.Embedder, storage vectorstore.Storage, opts Options) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		chunker:  chunker,
		embedder: embedder,
		storage:  storage,
		opts:     opts,
		log:      logger.With("component", "retriever"),
	}
}

// Init opens the persisted index or, when there is none or it is corrupt,
// builds one from the configured document. It never fails: problems are
// logged and leave the retriever in StateEmpty. A storage that cannot be
// reached is not rebuilt.
func (r *Retriever) Init(ctx context.Context) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	ix, err := r.storage.Load(ctx, r.embedder.Name())
	switch {
	case errors.Is(err, domain.ErrIndexCorrupt):
		r.log.Warn("persisted index is unusable, rebuilding", "error", err)
	case err != nil:
		r.log.Error("cannot open persisted index", "error", err)
		r.markEmpty()
		return r.state
	case ix != nil:
		r.index, r.state, r.source = ix, StateLoaded, r.opts.DocumentPath
		r.log.Info("index loaded", "chunks", ix.Len())
		return r.state
	}

	if r.opts.DocumentPath == "" {
		r.log.Info("no index and no document configured")
		r.markEmpty()
		return r.state
	}
	report, err := r.ingest(ctx, r.opts.DocumentPath, true)
	if err != nil {
		r.log.Error("initial ingestion failed", "document", r.opts.DocumentPath, "error", err)
		r.markEmpty()
		return r.state
	}
	r.log.Info("index built", "document", report.Source, "chunks", report.Chunks)
	return r.state
}

func (r *Retriever) markEmpty() {
	if r.index == nil {
		r.state = StateEmpty
	}
}

// Ingest indexes the document at path. Without force a valid persisted index
// is reused and nothing is embedded; a corrupt one is rebuilt, and any other
// load error is returned. On failure the previous index stays active.
func (r *Retriever) Ingest(ctx context.Context, path string, force bool) (IngestReport, error) {
	ctx, span := observability.StartIngestSpan(ctx, path, force)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	report, err := r.ingest(ctx, path, force)
	span.SetAttributes(attribute.Int("rag.chunks", report.Chunks), attribute.Bool("rag.reused", report.Reused))
	observability.RecordError(span, err)
	return report, err
}

func (r *Retriever) ingest(ctx context.Context, path string, force bool) (IngestReport, error) {
	doc, err := loader.LoadFile(path)
	if err != nil {
		return IngestReport{}, err
	}

	if !force {
		ix, err := r.storage.Load(ctx, r.embedder.Name())
		switch {
		case errors.Is(err, domain.ErrIndexCorrupt):
			r.log.Warn("persisted index is unusable, rebuilding", "error", err)
		case err != nil:
			return IngestReport{}, fmt.Errorf("open index: %w", err)
		case ix != nil:
			r.index, r.state, r.source = ix, StateLoaded, doc.Source
			return IngestReport{Source: doc.Source, Chunks: ix.Len(), Reused: true}, nil
		}
	}

	chunks, err := r.chunker.Split([]domain.Document{doc})
	if err != nil {
		return IngestReport{}, err
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	r.log.Debug("embedding chunks", "document", doc.Source, "chunks", len(chunks), "embedder", r.embedder.Name())

	vectors, err := r.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return IngestReport{}, embeddingError(err)
	}
	if len(vectors) != len(chunks) {
		return IngestReport{}, fmt.Errorf("%w: got %d vectors for %d chunks", domain.ErrEmbedding, len(vectors), len(chunks))
	}
	entries := make([]domain.IndexEntry, len(chunks))
	for i := range chunks {
		entries[i] = domain.IndexEntry{Chunk: chunks[i], Vector: vectors[i]}
	}

	ix, err := r.storage.Build(ctx, entries, r.embedder.Name(), true)
	if err != nil {
		return IngestReport{}, fmt.Errorf("build index: %w", err)
	}
	r.index, r.state, r.source = ix, StateBuilt, doc.Source
	return IngestReport{Source: doc.Source, Chunks: ix.Len()}, nil
}

// Retrieve returns up to k chunks most similar to query, best first.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]domain.ScoredChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is empty", domain.ErrInvalidQuery)
	}
	if k <= 0 {
		k = r.opts.TopK
	}
	ctx, span := observability.StartRetrieveSpan(ctx, k)
	defer span.End()
	results, err := r.search(ctx, query, k)
	span.SetAttributes(attribute.Int("rag.results", len(results)))
	observability.RecordError(span, err)
	return results, err
}

func (r *Retriever) search(ctx context.Context, query string, k int) ([]domain.ScoredChunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.index == nil {
		return nil, domain.ErrNotInitialized
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, embeddingError(err)
	}
	results, err := r.index.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	if r.opts.ScoreThreshold == 0 {
		return results, nil
	}
	kept := results[:0]
	for _, res := range results {
		if res.Score >= r.opts.ScoreThreshold {
			kept = append(kept, res)
		}
	}
	return kept, nil
}

// State returns the current lifecycle state.
func (r *Retriever) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Stats returns the state, indexed chunk count and source document.
func (r *Retriever) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{State: r.state, Source: r.source}
	if r.index != nil {
		st.Chunks = r.index.Len()
	}
	return st
}

func embeddingError(err error) error {
	if errors.Is(err, domain.ErrEmbedding) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrEmbedding, err)
}
