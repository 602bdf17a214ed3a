// Package app wires configuration into the retrieval and chat components.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"ragchat/internal/chat"
	"ragchat/internal/chunker"
	"ragchat/internal/config"
	"ragchat/internal/domain"
	"ragchat/internal/embedding/hashing"
	"ragchat/internal/embedding/ollama"
	"ragchat/internal/embedding/openai"
	ollamagen "ragchat/internal/generation/ollama"
	openaigen "ragchat/internal/generation/openai"
	"ragchat/internal/observability"
	"ragchat/internal/service"
	"ragchat/internal/vectorstore"
	"ragchat/internal/vectorstore/file"
	"ragchat/internal/vectorstore/memory"
	"ragchat/internal/vectorstore/qdrant"
)

// App holds the process-wide components. Build it once with New and release
// it with Close.
type App struct {
	Config    *config.AppConfig
	Logger    *slog.Logger
	Embedder  domain.Embedder
	Storage   vectorstore.Storage
	Retriever *service.Retriever

	tracing *observability.TracerProvider
}

// New fills defaults into cfg, validates it and constructs every component. Backends that need a
// network peer or a credential fail here rather than on first use.
func New(ctx context.Context, cfg *config.AppConfig, logOut io.Writer) (*App, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := NewLogger(cfg.Log, logOut)

	tracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	emb, err := newEmbedder(ctx, cfg.Embedder)
	if err != nil {
		_ = tracing.Shutdown(ctx)
		return nil, err
	}
	storage, err := newStorage(cfg.Index, logger)
	if err != nil {
		_ = tracing.Shutdown(ctx)
		return nil, err
	}

	opts := []chunker.Option{
		chunker.WithChunkSize(cfg.Chunker.ChunkSize),
		chunker.WithOverlap(cfg.Chunker.ChunkOverlap),
	}
	if len(cfg.Chunker.Separators) > 0 {
		opts = append(opts, chunker.WithSeparators(cfg.Chunker.Separators))
	}
	splitter := chunker.NewRecursiveChunker(opts...)
	retriever := service.New(splitter, emb, storage, service.Options{
		DocumentPath:   cfg.Retriever.Document,
		TopK:           cfg.Retriever.TopK,
		ScoreThreshold: cfg.Retriever.ScoreThreshold,
		Logger:         logger,
	})

	logger.Debug("components ready",
		"embedder", emb.Name(),
		"chunk_size", splitter.ChunkSize(),
		"chunk_overlap", splitter.Overlap(),
		"index", cfg.Index.Type,
		"generator", cfg.Generator.Type,
		"tracing", tracing.Enabled(),
	)
	return &App{
		Config:    cfg,
		Logger:    logger,
		Embedder:  emb,
		Storage:   storage,
		Retriever: retriever,
		tracing:   tracing,
	}, nil
}

// NewSession starts a conversation with the configured generator. With
// generator type "none" the session is retrieval-only.
func (a *App) NewSession() (*chat.Session, error) {
	gen, err := newGenerator(a.Config.Generator)
	if err != nil {
		return nil, err
	}
	return chat.NewSession(a.Retriever, gen, a.Config.Retriever.TopK, a.Logger), nil
}

// Close releases the index storage and flushes pending spans.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(a.Storage.Close(), a.tracing.Shutdown(ctx))
}

// NewLogger builds the slog logger described by cfg. A nil writer means stderr.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newEmbedder(ctx context.Context, cfg config.EmbedderConfig) (domain.Embedder, error) {
	switch cfg.Type {
	case "openai":
		o := cfg.OpenAI
		return openai.NewEmbedder(openai.Config{
			BaseURL:     o.BaseURL,
			APIKeyEnv:   o.APIKeyEnv,
			Model:       o.Model,
			Timeout:     seconds(o.TimeoutSecs),
			BatchSize:   o.BatchSize,
			Concurrency: o.Concurrency,
			Dimensions:  o.Dimensions,

			RequestsPerSecond: o.RequestsPerSecond,
		})
	case "ollama":
		o := cfg.Ollama
		return ollama.NewEmbedder(ctx, ollama.Config{
			BaseURL: o.BaseURL,
			Model:   o.Model,
			Timeout: seconds(o.TimeoutSecs),
		})
	case "hashing":
		return hashing.NewEmbedder(cfg.Hashing.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedder type %q", cfg.Type)
	}
}

func newStorage(cfg config.IndexConfig, logger *slog.Logger) (vectorstore.Storage, error) {
	switch cfg.Type {
	case "file":
		return file.NewStorage(cfg.Path), nil
	case "memory":
		return memory.NewStorage(), nil
	case "qdrant":
		q := cfg.Qdrant
		return qdrant.NewStorage(qdrant.Config{
			Host:       q.Host,
			Port:       q.Port,
			APIKey:     os.Getenv(q.APIKeyEnv),
			UseTLS:     q.UseTLS,
			Collection: q.Collection,
			BatchSize:  q.BatchSize,
			Timeout:    seconds(q.TimeoutSecs),
			Logger:     logger,
		})
	default:
		return nil, fmt.Errorf("unknown index type %q", cfg.Type)
	}
}

func newGenerator(cfg config.GeneratorConfig) (domain.Generator, error) {
	switch cfg.Type {
	case "none":
		return nil, nil
	case "openai":
		o := cfg.OpenAI
		return openaigen.NewGenerator(openaigen.Config{
			BaseURL:     o.BaseURL,
			APIKeyEnv:   o.APIKeyEnv,
			Model:       o.Model,
			Timeout:     seconds(o.TimeoutSecs),
			MaxTokens:   o.MaxTokens,
			Temperature: o.Temperature,
		})
	case "ollama":
		o := cfg.Ollama
		return ollamagen.NewGenerator(ollamagen.Config{
			BaseURL:     o.BaseURL,
			Model:       o.Model,
			Timeout:     seconds(o.TimeoutSecs),
			Temperature: o.Temperature,
		}), nil
	default:
		return nil, fmt.Errorf("unknown generator type %q", cfg.Type)
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
