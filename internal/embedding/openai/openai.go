// Package openai provides an embedder backed by the OpenAI embeddings API or
// any endpoint compatible with it.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ragchat/internal/domain"
)

// Default configuration values.
const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultAPIKeyEnv   = "OPENAI_API_KEY"
	DefaultModel       = "text-embedding-3-small"
	DefaultTimeout     = 30 * time.Second
	DefaultBatchSize   = 32
	DefaultConcurrency = 4
)

// Config configures the OpenAI-compatible embeddings client.
type Config struct {
	BaseURL   string
	APIKeyEnv string
	Model     string
	Timeout   time.Duration
	// BatchSize is the number of texts sent per request.
	BatchSize int
	// Concurrency bounds the number of requests in flight.
	Concurrency int
	// Dimensions asks text-embedding-3-* models for shortened vectors.
	Dimensions int
	// RequestsPerSecond throttles requests when positive.
	RequestsPerSecond float64
}

// Embedder is an OpenAI-compatible embeddings client.
type Embedder struct {
	client      *openai.Client
	model       string
	batchSize   int
	concurrency int
	dimensions  int
	limiter     *rate.Limiter
}

var _ domain.Embedder = (*Embedder)(nil)

// NewEmbedder creates an embeddings client. It fails immediately when the
// API key environment variable is unset.
func NewEmbedder(cfg Config) (*Embedder, error) {
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = DefaultAPIKeyEnv
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: missing API key in env %s", domain.ErrEmbedding, cfg.APIKeyEnv)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	clientCfg := openai.DefaultConfig(key)
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	e := &Embedder{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		dimensions:  cfg.Dimensions,
	}
	if cfg.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Concurrency)
	}
	return e, nil
}

// Name returns the identifier of this embedder configuration.
func (e *Embedder) Name() string {
	if e.dimensions > 0 {
		return "openai:" + e.model + ":" + strconv.Itoa(e.dimensions)
	}
	return "openai:" + e.model
}

// EmbedDocuments embeds texts in batches. Batches run concurrently; the
// result is in input order.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for lo := 0; lo < len(texts); lo += e.batchSize {
		lo := lo
		hi := min(lo+e.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.embed(gctx, texts[lo:hi])
			if err != nil {
				return err
			}
			copy(out[lo:hi], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedQuery embeds a single query.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *Embedder) embed(ctx context.Context, batch []string) ([][]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit: %w", domain.ErrEmbedding, err)
		}
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      batch,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai: %w", domain.ErrEmbedding, err)
	}
	if len(resp.Data) != len(batch) {
		return nil, fmt.Errorf("%w: openai returned %d embeddings for %d inputs", domain.ErrEmbedding, len(resp.Data), len(batch))
	}
	vecs := make([][]float32, len(batch))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(batch) || vecs[d.Index] != nil {
			return nil, fmt.Errorf("%w: openai returned unexpected embedding index %d", domain.ErrEmbedding, d.Index)
		}
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("%w: openai returned an empty embedding", domain.ErrEmbedding)
		}
		v := make([]float32, len(d.Embedding))
		for i, x := range d.Embedding {
			v[i] = float32(x)
		}
		vecs[d.Index] = v
	}
	return vecs, nil
}
