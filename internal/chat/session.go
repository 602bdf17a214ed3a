// Package chat runs question/answer turns over a retriever and a generator.
package chat

import (
	"context"
	"fmt"
	"log/slog"

	"ragchat/internal/domain"
	"ragchat/internal/observability"
)

// UnknownSource labels chunks that carry no source.
const UnknownSource = "Unknown"

// Retriever finds chunks relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]domain.ScoredChunk, error)
}

// Source is a retrieved chunk as shown to the user.
type Source struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Response is the outcome of one Ask. Either Error is set, or Answer and
// Sources are. Answer is empty in retrieval-only sessions.
type Response struct {
	Answer  string   `json:"answer,omitempty"`
	Sources []Source `json:"sources,omitempty"`
	Error   error    `json:"-"`
}

// Session is one conversation. A nil generator makes it retrieval-only:
// Ask returns sources without an answer and history stays empty.
type Session struct {
	retriever Retriever
	generator domain.Generator
	topK      int
	history   History
	log       *slog.Logger
}

// NewSession creates a session that retrieves topK chunks per question.
func NewSession(retriever Retriever, generator domain.Generator, topK int, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		retriever: retriever,
		generator: generator,
		topK:      topK,
		log:       logger.With("component", "chat"),
	}
}

// Ask answers query from retrieved context. Failures are reported in
// Response.Error and leave the history unchanged.
func (s *Session) Ask(ctx context.Context, query string) Response {
	results, err := s.retriever.Retrieve(ctx, query, s.topK)
	if err != nil {
		return Response{Error: err}
	}
	sources := toSources(results)
	if s.generator == nil {
		return Response{Sources: sources}
	}

	prompt := BuildPrompt(s.history.Snapshot(), results, query)
	s.log.Debug("generating answer", "sources", len(results), "prompt_bytes", len(prompt))
	gctx, span := observability.StartGenerateSpan(ctx, len(results))
	answer, err := s.generator.Generate(gctx, prompt)
	observability.RecordError(span, err)
	span.End()
	if err != nil {
		return Response{Error: fmt.Errorf("generate answer: %w", err)}
	}

	s.history.Append(
		domain.Turn{Role: domain.RoleUser, Content: query},
		domain.Turn{Role: domain.RoleAssistant, Content: answer},
	)
	return Response{Answer: answer, Sources: sources}
}

// History returns a copy of the conversation so far.
func (s *Session) History() []domain.Turn { return s.history.Snapshot() }

// Clear starts a new conversation.
func (s *Session) Clear() { s.history.Clear() }

// RetrievalOnly reports whether the session has no generator.
func (s *Session) RetrievalOnly() bool { return s.generator == nil }

func toSources(results []domain.ScoredChunk) []Source {
	out := make([]Source, len(results))
	for i, r := range results {
		src := r.Chunk.Source
		if src == "" {
			src = UnknownSource
		}
		out[i] = Source{Content: r.Chunk.Content, Source: src, Score: r.Score}
	}
	return out
}
