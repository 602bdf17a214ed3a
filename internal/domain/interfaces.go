package domain

import "context"

// Document represents a single text file loaded into the system.
type Document struct {
	Source  string
	Content string
}

// Chunk is a contiguous part of a document used for indexing.
// Content is always Document.Content[StartIndex : StartIndex+len(Content)].
type Chunk struct {
	ID         string
	Source     string
	Content    string
	StartIndex int
	Position   int
}

// IndexEntry pairs a chunk with its embedding.
type IndexEntry struct {
	Chunk  Chunk
	Vector []float32
}

// ScoredChunk represents a matching chunk with its cosine similarity to the query.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a chat conversation.
type Turn struct {
	Role    Role
	Content string
}

// Embedder converts free text into vectors. Vectors from different
// embedders (or different models of one embedder) are not comparable;
// Name identifies the configuration and is stored alongside the index.
type Embedder interface {
	Name() string
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Split(docs []Document) ([]Chunk, error)
}

// Generator turns a prompt into a completion.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
