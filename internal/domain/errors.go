package domain

import "errors"

// Error classes shared by ingestion and retrieval. Callers match them with
// errors.Is; the underlying cause stays in the chain.
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrChunking         = errors.New("chunking failed")
	ErrEmbedding        = errors.New("embedding failed")
	ErrIndexCorrupt     = errors.New("index corrupt")
	ErrNotInitialized   = errors.New("index not initialized")
	ErrInvalidQuery     = errors.New("invalid query")
	ErrGeneration       = errors.New("generation failed")
)
