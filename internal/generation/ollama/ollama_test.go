package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/internal/domain"
)

func TestGenerate(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(generateResponse{Response: " Cats are mammals. ", Done: true})
	}))
	defer srv.Close()

	g := NewGenerator(Config{BaseURL: srv.URL + "/", Model: "qwen3", Temperature: 0.2})
	answer, err := g.Generate(context.Background(), "Are cats mammals?")
	require.NoError(t, err)
	assert.Equal(t, "Cats are mammals.", answer)
	assert.Equal(t, "qwen3", got.Model)
	assert.Equal(t, "Are cats mammals?", got.Prompt)
	assert.False(t, got.Stream)
	require.NotNil(t, got.Options)
	assert.InDelta(t, 0.2, got.Options.Temperature, 1e-9)
}

func TestGenerate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewGenerator(Config{BaseURL: srv.URL}).Generate(context.Background(), "hi")
	assert.ErrorIs(t, err, domain.ErrGeneration)
	assert.Contains(t, err.Error(), "model not found")
}

func TestGenerate_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewGenerator(Config{BaseURL: url}).Generate(context.Background(), "hi")
	assert.ErrorIs(t, err, domain.ErrGeneration)
}
