package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/internal/domain"
)

const testKeyEnv = "RAGCHAT_TEST_OPENAI_KEY"

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// fakeServer answers /embeddings with vectors whose first component is the
// input length, returning data in reverse order to exercise index handling.
func fakeServer(t *testing.T, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
			return
		}
		var req embeddingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		type item struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Object: "embedding", Index: i, Embedding: []float32{float32(len(req.Input[i])), 1}})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
}

func TestNewEmbedder_MissingKey(t *testing.T) {
	t.Setenv(testKeyEnv, "")
	_, err := NewEmbedder(Config{APIKeyEnv: testKeyEnv})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEmbedding)
	assert.Contains(t, err.Error(), testKeyEnv)
}

func TestEmbedder_Name(t *testing.T) {
	t.Setenv(testKeyEnv, "sk-test")
	e, err := NewEmbedder(Config{APIKeyEnv: testKeyEnv})
	require.NoError(t, err)
	assert.Equal(t, "openai:"+DefaultModel, e.Name())

	e, err = NewEmbedder(Config{APIKeyEnv: testKeyEnv, Model: "text-embedding-3-large", Dimensions: 256})
	require.NoError(t, err)
	assert.Equal(t, "openai:text-embedding-3-large:256", e.Name())
}

func TestEmbedDocuments_PreservesOrderAcrossBatches(t *testing.T) {
	var requests atomic.Int32
	srv := fakeServer(t, &requests)
	defer srv.Close()

	t.Setenv(testKeyEnv, "sk-test")
	e, err := NewEmbedder(Config{BaseURL: srv.URL + "/v1", APIKeyEnv: testKeyEnv, BatchSize: 2})
	require.NoError(t, err)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := e.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, v := range vecs {
		assert.Equal(t, float32(len(texts[i])), v[0])
	}
	assert.Equal(t, int32(3), requests.Load())
}

func TestEmbedQuery(t *testing.T) {
	var requests atomic.Int32
	srv := fakeServer(t, &requests)
	defer srv.Close()

	t.Setenv(testKeyEnv, "sk-test")
	e, err := NewEmbedder(Config{BaseURL: srv.URL + "/v1", APIKeyEnv: testKeyEnv})
	require.NoError(t, err)

	v, err := e.EmbedQuery(context.Background(), "what are cats?")
	require.NoError(t, err)
	assert.Equal(t, []float32{14, 1}, v)
}

func TestEmbed_Unauthorized(t *testing.T) {
	var requests atomic.Int32
	srv := fakeServer(t, &requests)
	defer srv.Close()

	t.Setenv(testKeyEnv, "sk-wrong")
	e, err := NewEmbedder(Config{BaseURL: srv.URL + "/v1", APIKeyEnv: testKeyEnv})
	require.NoError(t, err)

	_, err = e.EmbedQuery(context.Background(), "q")
	assert.ErrorIs(t, err, domain.ErrEmbedding)
}

func TestEmbed_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	t.Setenv(testKeyEnv, "sk-test")
	e, err := NewEmbedder(Config{BaseURL: url, APIKeyEnv: testKeyEnv})
	require.NoError(t, err)

	_, err = e.EmbedDocuments(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, domain.ErrEmbedding)
}

func TestEmbed_MalformedCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[],"model":"m"}`))
	}))
	defer srv.Close()

	t.Setenv(testKeyEnv, "sk-test")
	e, err := NewEmbedder(Config{BaseURL: srv.URL, APIKeyEnv: testKeyEnv})
	require.NoError(t, err)

	_, err = e.EmbedQuery(context.Background(), "q")
	assert.ErrorIs(t, err, domain.ErrEmbedding)
}

func TestEmbed_RateLimited(t *testing.T) {
	var requests atomic.Int32
	srv := fakeServer(t, &requests)
	defer srv.Close()

	t.Setenv(testKeyEnv, "sk-test")
	e, err := NewEmbedder(Config{BaseURL: srv.URL + "/v1", APIKeyEnv: testKeyEnv, BatchSize: 1, RequestsPerSecond: 1000})
	require.NoError(t, err)

	vecs, err := e.EmbedDocuments(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.EmbedQuery(ctx, "q")
	assert.ErrorIs(t, err, domain.ErrEmbedding)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(3), requests.Load())
}
