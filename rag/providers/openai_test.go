package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureServer records the last request body and replies with a fixed JSON
// payload.
type captureServer struct {
	*httptest.Server
	lastBody   map[string]interface{}
	lastPath   string
	lastHeader http.Header
}

func newCaptureServer(t *testing.T, status int, response string, headers map[string]string) *captureServer {
	cs := &captureServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		cs.lastBody = map[string]interface{}{}
		require.NoError(t, json.Unmarshal(data, &cs.lastBody))
		cs.lastPath = r.URL.Path
		cs.lastHeader = r.Header.Clone()
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(cs.Close)
	return cs
}

func TestOpenAIEmbedderRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(&Config{})
	assert.Error(t, err)
}

func TestOpenAIEmbed(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK,
		`{"data":[{"embedding":[0.1,0.2,0.3]}],"usage":{"prompt_tokens":7}}`, nil)

	embedder, err := NewOpenAIEmbedder(&Config{
		APIKey:     "sk-test",
		Model:      "text-embedding-3-small",
		Dimensions: 3,
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)

	result, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, result.Vector)
	assert.Equal(t, 7, result.PromptTokens)

	assert.Equal(t, "/embeddings", srv.lastPath)
	assert.Equal(t, "Bearer sk-test", srv.lastHeader.Get("Authorization"))
	assert.Equal(t, "hello", srv.lastBody["input"])
	assert.EqualValues(t, 3, srv.lastBody["dimensions"])
}

func TestOpenAIEmbedDimensionsGatedByModel(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK,
		`{"data":[{"embedding":[0.5]}],"usage":{"prompt_tokens":1}}`, nil)

	embedder, err := NewOpenAIEmbedder(&Config{
		APIKey:     "sk-test",
		Model:      "text-embedding-ada-002",
		Dimensions: 256,
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)

	// ada-002 has a fixed width; the dimensions knob must not be forwarded.
	_, present := srv.lastBody["dimensions"]
	assert.False(t, present)
}

func TestOpenAIEmbed429BecomesRateLimitError(t *testing.T) {
	srv := newCaptureServer(t, http.StatusTooManyRequests,
		`{"error":{"message":"slow down"}}`, map[string]string{"Retry-After": "12"})

	embedder, err := NewOpenAIEmbedder(&Config{
		APIKey:     "sk-test",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), "hello")
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "openai", rle.Provider)
	assert.Equal(t, 12*time.Second, rle.RetryAfter)
	assert.Contains(t, rle.Body, "slow down")
}

func TestOpenAIEmbedEmptyData(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK, `{"data":[],"usage":{}}`, nil)

	embedder, err := NewOpenAIEmbedder(&Config{
		APIKey:     "sk-test",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), "hello")
	assert.ErrorContains(t, err, "no embedding data")
}

func TestOpenAIGenerate(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK,
		`{"choices":[{"message":{"content":"answer"}}],"usage":{"prompt_tokens":10,"completion_tokens":4}}`, nil)

	gen, err := NewOpenAIGenerator(&Config{
		APIKey:          "sk-test",
		Model:           "gpt-4o-mini",
		MaxOutputTokens: 512,
		BaseURL:         srv.URL,
		HTTPClient:      srv.Client(),
	})
	require.NoError(t, err)

	result, err := gen.Generate(context.Background(), "question", &GenerateOptions{
		System:      "be terse",
		Temperature: 0.3,
	})
	require.NoError(t, err)
	assert.Equal(t, "answer", result.Text)
	assert.Equal(t, 10, result.PromptTokens)
	assert.Equal(t, 4, result.CompletionTokens)

	assert.Equal(t, "/chat/completions", srv.lastPath)
	messages := srv.lastBody["messages"].([]interface{})
	require.Len(t, messages, 2)
	first := messages[0].(map[string]interface{})
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "be terse", first["content"])
	assert.EqualValues(t, 0.3, srv.lastBody["temperature"])
	assert.EqualValues(t, 512, srv.lastBody["max_tokens"])
}

func TestOpenAIGenerateServerError(t *testing.T) {
	srv := newCaptureServer(t, http.StatusInternalServerError, `{"error":"oops"}`, nil)

	gen, err := NewOpenAIGenerator(&Config{
		APIKey:     "sk-test",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), "question", nil)
	require.Error(t, err)
	var rle *RateLimitError
	assert.False(t, errors.As(err, &rle))
	assert.ErrorContains(t, err, "500")
}

func TestRegistryLookup(t *testing.T) {
	_, err := GetEmbedder("openai", &Config{APIKey: "k"})
	assert.NoError(t, err)

	_, err = GetEmbedder("nope", &Config{})
	assert.ErrorContains(t, err, "not found")

	_, err = GetGenerator("nope", &Config{})
	assert.ErrorContains(t, err, "not found")

	assert.Contains(t, List(), "openai")
	assert.Contains(t, List(), "openrouter")
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, defaultRetryAfter, parseRetryAfter(""))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("garbage"))

	future := time.Now().Add(20 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 10*time.Second)
	assert.LessOrEqual(t, d, 20*time.Second)
}
