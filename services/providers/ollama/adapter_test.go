package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harinish45/xare-core/services/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAdapter_Identity(t *testing.T) {
	a := NewAdapter(Config{}, zap.NewNop())

	assert.Equal(t, "ollama", a.Name())
	assert.True(t, a.Keyless())
	assert.Equal(t, providers.ClassLocal, a.Class())
	assert.Equal(t, defaultModel, a.DefaultModel())
}

func TestAdapter_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		// Keyless backend: no auth header expected.
		assert.Empty(t, r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req chatRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.False(t, req.Stream)

		fmt.Fprint(w, `{
			"model": "llama3.2",
			"message": {"role": "assistant", "content": "local answer"},
			"done": true,
			"prompt_eval_count": 9,
			"eval_count": 4
		}`)
	}))
	defer server.Close()

	a := NewAdapter(Config{BaseURL: server.URL}, zap.NewNop())
	resp, err := a.Generate(context.Background(), "", []providers.Message{
		providers.NewTextMessage(providers.RoleUser, "hi"),
	}, providers.Credentials{})

	require.NoError(t, err)
	assert.Equal(t, "local answer", resp.Content)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 13, resp.Usage.TotalTokens)
}

func TestAdapter_Generate_EstimatedUsageWithoutEvalCounts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"model": "llama3.2",
			"message": {"role": "assistant", "content": "local answer"},
			"done": true
		}`)
	}))
	defer server.Close()

	a := NewAdapter(Config{BaseURL: server.URL}, zap.NewNop())
	resp, err := a.Generate(context.Background(), "", []providers.Message{
		providers.NewTextMessage(providers.RoleUser, "hi"),
	}, providers.Credentials{})

	require.NoError(t, err)
	require.NotNil(t, resp.Usage)
	assert.True(t, resp.Estimated)
	assert.Equal(t, providers.EstimateTokens("local answer"), resp.Usage.CompletionTokens)
}

func TestAdapter_Stream_NDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message": {"role": "assistant", "content": "Hel"}, "done": false}`)
		fmt.Fprintln(w, `{"message": {"role": "assistant", "content": "lo"}, "done": false}`)
		fmt.Fprintln(w, `{"message": {"role": "assistant", "content": ""}, "done": true, "prompt_eval_count": 2, "eval_count": 3}`)
	}))
	defer server.Close()

	a := NewAdapter(Config{BaseURL: server.URL}, zap.NewNop())

	var got []string
	resp, err := a.Stream(context.Background(), "", []providers.Message{
		providers.NewTextMessage(providers.RoleUser, "hi"),
	}, providers.Credentials{}, func(fragment string) {
		got = append(got, fragment)
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, got)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestAdapter_Stream_MidStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message": {"role": "assistant", "content": "partial"}, "done": false}`)
		fmt.Fprintln(w, `{"error": "model crashed"}`)
	}))
	defer server.Close()

	a := NewAdapter(Config{BaseURL: server.URL}, zap.NewNop())

	var got []string
	_, err := a.Stream(context.Background(), "", []providers.Message{
		providers.NewTextMessage(providers.RoleUser, "hi"),
	}, providers.Credentials{}, func(fragment string) {
		got = append(got, fragment)
	})

	assert.Equal(t, []string{"partial"}, got)
	var provErr *providers.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Contains(t, provErr.Message, "model crashed")
}

func TestAdapter_ImageHandling(t *testing.T) {
	withImage := []providers.Message{
		{Role: providers.RoleUser, Content: providers.SegmentContent{
			providers.TextSegment{Text: "what is this"},
			providers.ImageSegment{MimeType: "image/png", Data: []byte{1, 2, 3}},
		}},
	}

	t.Run("default drops images", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			assert.NotContains(t, string(body), "images")
			fmt.Fprint(w, `{"message": {"content": "ok"}, "done": true}`)
		}))
		defer server.Close()

		a := NewAdapter(Config{BaseURL: server.URL, ImagePolicy: providers.ImageDrop}, zap.NewNop())
		_, err := a.Generate(context.Background(), "", withImage, providers.Credentials{})
		require.NoError(t, err)
	})

	t.Run("vision forwards base64 images", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			assert.Contains(t, string(body), `"images":["AQID"]`)
			fmt.Fprint(w, `{"message": {"content": "a cat"}, "done": true}`)
		}))
		defer server.Close()

		a := NewAdapter(Config{BaseURL: server.URL, Vision: true}, zap.NewNop())
		_, err := a.Generate(context.Background(), "llava", withImage, providers.Credentials{})
		require.NoError(t, err)
	})

	t.Run("reject policy", func(t *testing.T) {
		a := NewAdapter(Config{ImagePolicy: providers.ImageReject}, zap.NewNop())
		_, err := a.Generate(context.Background(), "", withImage, providers.Credentials{})
		assert.ErrorIs(t, err, providers.ErrImagesUnsupported)
	})
}

func TestAdapter_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": "model 'nope' not found"}`)
	}))
	defer server.Close()

	a := NewAdapter(Config{BaseURL: server.URL}, zap.NewNop())
	_, err := a.Generate(context.Background(), "nope", []providers.Message{
		providers.NewTextMessage(providers.RoleUser, "hi"),
	}, providers.Credentials{})

	var provErr *providers.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, http.StatusNotFound, provErr.StatusCode)
	assert.False(t, provErr.Retryable)
	assert.Contains(t, provErr.Message, "not found")
}
