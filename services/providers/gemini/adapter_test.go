package gemini

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

func TestConvertMessages_RoleMapping(t *testing.T) {
	messages := []providers.Message{
		providers.NewTextMessage(providers.RoleUser, "question"),
		providers.NewTextMessage(providers.RoleAssistant, "answer"),
		providers.NewTextMessage(providers.RoleUser, "follow-up"),
	}

	contents := convertMessages(messages)
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "user", contents[2].Role)
}

func TestConvertMessages_SystemFolding(t *testing.T) {
	messages := []providers.Message{
		providers.NewTextMessage(providers.RoleSystem, "be terse"),
		providers.NewTextMessage(providers.RoleUser, "hello"),
	}

	contents := convertMessages(messages)
	require.Len(t, contents, 1)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "be terse\n\nhello", contents[0].Parts[0].Text)
}

func TestConvertMessages_LeadingTurnRepair(t *testing.T) {
	// Leading assistant turns violate Gemini's ordering rule and must be
	// discarded, not fail the request.
	messages := []providers.Message{
		providers.NewTextMessage(providers.RoleAssistant, "stale greeting"),
		providers.NewTextMessage(providers.RoleSystem, "be helpful"),
		providers.NewTextMessage(providers.RoleUser, "hi"),
		providers.NewTextMessage(providers.RoleAssistant, "hello!"),
	}

	contents := convertMessages(messages)
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "be helpful\n\nhi", contents[0].Parts[0].Text)
	assert.Equal(t, "model", contents[1].Role)
}

func TestConvertMessages_NoUserTurn(t *testing.T) {
	messages := []providers.Message{
		providers.NewTextMessage(providers.RoleSystem, "only system"),
	}
	assert.Nil(t, convertMessages(messages))
}

func TestConvertMessages_InlineImages(t *testing.T) {
	messages := []providers.Message{
		{Role: providers.RoleUser, Content: providers.SegmentContent{
			providers.TextSegment{Text: "describe"},
			providers.ImageSegment{MimeType: "image/png", Data: []byte{1, 2, 3}},
		}},
	}

	contents := convertMessages(messages)
	require.Len(t, contents, 1)
	require.Len(t, contents[0].Parts, 2)
	require.NotNil(t, contents[0].Parts[1].InlineData)
	assert.Equal(t, "image/png", contents[0].Parts[1].InlineData.MimeType)
	assert.Equal(t, "AQID", contents[0].Parts[1].InlineData.Data)
}

func TestAdapter_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-1.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("key"))

		body, _ := io.ReadAll(r.Body)
		var req generateRequest
		require.NoError(t, json.Unmarshal(body, &req))
		require.NotEmpty(t, req.Contents)

		fmt.Fprint(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "bonjour"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 2, "totalTokenCount": 6}
		}`)
	}))
	defer server.Close()

	a := NewAdapter(Config{BaseURL: server.URL}, zap.NewNop())
	resp, err := a.Generate(context.Background(), "", []providers.Message{
		providers.NewTextMessage(providers.RoleUser, "translate hello"),
	}, providers.Credentials{APIKey: "secret"})

	require.NoError(t, err)
	assert.Equal(t, "bonjour", resp.Content)
	assert.Equal(t, "gemini", resp.Provider)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 6, resp.Usage.TotalTokens)
}

func TestAdapter_Generate_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"code": 400, "message": "invalid argument", "status": "INVALID_ARGUMENT"}}`)
	}))
	defer server.Close()

	a := NewAdapter(Config{BaseURL: server.URL}, zap.NewNop())
	_, err := a.Generate(context.Background(), "", []providers.Message{
		providers.NewTextMessage(providers.RoleUser, "hi"),
	}, providers.Credentials{APIKey: "k"})

	var provErr *providers.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, http.StatusBadRequest, provErr.StatusCode)
	assert.False(t, provErr.Retryable)
	assert.Contains(t, provErr.Message, "invalid argument")
}

func TestAdapter_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\": [{\"content\": {\"parts\": [{\"text\": \"Hel\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\": [{\"content\": {\"parts\": [{\"text\": \"lo\"}]}, \"finishReason\": \"STOP\"}], \"usageMetadata\": {\"promptTokenCount\": 3, \"candidatesTokenCount\": 2, \"totalTokenCount\": 5}}\n\n")
	}))
	defer server.Close()

	a := NewAdapter(Config{BaseURL: server.URL}, zap.NewNop())

	var got []string
	resp, err := a.Stream(context.Background(), "", []providers.Message{
		providers.NewTextMessage(providers.RoleUser, "hi"),
	}, providers.Credentials{APIKey: "k"}, func(fragment string) {
		got = append(got, fragment)
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, got)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
	assert.False(t, resp.Estimated)
}

func TestAdapter_Stream_SafetyBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"candidates\": [{\"content\": {\"parts\": [{\"text\": \"par\"}]}, \"finishReason\": \"SAFETY\"}]}\n\n")
	}))
	defer server.Close()

	a := NewAdapter(Config{BaseURL: server.URL}, zap.NewNop())

	var got []string
	_, err := a.Stream(context.Background(), "", []providers.Message{
		providers.NewTextMessage(providers.RoleUser, "hi"),
	}, providers.Credentials{APIKey: "k"}, func(fragment string) {
		got = append(got, fragment)
	})

	// Partial text was delivered before the block; the call still fails.
	assert.Equal(t, []string{"par"}, got)
	var provErr *providers.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "SAFETY_BLOCKED", provErr.Code)
}
