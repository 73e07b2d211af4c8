package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harinish45/xare-core/services/orchestrator"
	"github.com/harinish45/xare-core/services/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockChatService struct {
	chatFunc   func(ctx context.Context, req orchestrator.Request) (*providers.ChatResponse, error)
	streamFunc func(ctx context.Context, req orchestrator.Request, onChunk providers.StreamHandler) (*providers.ChatResponse, error)
	lastReq    orchestrator.Request
}

func (m *mockChatService) Chat(ctx context.Context, req orchestrator.Request) (*providers.ChatResponse, error) {
	m.lastReq = req
	return m.chatFunc(ctx, req)
}

func (m *mockChatService) ChatStream(ctx context.Context, req orchestrator.Request, onChunk providers.StreamHandler) (*providers.ChatResponse, error) {
	m.lastReq = req
	return m.streamFunc(ctx, req, onChunk)
}

func okResponse() *providers.ChatResponse {
	return &providers.ChatResponse{
		Content:  "Hello!",
		Usage:    &providers.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
		Provider: "ollama",
		Model:    "llama3.2",
	}
}

func postChat(t *testing.T, handler *ChatHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.HandleChat(rec, req)
	return rec
}

func TestHandleChat_Blocking(t *testing.T) {
	svc := &mockChatService{
		chatFunc: func(ctx context.Context, req orchestrator.Request) (*providers.ChatResponse, error) {
			return okResponse(), nil
		},
	}
	handler := NewChatHandler(svc, zap.NewNop())

	rec := postChat(t, handler, `{"messages": [{"role": "user", "content": "hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"provider":"ollama"`)
	assert.Contains(t, rec.Body.String(), `"total_tokens":6`)
	require.Len(t, svc.lastReq.Messages, 1)
	assert.Equal(t, "hi", providers.ContentText(svc.lastReq.Messages[0].Content))
}

func TestHandleChat_ExplicitProviderAndModel(t *testing.T) {
	svc := &mockChatService{
		chatFunc: func(ctx context.Context, req orchestrator.Request) (*providers.ChatResponse, error) {
			return okResponse(), nil
		},
	}
	handler := NewChatHandler(svc, zap.NewNop())

	rec := postChat(t, handler, `{"provider": "openai", "model": "gpt-4o-mini", "messages": [{"role": "user", "content": "hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "openai", svc.lastReq.Provider)
	assert.Equal(t, "gpt-4o-mini", svc.lastReq.Model)
}

func TestHandleChat_SegmentedContent(t *testing.T) {
	svc := &mockChatService{
		chatFunc: func(ctx context.Context, req orchestrator.Request) (*providers.ChatResponse, error) {
			return okResponse(), nil
		},
	}
	handler := NewChatHandler(svc, zap.NewNop())

	body := `{"messages": [{"role": "user", "content": [
		{"type": "text", "text": "what is this?"},
		{"type": "image", "media_type": "image/png", "data": "AQID"}
	]}]}`
	rec := postChat(t, handler, body)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.lastReq.Messages, 1)
	segments, ok := svc.lastReq.Messages[0].Content.(providers.SegmentContent)
	require.True(t, ok)
	require.Len(t, segments, 2)
	img, ok := segments[1].(providers.ImageSegment)
	require.True(t, ok)
	assert.Equal(t, "image/png", img.MimeType)
	assert.Equal(t, []byte{1, 2, 3}, img.Data)
}

func TestHandleChat_ResponseWithoutUsage(t *testing.T) {
	svc := &mockChatService{
		chatFunc: func(ctx context.Context, req orchestrator.Request) (*providers.ChatResponse, error) {
			return &providers.ChatResponse{Content: "Hello!", Provider: "ollama", Model: "llama3.2"}, nil
		},
	}
	handler := NewChatHandler(svc, zap.NewNop())

	rec := postChat(t, handler, `{"messages": [{"role": "user", "content": "hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"content":"Hello!"`)
	assert.Contains(t, rec.Body.String(), `"total_tokens":0`)
}

func TestHandleChat_ValidationErrors(t *testing.T) {
	handler := NewChatHandler(&mockChatService{}, zap.NewNop())

	tests := []struct {
		name string
		body string
	}{
		{"empty messages", `{"messages": []}`},
		{"bad role", `{"messages": [{"role": "robot", "content": "hi"}]}`},
		{"not json", `{{{`},
		{"bad segment type", `{"messages": [{"role": "user", "content": [{"type": "audio"}]}]}`},
		{"image without media type", `{"messages": [{"role": "user", "content": [{"type": "image", "data": "AQID"}]}]}`},
		{"bad base64", `{"messages": [{"role": "user", "content": [{"type": "image", "media_type": "image/png", "data": "!!"}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postChat(t, handler, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleChat_ExhaustedMapsTo503(t *testing.T) {
	svc := &mockChatService{
		chatFunc: func(ctx context.Context, req orchestrator.Request) (*providers.ChatResponse, error) {
			return nil, &orchestrator.ExhaustedError{
				Attempted: []orchestrator.AttemptError{{Provider: "openai", Attempts: 3, Message: "service unavailable"}},
				Skipped:   []orchestrator.SkipReason{{Provider: "ollama", Reason: "unavailable"}},
			}
		},
	}
	handler := NewChatHandler(svc, zap.NewNop())

	rec := postChat(t, handler, `{"messages": [{"role": "user", "content": "hi"}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "providers_exhausted")
	assert.Contains(t, rec.Body.String(), "openai")
}

func TestHandleChat_StreamSSE(t *testing.T) {
	svc := &mockChatService{
		streamFunc: func(ctx context.Context, req orchestrator.Request, onChunk providers.StreamHandler) (*providers.ChatResponse, error) {
			onChunk("Hel")
			onChunk("lo!")
			return okResponse(), nil
		},
	}
	handler := NewChatHandler(svc, zap.NewNop())

	rec := postChat(t, handler, `{"stream": true, "messages": [{"role": "user", "content": "hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: chunk\ndata: {\"content\":\"Hel\"}")
	assert.Contains(t, body, "event: chunk\ndata: {\"content\":\"lo!\"}")
	assert.Contains(t, body, "event: done")
	assert.Contains(t, body, `"provider":"ollama"`)
}

func TestHandleChat_StreamErrorEvent(t *testing.T) {
	svc := &mockChatService{
		streamFunc: func(ctx context.Context, req orchestrator.Request, onChunk providers.StreamHandler) (*providers.ChatResponse, error) {
			onChunk("par")
			return nil, &orchestrator.StreamInterruptedError{
				Provider: "openai", Delivered: 3,
				Err: providers.NewProviderError("openai", "UPSTREAM_ERROR", "boom", 503, true, nil),
			}
		},
	}
	handler := NewChatHandler(svc, zap.NewNop())

	rec := postChat(t, handler, `{"stream": true, "messages": [{"role": "user", "content": "hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code, "headers already sent before the failure")
	body := rec.Body.String()
	assert.Contains(t, body, "event: chunk")
	assert.Contains(t, body, "event: error")
	assert.NotContains(t, body, "event: done")
}
