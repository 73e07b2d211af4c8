package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/harinish45/xare-core/middleware"
	"github.com/harinish45/xare-core/services/orchestrator"
	"github.com/harinish45/xare-core/services/providers"
	"github.com/harinish45/xare-core/utils"
	"go.uber.org/zap"
)

// ChatRequest represents a chat request from the extension
type ChatRequest struct {
	Model    string        `json:"model,omitempty"`
	Provider string        `json:"provider,omitempty" validate:"omitempty,alphanum"`
	Messages []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Stream   bool          `json:"stream,omitempty"`
}

// ChatMessage represents a single chat message. Content is either a plain
// string or an array of typed segments.
type ChatMessage struct {
	Role    string          `json:"role" validate:"required,oneof=system user assistant"`
	Content json.RawMessage `json:"content" validate:"required"`
}

// ContentSegment is one element of segmented message content
type ContentSegment struct {
	Type      string `json:"type" validate:"required,oneof=text image"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64-encoded image bytes
}

// ChatResponse represents a completed chat request
type ChatResponse struct {
	RequestID string `json:"request_id"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Content   string `json:"content"`
	Usage     struct {
		PromptTokens     int  `json:"prompt_tokens"`
		CompletionTokens int  `json:"completion_tokens"`
		TotalTokens      int  `json:"total_tokens"`
		Estimated        bool `json:"estimated,omitempty"`
	} `json:"usage"`
	LatencyMs int64 `json:"latency_ms"`
}

// ChatService defines the orchestration operations the handler needs
type ChatService interface {
	Chat(ctx context.Context, req orchestrator.Request) (*providers.ChatResponse, error)
	ChatStream(ctx context.Context, req orchestrator.Request, onChunk providers.StreamHandler) (*providers.ChatResponse, error)
}

// ChatHandler handles chat HTTP requests
type ChatHandler struct {
	service ChatService
	logger  *zap.Logger
}

// NewChatHandler creates a new ChatHandler
func NewChatHandler(service ChatService, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		service: service,
		logger:  logger,
	}
}

// HandleChat handles POST /api/v1/chat. Streaming responses use Server-Sent
// Events; blocking responses return a single JSON document.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var chatReq ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&chatReq); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&chatReq); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	messages, err := convertMessages(chatReq.Messages)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	req := orchestrator.Request{
		Provider: chatReq.Provider,
		Model:    chatReq.Model,
		Messages: messages,
	}

	if chatReq.Stream {
		h.streamChat(w, r, requestID, req)
		return
	}

	start := time.Now()
	resp, err := h.service.Chat(ctx, req)
	if err != nil {
		HandleDispatchError(w, err, requestID, h.logger)
		return
	}

	_ = utils.WriteJSON(w, http.StatusOK, buildChatResponse(requestID, resp, time.Since(start)))
}

// streamChat relays provider output as SSE events. Event types:
// "chunk" carries a text fragment, "done" carries the final summary,
// "error" carries a failure. Errors after the first chunk terminate the
// stream without a provider switch.
func (h *ChatHandler) streamChat(w http.ResponseWriter, r *http.Request, requestID string, req orchestrator.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = utils.WriteInternalServerError(w, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	start := time.Now()
	resp, err := h.service.ChatStream(r.Context(), req, func(fragment string) {
		writeSSE(w, "chunk", map[string]string{"content": fragment})
		flusher.Flush()
	})
	if err != nil {
		h.logger.Warn("stream failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		writeSSE(w, "error", map[string]string{"message": err.Error()})
		flusher.Flush()
		return
	}

	writeSSE(w, "done", buildChatResponse(requestID, resp, time.Since(start)))
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func buildChatResponse(requestID string, resp *providers.ChatResponse, elapsed time.Duration) ChatResponse {
	out := ChatResponse{
		RequestID: requestID,
		Provider:  resp.Provider,
		Model:     resp.Model,
		Content:   resp.Content,
		LatencyMs: elapsed.Milliseconds(),
	}
	if resp.Usage != nil {
		out.Usage.PromptTokens = resp.Usage.PromptTokens
		out.Usage.CompletionTokens = resp.Usage.CompletionTokens
		out.Usage.TotalTokens = resp.Usage.TotalTokens
	}
	out.Usage.Estimated = resp.Estimated
	return out
}

// convertMessages maps wire messages onto provider messages. String
// content stays text; arrays become typed segments.
func convertMessages(in []ChatMessage) ([]providers.Message, error) {
	out := make([]providers.Message, 0, len(in))
	for i, msg := range in {
		var text string
		if err := json.Unmarshal(msg.Content, &text); err == nil {
			out = append(out, providers.NewTextMessage(msg.Role, text))
			continue
		}

		var rawSegments []ContentSegment
		if err := json.Unmarshal(msg.Content, &rawSegments); err != nil {
			return nil, fmt.Errorf("message %d: content must be a string or segment array", i)
		}
		segments := make(providers.SegmentContent, 0, len(rawSegments))
		for j, seg := range rawSegments {
			switch seg.Type {
			case "text":
				segments = append(segments, providers.TextSegment{Text: seg.Text})
			case "image":
				data, err := base64.StdEncoding.DecodeString(seg.Data)
				if err != nil {
					return nil, fmt.Errorf("message %d segment %d: invalid base64 image data", i, j)
				}
				if seg.MediaType == "" {
					return nil, fmt.Errorf("message %d segment %d: media_type is required for images", i, j)
				}
				segments = append(segments, providers.ImageSegment{MimeType: seg.MediaType, Data: data})
			default:
				return nil, fmt.Errorf("message %d segment %d: unknown segment type %q", i, j, seg.Type)
			}
		}
		out = append(out, providers.Message{Role: msg.Role, Content: segments})
	}
	return out, nil
}
