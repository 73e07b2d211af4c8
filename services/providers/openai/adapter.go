package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harinish45/xare-core/services/providers"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

// Config holds OpenAI adapter configuration.
type Config struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration

	// Vision enables image content parts. When false, ImagePolicy decides
	// what happens to image-bearing requests.
	Vision      bool
	ImagePolicy providers.ImagePolicy
}

// Adapter implements the provider contract for OpenAI-compatible chat
// completion backends (api.openai.com and lookalikes).
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAdapter creates a new OpenAI adapter.
func NewAdapter(cfg Config, logger *zap.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Adapter{
		cfg: cfg,
		// No client-level timeout: streaming responses outlive any fixed
		// deadline. Per-attempt bounds come from the caller's context.
		httpClient: &http.Client{},
		logger:     logger.Named("openai"),
	}
}

func (a *Adapter) Name() string                  { return "openai" }
func (a *Adapter) DefaultModel() string          { return a.cfg.DefaultModel }
func (a *Adapter) Keyless() bool                 { return false }
func (a *Adapter) Class() providers.Class        { return providers.ClassPaid }

// Generate performs a single blocking completion.
func (a *Adapter) Generate(ctx context.Context, model string, messages []providers.Message, creds providers.Credentials) (*providers.ChatResponse, error) {
	body, err := a.buildRequest(model, messages, false)
	if err != nil {
		return nil, err
	}

	resp, status, err := a.post(ctx, creds, body)
	if err != nil {
		return nil, err
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(resp, &completion); err != nil {
		return nil, providers.NewProviderError(a.Name(), "UNMARSHAL_ERROR", "failed to unmarshal response", status, false, err)
	}
	if len(completion.Choices) == 0 {
		return nil, providers.NewProviderError(a.Name(), "EMPTY_RESPONSE", "no choices in response", status, false, nil)
	}

	out := &providers.ChatResponse{
		Content:  completion.Choices[0].Message.Content,
		Provider: a.Name(),
		Model:    completion.Model,
	}
	if completion.Usage != nil {
		out.Usage = &providers.Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		}
	} else {
		out.Usage = providers.EstimateUsage(messages, out.Content)
		out.Estimated = true
	}
	return out, nil
}

// Stream issues a streaming completion over SSE, delivering each delta to
// onChunk in arrival order. No mid-stream retries.
func (a *Adapter) Stream(ctx context.Context, model string, messages []providers.Message, creds providers.Credentials, onChunk providers.StreamHandler) (*providers.ChatResponse, error) {
	body, err := a.buildRequest(model, messages, true)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.do(ctx, creds, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, a.errorFromStatus(httpResp.StatusCode, respBody)
	}

	usage := &providers.Usage{}
	reportedUsage := false
	var emitted strings.Builder

	reader := bufio.NewReader(httpResp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return nil, providers.NewProviderError(a.Name(), "STREAM_CANCELLED", "stream cancelled", 0, false, ctx.Err())
			}
			return nil, providers.NewProviderError(a.Name(), "STREAM_ERROR", "failed to read stream", 0, true, err)
		}

		line = bytes.TrimSpace(line)
		const prefix = "data: "
		if !bytes.HasPrefix(line, []byte(prefix)) {
			continue
		}
		payload := bytes.TrimSpace(line[len(prefix):])
		if bytes.Equal(payload, []byte("[DONE]")) {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			// Skip malformed events, matching upstream tolerance.
			continue
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
			reportedUsage = true
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				emitted.WriteString(choice.Delta.Content)
				onChunk(choice.Delta.Content)
			}
		}
	}

	out := &providers.ChatResponse{Provider: a.Name(), Model: model, Usage: usage}
	if !reportedUsage {
		usage.CompletionTokens = providers.EstimateTokens(emitted.String())
		usage.PromptTokens = providers.EstimateTokens(promptText(messages))
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		out.Estimated = true
	}
	return out, nil
}

func (a *Adapter) buildRequest(model string, messages []providers.Message, stream bool) ([]byte, error) {
	if model == "" {
		model = a.cfg.DefaultModel
	}

	if providers.HasImages(messages) && !a.cfg.Vision {
		if a.cfg.ImagePolicy == providers.ImageReject {
			return nil, providers.NewProviderError(a.Name(), "IMAGES_UNSUPPORTED",
				"image content rejected", 0, false, providers.ErrImagesUnsupported)
		}
		a.logger.Warn("dropping image segments, model has no vision support",
			zap.String("model", model))
	}

	req := chatCompletionRequest{
		Model:    model,
		Messages: make([]chatMessage, 0, len(messages)),
		Stream:   stream,
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	for _, m := range messages {
		req.Messages = append(req.Messages, a.convertMessage(m))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "failed to marshal request", 0, false, err)
	}
	return body, nil
}

// convertMessage maps a unified message onto the wire shape: plain string
// content, or a parts array when the model takes images.
func (a *Adapter) convertMessage(m providers.Message) chatMessage {
	images := providers.ContentImages(m.Content)
	if len(images) == 0 || !a.cfg.Vision {
		return chatMessage{Role: m.Role, Content: providers.ContentText(m.Content)}
	}

	parts := make([]contentPart, 0, len(images)+1)
	if text := providers.ContentText(m.Content); text != "" {
		parts = append(parts, contentPart{Type: "text", Text: text})
	}
	for _, img := range images {
		dataURL := fmt.Sprintf("data:%s;base64,%s", img.MimeType, base64.StdEncoding.EncodeToString(img.Data))
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: dataURL}})
	}
	return chatMessage{Role: m.Role, Content: parts}
}

func (a *Adapter) do(ctx context.Context, creds providers.Credentials, body []byte) (*http.Response, error) {
	baseURL := a.cfg.BaseURL
	if creds.Endpoint != "" {
		baseURL = strings.TrimRight(creds.Endpoint, "/")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "REQUEST_ERROR", "failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+creds.APIKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, providers.NewProviderError(a.Name(), "TIMEOUT", "request cancelled or timed out", 0, true, err)
		}
		return nil, providers.NewProviderError(a.Name(), "HTTP_ERROR", "request failed", 0, true, err)
	}
	return resp, nil
}

// post executes a blocking request and returns the raw body on success.
func (a *Adapter) post(ctx context.Context, creds providers.Credentials, body []byte) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	httpResp, err := a.do(ctx, creds, body)
	if err != nil {
		return nil, 0, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, httpResp.StatusCode, providers.NewProviderError(a.Name(), "READ_ERROR", "failed to read response", httpResp.StatusCode, true, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, httpResp.StatusCode, a.errorFromStatus(httpResp.StatusCode, respBody)
	}
	return respBody, httpResp.StatusCode, nil
}

func (a *Adapter) errorFromStatus(status int, body []byte) error {
	var errResp errorResponse
	msg := string(body)
	code := "UPSTREAM_ERROR"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
		if errResp.Error.Type != "" {
			code = errResp.Error.Type
		}
	}
	return providers.NewProviderError(a.Name(), code, msg, status, providers.RetryableStatus(status), nil)
}

func promptText(messages []providers.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(providers.ContentText(m.Content))
	}
	return b.String()
}

// Wire types.

type chatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatMessage content is either a string or a []contentPart.
type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
}

type streamChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
