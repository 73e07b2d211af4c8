package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harinish45/xare-core/services/providers"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3.2"
)

// Config holds Ollama adapter configuration.
type Config struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration

	// Vision forwards image segments as base64 attachments. Most local
	// models ignore them, so the default policy drops images instead.
	Vision      bool
	ImagePolicy providers.ImagePolicy
}

// Adapter implements the provider contract for a local Ollama daemon.
// Keyless: no credential is required and the orchestrator must not skip it
// for lacking one.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAdapter creates a new Ollama adapter.
func NewAdapter(cfg Config, logger *zap.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}
	if cfg.Timeout == 0 {
		// Local models can be slow to load on first call.
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger.Named("ollama"),
	}
}

func (a *Adapter) Name() string           { return "ollama" }
func (a *Adapter) DefaultModel() string   { return a.cfg.DefaultModel }
func (a *Adapter) Keyless() bool          { return true }
func (a *Adapter) Class() providers.Class { return providers.ClassLocal }

// Generate performs a single blocking completion.
func (a *Adapter) Generate(ctx context.Context, model string, messages []providers.Message, creds providers.Credentials) (*providers.ChatResponse, error) {
	if model == "" {
		model = a.cfg.DefaultModel
	}
	body, err := a.marshalRequest(model, messages, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	httpResp, err := a.post(ctx, creds, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "READ_ERROR", "failed to read response", httpResp.StatusCode, true, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, a.errorFromStatus(httpResp.StatusCode, respBody)
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, providers.NewProviderError(a.Name(), "UNMARSHAL_ERROR", "failed to unmarshal response", httpResp.StatusCode, false, err)
	}

	out := &providers.ChatResponse{
		Content:  cr.Message.Content,
		Provider: a.Name(),
		Model:    model,
		Usage:    cr.usage(),
	}
	if out.Usage == nil {
		out.Usage = providers.EstimateUsage(messages, out.Content)
		out.Estimated = true
	}
	return out, nil
}

// Stream issues a streaming completion. Ollama streams newline-delimited
// JSON objects rather than SSE; the final object carries eval counts.
func (a *Adapter) Stream(ctx context.Context, model string, messages []providers.Message, creds providers.Credentials, onChunk providers.StreamHandler) (*providers.ChatResponse, error) {
	if model == "" {
		model = a.cfg.DefaultModel
	}
	body, err := a.marshalRequest(model, messages, true)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.post(ctx, creds, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, a.errorFromStatus(httpResp.StatusCode, respBody)
	}

	var usage *providers.Usage
	var emitted strings.Builder
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var cr chatResponse
		if err := json.Unmarshal(line, &cr); err != nil {
			continue
		}
		if cr.Error != "" {
			return nil, providers.NewProviderError(a.Name(), "UPSTREAM_ERROR", cr.Error, httpResp.StatusCode, true, nil)
		}
		if cr.Message.Content != "" {
			emitted.WriteString(cr.Message.Content)
			onChunk(cr.Message.Content)
		}
		if cr.Done {
			usage = cr.usage()
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, providers.NewProviderError(a.Name(), "STREAM_CANCELLED", "stream cancelled", 0, false, ctx.Err())
		}
		return nil, providers.NewProviderError(a.Name(), "STREAM_ERROR", "failed to read stream", 0, true, err)
	}

	out := &providers.ChatResponse{Provider: a.Name(), Model: model, Usage: usage}
	if out.Usage == nil {
		out.Usage = providers.EstimateUsage(messages, emitted.String())
		out.Estimated = true
	}
	return out, nil
}

func (a *Adapter) marshalRequest(model string, messages []providers.Message, stream bool) ([]byte, error) {
	if providers.HasImages(messages) && !a.cfg.Vision {
		if a.cfg.ImagePolicy == providers.ImageReject {
			return nil, providers.NewProviderError(a.Name(), "IMAGES_UNSUPPORTED",
				"image content rejected", 0, false, providers.ErrImagesUnsupported)
		}
		a.logger.Warn("dropping image segments, model has no vision support",
			zap.String("model", model))
	}

	req := chatRequest{
		Model:    model,
		Messages: make([]chatMessage, 0, len(messages)),
		Stream:   stream,
	}
	for _, m := range messages {
		cm := chatMessage{Role: m.Role, Content: providers.ContentText(m.Content)}
		if a.cfg.Vision {
			for _, img := range providers.ContentImages(m.Content) {
				cm.Images = append(cm.Images, base64.StdEncoding.EncodeToString(img.Data))
			}
		}
		req.Messages = append(req.Messages, cm)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "failed to marshal request", 0, false, err)
	}
	return body, nil
}

func (a *Adapter) post(ctx context.Context, creds providers.Credentials, body []byte) (*http.Response, error) {
	baseURL := a.cfg.BaseURL
	if creds.Endpoint != "" {
		baseURL = strings.TrimRight(creds.Endpoint, "/")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "REQUEST_ERROR", "failed to create request", 0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, providers.NewProviderError(a.Name(), "TIMEOUT", "request cancelled or timed out", 0, true, err)
		}
		return nil, providers.NewProviderError(a.Name(), "HTTP_ERROR", "request failed", 0, true, err)
	}
	return resp, nil
}

func (a *Adapter) errorFromStatus(status int, body []byte) error {
	var er struct {
		Error string `json:"error"`
	}
	msg := string(body)
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		msg = er.Error
	}
	return providers.NewProviderError(a.Name(), "UPSTREAM_ERROR", msg, status, providers.RetryableStatus(status), nil)
}

// Wire types.

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error,omitempty"`

	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

func (cr *chatResponse) usage() *providers.Usage {
	if cr.PromptEvalCount == 0 && cr.EvalCount == 0 {
		return nil
	}
	return &providers.Usage{
		PromptTokens:     cr.PromptEvalCount,
		CompletionTokens: cr.EvalCount,
		TotalTokens:      cr.PromptEvalCount + cr.EvalCount,
	}
}
