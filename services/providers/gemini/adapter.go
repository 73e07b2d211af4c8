package gemini

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
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-1.5-flash"
)

// Config holds Gemini adapter configuration.
type Config struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// Adapter implements the provider contract for Google's Gemini multi-turn
// chat API. The wire format differs from OpenAI-style backends in three
// ways this adapter absorbs: contents/parts instead of messages, the
// "model" role instead of "assistant", and no system role at all (system
// prompts are folded into the first user turn).
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAdapter creates a new Gemini adapter. Gemini models accept inline
// image data natively, so no image policy is needed here.
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
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger.Named("gemini"),
	}
}

func (a *Adapter) Name() string           { return "gemini" }
func (a *Adapter) DefaultModel() string   { return a.cfg.DefaultModel }
func (a *Adapter) Keyless() bool          { return false }
func (a *Adapter) Class() providers.Class { return providers.ClassFree }

// Generate performs a single blocking completion.
func (a *Adapter) Generate(ctx context.Context, model string, messages []providers.Message, creds providers.Credentials) (*providers.ChatResponse, error) {
	if model == "" {
		model = a.cfg.DefaultModel
	}
	body, err := a.marshalRequest(messages)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL(creds), model, creds.APIKey)
	httpResp, err := a.post(ctx, url, body)
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

	var gr generateResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, providers.NewProviderError(a.Name(), "UNMARSHAL_ERROR", "failed to unmarshal response", httpResp.StatusCode, false, err)
	}
	text, err := gr.text()
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "EMPTY_RESPONSE", err.Error(), httpResp.StatusCode, false, nil)
	}

	out := &providers.ChatResponse{
		Content:  text,
		Provider: a.Name(),
		Model:    model,
	}
	if gr.UsageMetadata != nil {
		out.Usage = &providers.Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		}
	} else {
		out.Usage = providers.EstimateUsage(messages, text)
		out.Estimated = true
	}
	return out, nil
}

// Stream issues a streaming completion over SSE (alt=sse).
func (a *Adapter) Stream(ctx context.Context, model string, messages []providers.Message, creds providers.Credentials, onChunk providers.StreamHandler) (*providers.ChatResponse, error) {
	if model == "" {
		model = a.cfg.DefaultModel
	}
	body, err := a.marshalRequest(messages)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", a.baseURL(creds), model, creds.APIKey)
	httpResp, err := a.post(ctx, url, body)
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
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		var gr generateResponse
		if err := json.Unmarshal([]byte(data), &gr); err != nil {
			continue
		}
		if gr.UsageMetadata != nil {
			usage = &providers.Usage{
				PromptTokens:     gr.UsageMetadata.PromptTokenCount,
				CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      gr.UsageMetadata.TotalTokenCount,
			}
		}
		for _, cand := range gr.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					emitted.WriteString(part.Text)
					onChunk(part.Text)
				}
			}
			if cand.FinishReason == "SAFETY" {
				return nil, providers.NewProviderError(a.Name(), "SAFETY_BLOCKED",
					"response blocked by safety filters", httpResp.StatusCode, false, nil)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, providers.NewProviderError(a.Name(), "STREAM_CANCELLED", "stream cancelled", 0, false, ctx.Err())
		}
		return nil, providers.NewProviderError(a.Name(), "STREAM_ERROR", "failed to read stream", 0, true, err)
	}

	out := &providers.ChatResponse{Provider: a.Name(), Model: model, Usage: usage}
	if usage == nil {
		out.Usage = providers.EstimateUsage(messages, emitted.String())
		out.Estimated = true
	}
	return out, nil
}

func (a *Adapter) baseURL(creds providers.Credentials) string {
	if creds.Endpoint != "" {
		return strings.TrimRight(creds.Endpoint, "/")
	}
	return a.cfg.BaseURL
}

func (a *Adapter) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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

func (a *Adapter) marshalRequest(messages []providers.Message) ([]byte, error) {
	contents := convertMessages(messages)
	if len(contents) == 0 {
		return nil, providers.NewProviderError(a.Name(), "EMPTY_REQUEST",
			"no user content after conversation repair", 0, false, nil)
	}
	body, err := json.Marshal(generateRequest{Contents: contents})
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "failed to marshal request", 0, false, err)
	}
	return body, nil
}

func (a *Adapter) errorFromStatus(status int, body []byte) error {
	var er apiErrorResponse
	msg := string(body)
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		msg = er.Error.Message
	}
	return providers.NewProviderError(a.Name(), "UPSTREAM_ERROR", msg, status, providers.RetryableStatus(status), nil)
}

// convertMessages maps unified messages onto Gemini contents. System
// messages are folded into the first user turn, assistant becomes "model",
// and any leading model turns are discarded so the conversation starts
// with a user turn as the API demands.
func convertMessages(messages []providers.Message) []content {
	var systemPrompt strings.Builder
	for _, m := range messages {
		if m.Role == providers.RoleSystem {
			if systemPrompt.Len() > 0 {
				systemPrompt.WriteString("\n\n")
			}
			systemPrompt.WriteString(providers.ContentText(m.Content))
		}
	}

	firstUser := -1
	for i, m := range messages {
		if m.Role == providers.RoleUser {
			firstUser = i
			break
		}
	}
	if firstUser == -1 {
		return nil
	}

	var contents []content
	for i, m := range messages {
		// Drop system turns (already folded) and anything before the first
		// user turn that would violate the ordering rule.
		if m.Role == providers.RoleSystem || i < firstUser {
			continue
		}

		role := m.Role
		if role == providers.RoleAssistant {
			role = "model"
		}

		text := providers.ContentText(m.Content)
		if i == firstUser && systemPrompt.Len() > 0 {
			text = systemPrompt.String() + "\n\n" + text
		}

		parts := []part{{Text: text}}
		for _, img := range providers.ContentImages(m.Content) {
			parts = append(parts, part{
				InlineData: &inlineData{
					MimeType: img.MimeType,
					Data:     base64.StdEncoding.EncodeToString(img.Data),
				},
			})
		}

		contents = append(contents, content{Role: role, Parts: parts})
	}
	return contents
}

// Wire types.

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Role  string `json:"role"`
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (gr *generateResponse) text() (string, error) {
	if len(gr.Candidates) == 0 {
		return "", errors.New("no candidates in response")
	}
	var b strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	if b.Len() == 0 {
		return "", errors.New("no content in response")
	}
	return b.String(), nil
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
