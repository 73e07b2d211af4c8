package providers

import (
	"context"
	"errors"
	"strings"
)

// Message roles understood by every adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessageContent is the content of a chat message: either plain text or an
// ordered sequence of typed segments. Adapters switch on the concrete type
// instead of probing at runtime.
type MessageContent interface {
	isMessageContent()
}

// TextContent is plain-text message content.
type TextContent string

func (TextContent) isMessageContent() {}

// SegmentContent is an ordered sequence of text and image segments.
type SegmentContent []Segment

func (SegmentContent) isMessageContent() {}

// Segment is one element of SegmentContent.
type Segment interface {
	isSegment()
}

// TextSegment carries a fragment of text.
type TextSegment struct {
	Text string
}

func (TextSegment) isSegment() {}

// ImageSegment carries raw image bytes with their MIME type.
type ImageSegment struct {
	MimeType string
	Data     []byte
}

func (ImageSegment) isSegment() {}

// Message is a single turn in a conversation. Immutable once constructed.
type Message struct {
	Role    string
	Content MessageContent
}

// NewTextMessage builds a plain-text message.
func NewTextMessage(role, text string) Message {
	return Message{Role: role, Content: TextContent(text)}
}

// ContentText flattens message content to its textual parts.
func ContentText(c MessageContent) string {
	switch v := c.(type) {
	case TextContent:
		return string(v)
	case SegmentContent:
		var b strings.Builder
		for _, seg := range v {
			if ts, ok := seg.(TextSegment); ok {
				b.WriteString(ts.Text)
			}
		}
		return b.String()
	default:
		return ""
	}
}

// ContentImages returns the image segments of message content, in order.
func ContentImages(c MessageContent) []ImageSegment {
	segs, ok := c.(SegmentContent)
	if !ok {
		return nil
	}
	var images []ImageSegment
	for _, seg := range segs {
		if img, ok := seg.(ImageSegment); ok {
			images = append(images, img)
		}
	}
	return images
}

// HasImages reports whether any message carries an image segment.
func HasImages(messages []Message) bool {
	for _, m := range messages {
		if len(ContentImages(m.Content)) > 0 {
			return true
		}
	}
	return false
}

// Usage represents token usage statistics reported by a backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the unified result of a completion.
// For streaming calls Content is empty and only usage/metadata is carried;
// the text has already been delivered through the stream handler.
type ChatResponse struct {
	Content  string `json:"content"`
	Usage    *Usage `json:"usage,omitempty"`
	Provider string `json:"provider"`
	Model    string `json:"model"`

	// Estimated marks token counts derived from text length rather than
	// reported by the backend. Never billing-accurate.
	Estimated bool `json:"estimated,omitempty"`
}

// StreamHandler receives incremental text fragments in arrival order.
type StreamHandler func(fragment string)

// Credentials hold the resolved key and optional endpoint override for one
// provider.
type Credentials struct {
	APIKey   string
	Endpoint string
}

// Class buckets providers for priority ordering and permission gating.
// Local backends sort before free tiers, which sort before paid ones.
type Class int

const (
	ClassLocal Class = iota
	ClassFree
	ClassPaid
)

func (c Class) String() string {
	switch c {
	case ClassLocal:
		return "local"
	case ClassFree:
		return "free"
	case ClassPaid:
		return "paid"
	default:
		return "unknown"
	}
}

// ImagePolicy decides what an adapter without native vision support does
// with image segments.
type ImagePolicy int

const (
	// ImageReject fails image-bearing requests with ErrImagesUnsupported.
	ImageReject ImagePolicy = iota
	// ImageDrop silently strips image segments. Drops must be logged.
	ImageDrop
)

// ErrImagesUnsupported is returned by adapters configured to reject
// image-bearing requests.
var ErrImagesUnsupported = errors.New("provider does not support image content")

// Adapter normalizes one backend's wire protocol into the common contract.
// Adapters surface backend errors untranslated and never retry or fall
// back; that responsibility belongs to the orchestrator.
type Adapter interface {
	// Name returns the provider id (e.g. "openai", "gemini", "ollama").
	Name() string

	// DefaultModel returns the model used when the caller does not pick one.
	DefaultModel() string

	// Keyless reports whether the backend needs no API key (local backends).
	Keyless() bool

	// Class returns the provider's priority/cost class.
	Class() Class

	// Generate performs a single blocking completion.
	Generate(ctx context.Context, model string, messages []Message, creds Credentials) (*ChatResponse, error)

	// Stream issues a streaming completion, invoking onChunk for each
	// incremental fragment as it arrives. It returns only once the stream
	// is drained; the returned response carries usage/metadata only.
	Stream(ctx context.Context, model string, messages []Message, creds Credentials, onChunk StreamHandler) (*ChatResponse, error)
}

// ProviderError is an error surfaced by a provider backend.
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Provider + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Provider + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error.
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// RetryableStatus reports whether an HTTP status is worth retrying:
// timeouts, rate limits and server errors. Other 4xx are permanent.
func RetryableStatus(status int) bool {
	switch {
	case status == 0:
		return true
	case status == 408 || status == 429:
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

// IsRetryable checks whether an error may succeed on a later attempt.
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// EstimateTokens approximates a token count from text length (chars/4).
// Used only when the backend does not report exact usage; results carry
// the Estimated flag.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// EstimateUsage approximates usage for a whole exchange: prompt tokens
// from the flattened message text, completion tokens from the response.
func EstimateUsage(messages []Message, completion string) *Usage {
	var prompt strings.Builder
	for _, m := range messages {
		prompt.WriteString(ContentText(m.Content))
	}
	u := &Usage{
		PromptTokens:     EstimateTokens(prompt.String()),
		CompletionTokens: EstimateTokens(completion),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}
