// Package llm provides completion and transcription clients.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"

	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage represents a chat message for the provider.
type ChatMessage struct {
	Role    string  `json:"role"`
	Content string  `json:"content"`
	Images  []Image `json:"-"`
}

// Image is an inline attachment sent with a user turn.
type Image struct {
	MIMEType string
	Data     []byte
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for completion providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// SupportsVision reports whether image attachments are forwarded.
	SupportsVision() bool
}

// Transcriber turns a voice note into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	default:
		return NewOpenAIClient(apiKey)
	}
}

// Registry hands out one client per API key so tenants with their own key
// share connections.
type Registry struct {
	provider   Provider
	defaultKey string

	mu      sync.Mutex
	clients map[string]Client
}

// NewRegistry creates a registry for a provider and its global key.
func NewRegistry(provider Provider, defaultKey string) *Registry {
	return &Registry{
		provider:   provider,
		defaultKey: defaultKey,
		clients:    make(map[string]Client),
	}
}

// For returns the client for apiKey, or for the global key when empty.
func (r *Registry) For(apiKey string) (Client, error) {
	if apiKey == "" {
		apiKey = r.defaultKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%s client: %w", r.provider, model.ErrMissingCredential)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[apiKey]; ok {
		return c, nil
	}
	c, err := NewClient(r.provider, apiKey)
	if err != nil {
		return nil, err
	}
	r.clients[apiKey] = c
	return c, nil
}

// ClassifyError maps provider errors to the model error taxonomy.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", model.ErrUpstreamTimeout, err)
	}

	var oaiErr *openai.APIError
	if errors.As(err, &oaiErr) {
		return &model.UpstreamHTTPError{Status: oaiErr.HTTPStatusCode, Body: oaiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &model.UpstreamHTTPError{Status: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		return &model.UpstreamHTTPError{Status: antErr.StatusCode, Body: antErr.Error()}
	}
	return err
}
