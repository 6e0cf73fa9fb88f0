// Package providers defines the common interfaces and types used by all LLM
// provider implementations (OpenAI, Anthropic, Gemini, and the family of
// OpenAI-compatible backends).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. Providers that support vector embeddings additionally implement
// EmbeddingProvider.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ProxyRequest — normalized client request. Tools and ToolChoice are
	// passed through opaquely; providers that do not support tool calling
	// ignore them.
	ProxyRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		Tools       json.RawMessage
		ToolChoice  json.RawMessage
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// ProxyResponse — normalized provider response. FinishReason is empty
	// when the upstream did not report one; callers treat that as "stop".
	ProxyResponse struct {
		ID           string
		Model        string
		Content      string
		Usage        Usage
		FinishReason string
		Stream       <-chan StreamChunk // nil if it's not a stream.
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input []string
		// Model is the provider-native model name (e.g. "text-embedding-3-small").
		Model       string
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Provider — LLM provider interface.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// EmbeddingModelAliases maps embedding model names to provider names.
// Used by the proxy to route POST /v1/embeddings requests.
var EmbeddingModelAliases = map[string]string{
	// OpenAI
	"text-embedding-3-small": "openai",
	"text-embedding-3-large": "openai",
	"text-embedding-ada-002": "openai",
	// Google Gemini
	"text-embedding-004": "gemini",
	"embedding-001":      "gemini",
}

// Default retry and timeout constants shared by the adapters and router.
const (
	MaxRetries      = 3
	ProviderTimeout = 30 * time.Second
)

type StatusCoder interface {
	HTTPStatus() int
}

// ProviderError is the single structured error type raised by every provider
// adapter. It carries the router's retry/fallback decision alongside the
// wire-facing status so the router never has to re-derive it from a raw
// HTTP status code per provider.
//
//   - Retryable: the same model may be retried with exponential backoff.
//   - Fallback: after retries (or immediately, when Retryable is false) the
//     router should advance to the next candidate in the fallback chain.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
	Code       string
	Retryable  bool
	Fallback   bool
}

func (e *ProviderError) Error() string {
	return e.Provider + ": " + e.Message
}

// HTTPStatus implements StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// NewProviderError builds a ProviderError, classifying Retryable/Fallback
// from the upstream HTTP status per the gateway's standard mapping:
//
//	429 / 5xx transient  → retryable, no fallback (same model retried first)
//	4xx client error     → not retryable, fallback to next candidate
//	retries exhausted is applied by the caller (router), not here
func NewProviderError(provider string, statusCode int, message, errType, code string) *ProviderError {
	retryable, fallback := ClassifyStatus(statusCode)
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
		Type:       errType,
		Code:       code,
		Retryable:  retryable,
		Fallback:   fallback,
	}
}

// ClassifyStatus maps an upstream HTTP status code to the router's
// retry/fallback decision.
func ClassifyStatus(status int) (retryable, fallback bool) {
	switch {
	case status == 429:
		return true, false
	case status >= 500:
		return true, false
	case status >= 400 && status < 500:
		return false, true
	default:
		return true, true
	}
}
