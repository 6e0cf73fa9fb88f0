// Package router implements the Model Router: it resolves a logical model
// through internal/registry, checks a per-provider circuit breaker and
// concurrency semaphore, calls the matching provider adapter, and falls back
// through the registry's fallback chain on transient failure. A response
// cache fronts the whole path when enabled. See internal/auth for credential
// resolution and internal/registry for the model catalogue.
package router

import "errors"

// CacheOptions controls whether a request's response may be served from, or
// written to, the KV-backed response cache.
type CacheOptions struct {
	Enabled    bool
	TTLSeconds int
}

// FallbackOptions controls whether the router may advance past the primary
// model to others in the registry's fallback chain, and optionally narrows
// that chain to a caller-supplied allow-list of model names.
type FallbackOptions struct {
	Enabled bool
	Models  []string // optional allow-list of bare model names
}

// RequestMetadata carries the identifiers surfaced in logs and the cache
// fingerprint.
type RequestMetadata struct {
	UserID    string
	OrgID     string
	APIKeyID  string
	RequestID string
}

// Decision records how the router resolved one request: which provider
// actually served it (or would have, for cache hits), and what the
// rest of the fallback chain looked like.
//
// For streaming decisions the router keeps the per-provider semaphore permit
// held, since the upstream call outlives Route itself; the caller MUST call
// ReleaseStreamPermit once the stream has drained or failed to start.
type Decision struct {
	Provider      string
	ProviderModel string
	LogicalModel  string
	FromCache     bool
	FallbackChain []string

	release func()
}

// ReleaseStreamPermit returns the per-provider concurrency permit held for a
// streaming decision. Idempotent; a no-op for unary and cache-hit decisions.
func (d *Decision) ReleaseStreamPermit() {
	if d.release != nil {
		d.release()
		d.release = nil
	}
}

// CachedPayload is the JSON-encoded shape written to, and read from, the
// response cache.
type CachedPayload struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// notFoundError is returned when the logical model named by a request is
// unknown to, or inactive in, the registry.
type notFoundError struct{ model string }

func (e *notFoundError) Error() string { return "router: model not found: " + e.model }

func newModelNotFoundError(model string) error { return &notFoundError{model: model} }

// IsModelNotFound reports whether err (or a wrapped cause) is a model-not-found error.
func IsModelNotFound(err error) bool {
	var nf *notFoundError
	return errors.As(err, &nf)
}

// allFailedError is returned when every model in the resolved chain (primary
// plus fallbacks) failed or was skipped by an open circuit breaker.
type allFailedError struct {
	tried []string
	last  error
}

func (e *allFailedError) Error() string {
	msg := "router: all provider candidates failed"
	if e.last != nil {
		msg += ": " + e.last.Error()
	}
	return msg
}

func (e *allFailedError) Unwrap() error { return e.last }

// IsAllCandidatesFailed reports whether err is an exhausted-fallback-chain error.
func IsAllCandidatesFailed(err error) bool {
	_, ok := err.(*allFailedError)
	return ok
}
