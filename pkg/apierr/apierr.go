// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeNotFoundErr       = "not_found_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeInternalError      = "internal_error"
	CodeProviderError      = "provider_error"
	CodeRequestTimeout     = "request_timeout"
	CodeNotImplemented     = "not_implemented"
	CodeInvalidRequest     = "invalid_request"
	CodeMissingCredential  = "missing_credential"
	CodeInvalidCredential  = "invalid_credential"
	CodeInsufficientScope  = "insufficient_permission"
	CodeModelNotFound      = "model_not_found"
	CodeAllProvidersFailed = "all_providers_failed"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are written separately by WriteTimeout (504).
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteMissingCredential writes a 401 error for a request that carries no
// API key at all (neither x-api-key nor an authorization bearer header).
func WriteMissingCredential(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "missing API key", TypeAuthenticationErr, CodeMissingCredential)
}

// WriteInvalidCredential writes a 401 error for a key that is unknown,
// inactive, expired, or fails slow-hash verification.
func WriteInvalidCredential(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "invalid API key", TypeAuthenticationErr, CodeInvalidCredential)
}

// WriteInsufficientPermission writes a 403 error for an authenticated
// principal that lacks the permission required by the route.
func WriteInsufficientPermission(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusForbidden, "insufficient permissions", TypePermissionErr, CodeInsufficientScope)
}

// WriteModelNotFound writes a 404 error for a logical model the registry
// does not know about.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusNotFound, "model not found: "+model, TypeNotFoundErr, CodeModelNotFound)
}

// WriteAllProvidersFailed writes a 502 error carrying the last underlying
// provider error's code, once every candidate in the fallback chain has
// been exhausted.
func WriteAllProvidersFailed(ctx *fasthttp.RequestCtx, lastErrCode string) {
	msg := "all providers failed"
	if lastErrCode != "" {
		msg = "all providers failed: " + lastErrCode
	}
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeAllProvidersFailed)
}
