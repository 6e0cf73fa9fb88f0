package auth

import "errors"

// Sentinel errors returned by Gate.Authenticate. Callers (the proxy's auth
// middleware) map these to the wire error codes in pkg/apierr.
var (
	// ErrMissingCredential means the request carried no x-api-key header and
	// no bearer token in authorization.
	ErrMissingCredential = errors.New("auth: missing credential")
	// ErrInvalidCredential means the key is unknown, inactive, expired, or
	// failed slow-hash verification.
	ErrInvalidCredential = errors.New("auth: invalid credential")
	// ErrRateLimited means the principal resolved fine but has exceeded its
	// per-minute request budget.
	ErrRateLimited = errors.New("auth: rate limited")
)
