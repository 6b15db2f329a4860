package auth

import "errors"

// Sentinel errors returned by the auth package.
// Callers should use errors.Is for comparison.
var (
	// ErrInvalidCredentials is returned when an API key does not resolve to
	// any org.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrTokenExpired is returned when a JWT has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
