// Package auth defines the shared error taxonomy for the token exchange
// pipeline. Every verification outcome maps onto one of the codes below so
// the HTTP boundary and the audit log present a single consistent surface
// across heterogeneous providers.
package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable category for an exchange failure.
type Code string

// Exchange error codes.
const (
	CodeInvalidFormat         Code = "InvalidFormat"
	CodeInvalidIssuer         Code = "InvalidIssuer"
	CodeUnknownKeyID          Code = "UnknownKeyId"
	CodeInvalidSignature      Code = "InvalidSignature"
	CodeExpired               Code = "Expired"
	CodeNotYetValid           Code = "NotYetValid"
	CodeAudienceMismatch      Code = "AudienceMismatch"
	CodeProjectIDMismatch     Code = "ProjectIdMismatch"
	CodeFetchError            Code = "FetchError"
	CodeRateLimited           Code = "RateLimited"
	CodeProviderNotConfigured Code = "ProviderNotConfigured"
	CodeUnexpectedError       Code = "UnexpectedError"
)

// Sentinel errors for exchange outcomes.
var (
	// ErrInvalidFormat indicates the token is not a structurally valid JWT.
	ErrInvalidFormat = errors.New("token format is invalid")

	// ErrInvalidIssuer indicates the token issuer matches no configured provider.
	ErrInvalidIssuer = errors.New("token issuer is not recognized")

	// ErrUnknownKeyID indicates the signing key was not found in the key set.
	ErrUnknownKeyID = errors.New("signing key not found in key set")

	// ErrInvalidSignature indicates the token signature did not verify.
	ErrInvalidSignature = errors.New("token signature is invalid")

	// ErrExpired indicates the token expiration has passed.
	ErrExpired = errors.New("token has expired")

	// ErrNotYetValid indicates the token nbf claim is in the future.
	ErrNotYetValid = errors.New("token is not yet valid")

	// ErrAudienceMismatch indicates the token audience does not match configuration.
	ErrAudienceMismatch = errors.New("token audience does not match")

	// ErrProjectIDMismatch indicates a Firebase token bound to a different project.
	ErrProjectIDMismatch = errors.New("token project id does not match")

	// ErrFetchFailed indicates a JWKS fetch failure.
	ErrFetchFailed = errors.New("failed to fetch signing keys")

	// ErrRateLimited indicates the caller exceeded the exchange rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrProviderNotConfigured indicates the detected provider lacks usable configuration.
	ErrProviderNotConfigured = errors.New("provider is not configured")
)

// Error wraps an exchange failure with its taxonomy code and a safe message.
// The cause never crosses the HTTP boundary; it exists for logs and tests.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches either another *Error with the same code or the wrapped cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return errors.Is(e.Cause, target)
}

// E creates a new taxonomy error.
func E(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// sentinelCodes maps sentinel errors to their taxonomy codes.
var sentinelCodes = map[error]Code{
	ErrInvalidFormat:         CodeInvalidFormat,
	ErrInvalidIssuer:         CodeInvalidIssuer,
	ErrUnknownKeyID:          CodeUnknownKeyID,
	ErrInvalidSignature:      CodeInvalidSignature,
	ErrExpired:               CodeExpired,
	ErrNotYetValid:           CodeNotYetValid,
	ErrAudienceMismatch:      CodeAudienceMismatch,
	ErrProjectIDMismatch:     CodeProjectIDMismatch,
	ErrFetchFailed:           CodeFetchError,
	ErrRateLimited:           CodeRateLimited,
	ErrProviderNotConfigured: CodeProviderNotConfigured,
}

// CodeOf resolves the taxonomy code for an error. Unknown errors map to
// CodeUnexpectedError so raw causes never leak a category they don't have.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	for sentinel, code := range sentinelCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnexpectedError
}

// HTTPStatus returns the HTTP status code for a taxonomy code. All
// authentication-outcome failures are 401; only rate limiting is 429 and
// only genuinely unexpected faults are 500.
func HTTPStatus(code Code) int {
	switch code {
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnexpectedError:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// Discriminator returns the wire-level error discriminator for a taxonomy
// code. The set is intentionally coarser than the internal taxonomy: callers
// get enough to react, not enough to probe the verification pipeline.
func Discriminator(code Code) string {
	switch code {
	case CodeExpired:
		return "TokenExpired"
	case CodeInvalidSignature:
		return "InvalidSignature"
	case CodeInvalidIssuer:
		return "InvalidIssuer"
	case CodeNotYetValid:
		return "TokenNotYetValid"
	case CodeRateLimited:
		return "RateLimited"
	case CodeUnexpectedError:
		return "InternalError"
	default:
		return "Unauthorized"
	}
}

// SafeMessage returns a client-safe message for a taxonomy code. Messages
// are fixed strings so internal detail, secret material, and library errors
// never reach the boundary.
func SafeMessage(code Code) string {
	switch code {
	case CodeExpired:
		return "token has expired"
	case CodeNotYetValid:
		return "token is not yet valid"
	case CodeInvalidSignature:
		return "token signature verification failed"
	case CodeInvalidIssuer:
		return "token issuer is not recognized"
	case CodeRateLimited:
		return "too many token exchange attempts"
	case CodeUnexpectedError:
		return "internal server error"
	default:
		return "authentication failed"
	}
}
