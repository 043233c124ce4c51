// Package errors provides standardized error handling for the federation service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the federation service.
type ErrorCode string

const (
	// Validation errors
	FED_VALIDATION    ErrorCode = "FED_VALIDATION"    // General validation error
	FED_SCHEMA_REJECT ErrorCode = "FED_SCHEMA_REJECT" // Payload schema validation failed
	FED_BAD_REQUEST   ErrorCode = "FED_BAD_REQUEST"   // Bad request

	// Trust errors (unknown or blocked sender)
	FED_UNKNOWN_SENDER ErrorCode = "FED_UNKNOWN_SENDER" // Sender hostname not connected
	FED_BLOCKED        ErrorCode = "FED_BLOCKED"        // Sender hostname is blocked

	// Message authentication errors
	FED_BAD_SIGNATURE ErrorCode = "FED_BAD_SIGNATURE" // HMAC verification failed
	FED_STALE         ErrorCode = "FED_STALE"         // Timestamp outside allowed clock skew
	FED_REPLAY        ErrorCode = "FED_REPLAY"        // Nonce already seen within the skew window

	// Scope errors
	FED_SCOPE_VIOLATION ErrorCode = "FED_SCOPE_VIOLATION" // Targeted connection wrote outside its resource

	// Admin API authentication errors
	FED_AUTHN         ErrorCode = "FED_AUTHN"         // Authentication failed
	FED_AUTHZ         ErrorCode = "FED_AUTHZ"         // Authorization failed
	FED_JWT_INVALID   ErrorCode = "FED_JWT_INVALID"   // Invalid JWT
	FED_JWT_EXPIRED   ErrorCode = "FED_JWT_EXPIRED"   // Expired JWT
	FED_JWT_MALFORMED ErrorCode = "FED_JWT_MALFORMED" // Malformed JWT

	// Pairing errors
	FED_TOKEN_EXPIRED ErrorCode = "FED_TOKEN_EXPIRED" // Pairing token past its 24h window
	FED_TOKEN_USED    ErrorCode = "FED_TOKEN_USED"    // Pairing token already redeemed
	FED_TOKEN_UNKNOWN ErrorCode = "FED_TOKEN_UNKNOWN" // Pairing token does not exist

	// Resource errors
	FED_NOT_FOUND     ErrorCode = "FED_NOT_FOUND"     // Resource not found
	FED_TYPE_MISMATCH ErrorCode = "FED_TYPE_MISMATCH" // PUID resolved to a different entity type
	FED_CONFLICT      ErrorCode = "FED_CONFLICT"      // Resource conflict

	// Delivery and handler errors
	FED_DELIVERY      ErrorCode = "FED_DELIVERY"      // Outbound delivery to a peer failed
	FED_HANDLER_ERROR ErrorCode = "FED_HANDLER_ERROR" // Content handler failed to apply a message

	// Server errors
	FED_INTERNAL    ErrorCode = "FED_INTERNAL"    // Internal server error
	FED_UNAVAILABLE ErrorCode = "FED_UNAVAILABLE" // Service unavailable
)

// Reason returns the wire-level reason string for a code, as carried in
// inbox and pairing responses ("unknown_sender", "bad_signature", ...).
func Reason(code ErrorCode) string {
	switch code {
	case FED_UNKNOWN_SENDER, FED_BLOCKED:
		return "unknown_sender"
	case FED_BAD_SIGNATURE:
		return "bad_signature"
	case FED_STALE:
		return "stale"
	case FED_REPLAY:
		return "replay"
	case FED_SCOPE_VIOLATION:
		return "scope_violation"
	case FED_TOKEN_EXPIRED:
		return "expired"
	case FED_TOKEN_USED:
		return "already_used"
	case FED_TOKEN_UNKNOWN:
		return "unknown_token"
	case FED_HANDLER_ERROR:
		return "handler_error"
	default:
		return "error"
	}
}

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case FED_VALIDATION, FED_SCHEMA_REJECT, FED_BAD_REQUEST:
		return http.StatusBadRequest
	case FED_UNKNOWN_SENDER, FED_BLOCKED, FED_SCOPE_VIOLATION, FED_AUTHZ:
		return http.StatusForbidden
	case FED_BAD_SIGNATURE, FED_STALE, FED_REPLAY,
		FED_AUTHN, FED_JWT_INVALID, FED_JWT_EXPIRED, FED_JWT_MALFORMED:
		return http.StatusUnauthorized
	case FED_TOKEN_EXPIRED, FED_TOKEN_USED:
		return http.StatusGone
	case FED_TOKEN_UNKNOWN, FED_NOT_FOUND:
		return http.StatusNotFound
	case FED_TYPE_MISMATCH, FED_CONFLICT:
		return http.StatusConflict
	case FED_DELIVERY:
		return http.StatusBadGateway
	case FED_HANDLER_ERROR:
		return http.StatusUnprocessableEntity
	case FED_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
