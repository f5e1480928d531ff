package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable, wire-visible error code. Codes never change once
// shipped; clients switch on them.
type Code string

const (
	CodeInvalidMessage   Code = "INVALID_MESSAGE"
	CodeInvalidFormat    Code = "INVALID_FORMAT"
	CodeInvalidVersion   Code = "INVALID_VERSION"
	CodeChecksumMismatch Code = "CHECKSUM_MISMATCH"
	CodeMessageTooLarge  Code = "MESSAGE_TOO_LARGE"

	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeTenantNotFound     Code = "TENANT_NOT_FOUND"
	CodeTenantSuspended    Code = "TENANT_SUSPENDED"
	CodeTenantAccessDenied Code = "TENANT_ACCESS_DENIED"

	CodeRateLimited       Code = "RATE_LIMITED"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeLimitExceeded     Code = "LIMIT_EXCEEDED"
	CodeQuotaExceeded     Code = "QUOTA_EXCEEDED"

	CodeChannelNotFound    Code = "CHANNEL_NOT_FOUND"
	CodeSubscriptionFailed Code = "SUBSCRIPTION_FAILED"
	CodePublishFailed      Code = "PUBLISH_FAILED"

	CodeTimeout       Code = "TIMEOUT"
	CodeInternalError Code = "INTERNAL_ERROR"
)

// Kind groups codes by the handling policy in the connection task:
// validation errors are logged and the frame dropped, authorization errors
// close the connection, resource errors are answered in-band, liveness
// timeouts feed the heartbeat eviction counters.
type Kind int

const (
	KindValidation Kind = iota
	KindAuthorization
	KindResource
	KindLiveness
	KindInternal
)

// Kind returns the handling class for a code.
func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidMessage, CodeInvalidFormat, CodeInvalidVersion, CodeChecksumMismatch:
		return KindValidation
	case CodeUnauthorized, CodeForbidden, CodeTenantNotFound, CodeTenantSuspended, CodeTenantAccessDenied:
		return KindAuthorization
	case CodeRateLimited, CodeRateLimitExceeded, CodeLimitExceeded, CodeQuotaExceeded, CodeMessageTooLarge:
		return KindResource
	case CodeTimeout:
		return KindLiveness
	default:
		return KindInternal
	}
}

// Retriable reports whether a client may retry after seeing this code.
func (c Code) Retriable() bool {
	return c.Kind() == KindResource || c == CodeTimeout
}

// Error is the typed failure every public operation in the core returns.
// Message must be safe to put on the wire: no PII, no internal detail.
type Error struct {
	Code          Code
	Message       string
	RetryAfter    time.Duration // zero when no deterministic hint is known
	CorrelationID string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E constructs a typed error.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol code from an error chain.
// Returns INTERNAL_ERROR for unclassified errors.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternalError
}

// RetryAfterOf extracts the retry hint from an error chain, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}
