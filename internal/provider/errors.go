package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Reason classifies why a provider call failed. The engine uses it to
// decide whether a retry can help; everything else is diagnostics.
type Reason string

const (
	ReasonBilling          Reason = "billing"
	ReasonRateLimit        Reason = "rate_limit"
	ReasonAuth             Reason = "auth"
	ReasonTimeout          Reason = "timeout"
	ReasonServerError      Reason = "server_error"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonModelUnavailable Reason = "model_unavailable"
	ReasonContentFilter    Reason = "content_filter"
	ReasonUnknown          Reason = "unknown"
)

// Retryable reports whether an error with this reason is worth retrying
// against the same provider. Auth, billing and request-shape problems
// will fail identically on the next attempt.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// Error is a classified provider failure.
type Error struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Reason, e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	} else if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	return e.Reason.Retryable()
}

// NewError builds a classified error from a raw provider failure,
// deriving the reason from the error text. Adapters refine it with
// WithStatus and WithCode once structured fields are available.
func NewError(provider, model string, cause error) *Error {
	return &Error{
		Reason:   ClassifyError(cause),
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
}

// WithStatus records the HTTP status and reclassifies when the status
// gives a stronger signal than the error text did.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if r := classifyStatus(status); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

// WithCode records the provider's error code and reclassifies when the
// code is recognized.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	if r := classifyCode(code); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// ClassifyError derives a reason from an error's text. Status- and
// code-based classification is more reliable; this is the fallback for
// transport-level failures that never carried structured fields.
func ClassifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "insufficient_quota"),
		strings.Contains(msg, "insufficient credit"),
		strings.Contains(msg, "billing"),
		strings.Contains(msg, "payment"):
		return ReasonBilling
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "overloaded"):
		return ReasonRateLimit
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid x-api-key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "permission"):
		return ReasonAuth
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "timed out"):
		return ReasonTimeout
	case strings.Contains(msg, "internal server error"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"):
		return ReasonServerError
	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "model_not_found"),
		strings.Contains(msg, "does not exist"):
		return ReasonModelUnavailable
	case strings.Contains(msg, "content filter"),
		strings.Contains(msg, "content_filter"),
		strings.Contains(msg, "safety"):
		return ReasonContentFilter
	case strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "invalid_request"),
		strings.Contains(msg, "bad request"):
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

func classifyStatus(status int) Reason {
	switch {
	case status == 401 || status == 403:
		return ReasonAuth
	case status == 402:
		return ReasonBilling
	case status == 429:
		return ReasonRateLimit
	case status == 400:
		return ReasonInvalidRequest
	case status == 404:
		return ReasonModelUnavailable
	case status == 408:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyCode(code string) Reason {
	switch strings.ToLower(code) {
	case "insufficient_quota", "billing_hard_limit_reached":
		return ReasonBilling
	case "rate_limit_error", "rate_limit_exceeded", "overloaded_error":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return ReasonAuth
	case "timeout_error":
		return ReasonTimeout
	case "api_error", "internal_server_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	case "not_found_error", "model_not_found":
		return ReasonModelUnavailable
	default:
		return ReasonUnknown
	}
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// IsRetryable reports whether err is a provider failure worth retrying.
// Unclassified errors are not retried.
func IsRetryable(err error) bool {
	if perr, ok := AsError(err); ok {
		return perr.Retryable()
	}
	return false
}
