package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	openai "github.com/sashabaranov/go-openai"
)

// Kind classifies an upstream failure. Each kind has different recovery
// semantics: rate limiting clears on its own, billing exhaustion needs a long
// hold, auth failures need an operator, transport errors may clear on retry,
// and protocol errors indicate a malformed response that a retry on the same
// key will not fix.
type Kind int

const (
	// KindTransport is a network-level or non-2xx HTTP failure.
	KindTransport Kind = iota
	// KindRateLimited is an HTTP 429.
	KindRateLimited
	// KindBillingExhausted is an HTTP 402 (quota/credit exhausted).
	KindBillingExhausted
	// KindAuthFailure is an HTTP 401 or 403.
	KindAuthFailure
	// KindProtocol is a 2xx response with an empty or malformed body.
	KindProtocol
)

// String returns a short name for the kind, used in logs and the route ledger.
func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindBillingExhausted:
		return "billing_exhausted"
	case KindAuthFailure:
		return "auth_failure"
	case KindProtocol:
		return "protocol"
	default:
		return "transport"
	}
}

// Error is the typed outcome of a failed upstream call. Classification is
// driven by HTTP status codes and transport error types, never by matching
// on error message text.
type Error struct {
	Kind      Kind
	Status    int    // HTTP status, 0 for pure transport failures
	Retryable bool   // same-key retry may succeed (timeouts, resets, 502/503/504)
	Detail    string // short human-readable context (body snippet or cause)
	cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream: %s (status %d): %s", e.Kind, e.Status, e.Detail)
	}
	return fmt.Sprintf("upstream: %s: %s", e.Kind, e.Detail)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the classification from err. Errors that did not originate
// in this package are treated as transport failures.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindTransport
}

// IsRetryable reports whether a same-key retry is worthwhile for err.
func IsRetryable(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return false
}

// classify converts an error returned by the go-openai client into a typed
// *Error. It inspects openai.APIError/RequestError status codes and standard
// library network error types.
func classify(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fromStatus(apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fromStatus(reqErr.HTTPStatusCode, reqErr.Error(), err)
	}

	// Timeouts and connection resets are worth a same-key retry.
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransport, Retryable: true, Detail: "request timed out", cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTransport, Retryable: true, Detail: "request timed out", cause: err}
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return &Error{Kind: KindTransport, Retryable: true, Detail: "connection failed", cause: err}
	}

	return &Error{Kind: KindTransport, Retryable: false, Detail: err.Error(), cause: err}
}

// fromStatus maps an HTTP status code to a typed *Error.
func fromStatus(status int, detail string, cause error) *Error {
	switch status {
	case http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: status, Detail: detail, cause: cause}
	case http.StatusPaymentRequired:
		return &Error{Kind: KindBillingExhausted, Status: status, Detail: detail, cause: cause}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindAuthFailure, Status: status, Detail: detail, cause: cause}
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &Error{Kind: KindTransport, Status: status, Retryable: true, Detail: detail, cause: cause}
	default:
		return &Error{Kind: KindTransport, Status: status, Retryable: false, Detail: detail, cause: cause}
	}
}

// protocolError builds a KindProtocol error for a 2xx response with an
// unusable body. Protocol errors are never retried on the same key.
func protocolError(detail string) *Error {
	return &Error{Kind: KindProtocol, Retryable: false, Detail: detail}
}
