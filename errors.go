package askdb

import (
	"errors"
	"fmt"
)

// Kind classifies a request failure for the transport layer. The zero value
// is not a valid kind.
type Kind string

const (
	// KindEmptyInput: the question was empty or whitespace-only.
	KindEmptyInput Kind = "empty_input"
	// KindInputTooLong: the question exceeded the configured maximum length.
	KindInputTooLong Kind = "input_too_long"
	// KindTokenBudgetExceeded: estimated token cost exceeded the hard ceiling.
	KindTokenBudgetExceeded Kind = "token_budget_exceeded"
	// KindDatabaseUnavailable: all reconnect attempts were exhausted.
	KindDatabaseUnavailable Kind = "database_unavailable"
	// KindModelRetryRequested: the model asked the caller to resend.
	KindModelRetryRequested Kind = "model_retry_requested"
	// KindUnsafeQueryRejected: the generated SQL was blocked by policy.
	KindUnsafeQueryRejected Kind = "unsafe_query_rejected"
	// KindInternal: any other unexpected failure. Detail is logged, not surfaced.
	KindInternal Kind = "internal_error"
)

// Retryable reports whether the caller may reasonably resend the same request.
func (k Kind) Retryable() bool {
	return k == KindDatabaseUnavailable || k == KindModelRetryRequested
}

// Failure is a classified request failure. Message is safe to surface to the
// caller; Err carries internal detail for logs only.
type Failure struct {
	Kind    Kind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Message + ": " + f.Err.Error()
	}
	return f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

// failuref builds a Failure with a formatted message.
func failuref(kind Kind, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the failure kind from err. Unclassified errors are internal.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, ErrPoolExhausted) {
		return KindDatabaseUnavailable
	}
	return KindInternal
}

// PublicMessage returns the caller-safe message for err. Internal errors get
// a generic message so no internal detail leaks.
func PublicMessage(err error) string {
	var f *Failure
	if errors.As(err, &f) && f.Kind != KindInternal {
		return f.Message
	}
	return "internal error"
}
