// Package apperr defines the error kinds shared across the service
// boundary. Kind names are part of the wire contract: they appear verbatim
// in the HTTP error envelope together with a retriable hint.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindInvalidInput         Kind = "InvalidInput"
	KindGeneratorUnavailable Kind = "GeneratorUnavailable"
	KindGeneratorTimeout     Kind = "GeneratorTimeout"
	KindRetrievalUnavailable Kind = "RetrievalUnavailable"
	KindOverloaded           Kind = "Overloaded"
	KindInvalidOutput        Kind = "InvalidOutput"
	KindGoldenSetInvalid     Kind = "GoldenSetInvalid"
	KindInternal             Kind = "Internal"
)

// Error carries a kind, a human-readable message, and whether the caller
// may retry. It wraps an optional cause for errors.Is/As chains.
type Error struct {
	Kind      Kind
	Message   string
	Retriable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error of the given kind. Retriability follows the kind's
// default and can be read off the result.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Retriable: defaultRetriable(kind)}
}

// Newf is New with Sprintf formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, msg string, cause error) *Error {
	e := New(kind, msg)
	e.cause = cause
	return e
}

func defaultRetriable(kind Kind) bool {
	switch kind {
	case KindGeneratorUnavailable, KindGeneratorTimeout, KindRetrievalUnavailable, KindOverloaded, KindInternal:
		return true
	default:
		return false
	}
}

// KindOf extracts the kind from any error in the chain, defaulting to
// Internal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetriable reports whether the caller may usefully retry.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable
	}
	return defaultRetriable(KindInternal)
}

// HTTPStatus maps a kind to a response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput, KindGoldenSetInvalid:
		return http.StatusBadRequest
	case KindInvalidOutput:
		return http.StatusUnprocessableEntity
	case KindOverloaded:
		return http.StatusTooManyRequests
	case KindGeneratorUnavailable, KindRetrievalUnavailable:
		return http.StatusBadGateway
	case KindGeneratorTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the JSON error body returned by the HTTP facade.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody is the inner error object of the envelope.
type EnvelopeBody struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// ToEnvelope builds the wire envelope for an error. Causes are not
// included: the facade must not leak internals.
func ToEnvelope(err error) Envelope {
	var e *Error
	if errors.As(err, &e) {
		return Envelope{Error: EnvelopeBody{Kind: e.Kind, Message: e.Message, Retriable: e.Retriable}}
	}
	return Envelope{Error: EnvelopeBody{Kind: KindInternal, Message: "internal error", Retriable: true}}
}
