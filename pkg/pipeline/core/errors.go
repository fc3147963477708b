package core

import (
	"errors"
	"maps"
	"time"
)

// Kind tags a pipeline failure so classification never needs type inspection.
type Kind string

const (
	KindNetwork       Kind = "network"
	KindScraping      Kind = "scraping"
	KindValidation    Kind = "validation"
	KindConfiguration Kind = "configuration"
)

const (
	CodeNetwork       = "NETWORK_ERROR"
	CodeScraping      = "SCRAPING_ERROR"
	CodeValidation    = "VALIDATION_ERROR"
	CodeConfiguration = "CONFIGURATION_ERROR"
)

// ReasonNotFound marks a ScrapingError as a permanent absence.
const ReasonNotFound = "NOT_FOUND"

// Error is the classified failure type shared by every pipeline stage.
//
// Values are created at the failure site and must not be modified afterwards;
// constructors copy the context map they are given.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Context   map[string]any
	Timestamp time.Time

	// Err is the optional underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return "pipeline error"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Reason returns context["reason"] for scraping errors.
func (e *Error) Reason() string { return e.contextString("reason") }

// Field returns context["field"] for validation errors.
func (e *Error) Field() string { return e.contextString("field") }

// Key returns context["key"] for configuration errors.
func (e *Error) Key() string { return e.contextString("key") }

func (e *Error) contextString(k string) string {
	if e == nil || e.Context == nil {
		return ""
	}
	s, _ := e.Context[k].(string)
	return s
}

// NewError builds an Error of the given kind. ctx is copied.
func NewError(kind Kind, code, message string, ctx map[string]any, cause error) *Error {
	c := make(map[string]any, len(ctx))
	maps.Copy(c, ctx)
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Context:   c,
		Timestamp: time.Now(),
		Err:       cause,
	}
}

// NewNetworkError reports a transient I/O-class failure. Always retryable.
func NewNetworkError(message string, cause error) *Error {
	return NewError(KindNetwork, CodeNetwork, message, nil, cause)
}

// NewScrapingError reports a failure interacting with the automation surface.
// It is retryable unless reason is ReasonNotFound.
func NewScrapingError(message, reason string, cause error) *Error {
	return NewError(KindScraping, CodeScraping, message, map[string]any{"reason": reason}, cause)
}

// NewValidationError reports invalid input for field. Never retryable.
func NewValidationError(field, message string) *Error {
	return NewError(KindValidation, CodeValidation, message, map[string]any{"field": field}, nil)
}

// NewConfigurationError reports that a run cannot succeed at all. Never retryable,
// and fatal to the whole batch.
func NewConfigurationError(key, message string) *Error {
	return NewError(KindConfiguration, CodeConfiguration, message, map[string]any{"key": key}, nil)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind, true
	}
	return "", false
}

// IsRetryable reports whether err may be reattempted under backoff.
//
// Only network errors and scraping errors whose reason is not NOT_FOUND qualify.
// Anything unclassified fails fast.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e == nil {
		return false
	}
	switch e.Kind {
	case KindNetwork:
		return true
	case KindScraping:
		return e.Reason() != ReasonNotFound
	default:
		return false
	}
}

// IsFatal reports whether err must abort the whole batch.
func IsFatal(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindConfiguration
}
