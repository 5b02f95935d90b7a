// Package errs provides structured error types and helpers for fieldgate services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeConfiguration indicates invalid settings; the affected unit refuses to start.
	CodeConfiguration Code = "configuration"
	// CodeTransport indicates a delivery or connection failure that may be retried.
	CodeTransport Code = "transport"
	// CodeCorruptCacheEntry indicates a metadata/payload mismatch found on disk.
	CodeCorruptCacheEntry Code = "corrupt_cache_entry"
	// CodeCapacity indicates the cache cannot accept more content.
	CodeCapacity Code = "capacity"
	// CodeInUse indicates the resource is still referenced.
	CodeInUse Code = "in_use"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the gateway.
type E struct {
	Component string
	Code      Code
	Message   string
	// Permanent marks content rejections that must not be retried.
	Permanent bool
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

// Permanent flags the error as a non-retryable content rejection.
func Permanent() Option {
	return func(e *E) {
		e.Permanent = true
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Permanent {
		parts = append(parts, "permanent=true")
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches another *E by code so errors.Is(err, errs.New("", errs.CodeCapacity)) works.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Code == other.Code && (other.Component == "" || other.Component == e.Component)
}

// CodeOf returns the code of the outermost *E in the chain, or "" when none is present.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsCode reports whether any *E in the error tree carries code.
func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, &E{Code: code})
}

// IsPermanent reports whether the error asks for immediate error-cache routing.
func IsPermanent(err error) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *E:
		return e != nil && (e.Permanent || IsPermanent(e.cause))
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if IsPermanent(inner) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return IsPermanent(e.Unwrap())
	default:
		return false
	}
}
