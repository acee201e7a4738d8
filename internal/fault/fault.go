// Package fault carries the error taxonomy that crosses the service
// boundary. Internal code wraps plain errors; anything surfaced to a
// caller is tagged with a Kind so transports can map it uniformly.
package fault

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Schema       Kind = "schema"
	Conflict     Kind = "conflict"
	NotFound     Kind = "not_found"
	Gate         Kind = "gate"
	Corruption   Kind = "corruption"
	IO           Kind = "io"
	Overflow     Kind = "overflow"
	UnknownBatch Kind = "unknown_batch"
)

type Error struct {
	Kind    Kind
	Msg     string
	Details map[string]any
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Msg
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind, preserving its message.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: kind, Msg: err.Error()}
}

// With attaches a detail field and returns the error for chaining.
func (e *Error) With(key string, v any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = v
	return e
}

// KindOf extracts the kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err is a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
