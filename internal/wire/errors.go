package wire

import (
	"errors"
	"fmt"
)

// Error kinds. Every decode failure wraps exactly one of these, so callers can
// classify with errors.Is regardless of how deep the failing decoder sat.
var (
	ErrTruncated          = errors.New("truncated input")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrUnsupportedType    = errors.New("unsupported type")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrLengthMismatch     = errors.New("length mismatch")
)

// Error describes a decode failure at a byte offset within one layer's buffer.
type Error struct {
	Layer  string // "bgp", "bmp", "mrt"
	Offset int
	Kind   error
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v at offset %d: %s", e.Layer, e.Kind, e.Offset, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// KindOf returns a short label for the error kind, suitable as a metric label.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrUnsupportedVersion):
		return "unsupported_version"
	case errors.Is(err, ErrUnsupportedType):
		return "unsupported_type"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrLengthMismatch):
		return "length_mismatch"
	default:
		return "other"
	}
}
