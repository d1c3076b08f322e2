package processor

import (
	"errors"
	"fmt"

	"bookscope/models"
)

var (
	// ErrParse is matched by every ParseError.
	ErrParse = errors.New("malformed feed message")

	ErrSequenceGap      = errors.New("sequence gap")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrCrossedBook      = errors.New("crossed book")
	ErrAwaitingSnapshot = errors.New("awaiting snapshot")
)

// ParseError describes a payload the normalizer could not turn into an event.
type ParseError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "parse feed message"
	if e.Field != "" {
		msg += ": field " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

func parseErr(field, reason string, err error) *ParseError {
	return &ParseError{Field: field, Reason: reason, Err: err}
}

// DesyncError reports why a store stopped applying deltas.
type DesyncError struct {
	Instrument models.Instrument
	Reason     models.DesyncReason
	Expected   uint64
	Got        uint64
}

func (e *DesyncError) Error() string {
	if e.Reason == models.ReasonSequenceGap {
		return fmt.Sprintf("%s desynced: %s (expected %d, got %d)", e.Instrument, e.Reason, e.Expected, e.Got)
	}
	return fmt.Sprintf("%s desynced: %s", e.Instrument, e.Reason)
}

func (e *DesyncError) Is(target error) bool {
	return target == reasonError(e.Reason)
}

func reasonError(reason models.DesyncReason) error {
	switch reason {
	case models.ReasonSequenceGap:
		return ErrSequenceGap
	case models.ReasonChecksumMismatch:
		return ErrChecksumMismatch
	case models.ReasonCrossedBook:
		return ErrCrossedBook
	case models.ReasonAwaitingSnapshot:
		return ErrAwaitingSnapshot
	}
	return nil
}
