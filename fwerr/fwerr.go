// Package fwerr defines the error taxonomy shared by the firmware decoders.
//
// Leaf decoders return *FormatError values; only the orchestrator decides
// whether a given Kind is fatal for a file, a component, or nothing at all.
package fwerr

import (
	"errors"
	"fmt"
)

// Kind classifies a decoding failure.
type Kind int

const (
	// UnrecognizedContainer means no known magic matched. Non-fatal: the file is passed through.
	UnrecognizedContainer Kind = iota
	// Truncated means a fixed-size structure or declared payload runs past the available bytes.
	Truncated
	// ExtentOutOfBounds means a computed component extent ends beyond the container.
	ExtentOutOfBounds
	// InvalidHeader covers structurally impossible header values (zero page size, bad checksum).
	InvalidHeader
	// MalformedRangeset means a transfer-list rangeset does not decode to 2N ordered integers.
	MalformedRangeset
	// UnknownCommand means a transfer-list line carries an op other than new, zero or erase.
	UnknownCommand
	// ArchiveCorrupt means decompression succeeded but the archive stream could not be replayed.
	ArchiveCorrupt
	// UnsupportedOperation is returned for payload delta operations that need a source image.
	UnsupportedOperation
	// SkippedMissingTransferList means a sparse data file has no paired transfer list.
	SkippedMissingTransferList
)

var kindNames = map[Kind]string{
	UnrecognizedContainer:      "unrecognized container",
	Truncated:                  "truncated",
	ExtentOutOfBounds:          "extent out of bounds",
	InvalidHeader:              "invalid header",
	MalformedRangeset:          "malformed rangeset",
	UnknownCommand:             "unknown command",
	ArchiveCorrupt:             "archive corrupt",
	UnsupportedOperation:       "unsupported operation",
	SkippedMissingTransferList: "missing transfer list",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Fatal reports whether a failure of this kind invalidates the whole file being decoded.
// Per-component kinds (Truncated, ExtentOutOfBounds) and the skip kinds are not fatal.
func (k Kind) Fatal() bool {
	switch k {
	case MalformedRangeset, UnknownCommand, ArchiveCorrupt, InvalidHeader:
		return true
	}
	return false
}

// FormatError describes a decoding failure precisely enough to reproduce it:
// the component that failed and the byte range that did not validate.
type FormatError struct {
	Kind      Kind
	Component string
	Offset    int64
	Length    int64
	Err       error
}

func (e *FormatError) Error() string {
	msg := e.Kind.String()
	if e.Component != "" {
		msg = e.Component + ": " + msg
	}
	if e.Offset != 0 || e.Length != 0 {
		msg += fmt.Sprintf(" (offset %#x, length %#x)", e.Offset, e.Length)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

// New returns a FormatError for component without a byte range.
func New(kind Kind, component string, format string, args ...any) *FormatError {
	return &FormatError{
		Kind:      kind,
		Component: component,
		Err:       fmt.Errorf(format, args...),
	}
}

// At returns a FormatError pinned to the byte range [offset, offset+length).
func At(kind Kind, component string, offset, length int64) *FormatError {
	return &FormatError{
		Kind:      kind,
		Component: component,
		Offset:    offset,
		Length:    length,
	}
}

// Is reports whether any error in err's chain (including joined errors) is a
// FormatError of the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var fe *FormatError
	if errors.As(err, &fe) && fe.Kind == kind {
		return true
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			if Is(e, kind) {
				return true
			}
		}
	}
	return false
}

// KindOf returns the kind of the first FormatError in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *FormatError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
