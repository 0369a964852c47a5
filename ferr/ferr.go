// Package ferr defines the error-kind taxonomy shared by the P4K, CryXmlB
// and DataCore decoders, so a caller can errors.Is/errors.As across all
// three without caring which package produced the failure.
package ferr

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind classifies why a parse or read operation failed.
type Kind int

const (
	// Unknown is never returned by this package; it is the zero value.
	Unknown Kind = iota

	// Io is a filesystem or mmap failure; the underlying system error is
	// wrapped as the cause.
	Io

	// TruncatedInput is returned when a read would exceed the buffer.
	TruncatedInput

	// BadMagic is a format-identifier mismatch (CryXmlB magic, a P4K
	// central-directory or local file header signature, ...).
	BadMagic

	// BadVersion is an unsupported DCB header version.
	BadVersion

	// InvalidString is a missing NUL terminator or a bad string offset.
	InvalidString

	// BadStringReference is a DCB string-pool offset outside its pool.
	BadStringReference

	// BadTypeIndex is an out-of-range or cyclic struct/enum reference.
	BadTypeIndex

	// BadPoolIndex is a value referencing a pool slot that does not exist.
	BadPoolIndex

	// InconsistentCounts is a DCB table whose contents contradict each
	// other: a struct's property range past the end of the property
	// table, or two records with the same id. Tables too short for their
	// declared counts fail with TruncatedInput instead.
	InconsistentCounts

	// NotAnArchive is returned when the ZIP64 EOCD locator can't be found.
	NotAnArchive

	// UnsupportedCompression is an unrecognized P4K compression method.
	UnsupportedCompression

	// DecompressionError wraps a Deflate/Zstd decode failure.
	DecompressionError

	// DecryptionError wraps an AES-CBC decrypt failure (usually bad padding).
	DecryptionError

	// IntegrityError is a size or CRC32 mismatch after decode.
	IntegrityError

	// EntryNotFound is a P4K Find() miss.
	EntryNotFound

	// TableOutOfRange is a CryXmlB table descriptor pointing past the
	// end of the file.
	TableOutOfRange

	// StringPoolUnterminated is a CryXmlB string-pool offset with no NUL
	// before the end of the pool.
	StringPoolUnterminated

	// ChildIndexOutOfRange is a CryXmlB child-index entry referencing a
	// node id that doesn't exist.
	ChildIndexOutOfRange
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case TruncatedInput:
		return "truncated input"
	case BadMagic:
		return "bad magic"
	case BadVersion:
		return "bad version"
	case InvalidString:
		return "invalid string"
	case BadStringReference:
		return "bad string reference"
	case BadTypeIndex:
		return "bad type index"
	case BadPoolIndex:
		return "bad pool index"
	case InconsistentCounts:
		return "inconsistent counts"
	case NotAnArchive:
		return "not an archive"
	case UnsupportedCompression:
		return "unsupported compression"
	case DecompressionError:
		return "decompression error"
	case DecryptionError:
		return "decryption error"
	case IntegrityError:
		return "integrity error"
	case EntryNotFound:
		return "entry not found"
	case TableOutOfRange:
		return "table out of range"
	case StringPoolUnterminated:
		return "string pool unterminated"
	case ChildIndexOutOfRange:
		return "child index out of range"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every exported operation in
// the p4k, cryxml and datacore packages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Kind, so that
// errors.Is(err, ferr.New(ferr.TruncatedInput, "")) matches any error of
// that kind. A Kind is not itself an error; use KindOf to read it.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New builds a new *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a new *Error with a formatted message and no wrapped cause.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a new *Error that wraps cause, preserving it for
// errors.Unwrap/errors.As.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: message, Cause: xerrors.Errorf("%s: %w", message, cause)}
}

// KindOf returns the Kind carried by err if it (or something it wraps) is
// a *Error, and Unknown otherwise.
func KindOf(err error) Kind {
	var fe *Error
	if xerrors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}
