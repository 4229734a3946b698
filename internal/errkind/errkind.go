// Package errkind classifies transfer failures into the engine's error
// taxonomy so callers can decide on retry/ignore behavior without string
// matching.
package errkind

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
)

// Kind identifies a failure class.
type Kind int

const (
	Unknown Kind = iota
	// NotFound means the source file or directory does not exist.
	NotFound
	// PermissionDenied means the OS refused access.
	PermissionDenied
	// IoError is a transient disk or network fault.
	IoError
	// Timeout means a network deadline expired.
	Timeout
	// IntegrityMismatch means post-transfer verification failed.
	IntegrityMismatch
	// CorruptDeltaStream means a delta instruction was malformed or
	// referenced bytes outside the reference file.
	CorruptDeltaStream
	// NoReferenceAvailable means the delta reference file is absent or
	// unreadable. Callers fall back to a full copy; this is not surfaced
	// to users.
	NoReferenceAvailable
	// ProtocolViolation means a peer sent a malformed or unexpected frame.
	ProtocolViolation
	// CapacityExceeded means a queue or connection bound was hit and the
	// caller asked for non-blocking submission.
	CapacityExceeded
	// InvalidArgument means the caller passed something unusable
	// (e.g. a directory where a file was required).
	InvalidArgument
	// DestinationExists means the destination directory already exists
	// and overwriting was not allowed.
	DestinationExists
)

var kindNames = [...]string{
	Unknown:              "unknown",
	NotFound:             "not found",
	PermissionDenied:     "permission denied",
	IoError:              "io error",
	Timeout:              "timeout",
	IntegrityMismatch:    "integrity mismatch",
	CorruptDeltaStream:   "corrupt delta stream",
	NoReferenceAvailable: "no reference available",
	ProtocolViolation:    "protocol violation",
	CapacityExceeded:     "capacity exceeded",
	InvalidArgument:      "invalid argument",
	DestinationExists:    "destination exists",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Error is a classified failure. Path is the file the operation was acting
// on when it failed; it may be empty for connection-level failures.
type Error struct {
	Err  error
	Path string
	Kind Kind
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Path != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with no underlying cause.
func New(kind Kind, path string) error {
	return &Error{Kind: kind, Path: path}
}

// Wrap attaches a kind and path to an underlying error. A nil err returns nil.
func Wrap(kind Kind, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Path: path, Err: err}
}

// Errorf creates a classified error from a format string.
func Errorf(kind Kind, path, format string, args ...any) error {
	return &Error{Kind: kind, Path: path, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or Unknown if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err belongs to the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ClassifyIO maps an OS or network error to a classified error. Used at the
// filesystem and socket boundaries so everything above speaks the taxonomy.
func ClassifyIO(path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err // already classified
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Wrap(NotFound, path, err)
	case errors.Is(err, fs.ErrPermission):
		return Wrap(PermissionDenied, path, err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return Wrap(Timeout, path, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(Timeout, path, err)
	}
	return Wrap(IoError, path, err)
}

// Structural reports whether a failure must never be retried inside a
// session. Structural failures terminate the session; the worker pool's
// retry policy decides whether to re-run the whole work item.
func Structural(err error) bool {
	switch KindOf(err) {
	case IntegrityMismatch, CorruptDeltaStream, ProtocolViolation, InvalidArgument, DestinationExists:
		return true
	default:
		return false
	}
}
