// Package backend defines the storage capability TFTP sessions read
// from and write to, and a filesystem-backed implementation of it.
//
// The interfaces here are the only seam between the protocol engine in
// internal/session and durable storage; a session never touches the
// filesystem (or any other resource) directly.
package backend

import "github.com/pkg/errors"

// Reader supplies the bytes of a resource being sent to a peer. Read
// returning fewer than n bytes signals end of file; subsequent calls
// MUST keep returning an empty slice rather than erroring.
type Reader interface {
	Read(n int) ([]byte, error)
	// Finish releases the reader. Always safe to call, including after
	// EOF has already been observed.
	Finish()
}

// Writer accepts the bytes of a resource being received from a peer.
// Implementations MUST stage writes and only materialize the resource
// when Finish is called; Cancel MUST discard any partial data rather
// than leaving it visible under the resource's name.
type Writer interface {
	Write(p []byte) error
	Finish() error
	Cancel()
}

// Kind classifies a backend error so the request dispatcher and session
// machines can translate it to the correct TFTP wire error code without
// inspecting error strings.
type Kind int

const (
	// KindBackendError is a generic, non-protocol-specific failure.
	KindBackendError Kind = iota
	KindUnsupported
	KindAccessViolation
	KindFileExists
	KindFileNotFound
)

// Error wraps an underlying cause with the Kind the protocol layer needs
// to pick a wire error code, while preserving a stack trace for logs.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

// Cause lets github.com/pkg/errors.Cause unwrap to the original error.
func (e *Error) Cause() error { return e.Err }

// Unwrap supports errors.Is/errors.As from the standard library too.
func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, cause error) error {
	var err error
	if cause != nil {
		err = errors.Wrap(cause, msg)
	} else {
		err = errors.New(msg)
	}
	return &Error{Kind: kind, Err: err}
}

// Unsupported reports that the backend does not implement the
// requested operation at all (e.g. a read-only backend refusing WRQ).
func Unsupported(msg string) error { return newError(KindUnsupported, msg, nil) }

// AccessViolation reports a permission or path-confinement failure.
func AccessViolation(msg string, cause error) error {
	return newError(KindAccessViolation, msg, cause)
}

// FileExists reports that a WRQ named a resource that already exists.
func FileExists(msg string) error { return newError(KindFileExists, msg, nil) }

// FileNotFound reports that an RRQ named a resource that does not exist.
func FileNotFound(msg string) error { return newError(KindFileNotFound, msg, nil) }

// BackendError wraps any other backend failure.
func BackendError(msg string, cause error) error {
	return newError(KindBackendError, msg, cause)
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to KindBackendError otherwise.
func KindOf(err error) Kind {
	var berr *Error
	if errors.As(err, &berr) {
		return berr.Kind
	}
	return KindBackendError
}
