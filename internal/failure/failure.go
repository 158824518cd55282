// Package failure defines the closed set of failure kinds shared by every layer
// of the store, access-control, document, and sync packages.
//
// Low-level operations return the narrowest applicable kind. A calling layer
// either handles a kind locally or declares the wider set it lets through with
// Generalize. A kind escaping its declared set is a programming defect and is
// logged loudly rather than swallowed.
package failure

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Kind categorizes a failure.
type Kind string

const (
	// KindNotFound indicates the addressed item, secret, or member does not exist.
	KindNotFound Kind = "NOT_FOUND"

	// KindConflict indicates an id already exists with an incompatible kind, or
	// two writes disagree in a way the caller must resolve.
	KindConflict Kind = "CONFLICT"

	// KindDeleted indicates the path was tombstoned.
	KindDeleted Kind = "DELETED"

	// KindWrongType indicates an ancestor is not a container, or an encoding
	// belongs to a different document type.
	KindWrongType Kind = "WRONG_TYPE"

	// KindUntrusted indicates hash or signature verification failed.
	KindUntrusted Kind = "UNTRUSTED"

	// KindInvalidSignature indicates a remote rejected our signature.
	KindInvalidSignature Kind = "INVALID_SIGNATURE"

	// KindAlreadyCreated indicates an item of the same kind already exists.
	KindAlreadyCreated Kind = "ALREADY_CREATED"
)

// Kinds lists every kind in the taxonomy.
var Kinds = []Kind{
	KindNotFound,
	KindConflict,
	KindDeleted,
	KindWrongType,
	KindUntrusted,
	KindInvalidSignature,
	KindAlreadyCreated,
}

// Sentinels for errors.Is comparisons. Only the Kind is compared.
var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrDeleted          = &Error{Kind: KindDeleted}
	ErrWrongType        = &Error{Kind: KindWrongType}
	ErrUntrusted        = &Error{Kind: KindUntrusted}
	ErrInvalidSignature = &Error{Kind: KindInvalidSignature}
	ErrAlreadyCreated   = &Error{Kind: KindAlreadyCreated}
)

// Error is a typed failure value.
type Error struct {
	// Kind identifies the failure category.
	Kind Kind

	// Op names the operation that failed (e.g. "store.CreateFile").
	Op string

	// Path is the string form of the affected path, if any.
	Path string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Path != "" {
		fmt.Fprintf(&b, " (path=%s)", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a failure with no underlying cause.
func New(kind Kind, op, path string) *Error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Wrap creates a failure carrying an underlying cause.
func Wrap(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the kind of the outermost taxonomy failure in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// DefectError marks a failure kind that surfaced outside the set its calling
// layer declared. It is a bug, not a runtime condition.
type DefectError struct {
	Allowed []Kind
	Err     error
}

func (e *DefectError) Error() string {
	return fmt.Sprintf("undeclared failure kind (allowed %v): %v", e.Allowed, e.Err)
}

func (e *DefectError) Unwrap() error {
	return e.Err
}

// Generalize lets err through when its kind is in allowed. Errors that are not
// taxonomy failures (I/O, context cancellation) pass through unchanged. A
// taxonomy failure outside allowed is logged at error level and returned as a
// *DefectError.
func Generalize(err error, allowed ...Kind) error {
	if err == nil {
		return nil
	}
	kind, ok := KindOf(err)
	if !ok || slices.Contains(allowed, kind) {
		return err
	}
	slog.Error("failure kind escaped its declared set",
		"kind", kind,
		"allowed", allowed,
		"error", err,
	)
	return &DefectError{Allowed: allowed, Err: err}
}

// IsDefect reports whether err is (or wraps) a *DefectError.
func IsDefect(err error) bool {
	var de *DefectError
	return errors.As(err, &de)
}
