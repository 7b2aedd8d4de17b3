// Package kvdexerr provides the error taxonomy used across kvdex
// (spec §7): a Kind plus a structured *Error with Wrap/Unwrap support.
// No HTTP-status field — this module has no transport layer.
package kvdexerr

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Kind names one of the taxonomy's error categories. Kinds are not Go
// types; callers distinguish them with errors.As against *Error and a
// Kind comparison, or with the Is* helpers below.
type Kind string

const (
	// InvalidCollection: operation requires a capability the
	// collection does not declare.
	InvalidCollection Kind = "invalid_collection"
	// CommitConflict: underlying atomic returned not-ok, or the
	// atomic builder's collision gate rejected. Callers see this as
	// a {ok:false} result, not a thrown error, except where the
	// collision is detected at construction time (§4.7 restriction).
	CommitConflict Kind = "commit_conflict"
	// CorruptedDocument: segment assembly found missing/unparseable
	// bytes, a checksum mismatch, or an id mismatch.
	CorruptedDocument Kind = "corrupted_document"
	// NoKV: a CLI collaborator could not open a source/target KV.
	NoKV Kind = "no_kv"
	// AggregateOperationErrors: handleMany collected non-empty
	// rejections from user callbacks.
	AggregateOperationErrors Kind = "aggregate_operation_errors"
)

// Error is the concrete error type for every kind above.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kvdex: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("kvdex: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a bare *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a *Error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func InvalidCollectionf(format string, args ...any) *Error {
	return New(InvalidCollection, fmt.Sprintf(format, args...))
}

func CorruptedDocumentf(format string, args ...any) *Error {
	return New(CorruptedDocument, fmt.Sprintf(format, args...))
}

func NoKVf(err error, format string, args ...any) *Error {
	return Wrap(NoKV, fmt.Sprintf(format, args...), err)
}

// AggregateErrors batches one or more per-document callback failures into
// a single AggregateOperationErrors *Error, so a traversal that rejects
// on several documents reports all of them rather than just the first.
// Returns nil if errs is empty or contains only nils.
func AggregateErrors(errs []error) *Error {
	var merr *multierror.Error
	for _, e := range errs {
		if e != nil {
			merr = multierror.Append(merr, e)
		}
	}
	if merr == nil {
		return nil
	}
	return Wrap(AggregateOperationErrors, fmt.Sprintf("%d document callback(s) failed", len(merr.Errors)), merr)
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
