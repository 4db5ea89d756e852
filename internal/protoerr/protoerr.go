// Package protoerr defines the error taxonomy shared across the
// query compiler, storage adapters, subscription manager, and session
// gateway, and maps it onto the wire error frame.
//
// Grounded on nodestorage/v2's errors.go: plain sentinel errors for
// the common cases, one typed error for the cases that need
// structured detail.
package protoerr

import (
	"errors"
	"fmt"
)

// Sentinel errors corresponding to spec.md §7's error kinds that
// never need extra structured detail.
var (
	ErrNotFound           = errors.New("document not found")
	ErrInvalidIdentifier  = errors.New("invalid identifier")
	ErrCollectionInvalid  = errors.New("invalid collection name")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrQueryTimeout       = errors.New("query timed out")
	ErrSnapshotTimeout    = errors.New("snapshot timed out")
	ErrSubscriptionOverrun = errors.New("subscription outbound queue overrun")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrBackendTransient   = errors.New("transient backend error")
	ErrBackendFatal       = errors.New("fatal backend error")
	ErrRateLimited        = errors.New("rate limited")
	ErrClosed             = errors.New("closed")
)

// Kind is the wire-visible error tag a client can use for dispatch
// without string-matching the human-readable message.
type Kind string

const (
	KindParse             Kind = "Parse"
	KindUnknownOperator   Kind = "UnknownOperator"
	KindBadTerminal       Kind = "BadTerminal"
	KindArityMismatch     Kind = "ArityMismatch"
	KindNotFound          Kind = "NotFound"
	KindInvalidIdentifier Kind = "InvalidIdentifier"
	KindCollectionInvalid Kind = "CollectionNameInvalid"
	KindPayloadTooLarge   Kind = "PayloadTooLarge"
	KindQueryTimeout      Kind = "QueryTimeout"
	KindSnapshotTimeout   Kind = "SnapshotTimeout"
	KindSubscriptionOverrun Kind = "SubscriptionOverrun"
	KindProtocolViolation Kind = "ProtocolViolation"
	KindBackendTransient  Kind = "BackendTransient"
	KindBackendFatal      Kind = "BackendFatal"
	KindRateLimited       Kind = "RateLimited"
	KindInternal          Kind = "Internal"
)

// ParseError reports a malformed query DSL with source position.
type ParseError struct {
	Line, Column int
	Msg          string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d:%d: %s", e.Line, e.Column, e.Msg)
}

func (e *ParseError) Is(target error) bool { return target == errParseSentinel }

var errParseSentinel = errors.New("parse error")

// PlanError reports a structural fault in a parsed plan: an unknown
// operator, a bad terminal, or an arity mismatch.
type PlanError struct {
	Kind Kind
	Msg  string
}

func (e *PlanError) Error() string { return e.Msg }

// There is no version-conflict error: the core has no cross-document
// transactions and surfaces no optimistic concurrency to clients.

// Typed retains a structured detail alongside a Kind, for errors that
// must carry more than a message onto the wire error frame, mirroring
// nodestorage/v2's VersionError (sentinel + detail struct + Is/Unwrap).
type Typed struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Typed) Error() string { return e.Message }

func (e *Typed) Unwrap() error { return e.cause }

func (e *Typed) Is(target error) bool {
	te, ok := target.(*Typed)
	if !ok {
		return errors.Is(e.cause, target)
	}
	return te.Kind == e.Kind
}

// New builds a Typed error of the given kind.
func New(kind Kind, format string, args ...any) *Typed {
	return &Typed{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a Typed error of the given kind around a cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Typed {
	return &Typed{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf maps an error to its wire Kind, walking sentinel and typed
// errors. Unrecognized errors map to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var t *Typed
	if errors.As(err, &t) {
		return t.Kind
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return KindParse
	}
	var plan *PlanError
	if errors.As(err, &plan) {
		return plan.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidIdentifier):
		return KindInvalidIdentifier
	case errors.Is(err, ErrCollectionInvalid):
		return KindCollectionInvalid
	case errors.Is(err, ErrPayloadTooLarge):
		return KindPayloadTooLarge
	case errors.Is(err, ErrQueryTimeout):
		return KindQueryTimeout
	case errors.Is(err, ErrSnapshotTimeout):
		return KindSnapshotTimeout
	case errors.Is(err, ErrSubscriptionOverrun):
		return KindSubscriptionOverrun
	case errors.Is(err, ErrProtocolViolation):
		return KindProtocolViolation
	case errors.Is(err, ErrBackendTransient):
		return KindBackendTransient
	case errors.Is(err, ErrBackendFatal):
		return KindBackendFatal
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindInternal
	}
}
