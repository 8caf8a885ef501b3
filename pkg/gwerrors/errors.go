// Package gwerrors defines the gateway's closed set of semantic error kinds
// (§7). Callers branch on Kind, never on error message text; the message
// body carries a short tag plus an optional detail and is never promised to
// contain internal debugging information.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind is one of the semantic error kinds from §7. It is not a Go type name
// — every adapter and component maps its own failures onto this closed set.
type Kind string

const (
	KindConfigInvalid    Kind = "config_invalid"
	KindConnectFailed    Kind = "connect_failed"
	KindAuthFailed       Kind = "auth_failed"
	KindDriverTransport  Kind = "driver_transport"
	KindStatementSyntax  Kind = "statement_syntax"
	KindStatementRuntime Kind = "statement_runtime"
	KindCancelled        Kind = "cancelled"
	KindTimeout          Kind = "timeout"
	KindNotExecuted      Kind = "not_executed"
	KindIntrospectFailed Kind = "introspect_failed"
	KindStoreIO          Kind = "store_io"
	KindStoreSchema      Kind = "store_schema"
	KindInternal         Kind = "internal"
)

// Error is the gateway's error type: a Kind plus a short tag and an optional
// message, wrapping an underlying cause when one exists.
type Error struct {
	Kind    Kind
	Tag     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Tag)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Tag, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, tag, message string) *Error {
	return &Error{Kind: kind, Tag: tag, Message: message}
}

// Wrap builds an Error carrying cause as its Unwrap target. message may be
// empty; cause's own message is not echoed (internal detail is not promised
// in the body).
func Wrap(kind Kind, tag string, cause error) *Error {
	return &Error{Kind: kind, Tag: tag, Cause: cause}
}

// Is reports whether err (or anything it wraps) is a gateway Error of kind.
func Is(err error, kind Kind) bool {
	var ge *Error
	if !errors.As(err, &ge) {
		return false
	}
	return ge.Kind == kind
}

// KindOf returns the Kind of err if it (or anything it wraps) is a gateway
// Error, and KindInternal otherwise — used at the command-surface boundary
// where every result must carry some kind.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}
