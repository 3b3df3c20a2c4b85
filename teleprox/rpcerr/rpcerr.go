// Package rpcerr defines the error taxonomy shared by the client, server,
// proxy and bootstrap packages. It follows the same shape as Vanadium's
// verror package (v.io/v23/verror): a small set of named error IDs, each
// constructed with formatted parameters, so a caller can test "what kind
// of failure is this" with Is instead of string matching.
package rpcerr

import (
	"fmt"
	"strings"
)

// ID names one of the error kinds from spec §7. IDs are stable strings so
// they survive a round trip through RemoteCallError.
type ID string

const (
	ConnectionRefused ID = "rpcerr.ConnectionRefused"
	Timeout           ID = "rpcerr.Timeout"
	PeerGone          ID = "rpcerr.PeerGone"
	RemoteCall        ID = "rpcerr.RemoteCall"
	ProxyInvalidated  ID = "rpcerr.ProxyInvalidated"
	NonSerializable   ID = "rpcerr.NonSerializable"
	BadAction         ID = "rpcerr.BadAction"
	BadOptions        ID = "rpcerr.BadOptions"
	BootstrapFailure  ID = "rpcerr.BootstrapFailure"
)

// Error is the concrete error type produced by every constructor below.
type Error struct {
	id  ID
	msg string

	// TypeName and Traceback are populated only for RemoteCall errors: the
	// peer's exception type name and its formatted stack, carried verbatim
	// so the caller can diagnose without shared symbols (spec §7).
	TypeName  string
	Traceback []string
}

func (e *Error) Error() string {
	if e.id == RemoteCall && e.TypeName != "" {
		return fmt.Sprintf("%s: %s: %s", e.id, e.TypeName, e.msg)
	}
	return fmt.Sprintf("%s: %s", e.id, e.msg)
}

// Is makes any two *Error values of the same ID match, so
// errors.Is(err, New(ConnectionRefused, "")) works with a sentinel built
// from New(id, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.id == e.id
}

// New builds an *Error of the given kind with a formatted message.
func New(id ID, format string, args ...interface{}) *Error {
	return &Error{id: id, msg: fmt.Sprintf(format, args...)}
}

// NewRemoteCall builds the error a client raises when a server's dispatch
// failed; typeName and traceback come verbatim from the response frame's
// error field (spec §6, §7).
func NewRemoteCall(typeName string, traceback []string) *Error {
	return &Error{
		id:        RemoteCall,
		msg:       strings.Join(traceback, "\n"),
		TypeName:  typeName,
		Traceback: traceback,
	}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, id ID) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.id == id
}

// IDOf returns the ID of err, or "" if err is not an *Error.
func IDOf(err error) ID {
	if e, ok := err.(*Error); ok {
		return e.id
	}
	return ""
}
