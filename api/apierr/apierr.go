// Package apierr defines the error kinds surfaced by the query provider and
// its processes. Hosts branch on the kind, never on message text.
package apierr

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is an unclassified error.
	KindUnknown Kind = iota
	// InvalidDataset is an empty or malformed dataset selector.
	InvalidDataset
	// UnknownField is a filter, sort or property naming a field the store does not expose.
	UnknownField
	// InvalidQuery is a request whose bbox, interval or paging violates its invariants.
	InvalidQuery
	// BadQuery is a store rejection of a translated query.
	BadQuery
	// NotFound is a missing index or document.
	NotFound
	// Unavailable is a transient store failure.
	Unavailable
	// Timeout is a store call that exceeded its deadline.
	Timeout
	// ParseFailure is a format library rejection of an extended CSV payload.
	ParseFailure
)

var kindNames = map[Kind]string{
	KindUnknown:    "Unknown",
	InvalidDataset: "InvalidDataset",
	UnknownField:   "UnknownField",
	InvalidQuery:   "InvalidQuery",
	BadQuery:       "BadQuery",
	NotFound:       "NotFound",
	Unavailable:    "Unavailable",
	Timeout:        "Timeout",
	ParseFailure:   "ParseFailure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Error lets a Kind be used as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Transient reports whether the kind is worth retrying by the caller.
func (k Kind) Transient() bool {
	return k == Unavailable || k == Timeout
}

// Error is a classified failure.
type Error struct {
	Kind  Kind
	Op    string
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	default:
		b.WriteString(strings.ToLower(e.Kind.String()))
	}
	if e.Field != "" {
		b.WriteString(" (field ")
		b.WriteString(e.Field)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target, so errors.Is(err, apierr.Timeout) works
// through any wrapping.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Field returns an error of the given kind naming the offending field.
func Field(kind Kind, op, field, msg string) error {
	return &Error{Kind: kind, Op: op, Field: field, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify maps a raw transport error onto a kind. Context errors are left to
// the caller; they are returned as KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if k := KindOf(err); k != KindUnknown {
		return k
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return Unavailable
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	} {
		if strings.Contains(errStr, pattern) {
			return Timeout
		}
	}
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"no such host",
		"dial tcp",
		"eof",
		"broken pipe",
		"network is unreachable",
		"no route to host",
		"server closed",
	} {
		if strings.Contains(errStr, pattern) {
			return Unavailable
		}
	}
	return KindUnknown
}

// UserMessage returns a message safe to show to API clients.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	switch KindOf(err) {
	case InvalidDataset, UnknownField, InvalidQuery:
		if errors.As(err, &e) {
			return e.Error()
		}
		return "Invalid request."
	case BadQuery:
		return "The query could not be executed by the search backend."
	case NotFound:
		return "Not found."
	case Unavailable:
		return "Search backend temporarily unavailable. Please try again in a moment."
	case Timeout:
		return "Request timed out. Please try again."
	case ParseFailure:
		return "The submitted payload could not be parsed."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
