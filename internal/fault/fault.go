// Package fault classifies engine errors into the stable categories the
// presentation layer keys announcements and retry decisions off.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the stable classification of an engine error.
type Kind int

const (
	// KindUnknown is the zero value; errors without a classification.
	KindUnknown Kind = iota

	// KindTransport covers DNS, TCP, and TLS failures, plus I/O deadlines.
	KindTransport

	// KindProtocol covers malformed server responses and unexpected replies.
	KindProtocol

	// KindAuth covers rejected credentials and expired tokens.
	KindAuth

	// KindSecurity covers credential store failures.
	KindSecurity

	// KindCache covers storage I/O and corruption.
	KindCache

	// KindPolicy covers engine-imposed limits: retry ceilings, oversized
	// messages.
	KindPolicy
)

// String returns the code form of the kind, suitable for status surfaces.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "TRANSPORT"
	case KindProtocol:
		return "PROTOCOL"
	case KindAuth:
		return "AUTH"
	case KindSecurity:
		return "SECURITY"
	case KindCache:
		return "CACHE"
	case KindPolicy:
		return "POLICY"
	}
	return "UNKNOWN"
}

// Transient reports whether errors of this kind are worth an automatic,
// invisible retry. Policy and security failures always surface.
func (k Kind) Transient() bool {
	return k == KindTransport || k == KindProtocol
}

// Error is a classified engine error. Hint carries the human-readable text
// shown to the operator; Err carries the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Hint)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Hint)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a human-readable hint.
func New(kind Kind, op, hint string) *Error {
	return &Error{Kind: kind, Op: op, Hint: hint}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	// Do not re-wrap an already classified error; keep the first
	// classification but extend the operation trail.
	var fe *Error
	if errors.As(err, &fe) {
		return &Error{Kind: fe.Kind, Op: op, Hint: fe.Hint, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transport wraps err as a transport failure.
func Transport(op string, err error) error { return Wrap(KindTransport, op, err) }

// Protocol wraps err as a protocol failure.
func Protocol(op string, err error) error { return Wrap(KindProtocol, op, err) }

// Auth classifies err as an authentication failure. Unlike the other
// constructors it overrides an earlier classification: the session's
// auth path knows a rejected LOGIN or PASS is a credential problem
// even though the reply reader saw it as a protocol-level NO.
func Auth(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// Security wraps err as a credential store failure.
func Security(op string, err error) error { return Wrap(KindSecurity, op, err) }

// Cache wraps err as a storage failure.
func Cache(op string, err error) error { return Wrap(KindCache, op, err) }

// Policy wraps err as a policy violation: a permanent condition no
// retry can fix.
func Policy(op string, err error) error { return Wrap(KindPolicy, op, err) }

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given classification.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HintOf returns the operator-facing hint for err, falling back to the
// error text itself.
func HintOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Hint != "" {
			return fe.Hint
		}
		if fe.Err != nil {
			return fe.Err.Error()
		}
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
