package reactor

import "fmt"

// Kind classifies an error the way callers are expected to branch on,
// rather than by parsing a textual description.
type Kind int

const (
	KindNone Kind = iota
	KindOS
	KindLib
	KindThirdParty
	KindNoObject
	KindRuntime
	// KindContinue is the in-band signal that the wait loop should stop;
	// it is not a failure.
	KindContinue
	KindParser
	KindNotFound
	KindMissingParam
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindOS:
		return "os"
	case KindLib:
		return "lib"
	case KindThirdParty:
		return "thirdparty"
	case KindNoObject:
		return "no_object"
	case KindRuntime:
		return "runtime"
	case KindContinue:
		return "continue"
	case KindParser:
		return "parser"
	case KindNotFound:
		return "not_found"
	case KindMissingParam:
		return "missing_param"
	default:
		return "unknown"
	}
}

// Error is the reactor's error type. Description is a textual message
// from the OS or the library; callers must branch on Kind, never parse
// Description.
type Error struct {
	Kind        Kind
	Description string
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("reactor: [%s] %s: %v", e.Kind, e.Description, e.cause)
	}
	return fmt.Sprintf("reactor: [%s] %s", e.Kind, e.Description)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target shares the same Kind, so callers can write
// errors.Is(err, reactor.ErrContinue) style checks against sentinels
// that carry only a Kind (no description, no cause).
func (e *Error) Is(target error) bool {
	var o *Error
	if te, ok := target.(*Error); ok {
		o = te
	} else {
		return false
	}
	return e.Kind == o.Kind && o.cause == nil && o.Description == ""
}

func newError(kind Kind, description string, cause error) *Error {
	return &Error{Kind: kind, Description: description, cause: cause}
}

// lastOSError wraps err (typically from a syscall) as a KindOS *Error.
func lastOSError(op string, err error) *Error {
	return newError(KindOS, op, err)
}

// Sentinel errors matching a bare Kind, for errors.Is comparisons.
var (
	// ErrContinue is the in-band "wait loop should stop" signal.
	ErrContinue     = &Error{Kind: KindContinue}
	ErrNoObject     = &Error{Kind: KindNoObject}
	ErrMissingParam = &Error{Kind: KindMissingParam}
)
