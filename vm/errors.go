package vm

import "fmt"

// ---------------------------------------------------------------------------
// Error kinds
// ---------------------------------------------------------------------------

// ErrorKind classifies a language-level failure.
type ErrorKind uint8

const (
	SyntaxError ErrorKind = iota + 1
	ReadOnlyViolation
	TypeMismatch
	StackOverflow
	LimitExceeded
	InvalidCode
)

var errorKindNames = [...]string{
	SyntaxError:       "SyntaxError",
	ReadOnlyViolation: "ReadOnlyViolation",
	TypeMismatch:      "TypeMismatch",
	StackOverflow:     "StackOverflow",
	LimitExceeded:     "LimitExceeded",
	InvalidCode:       "InvalidCode",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) && errorKindNames[k] != "" {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", k)
}

// Error is the error type returned by the table engine and the interpreter.
// Errors of the same kind match each other under errors.Is, so callers test
// against the sentinels below.
type Error struct {
	Kind ErrorKind
	Msg  string
}

// Sentinels for errors.Is.
var (
	ErrSyntax        = &Error{Kind: SyntaxError}
	ErrReadOnly      = &Error{Kind: ReadOnlyViolation}
	ErrTypeMismatch  = &Error{Kind: TypeMismatch}
	ErrStackOverflow = &Error{Kind: StackOverflow}
	ErrLimit         = &Error{Kind: LimitExceeded}
	ErrInvalidCode   = &Error{Kind: InvalidCode}
)

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
