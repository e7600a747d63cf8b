// Package failure holds the closed set of error kinds a question can fail with.
package failure

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindLoad            Kind = "LoadError"
	KindInvalidArgument Kind = "InvalidArgument"
	KindPromptTooLarge  Kind = "PromptTooLarge"
	KindGateway         Kind = "GatewayError"
	KindNoSQLFound      Kind = "NoSqlFound"
	KindSQLExecution    Kind = "SqlExecutionError"
	KindTimeout         Kind = "TimeoutError"
	KindSynthesis       Kind = "SynthesisError"
)

type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind so callers can test with errors.Is(err, &Error{Kind: k}).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Op == "" && other.Detail == "" && other.Err == nil
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func Load(op string, err error) *Error {
	return New(KindLoad, op, err)
}

func InvalidArgument(op string, err error) *Error {
	return New(KindInvalidArgument, op, err)
}

func Gateway(op string, err error) *Error {
	return New(KindGateway, op, err)
}

func SQLExecution(op string, err error) *Error {
	return New(KindSQLExecution, op, err)
}

func Timeout(op string, err error) *Error {
	return New(KindTimeout, op, err)
}

func Synthesis(op string, err error) *Error {
	return New(KindSynthesis, op, err)
}

// Ensure returns err unchanged when it already carries a kind and wraps it
// as kind otherwise.
func Ensure(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return New(kind, op, err)
}

// KindOf reports the kind of the outermost *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
