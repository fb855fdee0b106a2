package script

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// ErrorKind categorizes script failures.
type ErrorKind string

const (
	KindSyntax   ErrorKind = "syntax_error"
	KindRuntime  ErrorKind = "runtime_error"
	KindTimeout  ErrorKind = "timeout_error"
	KindSecurity ErrorKind = "security_error"
	KindInput    ErrorKind = "input_error"
)

// Error is a structured script failure.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func inputError(format string, args ...any) *Error {
	return &Error{Kind: KindInput, Message: fmt.Sprintf(format, args...)}
}

func timeoutError(after time.Duration) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("script exceeded %s", after)}
}

// classify converts a goja failure into an Error.
func classify(err error) *Error {
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &Error{Kind: KindSyntax, Message: syntax.Error()}
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		e := &Error{Kind: KindRuntime, Message: exc.Error()}
		if stack := exc.String(); stack != exc.Error() {
			e.Stack = stack
		}
		msg := strings.ToLower(e.Message)
		switch {
		case strings.Contains(msg, "syntaxerror"):
			e.Kind = KindSyntax
		case strings.Contains(msg, "not allowed"):
			e.Kind = KindSecurity
		}
		return e
	}

	return &Error{Kind: KindRuntime, Message: err.Error()}
}
