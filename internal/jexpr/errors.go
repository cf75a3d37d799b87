package jexpr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes evaluation errors.
type ErrorCode string

const (
	// ErrCodeUnknownMacro indicates a macro node with an unregistered name.
	ErrCodeUnknownMacro ErrorCode = "UNKNOWN_MACRO"

	// ErrCodeMacroArgument indicates a wrong argument count or type for a
	// known macro.
	ErrCodeMacroArgument ErrorCode = "MACRO_ARGUMENT"

	// ErrCodeExecution indicates a subprocess spawned by @exec exited
	// with a nonzero status.
	ErrCodeExecution ErrorCode = "EXECUTION_FAILED"

	// ErrCodeToolNotFound indicates @latest found no matching binary on
	// the search path.
	ErrCodeToolNotFound ErrorCode = "TOOL_NOT_FOUND"

	// ErrCodeCycle indicates @include recursion exceeded the depth bound
	// or revisited a document already on the inclusion stack.
	ErrCodeCycle ErrorCode = "INCLUDE_CYCLE"

	// ErrCodeTypeMismatch indicates a macro received a value of the wrong
	// shape, e.g. @join over a non-object.
	ErrCodeTypeMismatch ErrorCode = "TYPE_MISMATCH"

	// ErrCodeEval indicates @eval received code that does not reduce to a
	// scalar, or does not parse at all.
	ErrCodeEval ErrorCode = "EVAL_ERROR"

	// ErrCodeRead indicates a document could not be read or parsed.
	ErrCodeRead ErrorCode = "READ_FAILED"
)

// Error is the structured error produced by the evaluator. Every error
// carries the originating document path; macro errors also carry the
// macro name so the faulty node can be located without re-running with
// higher verbosity.
type Error struct {
	Code ErrorCode

	// Macro is the macro name (without sigil) when the error originated
	// inside a macro node.
	Macro string

	// Path is the document being evaluated.
	Path string

	// Message is a human-readable description.
	Message string

	// ExitCode and Stderr are populated for EXECUTION_FAILED.
	ExitCode int
	Stderr   string

	// Stack is the inclusion stack for INCLUDE_CYCLE errors, outermost
	// document first.
	Stack []string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Macro != "" {
		fmt.Fprintf(&b, " (macro=@%s", e.Macro)
		if e.Path != "" {
			fmt.Fprintf(&b, ", doc=%s", e.Path)
		}
		b.WriteString(")")
	} else if e.Path != "" {
		fmt.Fprintf(&b, " (doc=%s)", e.Path)
	}
	if len(e.Stack) > 0 {
		fmt.Fprintf(&b, " [stack: %s]", strings.Join(e.Stack, " -> "))
	}
	return b.String()
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsCycleError returns true for include-cycle errors, unwrapping as needed.
func IsCycleError(err error) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Code == ErrCodeCycle
}

// IsToolNotFound returns true for @latest lookup misses, unwrapping as needed.
func IsToolNotFound(err error) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Code == ErrCodeToolNotFound
}

func (c *Context) errf(code ErrorCode, macro, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Macro:   macro,
		Path:    c.Path,
		Message: fmt.Sprintf(format, args...),
	}
}
