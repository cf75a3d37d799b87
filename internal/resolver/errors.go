package resolver

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes resolution errors.
type ErrorCode string

const (
	// ErrCodeUnresolved indicates a requirement no enabled component
	// satisfies.
	ErrCodeUnresolved ErrorCode = "UNRESOLVED_DEPENDENCY"

	// ErrCodeAmbiguous indicates a requirement more than one enabled
	// component satisfies. Disambiguation belongs upstream, in mutually
	// exclusive enabledIf gates; the resolver never picks a default.
	ErrCodeAmbiguous ErrorCode = "AMBIGUOUS_DEPENDENCY"

	// ErrCodeCycle indicates the requires graph is not acyclic.
	ErrCodeCycle ErrorCode = "DEPENDENCY_CYCLE"
)

// Error is the structured error produced during graph resolution. A
// single unresolved or ambiguous dependency invalidates the whole
// graph, since link order cannot be computed without it.
type Error struct {
	Code ErrorCode

	// Component is the component whose requirement failed to resolve.
	Component string

	// Requirement is the requires entry being resolved (after routing).
	Requirement string

	// Candidates lists every enabled provider for AMBIGUOUS_DEPENDENCY.
	Candidates []string

	// Cycle is the offending path for DEPENDENCY_CYCLE, first node
	// repeated at the end.
	Cycle []string

	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Component != "" {
		fmt.Fprintf(&b, " (component=%s", e.Component)
		if e.Requirement != "" {
			fmt.Fprintf(&b, ", requires=%s", e.Requirement)
		}
		b.WriteString(")")
	}
	if len(e.Candidates) > 0 {
		fmt.Fprintf(&b, " [candidates: %s]", strings.Join(e.Candidates, ", "))
	}
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, " [cycle: %s]", strings.Join(e.Cycle, " -> "))
	}
	return b.String()
}

// IsUnresolved returns true for unresolved-dependency errors.
func IsUnresolved(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == ErrCodeUnresolved
}

// IsAmbiguous returns true for ambiguous-dependency errors.
func IsAmbiguous(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == ErrCodeAmbiguous
}

// IsCycle returns true for dependency-cycle errors.
func IsCycle(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == ErrCodeCycle
}
