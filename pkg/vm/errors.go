// Package vm - error handling with stack traces.
package vm

import (
	"fmt"
	"strings"
)

// StackFrame captures one call frame's identity at the moment a
// RuntimeError is recorded, for StackTrace() and RuntimeError.Error().
type StackFrame struct {
	Name       string // function name, or "<program>" for the top-level frame
	IP         int    // frame's instruction pointer (word offset) when the error was raised
	SourceLine int    // 0 if no debug info is attached
	SourceCol  int
}

// RuntimeError is the VM's error record: first-writer-wins, carrying the
// call stack at the moment it was raised.
type RuntimeError struct {
	Message    string
	StackTrace []StackFrame
}

func (e *RuntimeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)

	if len(e.StackTrace) > 0 {
		b.WriteString("\n\nStack trace:")
		for i := len(e.StackTrace) - 1; i >= 0; i-- {
			frame := e.StackTrace[i]
			b.WriteString(fmt.Sprintf("\n  at %s", frame.Name))
			if frame.SourceLine > 0 {
				b.WriteString(fmt.Sprintf(" [line %d:%d]", frame.SourceLine, frame.SourceCol))
			}
			b.WriteString(fmt.Sprintf(" [IP: %d]", frame.IP))
		}
	}

	return b.String()
}

func newRuntimeError(message string, stack []StackFrame) *RuntimeError {
	return &RuntimeError{Message: message, StackTrace: stack}
}
