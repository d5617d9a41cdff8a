package parser

import "fmt"

// StructuralError reports text that is not well-formed XML or lacks a
// required element. Missing names the absent tag when that is the cause.
type StructuralError struct {
	Stage   string
	Missing string
	Err     error
}

func (e *StructuralError) Error() string {
	if e.Missing != "" {
		return fmt.Sprintf("%s: missing <%s> element", e.Stage, e.Missing)
	}
	return fmt.Sprintf("%s: malformed xml: %v", e.Stage, e.Err)
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

// EmptyError reports a structurally valid document without usable records.
// Err carries the reason collection stopped, when there is one.
type EmptyError struct {
	What string
	Err  error
}

func (e *EmptyError) Error() string {
	msg := fmt.Sprintf("document is valid but contains no %s", e.What)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EmptyError) Unwrap() error {
	return e.Err
}
