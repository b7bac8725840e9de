// Package perrors classifies pipeline errors into a small taxonomy so
// the orchestrator's failure handlers can decide retry-vs-escalate without every caller
// re-deriving that judgment.
package perrors

import "errors"

// Class is the taxonomy bucket assigned to a failure.
type Class string

const (
	Transient Class = "transient" // upstream timeout, rate-limit, connection reset
	Logic     Class = "logic"     // QA-reported issue, not a retry
	Contract  Class = "contract"  // malformed plan, missing dependency target
	Resource  Class = "resource"  // queue full, breaker open
	Fatal     Class = "fatal"     // invariant violation
)

// Classified wraps an error with its taxonomy class.
type Classified struct {
	Class Class
	Err   error
}

func (c *Classified) Error() string { return c.Err.Error() }
func (c *Classified) Unwrap() error { return c.Err }

// New tags err with class, or wraps nil as a no-op.
func New(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Class: class, Err: err}
}

// ClassOf extracts the taxonomy class from err, defaulting to Transient
// when the error was never classified (the safest default: retry first).
func ClassOf(err error) Class {
	var c *Classified
	if errors.As(err, &c) {
		return c.Class
	}
	return Transient
}

// Retryable reports whether the router should retry rather than escalate
// or reject outright.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case Transient, Resource:
		return true
	default:
		return false
	}
}
