package render

import "fmt"

// ValidationError rejects a request before any process is started.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid render request: %s: %s", e.Field, e.Message)
}

// InvocationError is fatal for the whole batch: the child process exited
// non-zero, timed out, or could not be started at all. Stderr carries
// whatever diagnostic text the process produced, verbatim (capped).
type InvocationError struct {
	Stderr string
	Err    error
}

func (e *InvocationError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("render invocation failed: %v: %s", e.Err, e.Stderr)
	}
	return fmt.Sprintf("render invocation failed: %v", e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// ProtocolError is fatal for the whole batch: the child process exited
// cleanly but its standard output was not a parseable response document.
type ProtocolError struct {
	Output []byte
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unparseable renderer response: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
