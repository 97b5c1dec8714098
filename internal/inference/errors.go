package inference

import "fmt"

// ExternalCallError indicates the inference collaborator itself failed:
// network error, service fault, or per-call timeout. Fatal to the run
// that triggered it; the core never auto-retries past the collaborator's
// own retry budget.
type ExternalCallError struct {
	Op  string
	Err error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("external call failed: %s: %v", e.Op, e.Err)
}

func (e *ExternalCallError) Unwrap() error {
	return e.Err
}

// MalformedResponseError indicates the inference service answered but
// its output could not be decoded into the expected structure. Callers
// decide the conservative fallback; the parser never defaults silently.
type MalformedResponseError struct {
	Op  string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response: %s: %v", e.Op, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}
