package core

import "fmt"

// TransportError wraps a failure of external I/O: mirror connectivity,
// LLM resolver calls, adapter upstream fetches. Transport errors are
// retried with the shared backoff policy and are never fatal to the
// in-process pipeline.
type TransportError struct {
	Op  string // e.g. "mirror.publish", "llm.match", "adapter.poll"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
