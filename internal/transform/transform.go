// Package transform defines the boundary to the external content
// transformations and the dispatch policy around them.
//
// The pipeline never interprets artifact content itself; it hands the
// payload to a named processor and receives a new payload back. Failures
// are typed: an unknown processor or a malformed result is fatal, a
// runtime failure is retryable with bounded attempts.
package transform

import (
	"context"
	"encoding/json"
)

// Dispatcher invokes an external transformation by name.
//
// Invoke returns the transform's output payload or a typed pipeline
// error: processor-not-found for an unknown name, execution-failure for a
// runtime error, output-parse for a result that violates the contract.
type Dispatcher interface {
	Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
}

// Func adapts a plain function to the Dispatcher interface.
type Func func(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)

func (f Func) Invoke(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, name, input)
}
