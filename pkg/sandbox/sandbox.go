// Package sandbox mediates between the host and the isolated script runtime:
// it injects host functions, extracts results, and enforces execution limits.
// The engine only depends on the Sandbox contract; the shipped implementation
// is a goja runtime with one isolate per execution.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/dop251/goja"
)

// Limits are the hard resource bounds enforced per execution.
type Limits struct {
	Timeout        time.Duration
	MaxMemoryBytes int64
	MaxLLMCalls    int
}

// Limit sentinel errors carried by runtime interrupts.
var (
	ErrTimeout        = errors.New("execution wall-clock timeout exceeded")
	ErrMemoryExceeded = errors.New("execution memory limit exceeded")
)

// Sandbox is the contract the engine requires: an isolated heap with no
// filesystem, network, or process access; named host function injection;
// script evaluation returning the top-level value; wall-clock and memory
// enforcement.
type Sandbox interface {
	// Inject binds a host value (usually a function or namespace object)
	// into the sandbox's global scope.
	Inject(name string, value any) error

	// Evaluate runs a script and returns its top-level value. The returned
	// error is ErrTimeout or ErrMemoryExceeded when a limit fired, a
	// *goja.Exception for uncaught script errors, or an internal fault.
	// Host-function panics carrying non-script values propagate to the
	// caller.
	Evaluate(ctx context.Context, code string) (goja.Value, error)

	// Runtime exposes the underlying runtime for value construction and
	// inspection by the host bridge.
	Runtime() *goja.Runtime

	// Close releases the isolate. The sandbox must not be reused.
	Close()
}
