// Package kernels implements the kernel registration and lookup machinery of
// the runtime: kernel definitions (Def), per-provider registries (Registry),
// the resolver that maps operator type-constraint symbols to concrete
// arguments (TypeStrResolver), and the Manager that searches across custom
// and provider registries when a session binds nodes to kernels.
//
// Registration happens during session initialization, from a single
// goroutine. After that the structures are read-only and safe for concurrent
// lookups; the one exception, TypeStrResolver, synchronizes internally.
package kernels

import (
	"github.com/go-logr/logr"

	"github.com/graphrt/graphrt/graph"
	"github.com/graphrt/graphrt/streams"
	"github.com/graphrt/graphrt/types/shapes"
	"github.com/graphrt/graphrt/types/tensors"
)

// OpKernel is a compiled kernel bound to one node. Compute may be called many
// times, possibly for different executions of the session, but never
// concurrently for the same node.
type OpKernel interface {
	Compute(ctx ComputeContext) error
}

// ComputeContext gives a kernel access to its node's inputs and outputs and
// to the device stream the kernel was scheduled on. It is implemented by the
// execution engine.
type ComputeContext interface {
	// Node the kernel is executing.
	Node() *graph.Node
	// NumInputs returns the number of inputs the node carries.
	NumInputs() int
	// Input returns the i-th input tensor. Kernels must treat it as read-only.
	Input(i int) (*tensors.Tensor, error)
	// Output allocates (or retrieves the preallocated) i-th output with the
	// given shape and returns it for the kernel to fill.
	Output(i int, shape shapes.Shape) (*tensors.Tensor, error)
	// Stream the kernel was scheduled on.
	Stream() streams.Stream
	// Logger to use for kernel diagnostics.
	Logger() logr.Logger
}

// InitContext is what a kernel factory may query about the session while the
// kernel is constructed. It is implemented by the session state.
type InitContext interface {
	// Logger of the session.
	Logger() logr.Logger
	// Initializer returns the constant tensor backing the named graph value,
	// if there is one.
	Initializer(name string) (*tensors.Tensor, bool)
}

// KernelInfo carries everything a Factory needs to construct a kernel.
type KernelInfo struct {
	Def      *Def
	Node     *graph.Node
	Provider Provider
	Session  InitContext
}

// Factory constructs the kernel for a node. Factories must validate the
// node's attributes and report problems as errors: a factory error fails
// session initialization.
type Factory func(info KernelInfo) (OpKernel, error)

// Provider is the minimal surface of an execution provider the kernel
// machinery needs. The full provider interface lives in the providers
// package.
type Provider interface {
	// Type identifies the provider kind, e.g. "cpu". All providers of the
	// same type share one registry namespace in the Manager.
	Type() string
	// KernelRegistry returns the provider's kernel registry. It is called
	// once per session initialization; building the registry lazily and
	// caching it is the provider's business.
	KernelRegistry() (*Registry, error)
}
