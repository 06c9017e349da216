package capnp

import (
	"errors"

	"golang.org/x/net/context"
)

// Client is a reference to a capability: an object that can receive
// method calls, possibly across a network (spec.md §4.2). A nil
// Client cannot be called; Interface.Client returns an ErrorClient
// wrapping errNullClient in place of a missing capability.
type Client = ClientHook

// ClientHook is the interface a capability implementation provides.
// Concrete callers (the rpc package's importClient, pipelineClient
// and promiseClient, a local server's own type, or the degenerate
// ErrorClient) all satisfy it, matching spec.md §4.2's ClientHook
// operations.
type ClientHook interface {
	// Call starts a method call, returning a Answer-like handle for its
	// eventual result. ctx governs cancellation of the call.
	Call(ctx context.Context, call *Call) Answerer

	// AddRef returns a reference to the same underlying capability.
	// Each AddRef must be balanced with a Release.
	AddRef() ClientHook

	// Release relinquishes a reference to the capability. Once every
	// reference has been released, the hook may free resources.
	Release()

	// Brand returns an opaque, comparable value identifying the
	// capability this hook refers to, so that two Client values can be
	// compared for same-ness without a type switch (spec.md's
	// `get_brand`).
	Brand() interface{}

	// Resolved reports whether the client has settled to a final
	// value (false for an unresolved promise).
	Resolved() bool

	// Resolve blocks until the client has settled, then returns the
	// resolved hook (which may be the receiver itself).
	Resolve(ctx context.Context) (ClientHook, error)
}

// Call describes a single method call against a capability
// (spec.md §4.2 `new_call`): which interface/method, and the
// parameter struct to send.
type Call struct {
	InterfaceID uint64
	MethodID    uint16
	Params      Struct
}

// Answerer is the minimal surface a capability call's result exposes:
// enough to pipeline a further call against a not-yet-returned
// result, or to block for the final answer (spec.md §4.4).
type Answerer interface {
	// Struct blocks until the call's result struct is available.
	Struct() (Struct, error)

	// PipelineClient returns a client that, when called, queues its
	// call to be delivered once this answer resolves and the path
	// transform has been applied — the core of promise pipelining.
	PipelineClient(transform []PipelineOp) ClientHook
}

// ErrorClient is a ClientHook whose every call immediately fails with
// Err (spec.md's degenerate "broken capability", used for a null
// interface pointer and for any capability whose resolution failed).
type ErrorClient struct {
	Err error
}

// NewErrorClient returns a Client that always answers with err.
func NewErrorClient(err error) ClientHook {
	return ErrorClient{Err: err}
}

func (e ErrorClient) Call(ctx context.Context, call *Call) Answerer {
	return errorAnswer{err: e.Err}
}

func (e ErrorClient) AddRef() ClientHook { return e }

func (e ErrorClient) Release() {}

func (e ErrorClient) Brand() interface{} { return e.Err }

func (e ErrorClient) Resolved() bool { return true }

func (e ErrorClient) Resolve(ctx context.Context) (ClientHook, error) {
	return e, nil
}

type errorAnswer struct {
	err error
}

func (a errorAnswer) Struct() (Struct, error) { return Struct{}, a.err }

func (a errorAnswer) PipelineClient(transform []PipelineOp) ClientHook {
	return ErrorClient{Err: a.err}
}

// errNullClient is the error an interface pointer's nil Client
// answers every call with (spec.md §4.1.c "Capability get": "a null
// interface pointer resolves to a client that errors every call").
var errNullClient = errors.New("capnp: call on null capability")
