package rpc

import (
	"golang.org/x/net/context"

	capnp "github.com/MadBase/go-capnproto2/v2"
)

// pipelineClient is a ClientHook for a capability reachable from one
// of this connection's own incoming answers via transform, before
// that answer has resolved (spec.md §4.4 promise pipelining, the
// receiverAnswer case: a second call arrives targeting a capability
// the first call's result will contain). Calls against it are queued
// on the answer and replayed once it resolves.
type pipelineClient struct {
	conn      *Conn
	answerID  answerID
	transform []capnp.PipelineOp
}

func (c *Conn) answerPipelineClient(id answerID, transform []capnp.PipelineOp) capnp.ClientHook {
	return &pipelineClient{conn: c, answerID: id, transform: transform}
}

func (pc *pipelineClient) Call(ctx context.Context, call *capnp.Call) capnp.Answerer {
	c := pc.conn
	c.mu.Lock()
	a := c.answers[pc.answerID]
	if a == nil {
		c.mu.Unlock()
		return errorAnswerer{err: errBadTarget}
	}
	if obj, err, done := a.peek(); done {
		c.mu.Unlock()
		client := clientFromResolution(pc.transform, obj, err)
		return c.lockedCall(client, call)
	}
	result := c.newLocalResultAnswer()
	err := a.queueCall(call, pc.transform, result)
	c.mu.Unlock()
	if err != nil {
		return errorAnswerer{err: err}
	}
	return result
}

func (pc *pipelineClient) AddRef() capnp.ClientHook {
	return &pipelineClient{conn: pc.conn, answerID: pc.answerID, transform: pc.transform}
}

func (pc *pipelineClient) Release() {}

func (pc *pipelineClient) Brand() interface{} { return pc }

func (pc *pipelineClient) Resolved() bool { return false }

func (pc *pipelineClient) Resolve(ctx context.Context) (capnp.ClientHook, error) {
	c := pc.conn
	c.mu.Lock()
	a := c.answers[pc.answerID]
	c.mu.Unlock()
	if a == nil {
		return nil, errBadTarget
	}
	select {
	case <-a.resolved:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	obj, err, _ := a.peek()
	return clientFromResolution(pc.transform, obj, err), nil
}

type errorAnswerer struct{ err error }

func (e errorAnswerer) Struct() (capnp.Struct, error) { return capnp.Struct{}, e.err }
func (e errorAnswerer) PipelineClient(transform []capnp.PipelineOp) capnp.ClientHook {
	return capnp.NewErrorClient(e.err)
}

// clientFromResolution applies transform to a resolved question or
// answer's result and extracts the capability it points to, turning
// any error (including a non-capability result) into an ErrorClient
// (teacher rpc.go's clientFromResolution).
func clientFromResolution(transform []capnp.PipelineOp, obj capnp.Ptr, err error) capnp.ClientHook {
	if err != nil {
		return capnp.NewErrorClient(err)
	}
	out, err := capnp.TransformPtr(obj, transform)
	if err != nil {
		return capnp.NewErrorClient(err)
	}
	return out.Interface().Client()
}
