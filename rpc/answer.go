package rpc

import (
	"sync"

	"golang.org/x/net/context"

	capnp "github.com/MadBase/go-capnproto2/v2"
)

type answerID uint32

// queuedCall is a call that arrived (or was generated locally via
// answer pipelining) targeting an answer that had not yet resolved,
// to be replayed once it does (spec.md §4.4, grounded on the
// bitmask-state answer design of bobg's rpc/answer.go, simplified to
// a single mutex since this connection's tables are always accessed
// under c.mu already).
type queuedCall struct {
	ctx       context.Context
	call      *capnp.Call
	transform []capnp.PipelineOp
	result    settler
}

type queuedDisembargo struct {
	id     embargoID
	target messageTarget
}

// settler is satisfied by anything a call's eventual result can be
// delivered into: a connection's own answer table entry, or a bare
// localAnswer used for purely in-process joins.
type settler interface {
	fulfill(capnp.Ptr)
	reject(error)
}

// An answer is a call this vat received from the peer and is still
// processing (teacher rpc.go's `answer`). Once resolved, it is kept
// around (by id) only long enough to serve pipelined calls and a
// Finish message; the question/answer ID symmetry means this table is
// keyed by the same integer the peer used as its outgoing Call's
// questionId.
type answer struct {
	id     answerID
	conn   *Conn
	cancel context.CancelFunc

	resultCaps []exportID

	mu      sync.Mutex
	state   questionState
	obj     capnp.Ptr
	err     error
	queue   []queuedCall
	dqueue  []queuedDisembargo

	resolved chan struct{}
}

// insertAnswer creates and registers a new answer for id, or returns
// nil if id is already in use (teacher rpc.go's reused-question-id
// guard). Must be called with c.mu held.
func (c *Conn) insertAnswer(id answerID, cancel context.CancelFunc) *answer {
	if c.answers == nil {
		c.answers = make(map[answerID]*answer)
	}
	if _, ok := c.answers[id]; ok {
		return nil
	}
	a := &answer{id: id, conn: c, cancel: cancel, resolved: make(chan struct{})}
	c.answers[id] = a
	return a
}

// popAnswer removes and returns the answer for id, or nil. Must be
// called with c.mu held.
func (c *Conn) popAnswer(id answerID) *answer {
	a := c.answers[id]
	delete(c.answers, id)
	return a
}

func (a *answer) fulfill(obj capnp.Ptr) {
	a.mu.Lock()
	if a.state != questionInProgress {
		a.mu.Unlock()
		return
	}
	a.state = questionResolved
	a.obj = obj
	queue, dqueue := a.queue, a.dqueue
	a.queue, a.dqueue = nil, nil
	close(a.resolved)
	a.mu.Unlock()
	a.drain(queue, dqueue)
}

// reject settles a with err, satisfying the settler interface (used
// when a is the destination of a locally-dispatched pipelined call).
func (a *answer) reject(err error) {
	a.settle(err)
}

// rejectAndReturn settles a with err and sends the peer a Return
// carrying the exception, returning any error from writing that
// message (used when a is the answer to a Call the peer sent us).
func (a *answer) rejectAndReturn(err error) error {
	a.settle(err)
	return a.conn.sendReturnException(a.id, err)
}

func (a *answer) settle(err error) {
	a.mu.Lock()
	if a.state != questionInProgress {
		a.mu.Unlock()
		return
	}
	a.state = questionResolved
	a.err = err
	queue, dqueue := a.queue, a.dqueue
	a.queue, a.dqueue = nil, nil
	close(a.resolved)
	a.mu.Unlock()
	a.drain(queue, dqueue)
}

func (a *answer) drain(queue []queuedCall, dqueue []queuedDisembargo) {
	obj, err, _ := a.peek()
	for _, qc := range queue {
		client := clientFromResolution(qc.transform, obj, err)
		ans := a.conn.lockedCall(client, qc.call)
		go joinAnswer(qc.result, ans)
	}
	for _, qd := range dqueue {
		a.conn.sendReceiverLoopback(qd.id, qd.target)
	}
}

func (a *answer) cancel() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *answer) peek() (obj capnp.Ptr, err error, done bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == questionInProgress {
		return capnp.Ptr{}, nil, false
	}
	return a.obj, a.err, true
}

// queueCall appends a pipelined call to be delivered once a resolves,
// or delivers it immediately if a has already resolved.
func (a *answer) queueCall(call *capnp.Call, transform []capnp.PipelineOp, result settler) error {
	a.mu.Lock()
	if a.state == questionInProgress {
		a.queue = append(a.queue, queuedCall{call: call, transform: transform, result: result})
		a.mu.Unlock()
		return nil
	}
	obj, err := a.obj, a.err
	a.mu.Unlock()
	client := clientFromResolution(transform, obj, err)
	ans := a.conn.lockedCall(client, call)
	go joinAnswer(result, ans)
	return nil
}

// queueDisembargo arranges for a receiver-loopback Disembargo matching
// id to be sent once every call queued ahead of it has been
// dispatched, reporting whether anything was actually queued (false
// means the caller should send the loopback response immediately,
// since there is nothing left to wait for — teacher rpc.go's
// queueDisembargo/"nothing to embargo" path).
func (a *answer) queueDisembargo(transform []capnp.PipelineOp, id embargoID, target messageTarget) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != questionInProgress || len(a.queue) == 0 {
		return false, nil
	}
	a.dqueue = append(a.dqueue, queuedDisembargo{id: id, target: target})
	return true, nil
}

// localAnswer is a settler/Answerer pair used for purely in-process
// call joins that have no wire-level answer id of their own (the
// result of a pipelined call dispatched locally from pipelineClient or
// promiseClient).
type localAnswer struct {
	mu   sync.Mutex
	done chan struct{}
	obj  capnp.Ptr
	err  error
}

func (c *Conn) newLocalResultAnswer() *localAnswer {
	return &localAnswer{done: make(chan struct{})}
}

func (la *localAnswer) fulfill(obj capnp.Ptr) {
	la.mu.Lock()
	select {
	case <-la.done:
	default:
		la.obj = obj
		close(la.done)
	}
	la.mu.Unlock()
}

func (la *localAnswer) reject(err error) {
	la.mu.Lock()
	select {
	case <-la.done:
	default:
		la.err = err
		close(la.done)
	}
	la.mu.Unlock()
}

func (la *localAnswer) Struct() (capnp.Struct, error) {
	<-la.done
	if la.err != nil {
		return capnp.Struct{}, la.err
	}
	return la.obj.Struct(), nil
}

func (la *localAnswer) PipelineClient(transform []capnp.PipelineOp) capnp.ClientHook {
	<-la.done
	return clientFromResolution(transform, la.obj, la.err)
}

// joinAnswer waits for src to resolve and delivers its outcome to dst
// (teacher rpc.go's joinAnswer, generalized to any settler).
func joinAnswer(dst settler, src capnp.Answerer) {
	st, err := src.Struct()
	if err != nil {
		dst.reject(err)
		return
	}
	dst.fulfill(st.ToPtr())
}
