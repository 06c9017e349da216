package rpc

import (
	"sync"

	capnp "github.com/MadBase/go-capnproto2/v2"
)

type questionID uint32

// idgen hands out small, densely reused integer IDs (teacher rpc.go's
// questionID/exportID/embargoID generators): the next unused value,
// or the most recently freed one if any are available.
type idgen struct {
	n    uint32
	free []uint32
}

func (g *idgen) next() uint32 {
	if len(g.free) > 0 {
		id := g.free[len(g.free)-1]
		g.free = g.free[:len(g.free)-1]
		return id
	}
	id := g.n
	g.n++
	return id
}

func (g *idgen) release(id uint32) {
	g.free = append(g.free, id)
}

type questionState int

const (
	questionInProgress questionState = iota
	questionResolved
	questionCanceled
)

// A question is an outstanding call this vat made to the peer
// (teacher rpc.go's `question`), tracked until a Return arrives.
type question struct {
	id     questionID
	conn   *Conn
	method *capnp.Call // nil for a bootstrap question

	paramCaps []exportID

	mu    sync.RWMutex
	state questionState
	obj   capnp.Ptr
	err   error

	resolved chan struct{}
}

func (c *Conn) newQuestion(method *capnp.Call) *question {
	q := &question{
		conn:     c,
		method:   method,
		resolved: make(chan struct{}),
	}
	return q
}

// startQuestion registers q in the connection's question table, assigning its
// ID, and must be called while c.mu is held and before the question's
// Call message is enqueued.
func (c *Conn) startQuestion(q *question) {
	id := questionID(c.questionID.next())
	q.id = id
	for int(id) >= len(c.questions) {
		c.questions = append(c.questions, nil)
	}
	c.questions[id] = q
}

// popQuestion removes and returns the question with the given id, or
// nil if there is none (teacher rpc.go's popQuestion). Must be called
// with c.mu held.
func (c *Conn) popQuestion(id questionID) *question {
	if int(id) >= len(c.questions) {
		return nil
	}
	q := c.questions[id]
	c.questions[id] = nil
	if q != nil {
		c.questionID.release(uint32(id))
	}
	return q
}

// fulfill resolves q with a successful result.
func (q *question) fulfill(obj capnp.Ptr) {
	q.mu.Lock()
	if q.state == questionInProgress {
		q.state = questionResolved
		q.obj = obj
		close(q.resolved)
	}
	q.mu.Unlock()
}

// reject resolves q with an error and the given terminal state, unless
// it has already settled in any state (so a Canceled return after a
// local cancel doesn't clobber the earlier ErrCanceled rejection).
func (q *question) reject(final questionState, err error) {
	q.mu.Lock()
	if q.state == questionInProgress {
		q.state = final
		q.err = err
		close(q.resolved)
	}
	q.mu.Unlock()
}

// cancel marks q as locally canceled without waiting for a Return.
func (q *question) cancel() {
	q.reject(questionCanceled, ErrCanceled)
}

// peek reports q's resolution, if any, without blocking.
func (q *question) peek() (obj capnp.Ptr, err error, done bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.state == questionInProgress {
		return capnp.Ptr{}, nil, false
	}
	return q.obj, q.err, true
}

// Struct blocks until q resolves, satisfying capnp.Answerer.
func (q *question) Struct() (capnp.Struct, error) {
	<-q.resolved
	obj, err, _ := q.peek()
	if err != nil {
		return capnp.Struct{}, err
	}
	return obj.Struct(), nil
}

// PipelineClient returns a client for a capability reachable from q's
// eventual result via transform, satisfying capnp.Answerer (spec.md
// §4.4 promise pipelining: a call made against this client before q
// has resolved is sent to the peer at once, targeting q's promised
// answer).
func (q *question) PipelineClient(transform []capnp.PipelineOp) capnp.ClientHook {
	if obj, err, done := q.peek(); done {
		return clientFromResolution(transform, obj, err)
	}
	return newPromiseClient(q.conn, q, transform)
}
