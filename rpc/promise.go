package rpc

import (
	"sync"

	"golang.org/x/net/context"

	capnp "github.com/MadBase/go-capnproto2/v2"
)

// promiseClient is a ClientHook for a capability reachable from one of
// this connection's own outgoing questions via transform, before the
// Return has arrived (spec.md §4.4 promise pipelining). While
// unresolved, every call is sent over the wire targeting
// promisedAnswer{q.id, transform}, letting the peer pipeline the call
// against its own answer before it even finishes computing it.
//
// Once the question resolves, if it resolved to something that must
// now be delivered locally (bypassing the connection entirely) rather
// than over the wire, a sender-loopback Disembargo is issued and
// further calls are buffered until the matching receiver-loopback
// Disembargo returns, preserving the order calls are observed in
// relative to the pipelined calls already sent (spec.md §4.4,
// grounded on the embargo-queue-then-flush shape of
// iguazio's internal/fulfiller embargoClient, generalized from a
// single Struct fulfillment to an arbitrary capability).
type promiseClient struct {
	conn      *Conn
	q         *question
	transform []capnp.PipelineOp

	mu                  sync.Mutex
	settled             bool
	calledPreResolution bool
	client              capnp.ClientHook
	embargoed           bool
	pending             []pendingCall

	// settledCh closes once pc.client has been assigned, so Resolve can
	// wait on it instead of racing awaitResolution on pc.q.resolved
	// directly (q.resolved closing says only that the question is done,
	// not that this promiseClient has finished reacting to it).
	settledCh chan struct{}
}

type pendingCall struct {
	ctx    context.Context
	call   *capnp.Call
	result *localAnswer
}

func newPromiseClient(conn *Conn, q *question, transform []capnp.PipelineOp) *promiseClient {
	pc := &promiseClient{conn: conn, q: q, transform: transform, settledCh: make(chan struct{})}
	go pc.awaitResolution()
	return pc
}

func (pc *promiseClient) awaitResolution() {
	<-pc.q.resolved
	obj, err, _ := pc.q.peek()
	client := clientFromResolution(pc.transform, obj, err)

	pc.conn.mu.Lock()
	_, isImport := client.(*importClient)
	pc.mu.Lock()
	// Embargoing only matters if some earlier call was already sent
	// over the wire against promisedAnswer{q.id, transform}: otherwise
	// there is nothing in flight for a later locally-dispatched call to
	// race with (spec.md §4.4, condition (b)).
	needsEmbargo := !isImport && pc.calledPreResolution
	pc.settled = true
	pc.client = client
	if needsEmbargo {
		pc.embargoed = true
	}
	pc.mu.Unlock()
	close(pc.settledCh)
	var id embargoID
	if needsEmbargo {
		id = pc.conn.newEmbargo(pc.disembargoed)
	}
	pc.conn.mu.Unlock()

	if needsEmbargo {
		pc.sendSenderLoopback(id)
	}
}

func (pc *promiseClient) sendSenderLoopback(id embargoID) {
	m, err := newMessage(nil)
	if err != nil {
		return
	}
	d, _ := m.NewDisembargo()
	d.SetSenderLoopback(uint32(id))
	t, _ := d.NewTarget()
	t.SetPromisedAnswer(uint32(pc.q.id), pc.transform)
	pc.conn.sendMessage(m)
}

// disembargoed is invoked (via the connection's embargo table) once
// the matching receiver-loopback Disembargo arrives, and flushes every
// call that was buffered in the meantime in the order it was received.
func (pc *promiseClient) disembargoed() {
	pc.mu.Lock()
	queued := pc.pending
	pc.pending = nil
	pc.embargoed = false
	client := pc.client
	pc.mu.Unlock()
	for _, qc := range queued {
		ans := client.Call(qc.ctx, qc.call)
		joinAnswer(qc.result, ans)
	}
}

func (pc *promiseClient) Call(ctx context.Context, call *capnp.Call) capnp.Answerer {
	pc.mu.Lock()
	if !pc.settled {
		pc.calledPreResolution = true
		pc.mu.Unlock()
		return pc.conn.callPromisedAnswer(ctx, pc.q.id, pc.transform, call)
	}
	if pc.embargoed {
		result := pc.conn.newLocalResultAnswer()
		pc.pending = append(pc.pending, pendingCall{ctx: ctx, call: call, result: result})
		pc.mu.Unlock()
		return result
	}
	client := pc.client
	pc.mu.Unlock()
	return client.Call(ctx, call)
}

// AddRef returns pc itself: a fresh promiseClient would start its own
// awaitResolution goroutine and never see the original's settledCh
// close, leaving Resolve on the copy blocked forever.
func (pc *promiseClient) AddRef() capnp.ClientHook {
	return pc
}

func (pc *promiseClient) Release() {}

func (pc *promiseClient) Brand() interface{} {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.settled {
		return pc.client.Brand()
	}
	return pc
}

func (pc *promiseClient) Resolved() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.settled && !pc.embargoed
}

func (pc *promiseClient) Resolve(ctx context.Context) (capnp.ClientHook, error) {
	select {
	case <-pc.settledCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.client, nil
}
