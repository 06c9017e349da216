// Package rpc implements the Cap'n Proto RPC protocol: promise
// pipelining, the question/answer/export/import tables, and the
// embargo/disembargo loopback that keeps call order consistent across
// promise resolution (spec.md §4.3, §4.4, §6.2).
package rpc

import (
	"golang.org/x/net/context"

	capnp "github.com/MadBase/go-capnproto2/v2"
	"github.com/MadBase/go-capnproto2/v2/internal/diag"
	"github.com/MadBase/go-capnproto2/v2/internal/rpclog"
	"github.com/MadBase/go-capnproto2/v2/internal/taskset"
	"github.com/MadBase/go-capnproto2/v2/rpc/internal/transport"
)

// A Conn is a connection to another Cap'n Proto vat. It is safe to
// use from multiple goroutines.
type Conn struct {
	transport  transport.Transport
	mainFunc   func(context.Context) (capnp.ClientHook, error)
	mainCloser func() error
	logger     rpclog.Logger

	tasks *taskset.Set
	out   chan message

	mu             chanMutex
	questions      []*question
	questionID     idgen
	exports        []*export
	exportsByBrand map[interface{}]exportID
	exportID       idgen
	embargoes      []*embargo
	embargoID      idgen
	answers        map[answerID]*answer
	imports        map[importID]*impent
}

type connParams struct {
	mainFunc       func(context.Context) (capnp.ClientHook, error)
	mainCloser     func() error
	sendBufferSize int
	logger         rpclog.Logger
}

// A ConnOption is an option for opening a connection.
type ConnOption struct {
	f func(*connParams)
}

// MainInterface specifies that the connection should use client when
// receiving bootstrap messages. By default, all bootstrap messages
// fail. client is released when the connection closes.
func MainInterface(client capnp.ClientHook) ConnOption {
	return ConnOption{func(c *connParams) {
		c.mainFunc = func(ctx context.Context) (capnp.ClientHook, error) {
			return client.AddRef(), nil
		}
		c.mainCloser = client.Release
	}}
}

// BootstrapFunc specifies the function to call to create a capability
// for handling bootstrap messages. The function should not make any
// RPCs or block.
func BootstrapFunc(f func(context.Context) (capnp.ClientHook, error)) ConnOption {
	return ConnOption{func(c *connParams) {
		c.mainFunc = f
	}}
}

// SendBufferSize sets the number of outgoing messages to buffer on
// the connection, in addition to whatever buffering the transport
// itself performs.
func SendBufferSize(numMsgs int) ConnOption {
	return ConnOption{func(c *connParams) {
		c.sendBufferSize = numMsgs
	}}
}

// Logger sets where the connection logs protocol-anomaly conditions
// (decode failures, unimplemented messages, handler errors). Defaults
// to rpclog.Default.
func Logger(l rpclog.Logger) ConnOption {
	return ConnOption{func(c *connParams) {
		c.logger = l
	}}
}

// NewConn creates a new connection that communicates on t.
func NewConn(t transport.Transport, options ...ConnOption) *Conn {
	p := &connParams{sendBufferSize: 4, logger: rpclog.Default}
	for _, o := range options {
		o.f(p)
	}
	c := &Conn{
		transport:  t,
		out:        make(chan message, p.sendBufferSize),
		mainFunc:   p.mainFunc,
		mainCloser: p.mainCloser,
		logger:     p.logger,
		mu:         newChanMutex(),
	}
	c.tasks = taskset.New(context.Background())
	c.tasks.Do(c.dispatchRecv)
	c.tasks.Do(c.dispatchSend)
	c.tasks.Do(func() {
		<-c.tasks.Finish()
		c.mu.Lock()
		derr := c.tasks.Err()
		if derr == nil {
			derr = ErrConnClosed
		}
		for _, q := range c.questions {
			if q != nil {
				q.reject(questionResolved, derr)
			}
		}
		for _, a := range c.answers {
			a.cancel()
			a.settle(derr)
		}
		c.releaseAllExports()
		if c.mainCloser != nil {
			if err := c.mainCloser(); err != nil {
				c.logger.Println("rpc: closing main interface:", err)
			}
		}
		c.mu.Unlock()
	})
	return c
}

// Wait blocks until the connection is closed or aborted by the peer.
// It always returns a non-nil error, usually ErrConnClosed or an
// Exception.
func (c *Conn) Wait() error {
	c.tasks.Wait()
	if err := c.tasks.Err(); err != nil {
		return err
	}
	return ErrConnClosed
}

// Close closes the connection, sending an Abort message first.
func (c *Conn) Close() error {
	if !c.tasks.Shutdown(ErrConnClosed) {
		return ErrConnClosed
	}
	c.tasks.Wait()
	ctx := context.Background()
	m, werr := newAbortMessage(errShutdown)
	if werr == nil {
		werr = c.transport.SendMessage(ctx, m.rawMessage())
	}
	cerr := c.transport.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// Bootstrap returns the receiver's main interface as seen by the peer
// (spec.md §4.3 "bootstrap").
func (c *Conn) Bootstrap(ctx context.Context) capnp.ClientHook {
	select {
	case <-c.mu:
		defer c.mu.Unlock()
	case <-ctx.Done():
		return capnp.NewErrorClient(ctx.Err())
	case <-c.tasks.Finish():
		return capnp.NewErrorClient(c.tasks.Err())
	}
	q := c.newQuestion(nil)
	c.startQuestion(q)
	m, err := newMessage(nil)
	if err != nil {
		c.popQuestion(q.id)
		return capnp.NewErrorClient(err)
	}
	boot, _ := m.NewBootstrap()
	boot.SetQuestionID(uint32(q.id))
	select {
	case c.out <- m:
		return q.PipelineClient(nil)
	case <-ctx.Done():
		c.popQuestion(q.id)
		return capnp.NewErrorClient(ctx.Err())
	case <-c.tasks.Finish():
		c.popQuestion(q.id)
		return capnp.NewErrorClient(c.tasks.Err())
	}
}

// Snapshot reports the current size of each of the connection's
// tables, for diagnosing a stuck or leaking connection.
func (c *Conn) Snapshot() diag.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := diag.Snapshot{
		Answers: len(c.answers),
		Imports: len(c.imports),
	}
	for _, q := range c.questions {
		if q != nil {
			s.Questions++
		}
	}
	for _, e := range c.exports {
		if e != nil {
			s.Exports++
		}
	}
	for _, e := range c.embargoes {
		if e != nil {
			s.Embargoes++
		}
	}
	return s
}

func (c *Conn) sendMessage(m message) {
	select {
	case c.out <- m:
	case <-c.tasks.Finish():
	}
}

func (c *Conn) dispatchSend() {
	for {
		select {
		case m := <-c.out:
			if err := c.transport.SendMessage(c.tasks.Context(), m.rawMessage()); err != nil {
				c.tasks.Shutdown(err)
				return
			}
		case <-c.tasks.Finish():
			return
		}
	}
}

func (c *Conn) dispatchRecv() {
	for {
		raw, err := c.transport.RecvMessage(c.tasks.Context())
		if err != nil {
			c.tasks.Shutdown(err)
			return
		}
		m, err := readRootMessage(raw)
		if err != nil {
			c.tasks.Shutdown(err)
			return
		}
		c.handleMessage(m)
		select {
		case <-c.tasks.Finish():
			return
		default:
		}
	}
}

// handleMessage processes a single received message. c.mu is not held
// on entry.
func (c *Conn) handleMessage(m message) {
	switch m.Which() {
	case messageUnimplemented:
		// no-op, to avoid a feedback loop.
	case messageAbort:
		a, err := m.Abort()
		if err != nil {
			c.logger.Println("rpc: decode abort:", err)
			c.tasks.Shutdown(errShutdown)
			return
		}
		c.tasks.Shutdown(Exception{a})
	case messageReturn:
		c.mu.Lock()
		err := c.handleReturnMessage(m)
		c.mu.Unlock()
		if err != nil {
			c.logger.Println("rpc: handle return:", err)
		}
	case messageFinish:
		fin, err := m.Finish()
		if err != nil {
			c.logger.Println("rpc: decode finish:", err)
			return
		}
		id := answerID(fin.QuestionID())
		c.mu.Lock()
		a := c.popAnswer(id)
		c.mu.Unlock()
		if a == nil {
			return
		}
		a.cancel()
		if fin.ReleaseResultCaps() {
			c.mu.Lock()
			for _, id := range a.resultCaps {
				c.releaseExport(id, 1)
			}
			c.mu.Unlock()
		}
	case messageBootstrap:
		boot, err := m.Bootstrap()
		if err != nil {
			c.logger.Println("rpc: decode bootstrap:", err)
			return
		}
		id := answerID(boot.QuestionID())
		c.mu.Lock()
		err = c.handleBootstrapMessage(id)
		c.mu.Unlock()
		if err != nil {
			c.logger.Println("rpc: handle bootstrap:", err)
		}
	case messageCall:
		c.mu.Lock()
		err := c.handleCallMessage(m)
		c.mu.Unlock()
		if err != nil {
			c.logger.Println("rpc: handle call:", err)
		}
	case messageRelease:
		rel, err := m.Release()
		if err != nil {
			c.logger.Println("rpc: decode release:", err)
			return
		}
		c.mu.Lock()
		c.releaseExport(exportID(rel.ID()), int(rel.ReferenceCount()))
		c.mu.Unlock()
	case messageDisembargo:
		if err := c.handleDisembargoMessage(m); err != nil {
			c.abort(err)
		}
	case messageResolve:
		c.mu.Lock()
		err := c.handleResolveMessage(m)
		c.mu.Unlock()
		if err != nil {
			c.logger.Println("rpc: handle resolve:", err)
		}
	default:
		c.logger.Printf("rpc: received unimplemented message, which = %v", m.Which())
		um, err := newMessage(nil)
		if err == nil {
			um.SetUnimplemented(m)
			c.sendMessage(um)
		}
	}
}

// handleReturnMessage handles a Return, resolving the matching
// question. The caller holds c.mu.
func (c *Conn) handleReturnMessage(m message) error {
	r, err := m.Return()
	if err != nil {
		return err
	}
	id := questionID(r.AnswerID())
	q := c.popQuestion(id)
	if q == nil {
		return errBadTarget
	}
	if r.ReleaseParamCaps() {
		for _, eid := range q.paramCaps {
			c.releaseExport(eid, 1)
		}
	}
	if obj, _, done := q.peek(); done {
		_ = obj
		return nil // already settled locally (e.g. canceled)
	}
	releaseResultCaps := true
	switch r.Which() {
	case returnResults:
		releaseResultCaps = false
		results, err := r.Results()
		if err != nil {
			return err
		}
		if err := c.populateMessageCapTable(results); err == errUnimplemented {
			um, _ := newMessage(nil)
			um.SetUnimplemented(m)
			c.sendMessage(um)
			return errUnimplemented
		} else if err != nil {
			c.abort(err)
			return err
		}
		content, err := results.ContentPtr()
		if err != nil {
			return err
		}
		q.fulfill(content)
	case returnException:
		exc, err := r.Exception()
		if err != nil {
			return err
		}
		var e error = Exception{exc}
		if q.method != nil {
			e = &MethodError{Interface: q.method.InterfaceID, Method: q.method.MethodID, Err: e}
		} else {
			e = bootstrapError{e}
		}
		q.reject(questionResolved, e)
	case returnCanceled:
		err := &questionError{id: id, method: q.method, err: ErrCanceled}
		c.logger.Println(err)
		q.reject(questionResolved, ErrCanceled)
		return nil
	case returnResultsSentElsewhere:
		// Accepted: the result has already been spliced in by whatever
		// earlier Return carried it; nothing further to do here.
		return nil
	default:
		um, _ := newMessage(nil)
		um.SetUnimplemented(m)
		c.sendMessage(um)
		return errUnimplemented
	}
	fin, err := newMessage(nil)
	if err != nil {
		return err
	}
	f, _ := fin.NewFinish()
	f.SetQuestionID(uint32(id))
	f.SetReleaseResultCaps(releaseResultCaps)
	c.sendMessage(fin)
	return nil
}

// populateMessageCapTable resolves every descriptor in payload's cap
// table into a concrete ClientHook, populating the underlying
// message's capability table.
func (c *Conn) populateMessageCapTable(p payload) error {
	msg := p.Segment().Message()
	ctab, err := p.CapTable()
	if err != nil {
		return err
	}
	for i := 0; i < ctab.Len(); i++ {
		desc := ctab.At(i)
		if desc.Which() == capDescriptorNone {
			msg.AddCap(nil)
			continue
		}
		client, err := c.clientForDescriptor(desc)
		if err != nil {
			return err
		}
		msg.AddCap(client)
	}
	return nil
}

// clientForDescriptor resolves a single non-None CapDescriptor into a
// ClientHook from this vat's perspective. Must be called with c.mu
// held.
func (c *Conn) clientForDescriptor(desc capDescriptor) (capnp.ClientHook, error) {
	switch desc.Which() {
	case capDescriptorSenderHosted:
		return c.addImport(importID(desc.SenderHosted())), nil
	case capDescriptorSenderPromise:
		return c.addImportPromise(importID(desc.SenderPromise())), nil
	case capDescriptorReceiverHosted:
		e := c.findExport(exportID(desc.ReceiverHosted()))
		if e == nil {
			return nil, errBadTarget
		}
		return e.client, nil
	case capDescriptorReceiverAnswer:
		ra, err := desc.ReceiverAnswer()
		if err != nil {
			return nil, err
		}
		transform, err := ra.Transform()
		if err != nil {
			return nil, err
		}
		return c.answerPipelineClient(answerID(ra.QuestionID()), transform), nil
	default:
		return nil, errUnimplemented
	}
}

// makeCapTable converts s's message's capability table into
// descriptors, exporting (or referencing) each client as seen from
// this connection's perspective.
func (c *Conn) makeCapTable(s *capnp.Segment) (capDescriptorList, error) {
	msgtab := s.Message().CapTable
	t, err := newCapDescriptorList(s, int32(len(msgtab)))
	if err != nil {
		return capDescriptorList{}, err
	}
	for i, client := range msgtab {
		desc := t.At(i)
		if client == nil {
			desc.SetNone()
			continue
		}
		c.descriptorForClient(desc, client)
	}
	return t, nil
}

func (c *Conn) fillParams(p payload, call *capnp.Call) error {
	if err := p.SetContent(call.Params.ToPtr()); err != nil {
		return err
	}
	ctab, err := c.makeCapTable(p.Segment())
	if err != nil {
		return err
	}
	return p.SetCapTable(ctab)
}

// handleBootstrapMessage handles a received Bootstrap. The caller
// holds c.mu.
func (c *Conn) handleBootstrapMessage(id answerID) error {
	ctx, cancel := c.newContext()
	defer cancel()
	a := c.insertAnswer(id, cancel)
	if a == nil {
		retmsg, _ := newMessage(nil)
		r, _ := retmsg.NewReturn()
		r.SetAnswerID(uint32(id))
		setReturnException(r, errQuestionReused)
		c.sendMessage(retmsg)
		return nil
	}
	if c.mainFunc == nil {
		return a.rejectAndReturn(errNoMainInterface)
	}
	main, err := c.mainFunc(ctx)
	if err != nil {
		return a.rejectAndReturn(errNoMainInterface)
	}
	arena := capnp.NewSingleSegmentArena(nil)
	m, s, err := capnp.NewMessage(arena)
	if err != nil {
		return a.rejectAndReturn(err)
	}
	_ = m
	capID := s.Message().AddCap(main)
	in := capnp.NewInterface(s, capID)
	a.fulfill(in.ToPtr())
	return c.sendReturn(id, in.ToPtr())
}

// handleCallMessage handles a received Call. The caller holds c.mu.
func (c *Conn) handleCallMessage(m message) error {
	mcall, err := m.Call()
	if err != nil {
		return err
	}
	mt, err := mcall.Target()
	if err != nil {
		return err
	}
	if mt.Which() != messageTargetImportedCap && mt.Which() != messageTargetPromisedAnswer {
		um, _ := newMessage(nil)
		um.SetUnimplemented(m)
		c.sendMessage(um)
		return nil
	}
	mparams, err := mcall.Params()
	if err != nil {
		return err
	}
	if err := c.populateMessageCapTable(mparams); err == errUnimplemented {
		um, _ := newMessage(nil)
		um.SetUnimplemented(m)
		c.sendMessage(um)
		return errUnimplemented
	} else if err != nil {
		c.abort(err)
		return err
	}
	ctx, cancel := c.newContext()
	id := answerID(mcall.QuestionID())
	a := c.insertAnswer(id, cancel)
	if a == nil {
		c.abort(errQuestionReused)
		return errQuestionReused
	}
	paramContent, err := mparams.ContentPtr()
	if err != nil {
		return err
	}
	call := &capnp.Call{
		InterfaceID: mcall.InterfaceID(),
		MethodID:    mcall.MethodID(),
		Params:      paramContent.Struct(),
	}
	if err := c.routeCallMessage(ctx, a, mt, call); err != nil {
		return a.rejectAndReturn(err)
	}
	return nil
}

func (c *Conn) routeCallMessage(ctx context.Context, result *answer, mt messageTarget, call *capnp.Call) error {
	switch mt.Which() {
	case messageTargetImportedCap:
		e := c.findExport(exportID(mt.ImportedCap()))
		if e == nil {
			return errBadTarget
		}
		ans := c.lockedCall(e.client, call)
		go func() {
			st, err := ans.Struct()
			if err != nil {
				c.mu.Lock()
				result.rejectAndReturn(err)
				c.mu.Unlock()
				return
			}
			c.mu.Lock()
			result.fulfill(st.ToPtr())
			c.sendReturn(result.id, st.ToPtr())
			c.mu.Unlock()
		}()
		return nil
	case messageTargetPromisedAnswer:
		mpromise, err := mt.PromisedAnswer()
		if err != nil {
			return err
		}
		id := answerID(mpromise.QuestionID())
		if id == result.id {
			return errBadTarget
		}
		pa := c.answers[id]
		if pa == nil {
			return errBadTarget
		}
		transform, err := mpromise.Transform()
		if err != nil {
			return err
		}
		if obj, perr, done := pa.peek(); done {
			client := clientFromResolution(transform, obj, perr)
			ans := c.lockedCall(client, call)
			go func() {
				st, err := ans.Struct()
				c.mu.Lock()
				if err != nil {
					result.rejectAndReturn(err)
				} else {
					result.fulfill(st.ToPtr())
					c.sendReturn(result.id, st.ToPtr())
				}
				c.mu.Unlock()
			}()
			return nil
		}
		return pa.queueCall(call, transform, result)
	default:
		return errBadTarget
	}
}

// lockedCall starts a call against client, using the connection's
// lifetime context for cancellation.
func (c *Conn) lockedCall(client capnp.ClientHook, call *capnp.Call) capnp.Answerer {
	return client.Call(c.tasks.Context(), call)
}

// callImport sends a Call message targeting an importedCap and
// returns a question-backed Answerer for its eventual Return.
func (c *Conn) callImport(ctx context.Context, id importID, call *capnp.Call) capnp.Answerer {
	return c.sendCall(func(m message, mc message_callT) {
		t, _ := mc.call.NewTarget()
		t.SetImportedCap(uint32(id))
	}, call)
}

// callPromisedAnswer sends a Call message targeting a promisedAnswer
// (question id + transform) on our own outgoing question qid.
func (c *Conn) callPromisedAnswer(ctx context.Context, qid questionID, transform []capnp.PipelineOp, call *capnp.Call) capnp.Answerer {
	return c.sendCall(func(m message, mc message_callT) {
		t, _ := mc.call.NewTarget()
		t.SetPromisedAnswer(uint32(qid), transform)
	}, call)
}

// message_callT bundles the in-progress Call accessor for sendCall's
// setTarget callback.
type message_callT struct {
	call call
}

// sendCall builds and enqueues a Call message for call, invoking
// setTarget to fill in the message target, and returns a
// question-backed Answerer for the eventual Return.
func (c *Conn) sendCall(setTarget func(message, message_callT), call *capnp.Call) capnp.Answerer {
	m, err := newMessage(nil)
	if err != nil {
		return errorAnswerer{err: err}
	}
	mc, err := m.NewCall()
	if err != nil {
		return errorAnswerer{err: err}
	}
	mc.SetInterfaceID(call.InterfaceID)
	mc.SetMethodID(call.MethodID)
	setTarget(m, message_callT{call: mc})
	params, err := mc.NewParams()
	if err != nil {
		return errorAnswerer{err: err}
	}
	if err := params.SetContent(call.Params.ToPtr()); err != nil {
		return errorAnswerer{err: err}
	}

	c.mu.Lock()
	q := c.newQuestion(call)
	c.startQuestion(q)
	mc.SetQuestionID(uint32(q.id))
	ctab, err := c.makeCapTable(mc.Segment())
	if err == nil {
		err = params.SetCapTable(ctab)
	}
	if err != nil {
		c.popQuestion(q.id)
		c.mu.Unlock()
		return errorAnswerer{err: err}
	}
	c.sendMessage(m)
	c.mu.Unlock()
	return q
}

func (c *Conn) sendReturn(id answerID, content capnp.Ptr) error {
	m, err := newMessage(nil)
	if err != nil {
		return err
	}
	r, _ := m.NewReturn()
	r.SetAnswerID(uint32(id))
	results, err := r.NewResults()
	if err != nil {
		return err
	}
	if err := results.SetContent(content); err != nil {
		return err
	}
	ctab, err := c.makeCapTable(results.Segment())
	if err != nil {
		return err
	}
	if err := results.SetCapTable(ctab); err != nil {
		return err
	}
	c.sendMessage(m)
	return nil
}

func (c *Conn) sendReturnException(id answerID, err error) error {
	m, merr := newMessage(nil)
	if merr != nil {
		return merr
	}
	r, _ := m.NewReturn()
	r.SetAnswerID(uint32(id))
	setReturnException(r, err)
	c.sendMessage(m)
	return nil
}

func (c *Conn) sendReceiverLoopback(id embargoID, target messageTarget) {
	m, err := newMessage(nil)
	if err != nil {
		return
	}
	d, _ := m.NewDisembargo()
	d.SetReceiverLoopback(uint32(id))
	d.SetTarget(target)
	c.sendMessage(m)
}

// handleDisembargoMessage processes a received Disembargo. Unlike the
// other handle* methods it manages its own locking, since the
// receiver-loopback case must call disembargo (which takes c.mu
// itself) without already holding it.
func (c *Conn) handleDisembargoMessage(msg message) error {
	d, err := msg.Disembargo()
	if err != nil {
		return err
	}
	dtarget, err := d.Target()
	if err != nil {
		return err
	}
	switch d.ContextWhich() {
	case disembargoSenderLoopback:
		id := embargoID(d.SenderLoopback())
		if dtarget.Which() != messageTargetPromisedAnswer {
			return errDisembargoNonImport
		}
		dpa, err := dtarget.PromisedAnswer()
		if err != nil {
			return err
		}
		aid := answerID(dpa.QuestionID())
		c.mu.Lock()
		a := c.answers[aid]
		c.mu.Unlock()
		if a == nil {
			return errDisembargoMissingAnswer
		}
		transform, err := dpa.Transform()
		if err != nil {
			return err
		}
		queued, err := a.queueDisembargo(transform, id, dtarget)
		if err != nil {
			return err
		}
		if !queued {
			c.sendReceiverLoopback(id, dtarget)
		}
	case disembargoReceiverLoopback:
		id := embargoID(d.ReceiverLoopback())
		if !c.disembargo(id) {
			return errDisembargoMismatch
		}
	default:
		um, _ := newMessage(nil)
		um.SetUnimplemented(msg)
		c.sendMessage(um)
	}
	return nil
}

// handleResolveMessage handles a received Resolve, settling the
// matching promise import with either success or the carried
// exception. The caller holds c.mu.
func (c *Conn) handleResolveMessage(m message) error {
	r, err := m.Resolve()
	if err != nil {
		return err
	}
	id := importID(r.PromiseID())
	switch r.Which() {
	case resolveCap:
		// The peer still forwards calls to id by wire id regardless of
		// resolution (spec.md §4.3), so the descriptor's contents don't
		// change how we dispatch; only its presence (vs. an exception)
		// matters here. Decode it anyway to catch a malformed message.
		if _, err := r.Cap(); err != nil {
			return err
		}
		c.resolveImport(id, nil)
	case resolveException:
		exc, err := r.Exception()
		if err != nil {
			return err
		}
		c.resolveImport(id, Exception{exc})
	default:
		um, _ := newMessage(nil)
		um.SetUnimplemented(m)
		c.sendMessage(um)
		return errUnimplemented
	}
	return nil
}

func (c *Conn) newContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(c.tasks.Context())
}

func (c *Conn) abort(err error) {
	m, merr := newAbortMessage(err)
	if merr == nil {
		c.sendMessage(m)
	}
	c.tasks.Shutdown(err)
}

func newAbortMessage(err error) (message, error) {
	m, merr := newMessage(nil)
	if merr != nil {
		return message{}, merr
	}
	e, _ := m.NewAbort()
	toException(e, err)
	return m, nil
}

func setReturnException(r ret, err error) {
	e, _ := capnp.NewStruct(r.s.Segment(), exceptionSize)
	ex := exception{e}
	toException(ex, err)
	r.SetException(ex)
}

func newMessage(seg *capnp.Segment) (message, error) {
	if seg == nil {
		arena := capnp.NewSingleSegmentArena(nil)
		_, s, err := capnp.NewMessage(arena)
		if err != nil {
			return message{}, err
		}
		seg = s
	}
	return newRootMessage(seg)
}

// chanMutex is a mutex backed by a channel so it can be used in a
// select alongside context cancellation and shutdown signals (teacher
// rpc.go's chanMutex: a receive locks, a send unlocks).
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	mu := make(chanMutex, 1)
	mu <- struct{}{}
	return mu
}

func (mu chanMutex) Lock()   { <-mu }
func (mu chanMutex) Unlock() { mu <- struct{}{} }
