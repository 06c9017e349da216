package rpc

// Hand-written wire-schema accessors for the Cap'n Proto RPC protocol
// (spec.md §6.2). A real deployment would compile these from
// rpc.capnp with the schema compiler; since code generation is out of
// scope here (spec.md §1, §4.5), these are written by hand in the
// same accessor style generated code would produce: a Go struct
// wrapping a capnp.Struct, a Which() discriminant, and New/Set/Get
// pairs per field.

import (
	"errors"

	capnp "github.com/MadBase/go-capnproto2/v2"
)

type messageWhich uint16

const (
	messageUnimplemented messageWhich = iota
	messageAbort
	messageBootstrap
	messageCall
	messageReturn
	messageFinish
	messageResolve
	messageRelease
	messageDisembargo
)

// message is the top-level RPC frame: a discriminant word followed by
// one pointer holding whichever variant is active.
type message struct {
	s capnp.Struct
}

var messageSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}

func allocMessageStruct(seg *capnp.Segment) (message, error) {
	st, err := capnp.NewStruct(seg, messageSize)
	if err != nil {
		return message{}, err
	}
	return message{st}, nil
}

// newRootMessage allocates a fresh message struct in seg and sets it
// as seg's message's root pointer (every message this connection
// sends or assembles from the wire is the sole root object of its
// own capnp.Message).
func newRootMessage(seg *capnp.Segment) (message, error) {
	m, err := allocMessageStruct(seg)
	if err != nil {
		return message{}, err
	}
	if err := seg.Message().SetRoot(m.s.ToPtr()); err != nil {
		return message{}, err
	}
	return m, nil
}

func readRootMessage(msg *capnp.Message) (message, error) {
	p, err := msg.Root()
	if err != nil {
		return message{}, err
	}
	return message{p.Struct()}, nil
}

func (m message) Which() messageWhich { return messageWhich(m.s.Uint16(0)) }

func (m message) Segment() *capnp.Segment { return m.s.Segment() }

func (m message) rawMessage() *capnp.Message { return m.s.Segment().Message() }

func (m message) setWhich(w messageWhich) { m.s.SetUint16(0, uint16(w)) }

func (m message) newVariant(w messageWhich, sz capnp.ObjectSize) (capnp.Struct, error) {
	m.setWhich(w)
	return m.s.NewSubStruct(0, sz)
}

func (m message) variant(w messageWhich) (capnp.Struct, error) {
	if m.Which() != w {
		return capnp.Struct{}, errWrongVariant
	}
	p, err := m.s.Ptr(0)
	if err != nil {
		return capnp.Struct{}, err
	}
	return p.Struct(), nil
}

var errWrongVariant = errors.New("rpc: message accessed as wrong variant")

// --- abort / unimplemented -------------------------------------------------

var exceptionSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}

type exception struct{ s capnp.Struct }

func (m message) NewAbort() (exception, error) {
	st, err := m.newVariant(messageAbort, exceptionSize)
	return exception{st}, err
}

func (m message) Abort() (exception, error) {
	st, err := m.variant(messageAbort)
	return exception{st}, err
}

func (e exception) Type() uint16   { return e.s.Uint16(0) }
func (e exception) SetType(t uint16) { e.s.SetUint16(0, t) }

func (e exception) Reason() (string, error) {
	p, err := e.s.Ptr(0)
	if err != nil {
		return "", err
	}
	return p.TextDefault("")
}

func (e exception) SetReason(v string) error {
	p, err := capnp.NewText(e.s.Segment(), v)
	if err != nil {
		return err
	}
	return e.s.SetPtr(0, p)
}

func toException(e exception, err error) {
	e.SetType(0)
	e.SetReason(err.Error())
}

// SetUnimplemented stores the given message (serialized into a struct
// copy) as the payload of an "unimplemented" response.
func (m message) SetUnimplemented(orig message) error {
	m.setWhich(messageUnimplemented)
	return m.s.SetPtr(0, orig.s.ToPtr())
}

func (m message) Unimplemented() (message, error) {
	p, err := m.variant(messageUnimplemented)
	return message{p}, err
}

// --- bootstrap --------------------------------------------------------

var bootstrapSize = capnp.ObjectSize{DataSize: 8}

type bootstrap struct{ s capnp.Struct }

func (m message) NewBootstrap() (bootstrap, error) {
	st, err := m.newVariant(messageBootstrap, bootstrapSize)
	return bootstrap{st}, err
}

func (m message) Bootstrap() (bootstrap, error) {
	st, err := m.variant(messageBootstrap)
	return bootstrap{st}, err
}

func (b bootstrap) QuestionID() uint32       { return b.s.Uint32(0) }
func (b bootstrap) SetQuestionID(id uint32)  { b.s.SetUint32(0, id) }

// --- payload ------------------------------------------------------------

var payloadSize = capnp.ObjectSize{PointerCount: 2}

type payload struct{ s capnp.Struct }

func newPayload(seg *capnp.Segment) (payload, error) {
	st, err := capnp.NewStruct(seg, payloadSize)
	return payload{st}, err
}

func (p payload) Segment() *capnp.Segment { return p.s.Segment() }

func (p payload) ContentPtr() (capnp.Ptr, error) {
	return p.s.Ptr(0)
}

func (p payload) SetContent(v capnp.Ptr) error {
	return p.s.SetPtr(0, v)
}

func (p payload) CapTable() (capDescriptorList, error) {
	l, err := p.s.ListAt(1, capDescriptorSize, 0)
	return capDescriptorList{l}, err
}

func (p payload) SetCapTable(l capDescriptorList) error {
	return p.s.SetPtr(1, l.ToPtr())
}

func newCapDescriptorList(seg *capnp.Segment, n int32) (capDescriptorList, error) {
	l, err := capnp.NewCompositeList(seg, capDescriptorSize, n)
	return capDescriptorList{l}, err
}

// --- capability descriptors ----------------------------------------------

type capDescriptorWhich uint16

const (
	capDescriptorNone capDescriptorWhich = iota
	capDescriptorSenderHosted
	capDescriptorSenderPromise
	capDescriptorReceiverHosted
	capDescriptorReceiverAnswer
)

var capDescriptorSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}

type capDescriptor struct{ s capnp.Struct }

type capDescriptorList struct{ l capnp.List }

func (l capDescriptorList) Len() int { return l.l.Len() }
func (l capDescriptorList) At(i int) capDescriptor {
	return capDescriptor{l.l.Struct(i)}
}
func (l capDescriptorList) ToPtr() capnp.Ptr { return l.l.ToPtr() }

func (d capDescriptor) Which() capDescriptorWhich { return capDescriptorWhich(d.s.Uint16(0)) }

func (d capDescriptor) SetNone() { d.s.SetUint16(0, uint16(capDescriptorNone)) }

func (d capDescriptor) SenderHosted() uint32 { return d.s.Uint32(4) }
func (d capDescriptor) SetSenderHosted(id uint32) {
	d.s.SetUint16(0, uint16(capDescriptorSenderHosted))
	d.s.SetUint32(4, id)
}

func (d capDescriptor) SenderPromise() uint32 { return d.s.Uint32(4) }
func (d capDescriptor) SetSenderPromise(id uint32) {
	d.s.SetUint16(0, uint16(capDescriptorSenderPromise))
	d.s.SetUint32(4, id)
}

func (d capDescriptor) ReceiverHosted() uint32 { return d.s.Uint32(4) }
func (d capDescriptor) SetReceiverHosted(id uint32) {
	d.s.SetUint16(0, uint16(capDescriptorReceiverHosted))
	d.s.SetUint32(4, id)
}

func (d capDescriptor) ReceiverAnswer() (promisedAnswer, error) {
	p, err := d.s.Ptr(0)
	if err != nil {
		return promisedAnswer{}, err
	}
	return promisedAnswer{p.Struct()}, nil
}

func (d capDescriptor) SetReceiverAnswer(qid uint32, transform []capnp.PipelineOp) error {
	d.s.SetUint16(0, uint16(capDescriptorReceiverAnswer))
	pa, err := newPromisedAnswer(d.s.Segment(), qid, transform)
	if err != nil {
		return err
	}
	return d.s.SetPtr(0, pa.s.ToPtr())
}

// --- promised answer / message target -------------------------------------

var promisedAnswerSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}

type promisedAnswer struct{ s capnp.Struct }

func newPromisedAnswer(seg *capnp.Segment, qid uint32, transform []capnp.PipelineOp) (promisedAnswer, error) {
	st, err := capnp.NewStruct(seg, promisedAnswerSize)
	if err != nil {
		return promisedAnswer{}, err
	}
	pa := promisedAnswer{st}
	pa.SetQuestionID(qid)
	if err := pa.SetTransform(transform); err != nil {
		return promisedAnswer{}, err
	}
	return pa, nil
}

func (pa promisedAnswer) QuestionID() uint32      { return pa.s.Uint32(0) }
func (pa promisedAnswer) SetQuestionID(id uint32) { pa.s.SetUint32(0, id) }

func (pa promisedAnswer) Transform() ([]capnp.PipelineOp, error) {
	p, err := pa.s.Ptr(0)
	if err != nil {
		return nil, err
	}
	l := p.List()
	if !l.IsValid() {
		return nil, nil
	}
	ops := make([]capnp.PipelineOp, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		st := l.Struct(i)
		if st.Uint16(0) == 0 { // noop
			continue
		}
		ops = append(ops, capnp.PipelineOp{Field: st.Uint16(2)})
	}
	return ops, nil
}

func (pa promisedAnswer) SetTransform(ops []capnp.PipelineOp) error {
	l, err := capnp.NewCompositeList(pa.s.Segment(), capnp.ObjectSize{DataSize: 8}, int32(len(ops)))
	if err != nil {
		return err
	}
	for i, op := range ops {
		st := l.Struct(i)
		st.SetUint16(0, 1) // getPointerField
		st.SetUint16(2, op.Field)
	}
	return pa.s.SetPtr(0, l.ToPtr())
}

type messageTargetWhich uint16

const (
	messageTargetImportedCap messageTargetWhich = iota
	messageTargetPromisedAnswer
)

var messageTargetSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}

type messageTarget struct{ s capnp.Struct }

func (t messageTarget) Which() messageTargetWhich { return messageTargetWhich(t.s.Uint16(0)) }

func (t messageTarget) ImportedCap() uint32 { return t.s.Uint32(4) }
func (t messageTarget) SetImportedCap(id uint32) {
	t.s.SetUint16(0, uint16(messageTargetImportedCap))
	t.s.SetUint32(4, id)
}

func (t messageTarget) PromisedAnswer() (promisedAnswer, error) {
	p, err := t.s.Ptr(0)
	if err != nil {
		return promisedAnswer{}, err
	}
	return promisedAnswer{p.Struct()}, nil
}

func (t messageTarget) SetPromisedAnswer(qid uint32, transform []capnp.PipelineOp) error {
	t.s.SetUint16(0, uint16(messageTargetPromisedAnswer))
	pa, err := newPromisedAnswer(t.s.Segment(), qid, transform)
	if err != nil {
		return err
	}
	return t.s.SetPtr(0, pa.s.ToPtr())
}

// --- call -----------------------------------------------------------------

var callSize = capnp.ObjectSize{DataSize: 16, PointerCount: 2}

type call struct{ s capnp.Struct }

func (m message) NewCall() (call, error) {
	st, err := m.newVariant(messageCall, callSize)
	return call{st}, err
}

func (m message) Call() (call, error) {
	st, err := m.variant(messageCall)
	return call{st}, err
}

func (c call) QuestionID() uint32      { return c.s.Uint32(0) }
func (c call) SetQuestionID(id uint32) { c.s.SetUint32(0, id) }

func (c call) InterfaceID() uint64      { return c.s.Uint64(8) }
func (c call) SetInterfaceID(id uint64) { c.s.SetUint64(8, id) }

func (c call) MethodID() uint16      { return c.s.Uint16(4) }
func (c call) SetMethodID(id uint16) { c.s.SetUint16(4, id) }

func (c call) Target() (messageTarget, error) {
	p, err := c.s.Ptr(0)
	if err != nil {
		return messageTarget{}, err
	}
	return messageTarget{p.Struct()}, nil
}

func (c call) NewTarget() (messageTarget, error) {
	st, err := c.s.NewSubStruct(0, messageTargetSize)
	return messageTarget{st}, err
}

func (c call) Params() (payload, error) {
	p, err := c.s.Ptr(1)
	if err != nil {
		return payload{}, err
	}
	return payload{p.Struct()}, nil
}

func (c call) NewParams() (payload, error) {
	st, err := c.s.NewSubStruct(1, payloadSize)
	return payload{st}, err
}

// --- return -----------------------------------------------------------------

type returnWhich uint16

const (
	returnResults returnWhich = iota
	returnException
	returnCanceled
	returnResultsSentElsewhere
)

var returnSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}

type ret struct{ s capnp.Struct }

func (m message) NewReturn() (ret, error) {
	st, err := m.newVariant(messageReturn, returnSize)
	return ret{st}, err
}

func (m message) Return() (ret, error) {
	st, err := m.variant(messageReturn)
	return ret{st}, err
}

func (r ret) AnswerID() uint32      { return r.s.Uint32(0) }
func (r ret) SetAnswerID(id uint32) { r.s.SetUint32(0, id) }

func (r ret) ReleaseParamCaps() bool      { return r.s.Bit(32) }
func (r ret) SetReleaseParamCaps(v bool)  { r.s.SetBit(32, v) }

func (r ret) Which() returnWhich { return returnWhich(r.s.Uint16(6)) }

func (r ret) NewResults() (payload, error) {
	r.s.SetUint16(6, uint16(returnResults))
	st, err := r.s.NewSubStruct(0, payloadSize)
	return payload{st}, err
}

func (r ret) Results() (payload, error) {
	if r.Which() != returnResults {
		return payload{}, errWrongVariant
	}
	p, err := r.s.Ptr(0)
	if err != nil {
		return payload{}, err
	}
	return payload{p.Struct()}, nil
}

func (r ret) SetException(e exception) error {
	r.s.SetUint16(6, uint16(returnException))
	return r.s.SetPtr(0, e.s.ToPtr())
}

func (r ret) Exception() (exception, error) {
	if r.Which() != returnException {
		return exception{}, errWrongVariant
	}
	p, err := r.s.Ptr(0)
	if err != nil {
		return exception{}, err
	}
	return exception{p.Struct()}, nil
}

func (r ret) SetCanceled()           { r.s.SetUint16(6, uint16(returnCanceled)) }
func (r ret) SetResultsSentElsewhere() { r.s.SetUint16(6, uint16(returnResultsSentElsewhere)) }

// --- finish -----------------------------------------------------------------

var finishSize = capnp.ObjectSize{DataSize: 8}

type finish struct{ s capnp.Struct }

func (m message) NewFinish() (finish, error) {
	st, err := m.newVariant(messageFinish, finishSize)
	return finish{st}, err
}

func (m message) Finish() (finish, error) {
	st, err := m.variant(messageFinish)
	return finish{st}, err
}

func (f finish) QuestionID() uint32      { return f.s.Uint32(0) }
func (f finish) SetQuestionID(id uint32) { f.s.SetUint32(0, id) }

func (f finish) ReleaseResultCaps() bool     { return f.s.Bit(32) }
func (f finish) SetReleaseResultCaps(v bool) { f.s.SetBit(32, v) }

// --- release -----------------------------------------------------------------

var releaseSize = capnp.ObjectSize{DataSize: 8}

type release struct{ s capnp.Struct }

func (m message) NewRelease() (release, error) {
	st, err := m.newVariant(messageRelease, releaseSize)
	return release{st}, err
}

func (m message) Release() (release, error) {
	st, err := m.variant(messageRelease)
	return release{st}, err
}

func (r release) ID() uint32               { return r.s.Uint32(0) }
func (r release) SetID(id uint32)          { r.s.SetUint32(0, id) }
func (r release) ReferenceCount() uint32   { return r.s.Uint32(4) }
func (r release) SetReferenceCount(n uint32) { r.s.SetUint32(4, n) }

// --- resolve -----------------------------------------------------------------

type resolveWhich uint16

const (
	resolveCap resolveWhich = iota
	resolveException
)

var resolveSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}

type resolve struct{ s capnp.Struct }

func (m message) NewResolve() (resolve, error) {
	st, err := m.newVariant(messageResolve, resolveSize)
	return resolve{st}, err
}

func (m message) Resolve() (resolve, error) {
	st, err := m.variant(messageResolve)
	return resolve{st}, err
}

func (r resolve) PromiseID() uint32      { return r.s.Uint32(0) }
func (r resolve) SetPromiseID(id uint32) { r.s.SetUint32(0, id) }

func (r resolve) Which() resolveWhich { return resolveWhich(r.s.Uint16(4)) }

func (r resolve) NewCap() (capDescriptor, error) {
	r.s.SetUint16(4, uint16(resolveCap))
	st, err := r.s.NewSubStruct(0, capDescriptorSize)
	return capDescriptor{st}, err
}

func (r resolve) Cap() (capDescriptor, error) {
	if r.Which() != resolveCap {
		return capDescriptor{}, errWrongVariant
	}
	p, err := r.s.Ptr(0)
	if err != nil {
		return capDescriptor{}, err
	}
	return capDescriptor{p.Struct()}, nil
}

func (r resolve) SetException(e exception) error {
	r.s.SetUint16(4, uint16(resolveException))
	return r.s.SetPtr(0, e.s.ToPtr())
}

func (r resolve) Exception() (exception, error) {
	if r.Which() != resolveException {
		return exception{}, errWrongVariant
	}
	p, err := r.s.Ptr(0)
	if err != nil {
		return exception{}, err
	}
	return exception{p.Struct()}, nil
}

func setResolveException(r resolve, err error) {
	e, _ := capnp.NewStruct(r.s.Segment(), exceptionSize)
	ex := exception{e}
	toException(ex, err)
	r.SetException(ex)
}

// --- disembargo -----------------------------------------------------------------

type disembargoContextWhich uint16

const (
	disembargoSenderLoopback disembargoContextWhich = iota
	disembargoReceiverLoopback
)

var disembargoSize = capnp.ObjectSize{DataSize: 8, PointerCount: 1}

type disembargo struct{ s capnp.Struct }

func (m message) NewDisembargo() (disembargo, error) {
	st, err := m.newVariant(messageDisembargo, disembargoSize)
	return disembargo{st}, err
}

func (m message) Disembargo() (disembargo, error) {
	st, err := m.variant(messageDisembargo)
	return disembargo{st}, err
}

func (d disembargo) ContextWhich() disembargoContextWhich {
	return disembargoContextWhich(d.s.Uint16(0))
}

func (d disembargo) SenderLoopback() uint32 { return d.s.Uint32(4) }
func (d disembargo) SetSenderLoopback(id uint32) {
	d.s.SetUint16(0, uint16(disembargoSenderLoopback))
	d.s.SetUint32(4, id)
}

func (d disembargo) ReceiverLoopback() uint32 { return d.s.Uint32(4) }
func (d disembargo) SetReceiverLoopback(id uint32) {
	d.s.SetUint16(0, uint16(disembargoReceiverLoopback))
	d.s.SetUint32(4, id)
}

func (d disembargo) Target() (messageTarget, error) {
	p, err := d.s.Ptr(0)
	if err != nil {
		return messageTarget{}, err
	}
	return messageTarget{p.Struct()}, nil
}

func (d disembargo) SetTarget(t messageTarget) error {
	return d.s.SetPtr(0, t.s.ToPtr())
}

func (d disembargo) NewTarget() (messageTarget, error) {
	st, err := d.s.NewSubStruct(0, messageTargetSize)
	return messageTarget{st}, err
}
