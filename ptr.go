package capnp

import "errors"

type ptrType int

const (
	invalidPtrType ptrType = iota
	structPtrType
	listPtrType
	interfacePtrType
)

// ptrFlags tracks auxiliary bits about a Ptr that aren't recoverable
// just from its wire representation: whether it is a struct, list, or
// interface, and (for a Struct) whether it was carved out of a list
// (and so must always be copied, never far-pointed to, when written
// elsewhere — spec.md §4.1.c get/init contracts).
type ptrFlags uint8

const (
	isListMember ptrFlags = 1 << iota
)

func (f ptrFlags) ptrType() ptrType {
	return ptrType(f >> 4)
}

func mkPtrFlags(t ptrType, extra ptrFlags) ptrFlags {
	return ptrFlags(t<<4) | extra
}

// list body flags.
type listFlags uint8

const (
	isBitList listFlags = 1 << iota
	isCompositeList
)

// Ptr is a reference to a Cap'n Proto struct, list, or interface, or
// the null/invalid reference (spec.md §3.2). The zero Ptr is invalid
// (not the same as a decoded null pointer, which IsValid reports as
// false too, matching spec.md §8 property "a null pointer is
// distinguished from the empty-struct sentinel").
type Ptr struct {
	seg    *Segment
	flags  ptrFlags
	off    Address   // struct/list only
	size   ObjectSize
	length int32     // list only
	lsize  listFlags // list only
	depthLimit uint
}

// IsValid reports whether p is a non-null pointer.
func (p Ptr) IsValid() bool {
	return p.seg != nil
}

// Struct converts p to a Struct, or the zero Struct if p is not one.
func (p Ptr) Struct() Struct {
	if !p.IsValid() || p.flags.ptrType() != structPtrType {
		return Struct{}
	}
	return Struct{seg: p.seg, off: p.off, size: p.size, depthLimit: p.depthLimit, flags: p.flags & isListMember}
}

// List converts p to a List, or the zero List if p is not one.
func (p Ptr) List() List {
	if !p.IsValid() || p.flags.ptrType() != listPtrType {
		return List{}
	}
	return List{seg: p.seg, off: p.off, size: p.size, length: p.length, flags: p.lsize, depthLimit: p.depthLimit}
}

// Interface converts p to an Interface, or the zero (invalid)
// Interface if p is not one.
func (p Ptr) Interface() Interface {
	if !p.IsValid() || p.flags.ptrType() != interfacePtrType {
		return Interface{}
	}
	return Interface{seg: p.seg, cap: CapabilityID(p.off)}
}

// value renders p as the rawPointer it would encode to if stored at
// off (used only for local, same-segment writes; far pointers are
// synthesized by the caller).
func (p Ptr) value(off Address) rawPointer {
	switch p.flags.ptrType() {
	case structPtrType:
		st := p.Struct()
		if st.size.isZero() {
			return emptyStructPointer
		}
		return rawStructPointer(pointerOffsetBetween(off, st.off), st.size)
	case listPtrType:
		l := p.List()
		if l.flags&isCompositeList != 0 {
			return rawListPointerComposite(pointerOffsetBetween(off, l.off-Address(wordSize)), int32(l.allocSize()/wordSize))
		}
		lt := byte1ElementSize
		if l.flags&isBitList != 0 {
			lt = bit1ElementSize
		} else if l.size.PointerCount > 0 {
			lt = pointerElementSize
		} else {
			switch l.size.DataSize {
			case 0:
				lt = voidElementSize
			case 1:
				lt = byte1ElementSize
			case 2:
				lt = byte2ElementSize
			case 4:
				lt = byte4ElementSize
			default:
				lt = byte8ElementSize
			}
		}
		return rawListPointer(pointerOffsetBetween(off, l.off), lt, l.length)
	case interfacePtrType:
		return rawInterfacePointer(uint32(p.Interface().cap))
	default:
		return 0
	}
}

// pointerOffsetBetween computes the pointerOffset a near pointer
// located at `from` must carry to target `to` (the inverse of
// pointerOffset.resolve).
func pointerOffsetBetween(from, to Address) pointerOffset {
	base := from + Address(wordSize)
	return pointerOffset((int64(to) - int64(base)) / int64(wordSize))
}

// Interface is a reference to a client capability via a message's
// capability table (spec.md §3.1 "Other with lower two bits = 0b11").
type Interface struct {
	seg *Segment
	cap CapabilityID
}

// NewInterface creates an interface pointer that references capID in
// seg's message capability table.
func NewInterface(seg *Segment, capID CapabilityID) Interface {
	return Interface{seg: seg, cap: capID}
}

// IsValid reports whether i is a valid (non-null) interface pointer.
func (i Interface) IsValid() bool {
	return i.seg != nil
}

// Capability returns the index into the message's capability table.
func (i Interface) Capability() CapabilityID {
	return i.cap
}

// Message returns the message i belongs to.
func (i Interface) Message() *Message {
	if i.seg == nil {
		return nil
	}
	return i.seg.msg
}

// Client returns the client this interface pointer refers to, or an
// ErrorClient wrapping errNullClient if the index is out of range or
// i is invalid (spec.md §4.1.c "Capability get").
func (i Interface) Client() Client {
	if !i.IsValid() {
		return NewErrorClient(errNullClient)
	}
	c := i.seg.msg.Capability(i.cap)
	if c == nil {
		return NewErrorClient(errNullClient)
	}
	return c
}

// ToPtr converts i to a Ptr.
func (i Interface) ToPtr() Ptr {
	if !i.IsValid() {
		return Ptr{}
	}
	return Ptr{seg: i.seg, flags: mkPtrFlags(interfacePtrType, 0), off: Address(i.cap)}
}

func (i Interface) value(off Address) rawPointer {
	return rawInterfacePointer(uint32(i.cap))
}

// TransformPtr applies a sequence of pointer-field projections to p,
// as used by a Pipeline to resolve a path against a concrete answer
// (spec.md §4.4, §6.2 "Transform ops").
func TransformPtr(p Ptr, transform []PipelineOp) (Ptr, error) {
	for _, op := range transform {
		s := p.Struct()
		var err error
		p, err = s.Ptr(op.Field)
		if err != nil {
			return Ptr{}, err
		}
	}
	return p, nil
}

// PipelineOp is one step of a transform applied to a future answer,
// corresponding to the wire schema's PromisedAnswer.Op
// (spec.md §6.2): currently only field projection is supported; a
// noop is represented by omitting an entry.
type PipelineOp struct {
	Field uint16
}

var errNotAPointer = errors.New("capnp: value is not a pointer")
