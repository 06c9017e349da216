package capnp

import (
	"encoding/binary"
	"errors"
)

// A Segment is a range of a Message's memory, indexed by SegmentID
// within the owning Arena (spec.md §3.1 "Segment"). Readers see
// immutable byte slices; builders mutate and extend them via the
// Arena's Allocate.
type Segment struct {
	msg  *Message
	id   SegmentID
	data []byte
}

// Message returns the message containing s.
func (s *Segment) Message() *Message { return s.msg }

// ID returns s's segment id within its message.
func (s *Segment) ID() SegmentID { return s.id }

// Data returns the raw bytes currently occupied in s.
func (s *Segment) Data() []byte { return s.data }

func (s *Segment) inBounds(addr Address) bool {
	return addr < Address(len(s.data))
}

func (s *Segment) regionInBounds(base Address, sz Size) bool {
	end, ok := base.addSize(sz)
	if !ok {
		return false
	}
	return end <= Address(len(s.data))
}

func (s *Segment) slice(base Address, sz Size) []byte {
	return s.data[base : base+Address(sz)]
}

func (s *Segment) readUint32(addr Address) uint32 {
	return binary.LittleEndian.Uint32(s.slice(addr, 4))
}

func (s *Segment) readUint64(addr Address) uint64 {
	return binary.LittleEndian.Uint64(s.slice(addr, 8))
}

func (s *Segment) writeUint32(addr Address, v uint32) {
	binary.LittleEndian.PutUint32(s.slice(addr, 4), v)
}

func (s *Segment) writeUint64(addr Address, v uint64) {
	binary.LittleEndian.PutUint64(s.slice(addr, 8), v)
}

func (s *Segment) readRawPointer(addr Address) rawPointer {
	return rawPointer(s.readUint64(addr))
}

func (s *Segment) writeRawPointer(addr Address, p rawPointer) {
	s.writeUint64(addr, uint64(p))
}

func (s *Segment) lookupSegment(id SegmentID) (*Segment, error) {
	if s.id == id {
		return s, nil
	}
	return s.msg.Segment(id)
}

// root returns the single-pointer list occupying the first word of
// the segment. Only meaningful for segment 0.
func (s *Segment) root() PointerList {
	sz := ObjectSize{PointerCount: 1}
	if !s.regionInBounds(0, sz.totalSize()) {
		return PointerList{}
	}
	return PointerList{List{seg: s, length: 1, size: sz, depthLimit: s.msg.depthLimit()}}
}

// readPtr decodes the pointer at off, following any far-pointer
// chain first (spec.md §4.1.b `follow_fars`).
func (s *Segment) readPtr(off Address, depthLimit uint) (Ptr, error) {
	val := s.readRawPointer(off)
	target, toff, val, direct, err := s.resolveFarPointers(off, val)
	if err != nil {
		return Ptr{}, err
	}
	if val == 0 {
		return Ptr{}, nil
	}
	if depthLimit == 0 {
		return Ptr{}, errDepthLimit
	}
	switch val.pointerType() {
	case structPointer:
		var sp Struct
		var err error
		if direct {
			sp, err = target.readStructPtrAt(toff, val)
		} else {
			sp, err = target.readStructPtr(toff, val)
		}
		if err != nil {
			return Ptr{}, err
		}
		if !target.msg.canRead(sp.size.totalSize()) {
			return Ptr{}, errReadLimit
		}
		sp.depthLimit = depthLimit - 1
		return sp.ToPtr(), nil
	case listPointer:
		var lp List
		var err error
		if direct {
			lp, err = target.readListPtrAt(toff, val)
		} else {
			lp, err = target.readListPtr(toff, val)
		}
		if err != nil {
			return Ptr{}, err
		}
		sz, _ := lp.size.totalSize().times(lp.length)
		if sz == 0 && lp.length > 0 {
			// A list of void or zero-size-struct elements costs nothing
			// to store but still costs an iteration per element to any
			// caller that walks it; charge one byte per declared element
			// so a forged length of up to 2^29-1 is still bounded by the
			// traverse limit instead of free.
			sz = Size(lp.length)
		}
		if !target.msg.canRead(sz) {
			return Ptr{}, errReadLimit
		}
		lp.depthLimit = depthLimit - 1
		return lp.ToPtr(), nil
	case otherPointer:
		if val.otherPointerType() != 0 {
			return Ptr{}, errOtherPointer
		}
		return Interface{seg: target, cap: CapabilityID(val.capabilityIndex())}.ToPtr(), nil
	default:
		return Ptr{}, errBadLandingPad
	}
}

func (s *Segment) readStructPtr(off Address, val rawPointer) (Struct, error) {
	if val.isEmptyStruct() {
		return Struct{seg: s, off: off, size: ObjectSize{}}, nil
	}
	addr, ok := val.offset().resolve(off)
	if !ok {
		return Struct{}, errPointerAddress
	}
	return s.readStructPtrAt(addr, val)
}

// readStructPtrAt builds the Struct described by val (data/pointer
// section sizes) located literally at addr, with no further offset
// resolution — used for the body of a double-far landing pad, whose
// tag word's offset field is ignored (spec.md §4.1.b).
func (s *Segment) readStructPtrAt(addr Address, val rawPointer) (Struct, error) {
	if val.isEmptyStruct() {
		return Struct{seg: s, off: addr, size: ObjectSize{}}, nil
	}
	sz := val.structSize()
	if !s.regionInBounds(addr, sz.totalSize()) {
		return Struct{}, errPointerAddress
	}
	return Struct{seg: s, off: addr, size: sz}, nil
}

func (s *Segment) readListPtr(off Address, val rawPointer) (List, error) {
	addr, ok := val.offset().resolve(off)
	if !ok {
		return List{}, errPointerAddress
	}
	return s.readListPtrAt(addr, val)
}

// readListPtrAt is the direct-address counterpart of readListPtr, used
// for double-far landing pad bodies (see readStructPtrAt).
func (s *Segment) readListPtrAt(addr Address, val rawPointer) (List, error) {
	lsize, ok := val.totalListSize()
	if !ok {
		return List{}, errOverflow
	}
	if !s.regionInBounds(addr, lsize) {
		return List{}, errPointerAddress
	}
	lt := val.listType()
	if lt == compositeElementSize {
		tag := s.readRawPointer(addr)
		addr2, ok := addr.addSize(wordSize)
		if !ok {
			return List{}, errOverflow
		}
		if tag.pointerType() != structPointer {
			return List{}, errBadTag
		}
		sz := tag.structSize()
		n := int32(tag.offset())
		tsize, ok := sz.totalSize().times(n)
		if !ok {
			return List{}, errOverflow
		}
		if !s.regionInBounds(addr2, tsize) {
			return List{}, errPointerAddress
		}
		return List{seg: s, size: sz, off: addr2, length: n, flags: isCompositeList}, nil
	}
	if lt == bit1ElementSize {
		return List{seg: s, off: addr, length: val.numListElements(), flags: isBitList}, nil
	}
	return List{seg: s, size: val.elementSize(), off: addr, length: val.numListElements()}, nil
}

// resolveFarPointers follows one single- or double-far pointer to the
// struct, list, other, or null pointer it designates
// (spec.md §4.1.b `follow_fars`). The returned bool reports whether
// the returned address is already the literal body address (true for
// a resolved double-far, where the tag's offset field is ignored) or
// still needs the normal offset-relative resolution (false, for a
// direct/local pointer or a single-far's landing pad word).
//
// A bare Far encountered where a type-bearing tag was expected, or a
// landing pad that is truncated or escapes its segment, is reported
// as errBadLandingPad ("malformed-double-far error").
func (s *Segment) resolveFarPointers(off Address, val rawPointer) (target *Segment, addr Address, out rawPointer, direct bool, err error) {
	switch val.pointerType() {
	case farPointer:
		if val.isDoubleFar() {
			faroff, segID := val.farAddress(), val.farSegment()
			padSeg, err := s.lookupSegment(segID)
			if err != nil {
				return nil, 0, 0, false, err
			}
			if !padSeg.regionInBounds(faroff, wordSize*2) {
				return nil, 0, 0, false, errBadLandingPad
			}
			far := padSeg.readRawPointer(faroff)
			tagAddr, ok := faroff.addSize(wordSize)
			if !ok {
				return nil, 0, 0, false, errOverflow
			}
			tag := padSeg.readRawPointer(tagAddr)
			if far.pointerType() != farPointer || far.isDoubleFar() {
				return nil, 0, 0, false, errBadLandingPad
			}
			if tag.pointerType() == farPointer {
				// A bare far where a type-bearing tag was expected.
				return nil, 0, 0, false, errBadLandingPad
			}
			bodySeg, err := s.lookupSegment(far.farSegment())
			if err != nil {
				return nil, 0, 0, false, errBadLandingPad
			}
			if !bodySeg.inBounds(far.farAddress()) && far.farAddress() != Address(len(bodySeg.data)) {
				return nil, 0, 0, false, errBadLandingPad
			}
			return bodySeg, far.farAddress(), tag, true, nil
		}
		faroff, segID := val.farAddress(), val.farSegment()
		landingSeg, err := s.lookupSegment(segID)
		if err != nil {
			return nil, 0, 0, false, err
		}
		if !landingSeg.regionInBounds(faroff, wordSize) {
			return nil, 0, 0, false, errPointerAddress
		}
		v := landingSeg.readRawPointer(faroff)
		if v.pointerType() == farPointer {
			// A far pointer whose landing pad is itself a far (rather than a
			// near pointer or a double-far's tag) is malformed — includes the
			// degenerate self-referential case where a far's landing pad
			// points right back at the far pointer itself.
			return nil, 0, 0, false, errBadLandingPad
		}
		return landingSeg, faroff, v, false, nil
	default:
		return s, off, val, false, nil
	}
}

// writePtr encodes src at off within s, copying src into s's message
// (or creating a far pointer) if it does not already live there.
// forceCopy always performs a deep copy even within the same message;
// every caller in this package passes false.
func (s *Segment) writePtr(off Address, src Ptr, forceCopy bool) error {
	if !src.IsValid() {
		s.writeRawPointer(off, 0)
		return nil
	}
	switch src.flags.ptrType() {
	case structPtrType:
		st := src.Struct()
		if forceCopy || st.seg.msg != s.msg || st.flags&isListMember != 0 {
			if st.size.isZero() {
				s.writeRawPointer(off, emptyStructPointer)
				return nil
			}
			newSeg, newAddr, err := alloc(s, st.size.totalSize())
			if err != nil {
				return err
			}
			dst := Struct{seg: newSeg, off: newAddr, size: st.size, depthLimit: maxDepthValue}
			if err := copyStruct(dst, st); err != nil {
				return err
			}
			src = dst.ToPtr()
		}
	case listPtrType:
		l := src.List()
		if forceCopy || l.seg.msg != s.msg {
			sz := l.allocSize()
			newSeg, newAddr, err := alloc(s, sz.padToWord())
			if err != nil {
				return err
			}
			dst := List{seg: newSeg, off: newAddr, length: l.length, size: l.size, flags: l.flags, depthLimit: maxDepthValue}
			if dst.flags&isCompositeList != 0 {
				tagAddr, ok := newAddr.addSize(0)
				_ = tagAddr
				if !ok {
					return errOverflow
				}
				newSeg.writeRawPointer(newAddr, l.seg.readRawPointer(l.off-Address(wordSize)))
				dst.off, ok = dst.off.addSize(wordSize)
				if !ok {
					return errOverflow
				}
				sz -= wordSize
			}
			if dst.flags&isBitList != 0 || dst.size.PointerCount == 0 {
				end, _ := l.off.addSize(sz)
				copy(newSeg.data[dst.off:], l.seg.data[l.off:end])
			} else {
				for i := 0; i < l.Len(); i++ {
					if err := copyStruct(dst.Struct(i), l.Struct(i)); err != nil {
						return err
					}
				}
			}
			src = dst.ToPtr()
		}
	case interfacePtrType:
		i := src.Interface()
		if i.seg.msg != s.msg {
			capID := s.msg.AddCap(i.Client())
			i = NewInterface(s, capID)
		}
		s.writeRawPointer(off, i.value(off))
		return nil
	default:
		return errors.New("capnp: unreachable pointer type in writePtr")
	}
	return s.writeNearOrFar(off, src)
}

// writeNearOrFar writes a pointer that targets src (already resolved
// to live fully within some segment of s's message), synthesizing a
// far (or double-far) pointer if src lives in a different segment.
func (s *Segment) writeNearOrFar(off Address, src Ptr) error {
	var targetSeg *Segment
	var targetAddr Address
	switch src.flags.ptrType() {
	case structPtrType:
		targetSeg, targetAddr = src.Struct().seg, src.Struct().off
	case listPtrType:
		targetSeg, targetAddr = src.List().seg, src.List().off
	}
	if targetSeg == s {
		s.writeRawPointer(off, src.value(off))
		return nil
	}
	if !hasCapacity(targetSeg.data, wordSize) {
		const landingSize = wordSize * 2
		padSeg, padAddr, err := alloc(s, landingSize)
		if err != nil {
			return err
		}
		padSeg.writeRawPointer(padAddr, rawFarPointer(targetSeg.id, targetAddr))
		padSeg.writeRawPointer(padAddr+Address(wordSize), src.value(targetAddr-Address(wordSize)))
		s.writeRawPointer(off, rawDoubleFarPointer(padSeg.id, padAddr))
		return nil
	}
	_, tagAddr, err := alloc(targetSeg, wordSize)
	if err != nil {
		return err
	}
	targetSeg.writeRawPointer(tagAddr, src.value(tagAddr))
	s.writeRawPointer(off, rawFarPointer(targetSeg.id, tagAddr))
	return nil
}

func hasCapacity(data []byte, sz Size) bool {
	return Size(cap(data))-Size(len(data)) >= sz
}

var (
	errPointerAddress = errors.New("capnp: invalid pointer address")
	errBadLandingPad  = errors.New("capnp: invalid far pointer landing pad")
	errBadTag         = errors.New("capnp: invalid inline composite tag word")
	errOtherPointer   = errors.New("capnp: unknown other-pointer type")
	errReadLimit      = errors.New("capnp: read traversal limit reached")
	errDepthLimit     = errors.New("capnp: nesting depth limit reached")
	errOverflow       = errors.New("capnp: address or size overflow")
	errOutOfBounds    = errors.New("capnp: address out of bounds")
)
