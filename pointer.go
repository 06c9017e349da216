package capnp

// A rawPointer is the contents of a pointer word: 8 bytes laid out
// per spec.md §3.1 as (offset_and_kind u32, upper32 u32).
//
//   Struct:  upper32 = data_words(u16) | ptr_count(u16<<16)
//   List:    upper32 = element_size(3 bits) | element_count(29 bits)
//   Far:     offset_and_kind>>3 = landing pad word index
//            bit 2 distinguishes single (0) vs double (1) far
//            upper32 = target segment id
//   Other:   lower 2 bits of offset_and_kind == 0b11 => capability;
//            upper32 = capability table index.
type rawPointer uint64

type pointerType int

const (
	structPointer pointerType = iota
	listPointer
	farPointer
	otherPointer
)

func (p rawPointer) pointerType() pointerType {
	switch p & 3 {
	case 0:
		if p == 0 {
			return structPointer // null, treated as a zero-size struct by callers
		}
		return structPointer
	case 1:
		return listPointer
	case 2:
		return farPointer
	default:
		return otherPointer
	}
}

// pointerOffset is the signed word offset carried by a near (struct
// or list) pointer.
type pointerOffset int32

// resolve adds off (in words) to the address right after a pointer
// located at `base`, per spec.md's `target()` definition.
func (off pointerOffset) resolve(base Address) (Address, bool) {
	if off == -1 {
		// The empty-struct sentinel (offset_and_kind = 0xfffffffc) carries
		// offset -1 so that target() would be base itself; callers special
		// case this before calling resolve in the struct-size==0 path, but
		// resolving it here is still well defined and harmless.
	}
	a, ok := base.addSize(wordSize)
	if !ok {
		return 0, false
	}
	if off < 0 {
		delta := Size(-int64(off)) * wordSize
		if Address(delta) > a {
			return 0, false
		}
		return a - Address(delta), true
	}
	delta, ok := wordSize.times(int32(off))
	if !ok {
		return 0, false
	}
	return a.addSize(delta)
}

func rawStructPointer(off pointerOffset, sz ObjectSize) rawPointer {
	lower := uint32(int32(off)<<2) // kind = 0 (struct)
	dataWords := uint64(sz.DataSize / wordSize)
	upper := dataWords<<32 | uint64(sz.PointerCount)<<48
	return rawPointer(uint64(lower)) | rawPointer(upper)
}

// the empty-struct sentinel: a struct pointer whose entire word, other
// than the kind tag, reads as if offset were -1 and size were zero.
const emptyStructPointer = rawPointer(0xfffffffc)

func (p rawPointer) isEmptyStruct() bool {
	return p == emptyStructPointer
}

func (p rawPointer) offset() pointerOffset {
	return pointerOffset(int32(p) >> 2)
}

func (p rawPointer) structSize() ObjectSize {
	return ObjectSize{
		DataSize:     Size(uint16(p>>32)) * wordSize,
		PointerCount: uint16(p >> 48),
	}
}

type listElementSize int

const (
	voidElementSize listElementSize = iota
	bit1ElementSize
	byte1ElementSize
	byte2ElementSize
	byte4ElementSize
	byte8ElementSize
	pointerElementSize
	compositeElementSize
)

func (sz listElementSize) dataSize() Size {
	switch sz {
	case voidElementSize, bit1ElementSize:
		return 0
	case byte1ElementSize:
		return 1
	case byte2ElementSize:
		return 2
	case byte4ElementSize:
		return 4
	case byte8ElementSize, pointerElementSize:
		return 8
	default:
		return 0
	}
}

func rawListPointer(off pointerOffset, sz listElementSize, length int32) rawPointer {
	lower := uint32(int32(off)<<2) | 1 // kind = 1 (list)
	upper := uint64(sz) | uint64(uint32(length))<<3
	return rawPointer(uint64(lower)) | rawPointer(upper<<32)
}

func rawListPointerComposite(off pointerOffset, totalWords int32) rawPointer {
	return rawListPointer(off, compositeElementSize, totalWords)
}

func (p rawPointer) listType() listElementSize {
	return listElementSize((p >> 32) & 7)
}

func (p rawPointer) numListElements() int32 {
	return int32(p >> 35)
}

// totalListSize returns the size in bytes spanned by the list body,
// given this pointer describes a list (composite or otherwise).
func (p rawPointer) totalListSize() (Size, bool) {
	lt := p.listType()
	n := p.numListElements()
	if lt == compositeElementSize {
		return wordSize.times(n)
	}
	if lt == bit1ElementSize {
		return Size((n + 7) / 8), true
	}
	return lt.dataSize().times(n)
}

func (p rawPointer) elementSize() ObjectSize {
	return ObjectSize{DataSize: p.listType().dataSize()}
}

// far pointer accessors.
func rawFarPointer(segID SegmentID, off Address) rawPointer {
	return rawPointer(uint64(off)>>3<<3 | 2 | uint64(segID)<<32)
}

func rawDoubleFarPointer(segID SegmentID, off Address) rawPointer {
	return rawPointer(uint64(off)>>3<<3 | 2 | 4 | uint64(segID)<<32)
}

func (p rawPointer) isDoubleFar() bool {
	return p&4 != 0
}

func (p rawPointer) farAddress() Address {
	return Address((uint64(p) >> 3) << 3)
}

func (p rawPointer) farSegment() SegmentID {
	return SegmentID(p >> 32)
}

// capability pointer accessors (otherPointer, low 2 bits of the whole
// word = 0b11, as described in spec.md §3.1).
func rawInterfacePointer(capIdx uint32) rawPointer {
	return rawPointer(3 | uint64(capIdx)<<32)
}

func (p rawPointer) otherPointerType() int {
	return int((p >> 2) & 0x3f)
}

func (p rawPointer) capabilityIndex() uint32 {
	return uint32(p >> 32)
}
