package capnp

import "encoding/binary"

// A Struct is a pointer to a Cap'n Proto struct, playing the role of
// both StructReader and StructBuilder from spec.md §3.2: readers and
// builders share this representation, the same way the rest of the
// go-capnproto2/go-capnp family does, because a builder is simply a
// reader over memory this process also owns and may mutate.
//
// The zero Struct is a valid, zero-sized struct (equivalent to a
// decoded null pointer observed through a struct-typed accessor).
type Struct struct {
	seg        *Segment
	off        Address
	size       ObjectSize
	depthLimit uint
	flags      ptrFlags // isListMember only
}

// NewStruct allocates sz worth of space in seg's message, zero-filled
// (spec.md "An allocation of size 0 into a struct pointer is
// represented by the empty-struct sentinel, never by a real
// allocation").
func NewStruct(seg *Segment, sz ObjectSize) (Struct, error) {
	if sz.isZero() {
		return Struct{seg: seg, depthLimit: maxDepthValue}, nil
	}
	ns, addr, err := alloc(seg, sz.totalSize())
	if err != nil {
		return Struct{}, err
	}
	return Struct{seg: ns, off: addr, size: sz, depthLimit: maxDepthValue}, nil
}

// ToPtr converts s to a Ptr.
func (s Struct) ToPtr() Ptr {
	if s.seg == nil {
		return Ptr{}
	}
	return Ptr{seg: s.seg, flags: mkPtrFlags(structPtrType, s.flags&isListMember), off: s.off, size: s.size, depthLimit: s.depthLimit}
}

// Segment returns the segment s is stored in.
func (s Struct) Segment() *Segment { return s.seg }

// Size returns the struct's data and pointer section sizes.
func (s Struct) Size() ObjectSize { return s.size }

// IsValid reports whether s refers to an allocated struct (the empty
// struct, §3.1's sentinel, is valid and zero-sized).
func (s Struct) IsValid() bool { return s.seg != nil }

func (s Struct) dataAddr(off Size) (Address, bool) {
	if off >= s.size.DataSize {
		return 0, false
	}
	a, ok := s.off.addSize(off)
	return a, ok
}

// Uint8 through Uint64 read little-endian unsigned integers from the
// data section at the given byte offset, returning zero if off lies
// past the struct's declared data size (spec.md §3.2 "reads beyond
// declared data_size return zero", i.e. the upgrade-compatibility
// rule for schema evolution).
func (s Struct) Uint8(off Size) uint8 {
	a, ok := s.dataAddr(off)
	if !ok {
		return 0
	}
	return s.seg.data[a]
}

func (s Struct) Uint16(off Size) uint16 {
	a, ok := s.dataAddr(off)
	if !ok {
		return 0
	}
	return binary.LittleEndian.Uint16(s.seg.data[a : a+2])
}

func (s Struct) Uint32(off Size) uint32 {
	a, ok := s.dataAddr(off)
	if !ok {
		return 0
	}
	return binary.LittleEndian.Uint32(s.seg.data[a : a+4])
}

func (s Struct) Uint64(off Size) uint64 {
	a, ok := s.dataAddr(off)
	if !ok {
		return 0
	}
	return binary.LittleEndian.Uint64(s.seg.data[a : a+8])
}

func (s Struct) Bit(off uint) bool {
	byteOff := Size(off / 8)
	a, ok := s.dataAddr(byteOff)
	if !ok {
		return false
	}
	return s.seg.data[a]&(1<<(off%8)) != 0
}

func (s Struct) SetUint8(off Size, v uint8) {
	a, ok := s.dataAddr(off)
	if !ok {
		return
	}
	s.seg.data[a] = v
}

func (s Struct) SetUint16(off Size, v uint16) {
	a, ok := s.dataAddr(off)
	if !ok {
		return
	}
	binary.LittleEndian.PutUint16(s.seg.data[a:a+2], v)
}

func (s Struct) SetUint32(off Size, v uint32) {
	a, ok := s.dataAddr(off)
	if !ok {
		return
	}
	binary.LittleEndian.PutUint32(s.seg.data[a:a+4], v)
}

func (s Struct) SetUint64(off Size, v uint64) {
	a, ok := s.dataAddr(off)
	if !ok {
		return
	}
	binary.LittleEndian.PutUint64(s.seg.data[a:a+8], v)
}

func (s Struct) SetBit(off uint, v bool) {
	byteOff := Size(off / 8)
	a, ok := s.dataAddr(byteOff)
	if !ok {
		return
	}
	if v {
		s.seg.data[a] |= 1 << (off % 8)
	} else {
		s.seg.data[a] &^= 1 << (off % 8)
	}
}

// HasPtr reports whether pointer field i is non-null, without
// following far pointers (a cheap presence check).
func (s Struct) HasPtr(i uint16) bool {
	if i >= s.size.PointerCount {
		return false
	}
	addr, ok := s.pointerAddr(i)
	if !ok {
		return false
	}
	return s.seg.readRawPointer(addr) != 0
}

func (s Struct) pointerAddr(i uint16) (Address, bool) {
	off := s.size.DataSize + Size(i)*wordSize
	return s.off.addSize(off)
}

// Ptr reads pointer field i, decoding null as an invalid Ptr and
// fields beyond the struct's declared pointer count as null
// (spec.md's upgrade-compatibility rule, same as the data section).
func (s Struct) Ptr(i uint16) (Ptr, error) {
	if i >= s.size.PointerCount {
		return Ptr{}, nil
	}
	addr, ok := s.pointerAddr(i)
	if !ok {
		return Ptr{}, errPointerAddress
	}
	dl := s.depthLimit
	if dl == 0 {
		dl = maxDepthValue
	}
	return s.seg.readPtr(addr, dl)
}

// SetPtr sets pointer field i to src, copying src's subgraph into s's
// message if necessary (spec.md §4.1.c `transfer_pointer`/writePtr
// semantics). i must be less than the struct's pointer count.
func (s Struct) SetPtr(i uint16, src Ptr) error {
	if i >= s.size.PointerCount {
		return errNotAPointer
	}
	addr, ok := s.pointerAddr(i)
	if !ok {
		return errPointerAddress
	}
	if err := s.seg.zeroPointerAndFars(addr); err != nil {
		return err
	}
	return s.seg.writePtr(addr, src, false)
}

// NewSubStruct allocates a struct of size sz and sets it as pointer
// field i, overwriting (and zeroing) whatever was there.
func (s Struct) NewSubStruct(i uint16, sz ObjectSize) (Struct, error) {
	sub, err := NewStruct(s.seg, sz)
	if err != nil {
		return Struct{}, err
	}
	if err := s.SetPtr(i, sub.ToPtr()); err != nil {
		return Struct{}, err
	}
	return sub, nil
}

// StructAt returns the i'th struct field, allocating it (per def, or
// a fresh zero struct if def is invalid) if null, and upgrading it in
// place to at least sz if it is smaller, per spec.md's
// get_writable_struct_pointer contract:
//
//   - null + null default -> fresh zero-valued struct of size sz.
//   - null + non-null default -> the default is deep-copied
//     ("default cloning") into a fresh allocation of size sz.
//   - existing, smaller than sz in either dimension -> a new, larger
//     struct is allocated; the data section is copied verbatim; each
//     pointer is transferred (preserving far/local distinction,
//     possibly synthesizing a far pointer); the old location is
//     zeroed; the reference is rewritten to the new struct.
func (s Struct) StructAt(i uint16, sz ObjectSize, def Struct) (Struct, error) {
	p, err := s.Ptr(i)
	if err != nil {
		return Struct{}, err
	}
	if !p.IsValid() {
		var fresh Struct
		if def.IsValid() && !def.size.isZero() {
			cloned, err := cloneDefault(s.seg, def)
			if err != nil {
				return Struct{}, err
			}
			fresh = cloned
		} else {
			fresh, err = NewStruct(s.seg, sz)
			if err != nil {
				return Struct{}, err
			}
		}
		if fresh.size.DataSize < sz.DataSize || fresh.size.PointerCount < sz.PointerCount {
			fresh, err = upgradeStruct(s.seg, fresh, sz)
			if err != nil {
				return Struct{}, err
			}
		}
		if err := s.SetPtr(i, fresh.ToPtr()); err != nil {
			return Struct{}, err
		}
		return fresh, nil
	}
	existing := p.Struct()
	if !existing.IsValid() {
		return Struct{}, errNotAPointer
	}
	if existing.size.DataSize >= sz.DataSize && existing.size.PointerCount >= sz.PointerCount {
		return existing, nil
	}
	upgraded, err := upgradeStruct(s.seg, existing, sz)
	if err != nil {
		return Struct{}, err
	}
	if err := s.SetPtr(i, upgraded.ToPtr()); err != nil {
		return Struct{}, err
	}
	return upgraded, nil
}

// upgradeStruct allocates a new struct at least as large as sz,
// copies src's data section and transfers its pointers into it, and
// zeroes src's old storage (spec.md's struct upgrade rule + testable
// property 3: "zeroes the old location so a subsequent total_size
// reports the new size only").
func upgradeStruct(seg *Segment, src Struct, sz ObjectSize) (Struct, error) {
	merged := ObjectSize{
		DataSize:     maxSz(src.size.DataSize, sz.DataSize),
		PointerCount: maxU16(src.size.PointerCount, sz.PointerCount),
	}
	dst, err := NewStruct(seg, merged)
	if err != nil {
		return Struct{}, err
	}
	if err := copyStruct(dst, src); err != nil {
		return Struct{}, err
	}
	if err := zeroStructStorage(src); err != nil {
		return Struct{}, err
	}
	return dst, nil
}

func maxSz(a, b Size) Size {
	if a > b {
		return a
	}
	return b
}

func maxU16(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}

// copyStruct copies dst's overlapping data bytes from src and
// transfers each of src's pointer fields into dst, preserving
// far/local distinction (spec.md `transfer_pointer`). dst must be at
// least as large as src in both dimensions.
func copyStruct(dst, src Struct) error {
	if !src.IsValid() {
		return nil
	}
	n := src.size.DataSize
	if dst.size.DataSize < n {
		n = dst.size.DataSize
	}
	if n > 0 {
		copy(dst.seg.data[dst.off:dst.off+Address(n)], src.seg.data[src.off:src.off+Address(n)])
	}
	np := src.size.PointerCount
	if dst.size.PointerCount < np {
		np = dst.size.PointerCount
	}
	for i := uint16(0); i < np; i++ {
		p, err := src.Ptr(i)
		if err != nil {
			return err
		}
		if !p.IsValid() {
			continue
		}
		if err := dst.SetPtr(i, p); err != nil {
			return err
		}
	}
	return nil
}

// zeroStructStorage overwrites src's data section and every pointer
// field's transitive subgraph with zero bytes (spec.md
// `zero_object`), so that a later read sees nothing there.
func zeroStructStorage(src Struct) error {
	if !src.IsValid() || src.size.isZero() {
		return nil
	}
	for i := uint16(0); i < src.size.PointerCount; i++ {
		addr, _ := src.pointerAddr(i)
		if err := src.seg.zeroPointerTarget(addr); err != nil {
			return err
		}
	}
	region := src.seg.data[src.off : src.off+Address(src.size.totalSize())]
	for i := range region {
		region[i] = 0
	}
	return nil
}

// cloneDefault deep-copies def's entire subgraph into fresh
// allocations in seg's message (spec.md's "default cloning" rule used
// by get_writable_struct_pointer when a field is null but the schema
// declares a non-null default).
func cloneDefault(seg *Segment, def Struct) (Struct, error) {
	dst, err := NewStruct(seg, def.size)
	if err != nil {
		return Struct{}, err
	}
	if err := copyStruct(dst, def); err != nil {
		return Struct{}, err
	}
	return dst, nil
}
