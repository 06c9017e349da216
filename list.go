package capnp

import "errors"

// A List is a pointer to a Cap'n Proto list, playing the role of both
// ListReader and ListBuilder from spec.md §3.2. size/length describe
// the per-element layout; for a list of structs (or an
// InlineComposite-interpreted list) flags&isCompositeList is set and
// size carries the per-element struct's data/pointer sizes; for a bit
// list flags&isBitList is set and size is ignored.
type List struct {
	seg        *Segment
	off        Address
	size       ObjectSize
	length     int32
	flags      listFlags
	depthLimit uint
}

// NewList allocates a list of length n with the given element layout.
// Use NewCompositeList for a struct list.
func NewList(seg *Segment, sz ObjectSize, n int32) (List, error) {
	if sz.PointerCount == 0 && sz.DataSize <= 1 {
		// plain data list (bit/byte) — size carries only whichever single
		// primitive width the caller asked for via sz.DataSize.
	}
	total, ok := sz.totalSize().times(n)
	if !ok {
		return List{}, errOverflow
	}
	ns, addr, err := alloc(seg, total.padToWord())
	if err != nil {
		return List{}, err
	}
	return List{seg: ns, off: addr, size: sz, length: n, depthLimit: maxDepthValue}, nil
}

// NewCompositeList allocates an InlineComposite list of n structs of
// size sz, including the leading tag word (spec.md §3.1).
func NewCompositeList(seg *Segment, sz ObjectSize, n int32) (List, error) {
	elemSize, ok := sz.totalSize().times(n)
	if !ok {
		return List{}, errOverflow
	}
	total := elemSize + wordSize
	ns, addr, err := alloc(seg, total)
	if err != nil {
		return List{}, err
	}
	ns.writeRawPointer(addr, rawStructPointer(pointerOffset(n), sz))
	body, ok := addr.addSize(wordSize)
	if !ok {
		return List{}, errOverflow
	}
	return List{seg: ns, off: body, size: sz, length: n, flags: isCompositeList, depthLimit: maxDepthValue}, nil
}

// NewBitList allocates a list of n booleans packed LSB-first.
func NewBitList(seg *Segment, n int32) (List, error) {
	total := Size((n + 7) / 8)
	ns, addr, err := alloc(seg, total.padToWord())
	if err != nil {
		return List{}, err
	}
	return List{seg: ns, off: addr, length: n, flags: isBitList, depthLimit: maxDepthValue}, nil
}

func (sz Size) padToWord() Size {
	return (sz + 7) &^ 7
}

// ToPtr converts l to a Ptr.
func (l List) ToPtr() Ptr {
	if l.seg == nil {
		return Ptr{}
	}
	return Ptr{seg: l.seg, flags: mkPtrFlags(listPtrType, 0), off: l.off, size: l.size, length: l.length, lsize: l.flags, depthLimit: l.depthLimit}
}

// Segment returns the segment l is stored in.
func (l List) Segment() *Segment { return l.seg }

// Len returns the number of elements in l.
func (l List) Len() int { return int(l.length) }

// IsValid reports whether l refers to an allocated list.
func (l List) IsValid() bool { return l.seg != nil }

// allocSize returns the number of bytes l's body (plus, for a
// composite list, its tag word) occupies.
func (l List) allocSize() Size {
	if l.flags&isCompositeList != 0 {
		sz, _ := l.size.totalSize().times(l.length)
		return sz + wordSize
	}
	if l.flags&isBitList != 0 {
		return Size((l.length + 7) / 8).padToWord()
	}
	sz, _ := l.size.totalSize().times(l.length)
	return sz
}

func (l List) elemAddr(i int) (Address, bool) {
	stride := l.size.totalSize()
	off, ok := stride.times(int32(i))
	if !ok {
		return 0, false
	}
	return l.off.addSize(off)
}

// Struct returns the i'th element as a Struct. Valid whenever the
// list is composite or is a list of pointers/data being viewed
// structurally (spec.md's InlineComposite reinterpretation rule).
func (l List) Struct(i int) Struct {
	addr, ok := l.elemAddr(i)
	if !ok {
		return Struct{}
	}
	return Struct{seg: l.seg, off: addr, size: l.size, depthLimit: l.depthLimit, flags: isListMember}
}

// SetStruct overwrites the i'th element's data and pointer sections
// from src (used when building a composite list element by element).
func (l List) SetStruct(i int, src Struct) error {
	dst := l.Struct(i)
	if !dst.IsValid() {
		return errOutOfBounds
	}
	return copyStruct(dst, src)
}

// Uint8/... read/write a fixed-width primitive list; callers that
// know the list's element width (from a generated accessor) use
// these directly.
func (l List) bitAddr(i int) (Address, uint) {
	byteOff := Address(i / 8)
	return l.off + byteOff, uint(i % 8)
}

func (l List) Bit(i int) bool {
	if l.flags&isBitList == 0 {
		return false
	}
	a, bit := l.bitAddr(i)
	return l.seg.data[a]&(1<<bit) != 0
}

func (l List) SetBit(i int, v bool) {
	if l.flags&isBitList == 0 {
		return
	}
	a, bit := l.bitAddr(i)
	if v {
		l.seg.data[a] |= 1 << bit
	} else {
		l.seg.data[a] &^= 1 << bit
	}
}

func (l List) Uint8(i int) uint8 {
	a, ok := l.elemAddr(i)
	if !ok {
		return 0
	}
	return l.seg.data[a]
}

func (l List) SetUint8(i int, v uint8) {
	a, ok := l.elemAddr(i)
	if !ok {
		return
	}
	l.seg.data[a] = v
}

func (l List) Uint32(i int) uint32 {
	a, ok := l.elemAddr(i)
	if !ok {
		return 0
	}
	return l.seg.readUint32(a)
}

func (l List) SetUint32(i int, v uint32) {
	a, ok := l.elemAddr(i)
	if !ok {
		return
	}
	l.seg.writeUint32(a, v)
}

func (l List) Uint64(i int) uint64 {
	a, ok := l.elemAddr(i)
	if !ok {
		return 0
	}
	return l.seg.readUint64(a)
}

func (l List) SetUint64(i int, v uint64) {
	a, ok := l.elemAddr(i)
	if !ok {
		return
	}
	l.seg.writeUint64(a, v)
}

// PointerAt reads the i'th element of a pointer list.
func (l List) PointerAt(i int) (Ptr, error) {
	addr, ok := l.elemAddr(i)
	if !ok {
		return Ptr{}, errOutOfBounds
	}
	dl := l.depthLimit
	if dl == 0 {
		dl = maxDepthValue
	}
	return l.seg.readPtr(addr, dl)
}

// SetPointerAt sets the i'th element of a pointer list to src.
func (l List) SetPointerAt(i int, src Ptr) error {
	addr, ok := l.elemAddr(i)
	if !ok {
		return errOutOfBounds
	}
	if err := l.seg.zeroPointerAndFars(addr); err != nil {
		return err
	}
	return l.seg.writePtr(addr, src, false)
}

// PointerList is a list of pointers (spec.md's root-pointer special
// case is represented this way: a 1-element PointerList at segment 0
// word 0).
type PointerList struct {
	List
}

// At returns the i'th pointer.
func (pl PointerList) At(i int) (Ptr, error) {
	return pl.List.PointerAt(i)
}

// TextList, DataList are convenience wrappers; they reuse the
// pointer-list representation (each element is a Text/Data pointer).
type TextList struct{ List }
type DataList struct{ List }

func (tl TextList) At(i int) (string, error) {
	p, err := tl.List.PointerAt(i)
	if err != nil {
		return "", err
	}
	return p.TextDefault("")
}

func (dl DataList) At(i int) ([]byte, error) {
	p, err := dl.List.PointerAt(i)
	if err != nil {
		return nil, err
	}
	return p.DataDefault(nil)
}

var errListUpgrade = errors.New("capnp: list cannot be upgraded between element widths")

// ListAt returns pointer field i as a struct list of at least sz per
// element. A null field gets a fresh InlineComposite list of n
// elements. An existing InlineComposite list that is already large
// enough is returned as is; a smaller one is widened by copying every
// element into a new, larger list. A list of Void becomes a fresh
// InlineComposite list of the same length with no copying. Any other
// list (bits, bytes, wider data, or pointers) is not upgraded:
// ListAt returns errListUpgrade for it.
func (s Struct) ListAt(i uint16, sz ObjectSize, n int32) (List, error) {
	p, err := s.Ptr(i)
	if err != nil {
		return List{}, err
	}
	if !p.IsValid() {
		fresh, err := NewCompositeList(s.seg, sz, n)
		if err != nil {
			return List{}, err
		}
		if err := s.SetPtr(i, fresh.ToPtr()); err != nil {
			return List{}, err
		}
		return fresh, nil
	}
	existing := p.List()
	if !existing.IsValid() {
		return List{}, errNotAPointer
	}
	if existing.flags&isCompositeList != 0 {
		if existing.size.DataSize >= sz.DataSize && existing.size.PointerCount >= sz.PointerCount {
			return existing, nil
		}
		upgraded, err := upgradeStructList(s.seg, existing, sz)
		if err != nil {
			return List{}, err
		}
		if err := s.SetPtr(i, upgraded.ToPtr()); err != nil {
			return List{}, err
		}
		return upgraded, nil
	}
	if existing.size.isZero() && existing.flags&isBitList == 0 {
		// A void list upgrades to InlineComposite with no copying.
		fresh, err := NewCompositeList(s.seg, sz, existing.length)
		if err != nil {
			return List{}, err
		}
		if err := s.SetPtr(i, fresh.ToPtr()); err != nil {
			return List{}, err
		}
		return fresh, nil
	}
	return List{}, errListUpgrade
}

// upgradeStructList widens every element of an InlineComposite list
// in place by allocating a new composite list, copying each element's
// data and pointer sections, transferring pointers, and zeroing the
// source (same rule as struct upgrade, applied per-element).
func upgradeStructList(seg *Segment, src List, sz ObjectSize) (List, error) {
	merged := ObjectSize{
		DataSize:     maxSz(src.size.DataSize, sz.DataSize),
		PointerCount: maxU16(src.size.PointerCount, sz.PointerCount),
	}
	dst, err := NewCompositeList(seg, merged, src.length)
	if err != nil {
		return List{}, err
	}
	for i := 0; i < int(src.length); i++ {
		if err := copyStruct(dst.Struct(i), src.Struct(i)); err != nil {
			return List{}, err
		}
	}
	for i := 0; i < int(src.length); i++ {
		if err := zeroStructStorage(src.Struct(i)); err != nil {
			return List{}, err
		}
	}
	return dst, nil
}
