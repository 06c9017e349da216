package capnp

// Address is a byte offset within a segment.
type Address uint32

// Size is a size of a region of memory, in bytes.
type Size uint32

const wordSize Size = 8

// MaxSize is the maximum size of a single object.
const MaxSize = ^Size(0)

// addSize returns a+sz, reporting whether the addition stayed within
// the 32-bit address space (false on overflow).
func (a Address) addSize(sz Size) (Address, bool) {
	x := a + Address(sz)
	return x, x >= a
}

// element returns the element start address for the i'th element,
// given a per-element stride.
func (a Address) element(i int32, sz Size) (Address, bool) {
	if i == 0 {
		return a, true
	}
	b, ok := sz.times(i)
	if !ok {
		return 0, false
	}
	return a.addSize(b)
}

// times multiplies sz by n, reporting false if n is negative or the
// multiplication overflowed, true otherwise.
func (sz Size) times(n int32) (Size, bool) {
	if n < 0 || (sz != 0 && Size(n) > MaxSize/sz) {
		return 0, false
	}
	return sz * Size(n), true
}

// ObjectSize records the size of a struct's data and pointer
// sections, in the unit the wire format uses: data in bytes (a
// multiple of 8 for a struct; 1, 2 or 4 for a list of narrow
// primitives), pointers as a count of 8-byte words.
type ObjectSize struct {
	DataSize     Size
	PointerCount uint16
}

func (sz ObjectSize) totalSize() Size {
	return sz.DataSize + Size(sz.PointerCount)*wordSize
}

func (sz ObjectSize) isZero() bool {
	return sz.DataSize == 0 && sz.PointerCount == 0
}

// isOneByte reports whether sz describes a single-byte scalar.
func (sz ObjectSize) isOneByte() bool {
	return sz.DataSize == 1 && sz.PointerCount == 0
}
