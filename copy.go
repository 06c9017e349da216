package capnp

// zeroPointerAndFars zeroes the pointer word at addr and, if it
// currently encodes a far pointer, the landing pad(s) it points to —
// but leaves the referenced body itself intact (spec.md §4.1.c
// `zero_pointer_and_fars`: "used when the allocator is about to reuse
// the pointer slot for a different target and we do not want the old
// target transitively zeroed yet").
func (s *Segment) zeroPointerAndFars(addr Address) error {
	val := s.readRawPointer(addr)
	if val == 0 {
		return nil
	}
	if val.pointerType() == farPointer {
		segID := val.farSegment()
		faroff := val.farAddress()
		padSeg, err := s.lookupSegment(segID)
		if err != nil {
			return err
		}
		n := wordSize
		if val.isDoubleFar() {
			n = wordSize * 2
		}
		if !padSeg.regionInBounds(faroff, n) {
			return errPointerAddress
		}
		clear(padSeg.data[faroff : faroff+Address(n)])
	}
	s.writeRawPointer(addr, 0)
	return nil
}

// zeroPointerTarget zeroes the pointer word at addr along with the
// entire subgraph it (transitively) refers to (spec.md's
// `zero_object`, invoked when overwriting a field so that a later
// copy/total_size traversal won't see dangling data).
func (s *Segment) zeroPointerTarget(addr Address) error {
	val := s.readRawPointer(addr)
	if val == 0 {
		return nil
	}
	target, toff, rv, direct, err := s.resolveFarPointers(addr, val)
	if err != nil {
		return nil // best-effort: malformed data being overwritten is not fatal
	}
	switch rv.pointerType() {
	case structPointer:
		var st Struct
		if direct {
			st, err = target.readStructPtrAt(toff, rv)
		} else {
			st, err = target.readStructPtr(toff, rv)
		}
		if err == nil {
			zeroStructStorage(st)
		}
	case listPointer:
		var l List
		if direct {
			l, err = target.readListPtrAt(toff, rv)
		} else {
			l, err = target.readListPtr(toff, rv)
		}
		if err == nil {
			zeroListStorage(l)
		}
	}
	return s.zeroPointerAndFars(addr)
}

func zeroListStorage(l List) {
	if !l.IsValid() {
		return
	}
	if l.size.PointerCount > 0 || l.flags&isCompositeList != 0 {
		for i := 0; i < int(l.length); i++ {
			zeroStructStorage(l.Struct(i))
		}
	}
	sz := l.allocSize()
	base := l.off
	if l.flags&isCompositeList != 0 {
		base -= Address(wordSize)
	}
	clear(l.seg.data[base : base+Address(sz)])
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CopyPointer deep-copies the subgraph referenced by src into dstSeg,
// returning the copied Ptr (spec.md §4.1.c `copy_pointer`: "deep-
// copies a subgraph across arenas under a nesting limit").
func CopyPointer(dstSeg *Segment, src Ptr) (Ptr, error) {
	if !src.IsValid() {
		return Ptr{}, nil
	}
	switch src.flags.ptrType() {
	case structPtrType:
		st := src.Struct()
		dst, err := NewStruct(dstSeg, st.size)
		if err != nil {
			return Ptr{}, err
		}
		if err := copyStruct(dst, st); err != nil {
			return Ptr{}, err
		}
		return dst.ToPtr(), nil
	case listPtrType:
		l := src.List()
		var dst List
		var err error
		if l.flags&isCompositeList != 0 {
			dst, err = NewCompositeList(dstSeg, l.size, l.length)
		} else if l.flags&isBitList != 0 {
			dst, err = NewBitList(dstSeg, l.length)
		} else {
			dst, err = NewList(dstSeg, l.size, l.length)
		}
		if err != nil {
			return Ptr{}, err
		}
		if l.flags&isBitList != 0 {
			for i := 0; i < int(l.length); i++ {
				dst.SetBit(i, l.Bit(i))
			}
		} else if l.size.PointerCount == 0 && l.flags&isCompositeList == 0 {
			end, _ := l.off.addSize(l.allocSize())
			copy(dst.seg.data[dst.off:], l.seg.data[l.off:end])
		} else {
			for i := 0; i < int(l.length); i++ {
				if err := copyStruct(dst.Struct(i), l.Struct(i)); err != nil {
					return Ptr{}, err
				}
			}
		}
		return dst.ToPtr(), nil
	case interfacePtrType:
		i := src.Interface()
		capID := dstSeg.msg.AddCap(i.Client())
		return NewInterface(dstSeg, capID).ToPtr(), nil
	default:
		return Ptr{}, nil
	}
}

// TotalSize computes the traversal size (bytes + capability count)
// reachable from p using the same traversal rule as CopyPointer, but
// performs no allocation (spec.md §4.1.c `total_size`). Far pointers
// are counted at the body, never the landing pad; a malformed
// double-far is an error.
func TotalSize(p Ptr) (words int64, caps int64, err error) {
	return totalSizeDepth(p, defaultMaxDepth)
}

func totalSizeDepth(p Ptr, depth uint) (words int64, caps int64, err error) {
	if !p.IsValid() {
		return 0, 0, nil
	}
	if depth == 0 {
		return 0, 0, errDepthLimit
	}
	depth--
	switch p.flags.ptrType() {
	case structPtrType:
		st := p.Struct()
		words += int64(st.size.totalSize() / wordSize)
		for i := uint16(0); i < st.size.PointerCount; i++ {
			sub, err := st.Ptr(i)
			if err != nil {
				return 0, 0, err
			}
			w, c, err := totalSizeDepth(sub, depth)
			if err != nil {
				return 0, 0, err
			}
			words += w
			caps += c
		}
		return words, caps, nil
	case listPtrType:
		l := p.List()
		if l.flags&isCompositeList != 0 {
			words += int64(l.allocSize() / wordSize)
			for i := 0; i < int(l.length); i++ {
				st := l.Struct(i)
				for j := uint16(0); j < st.size.PointerCount; j++ {
					sub, err := st.Ptr(j)
					if err != nil {
						return 0, 0, err
					}
					w, c, err := totalSizeDepth(sub, depth)
					if err != nil {
						return 0, 0, err
					}
					words += w
					caps += c
				}
			}
			return words, caps, nil
		}
		words += int64(l.allocSize() / wordSize)
		if l.size.PointerCount > 0 {
			for i := 0; i < int(l.length); i++ {
				sub, err := l.PointerAt(i)
				if err != nil {
					return 0, 0, err
				}
				w, c, err := totalSizeDepth(sub, depth)
				if err != nil {
					return 0, 0, err
				}
				words += w
				caps += c
			}
		}
		return words, caps, nil
	case interfacePtrType:
		return 0, 1, nil
	default:
		return 0, 0, nil
	}
}
