package capnp

import "testing"

// TestCopyPointerStruct covers property 5: copying a struct pointer
// across arenas yields a destination that reads back identically to
// the source, including a capability pointer (the cap table entry is
// transferred).
func TestCopyPointerStruct(t *testing.T) {
	_, srcSeg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	src, err := NewStruct(srcSeg, ObjectSize{DataSize: 8, PointerCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	src.SetUint64(0, 0x0102030405060708)
	txt, err := NewText(srcSeg, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if err := src.SetPtr(0, txt); err != nil {
		t.Fatal(err)
	}
	capIdx := srcSeg.msg.AddCap(NewErrorClient(nil))
	iface := NewInterface(srcSeg, capIdx)
	if err := src.SetPtr(1, iface.ToPtr()); err != nil {
		t.Fatal(err)
	}

	_, dstSeg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	dstPtr, err := CopyPointer(dstSeg, src.ToPtr())
	if err != nil {
		t.Fatal(err)
	}
	dst := dstPtr.Struct()
	if got := dst.Uint64(0); got != 0x0102030405060708 {
		t.Errorf("copied data = %#x, want %#x", got, uint64(0x0102030405060708))
	}
	dstTxtPtr, err := dst.Ptr(0)
	if err != nil {
		t.Fatal(err)
	}
	dstTxt, err := dstTxtPtr.Text()
	if err != nil {
		t.Fatal(err)
	}
	if dstTxt != "hello" {
		t.Errorf("copied text = %q, want %q", dstTxt, "hello")
	}
	dstIfacePtr, err := dst.Ptr(1)
	if err != nil {
		t.Fatal(err)
	}
	if !dstIfacePtr.Interface().IsValid() {
		t.Errorf("copied capability pointer = invalid, want a valid interface")
	}
	if len(dstSeg.msg.CapTable) != 1 {
		t.Errorf("dst CapTable after copy = %d entries, want 1 (transferred)", len(dstSeg.msg.CapTable))
	}
}

// TestTotalSizeMatchesTraversal covers property 6: total_size equals
// the word and capability count reachable from the pointer via the
// same traversal rule copy uses.
func TestTotalSizeMatchesTraversal(t *testing.T) {
	_, seg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	root, err := NewStruct(seg, ObjectSize{DataSize: 8, PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	child, err := root.NewSubStruct(0, ObjectSize{DataSize: 8, PointerCount: 0})
	if err != nil {
		t.Fatal(err)
	}
	child.SetUint64(0, 42)

	words, caps, err := TotalSize(root.ToPtr())
	if err != nil {
		t.Fatal(err)
	}
	wantWords := int64(root.size.totalSize()/wordSize) + int64(child.size.totalSize()/wordSize)
	if words != wantWords {
		t.Errorf("TotalSize words = %d, want %d", words, wantWords)
	}
	if caps != 0 {
		t.Errorf("TotalSize caps = %d, want 0", caps)
	}
}

// TestSelfReferentialFarPointerFails covers property 13: a far
// pointer whose landing pad is itself fails both far-pointer
// resolution and reading the message root.
func TestSelfReferentialFarPointerFails(t *testing.T) {
	msg := &Message{Arena: NewMultiSegmentArena([][]byte{make([]byte, 16)})}
	seg0, err := msg.Segment(0)
	if err != nil {
		t.Fatal(err)
	}
	// word 0 is a double-far whose landing pad address is itself: the
	// landing pad is read back as the same double-far pointer.
	seg0.writeRawPointer(0, rawDoubleFarPointer(0, 0))

	target, addr, _, _, err := seg0.resolveFarPointers(0, seg0.readRawPointer(0))
	if err == nil {
		t.Errorf("resolveFarPointers on self-referential double-far = (%v, %v, nil error), want an error", target, addr)
	}

	// Reading the same message's root, which is that word 0, must
	// likewise fail to decode rather than resolving to itself.
	root, err := msg.Root()
	if err == nil {
		t.Errorf("Root() on self-referential far pointer = %v, nil error, want an error", root)
	}
}

// TestMalformedDoubleFarRejected covers property 12: a double-far
// whose landing pad is truncated to one word, or whose address
// escapes its segment, is rejected as an error rather than causing
// undefined behavior.
func TestMalformedDoubleFarRejected(t *testing.T) {
	msg := &Message{Arena: NewMultiSegmentArena([][]byte{make([]byte, 8), make([]byte, 8)})}
	seg0, err := msg.Segment(0)
	if err != nil {
		t.Fatal(err)
	}
	seg1, err := msg.Segment(1)
	if err != nil {
		t.Fatal(err)
	}
	// seg0 word 0 is a double-far pointing past the end of seg1, which
	// only has one word (the landing pad needs two: tag + content).
	val := rawDoubleFarPointer(1, 8)
	if _, _, _, _, err := seg0.resolveFarPointers(0, val); err == nil {
		t.Errorf("resolveFarPointers with out-of-bounds double-far landing pad = nil error, want an error")
	}
	_ = seg1
}
