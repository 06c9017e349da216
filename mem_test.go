package capnp

import "testing"

func TestNewMessageRoot(t *testing.T) {
	msg, seg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	root, err := msg.Root()
	if err != nil {
		t.Fatal(err)
	}
	if root.IsValid() {
		t.Errorf("fresh message root = valid, want null")
	}
	s, err := NewStruct(seg, ObjectSize{DataSize: 8, PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := msg.SetRoot(s.ToPtr()); err != nil {
		t.Fatal(err)
	}
	root, err = msg.Root()
	if err != nil {
		t.Fatal(err)
	}
	if !root.IsValid() {
		t.Errorf("root after SetRoot = invalid, want valid")
	}
}

func TestMessageReset(t *testing.T) {
	msg, _, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	msg.AddCap(NewErrorClient(nil))
	msg.Reset(NewSingleSegmentArena(nil))
	if len(msg.CapTable) != 0 {
		t.Errorf("CapTable after Reset = %d entries, want 0", len(msg.CapTable))
	}
	if n := msg.NumSegments(); n != 1 {
		t.Errorf("NumSegments after Reset = %d, want 1", n)
	}
}

// TestReadLimitRejectsHugeDeclaredLength covers property 11: a list of
// zero-size structs with a declared length of 2^29-1 (the largest count
// a tag word can hold) must be rejected well before any allocation,
// since the tag word alone can claim that many elements that occupy
// zero bytes each.
func TestReadLimitRejectsHugeDeclaredLength(t *testing.T) {
	msg, seg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	msg.ResetReadLimit(1024)

	// Forge a composite-list tag word claiming 1<<29-1 zero-size struct
	// elements, directly after the root pointer word, with no element
	// storage backing it: a hostile peer only needs to send this one
	// word.
	tagAddr, _, err := alloc(seg, wordSize)
	if err != nil {
		t.Fatal(err)
	}
	seg.writeRawPointer(tagAddr, rawStructPointer(pointerOffset(1<<29-1), ObjectSize{}))
	rootAddr := Address(0)
	seg.writeRawPointer(rootAddr, rawListPointerComposite(pointerOffsetBetween(rootAddr, tagAddr), 0))

	if _, err := msg.Root(); err == nil {
		t.Fatal("Root() on forged huge zero-size list = nil error, want read-limit error")
	}
}

func TestCapTableRoundTrip(t *testing.T) {
	msg, _, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	c := NewErrorClient(nil)
	idx := msg.AddCap(c)
	if got := msg.Capability(idx); got != c {
		t.Errorf("Capability(%d) = %v, want %v", idx, got, c)
	}
}
