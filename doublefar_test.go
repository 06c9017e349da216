package capnp

import "testing"

// TestDoubleFarDecode covers scenario s5: a root double-far in
// segment 0 redirects to a landing pad in segment 1 (single far +
// struct tag), whose body lives in segment 2. The struct's int8
// field and its text pointer field must both decode correctly
// through the two-hop indirection.
func TestDoubleFarDecode(t *testing.T) {
	seg0Data := make([]byte, 8)
	seg1Data := make([]byte, 16)
	seg2Data := make([]byte, 24)
	msg := &Message{Arena: NewMultiSegmentArena([][]byte{seg0Data, seg1Data, seg2Data})}

	seg0, err := msg.Segment(0)
	if err != nil {
		t.Fatal(err)
	}
	seg1, err := msg.Segment(1)
	if err != nil {
		t.Fatal(err)
	}
	seg2, err := msg.Segment(2)
	if err != nil {
		t.Fatal(err)
	}

	// seg0 word 0: double-far to segment 1, word 0.
	seg0.writeRawPointer(0, rawDoubleFarPointer(1, 0))

	// seg1 word 0: single far to segment 2, word 0 (the struct body).
	// seg1 word 1: the tag, describing a struct of 1 data word, 1 ptr.
	seg1.writeRawPointer(0, rawFarPointer(2, 0))
	seg1.writeRawPointer(8, rawStructPointer(0, ObjectSize{DataSize: 8, PointerCount: 1}))

	// seg2 word 0: data section, every byte 0x1f.
	seg2.writeUint64(0, 0x1f1f1f1f1f1f1f1f)
	// seg2 word 1: pointer field 0, a near text-list pointer to word 2.
	seg2.writeRawPointer(8, rawListPointer(pointerOffsetBetween(8, 16), byte1ElementSize, 8))
	// seg2 word 2: the text bytes "hello.\n" plus trailing NUL.
	copy(seg2.data[16:24], "hello.\n\x00")

	root, err := msg.Root()
	if err != nil {
		t.Fatal(err)
	}
	s := root.Struct()
	if got := s.Uint8(0); got != 0x1f {
		t.Errorf("int8 field = %#x, want 0x1f", got)
	}
	p, err := s.Ptr(0)
	if err != nil {
		t.Fatal(err)
	}
	text, err := p.Text()
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello.\n" {
		t.Errorf("text field = %q, want %q", text, "hello.\n")
	}
}
