package capnp

import "testing"

// TestStructFieldRoundTrip covers property 1 and scenario s1: every
// field written to a builder reads back as the value most recently
// set, including through a nested struct.
func TestStructFieldRoundTrip(t *testing.T) {
	_, seg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	outer, err := NewStruct(seg, ObjectSize{DataSize: 16, PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	outer.SetUint8(0, uint8(int8(-128)))
	outer.SetUint32(8, 1009)
	outer.SetBit(96, true) // bool field packed in the data section

	inner, err := outer.NewSubStruct(0, ObjectSize{DataSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	inner.SetUint64(0, 0x3fbf9add1091bf05) // bit pattern of 0.12345677999996603
	inner.SetBit(64, true)

	if got := int8(outer.Uint8(0)); got != -128 {
		t.Errorf("outer.int8 = %d, want -128", got)
	}
	if got := outer.Uint32(8); got != 1009 {
		t.Errorf("outer.int32 = %d, want 1009", got)
	}
	if !outer.Bit(96) {
		t.Errorf("outer.bool = false, want true")
	}
	got, err := outer.Ptr(0)
	if err != nil {
		t.Fatal(err)
	}
	gotInner := got.Struct()
	if !gotInner.Bit(64) {
		t.Errorf("inner.bool_b = false, want true")
	}
	if gotInner.Uint64(0) != 0x3fbf9add1091bf05 {
		t.Errorf("inner.float64 bits = %#x, want %#x", gotInner.Uint64(0), uint64(0x3fbf9add1091bf05))
	}
}

// TestStructDefaults covers property 2: init_struct followed by
// getters returns the zero value for every field.
func TestStructDefaults(t *testing.T) {
	_, seg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStruct(seg, ObjectSize{DataSize: 8, PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if v := s.Uint64(0); v != 0 {
		t.Errorf("fresh struct Uint64(0) = %d, want 0", v)
	}
	if s.HasPtr(0) {
		t.Errorf("fresh struct HasPtr(0) = true, want false")
	}
	p, err := s.Ptr(0)
	if err != nil {
		t.Fatal(err)
	}
	if p.IsValid() {
		t.Errorf("fresh struct Ptr(0) = valid, want null")
	}
}

// TestStructUpgrade covers property 3: upgrading a struct to a larger
// size preserves the intersected fields, zeroes the new ones, and
// zeroes the old location.
func TestStructUpgrade(t *testing.T) {
	_, seg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	root, err := NewStruct(seg, ObjectSize{DataSize: 8, PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	old, err := root.NewSubStruct(0, ObjectSize{DataSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	old.SetUint64(0, 0xdeadbeef)

	upgraded, err := root.StructAt(0, ObjectSize{DataSize: 16, PointerCount: 1}, Struct{})
	if err != nil {
		t.Fatal(err)
	}
	if got := upgraded.Uint64(0); got != 0xdeadbeef {
		t.Errorf("upgraded.Uint64(0) = %#x, want %#x", got, uint64(0xdeadbeef))
	}
	if got := upgraded.Uint64(8); got != 0 {
		t.Errorf("upgraded new field = %#x, want 0", got)
	}
	if got := upgraded.Size(); got.DataSize != 16 || got.PointerCount != 1 {
		t.Errorf("upgraded.Size() = %+v, want {16 1}", got)
	}

	rootWords, _, err := TotalSize(root.ToPtr())
	if err != nil {
		t.Fatal(err)
	}
	wantWords := int64(root.size.totalSize()/wordSize) + int64(upgraded.size.totalSize()/wordSize)
	if rootWords != wantWords {
		t.Errorf("total_size(root) after upgrade = %d words, want %d (old location excluded)", rootWords, wantWords)
	}
}

// TestReadOlderStructUnderNewerSchema covers scenario s4: a struct
// written with an older, smaller layout (old1 in the data section,
// old4 a pointer to a list of text) still decodes correctly when
// probed at the offsets a newer, larger schema would use — fields
// appended past the old layout's bounds read back as their declared
// default rather than panicking or reading stale bytes.
func TestReadOlderStructUnderNewerSchema(t *testing.T) {
	_, seg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	old, err := NewStruct(seg, ObjectSize{DataSize: 8, PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	old.SetUint64(0, 123) // old1 @0 :Int64

	names, err := NewList(seg, ObjectSize{PointerCount: 1}, 2)
	if err != nil {
		t.Fatal(err)
	}
	alice, err := NewText(seg, "alice")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := NewText(seg, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if err := names.SetPointerAt(0, alice); err != nil {
		t.Fatal(err)
	}
	if err := names.SetPointerAt(1, bob); err != nil {
		t.Fatal(err)
	}
	if err := old.SetPtr(0, names.ToPtr()); err != nil {
		t.Fatal(err)
	}

	// new3.int8 @8, a field the new schema appends after old1;
	// reading it unwritten must yield the struct's declared -123
	// default, applied the way generated code XORs a stored zero
	// against the default (spec.md §4.2).
	const new3Default = int8(-123)
	got3 := int8(old.Uint8(8)) ^ new3Default
	if got3 != new3Default {
		t.Errorf("new3.int8 on an old-layout struct = %d, want %d (default)", got3, new3Default)
	}

	// new2 @1 (pointer), appended after old4; unwritten, so the
	// generated accessor would build a fresh zero-valued struct
	// rather than deref a null pointer.
	if old.HasPtr(1) {
		t.Errorf("new2 pointer slot on an old-layout struct = present, want absent")
	}

	old4, err := old.Ptr(0)
	if err != nil {
		t.Fatal(err)
	}
	oldList := old4.List()
	if oldList.Len() != 2 {
		t.Fatalf("old4 len = %d, want 2", oldList.Len())
	}
	for i, want := range []string{"alice", "bob"} {
		p, err := oldList.PointerAt(i)
		if err != nil {
			t.Fatal(err)
		}
		got, err := p.Text()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("old4[%d] = %q, want %q", i, got, want)
		}
	}
}

func TestEmptyStructSentinel(t *testing.T) {
	_, seg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStruct(seg, ObjectSize{})
	if err != nil {
		t.Fatal(err)
	}
	p := s.ToPtr()
	if !p.IsValid() {
		t.Errorf("empty struct ToPtr() = invalid, want a valid non-null struct of zero size")
	}
	if got := p.Struct().Size(); !got.isZero() {
		t.Errorf("empty struct Size() = %+v, want zero", got)
	}
}
