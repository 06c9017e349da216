package capnp

import "testing"

func TestInterfaceClientRoundTrip(t *testing.T) {
	_, seg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	want := NewErrorClient(errTestSentinel)
	idx := seg.msg.AddCap(want)
	iface := NewInterface(seg, idx)

	s, err := NewStruct(seg, ObjectSize{PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetPtr(0, iface.ToPtr()); err != nil {
		t.Fatal(err)
	}

	p, err := s.Ptr(0)
	if err != nil {
		t.Fatal(err)
	}
	got := p.Interface().Client()
	if got != want {
		t.Errorf("round-tripped client = %v, want %v", got, want)
	}
}

func TestTransformPtrWalksFieldPath(t *testing.T) {
	_, seg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	root, err := NewStruct(seg, ObjectSize{PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	mid, err := root.NewSubStruct(0, ObjectSize{PointerCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := mid.NewSubStruct(0, ObjectSize{DataSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	leaf.SetUint64(0, 99)

	got, err := TransformPtr(root.ToPtr(), []PipelineOp{{Field: 0}, {Field: 0}})
	if err != nil {
		t.Fatal(err)
	}
	if v := got.Struct().Uint64(0); v != 99 {
		t.Errorf("TransformPtr result Uint64(0) = %d, want 99", v)
	}
}

var errTestSentinel = &sentinelError{"sentinel"}

type sentinelError struct{ s string }

func (e *sentinelError) Error() string { return e.s }
