package capnp

import "testing"

// TestTextDataListSizes covers scenario s2: a text field of
// "abcdefghi" (9 bytes + NUL) and a data field of 5 raw bytes encode
// with Byte element size and lengths 10 and 5 respectively.
func TestTextDataListSizes(t *testing.T) {
	_, seg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	txt, err := NewText(seg, "abcdefghi")
	if err != nil {
		t.Fatal(err)
	}
	l := txt.List()
	if l.Len() != 10 {
		t.Errorf("text list Len() = %d, want 10 (9 bytes + NUL)", l.Len())
	}

	data, err := NewData(seg, []byte{0, 1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	dl := data.List()
	if dl.Len() != 5 {
		t.Errorf("data list Len() = %d, want 5", dl.Len())
	}

	gotText, err := txt.Text()
	if err != nil {
		t.Fatal(err)
	}
	if gotText != "abcdefghi" {
		t.Errorf("Text() = %q, want %q", gotText, "abcdefghi")
	}
	gotData, err := data.Data()
	if err != nil {
		t.Fatal(err)
	}
	if string(gotData) != "\x00\x01\x02\x03\x04" {
		t.Errorf("Data() = %v, want [0 1 2 3 4]", gotData)
	}
}

// TestNestedPrimitiveLists covers scenario s3: a list of lists of
// lists of int32 with shape [[[0,1],[255]],[[10,9,8]]].
func TestNestedPrimitiveLists(t *testing.T) {
	_, seg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	shape := [][][]int32{
		{{0, 1}, {255}},
		{{10, 9, 8}},
	}

	outer, err := NewList(seg, ObjectSize{PointerCount: 1}, int32(len(shape)))
	if err != nil {
		t.Fatal(err)
	}
	for i, mid := range shape {
		midList, err := NewList(seg, ObjectSize{PointerCount: 1}, int32(len(mid)))
		if err != nil {
			t.Fatal(err)
		}
		for j, inner := range mid {
			innerList, err := NewList(seg, ObjectSize{DataSize: 4}, int32(len(inner)))
			if err != nil {
				t.Fatal(err)
			}
			for k, v := range inner {
				innerList.SetUint32(k, uint32(v))
			}
			if err := midList.SetPointerAt(j, innerList.ToPtr()); err != nil {
				t.Fatal(err)
			}
		}
		if err := outer.SetPointerAt(i, midList.ToPtr()); err != nil {
			t.Fatal(err)
		}
	}

	for i, mid := range shape {
		midPtr, err := outer.PointerAt(i)
		if err != nil {
			t.Fatal(err)
		}
		midList := midPtr.List()
		for j, inner := range mid {
			innerPtr, err := midList.PointerAt(j)
			if err != nil {
				t.Fatal(err)
			}
			innerList := innerPtr.List()
			for k, want := range inner {
				if got := int32(innerList.Uint32(k)); got != want {
					t.Errorf("shape[%d][%d][%d] = %d, want %d", i, j, k, got, want)
				}
			}
		}
	}
}

// TestCompositeListPointerFieldStable covers property 4: a builder's
// get_pointer_field(k) for one element of an InlineComposite list
// returns the value most recently set there regardless of intervening
// writes to other indices.
func TestCompositeListPointerFieldStable(t *testing.T) {
	_, seg, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	l, err := NewCompositeList(seg, ObjectSize{DataSize: 0, PointerCount: 1}, 3)
	if err != nil {
		t.Fatal(err)
	}
	a, err := NewText(seg, "first")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Struct(0).SetPtr(0, a); err != nil {
		t.Fatal(err)
	}
	b, err := NewText(seg, "second")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Struct(1).SetPtr(0, b); err != nil {
		t.Fatal(err)
	}
	c, err := NewText(seg, "third")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Struct(2).SetPtr(0, c); err != nil {
		t.Fatal(err)
	}

	p0, err := l.Struct(0).Ptr(0)
	if err != nil {
		t.Fatal(err)
	}
	got0, err := p0.Text()
	if err != nil {
		t.Fatal(err)
	}
	if got0 != "first" {
		t.Errorf("element 0 pointer field = %q, want %q (unaffected by later writes to 1, 2)", got0, "first")
	}
}
