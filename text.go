package capnp

import "errors"

// NewText allocates a data list holding v plus a trailing NUL byte
// (spec.md §4.1.c "Text get": "must verify the final byte is NUL and
// trim it").
func NewText(seg *Segment, v string) (Ptr, error) {
	total := int32(len(v)) + 1
	l, err := NewList(seg, ObjectSize{DataSize: 1}, total)
	if err != nil {
		return Ptr{}, err
	}
	copy(l.seg.data[l.off:l.off+Address(len(v))], v)
	return l.ToPtr(), nil
}

// NewData allocates a data list holding v verbatim, with no
// terminator (spec.md §4.1.c "Data get": "raw byte list; no
// terminator").
func NewData(seg *Segment, v []byte) (Ptr, error) {
	l, err := NewList(seg, ObjectSize{DataSize: 1}, int32(len(v)))
	if err != nil {
		return Ptr{}, err
	}
	copy(l.seg.data[l.off:l.off+Address(len(v))], v)
	return l.ToPtr(), nil
}

// Text interprets p as a NUL-terminated text list, returning the
// string with the trailing NUL trimmed.
func (p Ptr) Text() (string, error) {
	return p.TextDefault("")
}

// TextDefault is like Text but returns def if p is null.
func (p Ptr) TextDefault(def string) (string, error) {
	if !p.IsValid() {
		return def, nil
	}
	l := p.List()
	if !l.IsValid() || l.size.DataSize != 1 || l.size.PointerCount != 0 {
		return "", errNotText
	}
	if l.length == 0 {
		return "", errTextNoNUL
	}
	end, ok := l.off.addSize(Size(l.length))
	if !ok {
		return "", errOverflow
	}
	raw := l.seg.data[l.off:end]
	if raw[len(raw)-1] != 0 {
		return "", errTextNoNUL
	}
	return string(raw[:len(raw)-1]), nil
}

// Data interprets p as a raw byte list.
func (p Ptr) Data() ([]byte, error) {
	return p.DataDefault(nil)
}

// DataDefault is like Data but returns def if p is null.
func (p Ptr) DataDefault(def []byte) ([]byte, error) {
	if !p.IsValid() {
		return def, nil
	}
	l := p.List()
	if !l.IsValid() || l.size.DataSize != 1 || l.size.PointerCount != 0 {
		return nil, errNotData
	}
	end, ok := l.off.addSize(Size(l.length))
	if !ok {
		return nil, errOverflow
	}
	out := make([]byte, l.length)
	copy(out, l.seg.data[l.off:end])
	return out, nil
}

var (
	errNotText   = errors.New("capnp: pointer does not reference a text list")
	errNotData   = errors.New("capnp: pointer does not reference a data list")
	errTextNoNUL = errors.New("capnp: text list is not NUL-terminated")
)
