package capnp

import "errors"

// SegmentID is a numeric identifier for a Segment.
type SegmentID uint32

// An Arena loads and allocates segments for a Message (spec.md §4.1.a).
//
// An Arena is not goroutine-safe; callers must serialize access, as
// the owning Message already does via its single-threaded builders.
type Arena interface {
	// NumSegments returns the number of segments in the arena.
	// Must not be negative.
	NumSegments() int64

	// Data returns the data for the segment with the given ID, or
	// an error if there is none.
	Data(id SegmentID) ([]byte, error)

	// Allocate attempts to allocate sz bytes in the segment with the
	// given ID. If the arena does not have remaining capacity in that
	// segment, it creates a new segment or grows an existing one.
	// It returns the ID of the segment that was allocated in and the
	// data slice for that segment's new contents.
	Allocate(sz Size, msg *Message, id SegmentID) (SegmentID, []byte, error)
}

// existingSegment finds seg in msg's already-known segment list to
// avoid an extra Data() call.
func (m *Message) existingSegment(id SegmentID) (*Segment, bool) {
	if int64(id) >= int64(len(m.segs)) {
		return nil, false
	}
	s := m.segs[id]
	return s, s != nil
}

// SingleSegmentArena is an Arena implementation that stores data in a
// single byte slice. Allocations beyond the capacity of the slice
// copy it into a new, larger backing array.
type SingleSegmentArena []byte

// NewSingleSegmentArena constructs an Arena that allocates in-memory
// in a single segment backed by buf, reusing buf's capacity for
// subsequent growth.
func NewSingleSegmentArena(buf []byte) *SingleSegmentArena {
	b := SingleSegmentArena(buf)
	return &b
}

func (ssa *SingleSegmentArena) NumSegments() int64 {
	return 1
}

func (ssa *SingleSegmentArena) Data(id SegmentID) ([]byte, error) {
	if id != 0 {
		return nil, errArenaSegmentID
	}
	return []byte(*ssa), nil
}

func (ssa *SingleSegmentArena) Allocate(sz Size, msg *Message, id SegmentID) (SegmentID, []byte, error) {
	if id != 0 {
		return 0, nil, errArenaSegmentID
	}
	data := []byte(*ssa)
	curr := Size(len(data))
	have := Size(cap(data)) - curr
	if have < sz {
		growed := make([]byte, curr, (curr+sz)*2+1024)
		copy(growed, data)
		data = growed
	}
	data = data[:curr+sz]
	*ssa = SingleSegmentArena(data)
	return 0, data, nil
}

// MultiSegmentArena stores data in multiple byte slices, allocating
// new segments once existing ones are full (spec.md §4.1.a
// `allocate_anywhere`: "must succeed; grows a new segment if all
// existing are full").
type MultiSegmentArena [][]byte

// NewMultiSegmentArena constructs an Arena that allocates in-memory
// into the given set of segments, numbered by their slice index.
func NewMultiSegmentArena(segs [][]byte) *MultiSegmentArena {
	a := MultiSegmentArena(segs)
	return &a
}

func (msa *MultiSegmentArena) NumSegments() int64 {
	return int64(len(*msa))
}

func (msa *MultiSegmentArena) Data(id SegmentID) ([]byte, error) {
	if int64(id) >= int64(len(*msa)) {
		return nil, errArenaSegmentID
	}
	return (*msa)[id], nil
}

func (msa *MultiSegmentArena) Allocate(sz Size, msg *Message, id SegmentID) (SegmentID, []byte, error) {
	segs := *msa
	// Prefer growing the requested segment first.
	if int64(id) < int64(len(segs)) {
		data := segs[id]
		if Size(cap(data))-Size(len(data)) >= sz {
			out := data[:Size(len(data))+sz]
			segs[id] = out
			return id, out, nil
		}
	}
	for i, data := range segs {
		if Size(cap(data))-Size(len(data)) >= sz {
			out := data[:Size(len(data))+sz]
			segs[i] = out
			return SegmentID(i), out, nil
		}
	}
	n := make([]byte, sz, maxInt(int(sz)*2, 4096))
	*msa = append(segs, n)
	return SegmentID(len(*msa) - 1), n, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

var errArenaSegmentID = errors.New("capnp: segment id out of range")
