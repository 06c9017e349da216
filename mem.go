package capnp

import "errors"

// maxDepthValue is the nesting limit assigned to freshly built (not
// decoded) structures, such as the destination of a copy: the limit
// exists to bound *reads* of untrusted wire data, so a builder-owned
// tree that this process just constructed starts with effectively no
// limit.
const maxDepthValue = ^uint(0)

// defaultMaxDepth is the default nesting limit applied to a Message:
// the number of struct/list traversals permitted before `errDepthLimit`
// is raised (spec.md §4.1.c, "nesting limit").
const defaultMaxDepth = 64

// defaultTraverseLimit is the default per-message read-limit quota in
// bytes (spec.md §4.1.a `amplified_read`). It guards against a
// maliciously small message claiming a huge decoded size.
const defaultTraverseLimit = 64 << 20 // 64 MiB

// A Message is a tree of Cap'n Proto objects, split into one or more
// segments.
type Message struct {
	// Arena backs the message and is responsible for allocation and
	// looking up segments by ID.
	Arena Arena

	// CapTable is the indexed list of capabilities associated with this
	// message. Capability pointers inside this message's segments are
	// indices into this list.
	CapTable []Client

	// TraverseLimit restricts how many bytes worth of data this message
	// may read, across an unlimited number of calls. Zero means use
	// defaultTraverseLimit. Once the limit is exhausted, all reads fail
	// with an error. This is a safety valve against amplification
	// attacks like a pointer list of zero-sized structs.
	TraverseLimit uint64
	// DepthLimit restricts the nesting depth (struct/list traversals) a
	// read may walk. Zero means use defaultMaxDepth.
	DepthLimit uint

	segs        map[SegmentID]*Segment
	firstSeg    Segment // preallocated, used if arena is single-segment
	rlimit      uint64  // bytes remaining
	readLimited bool
}

// NewMessage creates a message that uses arena for its storage and
// initializes a root struct pointer in the first segment.
func NewMessage(arena Arena) (msg *Message, first *Segment, err error) {
	msg = &Message{Arena: arena}
	first, err = msg.Segment(0)
	if err != nil {
		return nil, nil, err
	}
	seg, _, err := alloc(first, wordSize) // root pointer word
	if err != nil {
		return nil, nil, err
	}
	if seg.id != 0 {
		return nil, nil, errors.New("capnp: root allocation did not land in segment 0")
	}
	return msg, first, nil
}

// Reset resets a message to use a different arena, preserving the
// Message struct's identity (useful for pooling message allocations).
func (m *Message) Reset(arena Arena) {
	m.Arena = arena
	m.CapTable = nil
	m.TraverseLimit = 0
	m.DepthLimit = 0
	m.segs = nil
	m.firstSeg = Segment{}
	m.rlimit = 0
	m.readLimited = false
}

func (m *Message) depthLimit() uint {
	if m.DepthLimit == 0 {
		return defaultMaxDepth
	}
	return m.DepthLimit
}

func (m *Message) initReadLimit() {
	if m.readLimited {
		return
	}
	if m.TraverseLimit == 0 {
		m.rlimit = defaultTraverseLimit
	} else {
		m.rlimit = m.TraverseLimit
	}
	m.readLimited = true
}

// canRead reports whether the message has budget remaining for sz
// additional bytes of decoded structure, deducting it if so
// (spec.md §4.1.a `amplified_read`).
func (m *Message) canRead(sz Size) bool {
	m.initReadLimit()
	if uint64(sz) > m.rlimit {
		return false
	}
	m.rlimit -= uint64(sz)
	return true
}

// ResetReadLimit sets the number of bytes allowed to be traversed
// when reading this message's objects. Useful when decoding the same
// message repeatedly.
func (m *Message) ResetReadLimit(limit uint64) {
	m.TraverseLimit = limit
	m.rlimit = limit
	m.readLimited = true
}

// Root returns the root pointer of the message, stored at word 0 of
// segment 0.
func (m *Message) Root() (Ptr, error) {
	s, err := m.Segment(0)
	if err != nil {
		return Ptr{}, err
	}
	return s.readPtr(0, m.depthLimit())
}

// SetRoot sets the message's root pointer to p.
func (m *Message) SetRoot(p Ptr) error {
	s, err := m.Segment(0)
	if err != nil {
		return err
	}
	return s.writePtr(0, p, false)
}

// Segment returns the segment with the given ID, loading it from the
// arena if necessary.
func (m *Message) Segment(id SegmentID) (*Segment, error) {
	if s, ok := m.existingSegment(id); ok {
		return s, nil
	}
	data, err := m.Arena.Data(id)
	if err != nil {
		return nil, err
	}
	return m.setSegment(id, data), nil
}

func (m *Message) setSegment(id SegmentID, data []byte) *Segment {
	if id == 0 && m.segs == nil {
		m.firstSeg = Segment{msg: m, id: 0, data: data}
		m.segs = map[SegmentID]*Segment{0: &m.firstSeg}
		return &m.firstSeg
	}
	if m.segs == nil {
		m.segs = make(map[SegmentID]*Segment)
	}
	if s := m.segs[id]; s != nil {
		s.data = data
		return s
	}
	s := &Segment{msg: m, id: id, data: data}
	m.segs[id] = s
	return s
}

// NumSegments returns the number of segments the message currently
// occupies.
func (m *Message) NumSegments() int64 {
	return m.Arena.NumSegments()
}

// AddCap appends c to the message's capability table and returns its
// index (spec.md §3.2 "Injection appends and returns the index").
func (m *Message) AddCap(c Client) CapabilityID {
	m.CapTable = append(m.CapTable, c)
	return CapabilityID(len(m.CapTable) - 1)
}

// Capability reads an entry from the capability table, returning
// nil (and no error) if idx is out of range (spec.md §3.2 "reading out
// of range returns nothing").
func (m *Message) Capability(idx CapabilityID) Client {
	if int64(idx) < 0 || int64(idx) >= int64(len(m.CapTable)) {
		return nil
	}
	return m.CapTable[idx]
}

// alloc allocates sz zero-filled bytes, preferring the given segment
// but spilling into whatever segment the arena chooses
// (spec.md's `allocate_anywhere`). sz must be a multiple of word size.
func alloc(s *Segment, sz Size) (*Segment, Address, error) {
	if sz%wordSize != 0 {
		return nil, 0, errors.New("capnp: allocation size not word-aligned")
	}
	id, data, err := s.msg.Arena.Allocate(sz, s.msg, s.id)
	if err != nil {
		return nil, 0, err
	}
	ns := s.msg.setSegment(id, data)
	addr := Address(len(data)) - Address(sz)
	end := data[addr:]
	for i := range end {
		end[i] = 0
	}
	return ns, addr, nil
}

// CapabilityID is an index into a Message's capability table.
type CapabilityID uint32
