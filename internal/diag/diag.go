// Package diag defines a MessagePack-encodable snapshot of a
// connection's live table sizes, for dumping alongside a stuck
// connection's state without reflection or a debug RPC of its own.
package diag

import "github.com/tinylib/msgp/msgp"

// Snapshot records the size of each of a connection's tables at a
// point in time.
type Snapshot struct {
	Questions int
	Answers   int
	Exports   int
	Imports   int
	Embargoes int
}

var _ msgp.Marshaler = (*Snapshot)(nil)
var _ msgp.Unmarshaler = (*Snapshot)(nil)

// MarshalMsg appends the MessagePack encoding of s to b.
func (s *Snapshot) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 5)
	b = msgp.AppendString(b, "questions")
	b = msgp.AppendInt(b, s.Questions)
	b = msgp.AppendString(b, "answers")
	b = msgp.AppendInt(b, s.Answers)
	b = msgp.AppendString(b, "exports")
	b = msgp.AppendInt(b, s.Exports)
	b = msgp.AppendString(b, "imports")
	b = msgp.AppendInt(b, s.Imports)
	b = msgp.AppendString(b, "embargoes")
	b = msgp.AppendInt(b, s.Embargoes)
	return b, nil
}

// UnmarshalMsg decodes s from the MessagePack encoding in b, returning
// whatever of b was left unconsumed.
func (s *Snapshot) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < n; i++ {
		var key string
		key, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return b, err
		}
		var v int
		v, b, err = msgp.ReadIntBytes(b)
		if err != nil {
			return b, err
		}
		switch key {
		case "questions":
			s.Questions = v
		case "answers":
			s.Answers = v
		case "exports":
			s.Exports = v
		case "imports":
			s.Imports = v
		case "embargoes":
			s.Embargoes = v
		}
	}
	return b, nil
}

// Msgsize returns an upper bound on the MessagePack-encoded size of s.
func (s *Snapshot) Msgsize() int {
	return msgp.MapHeaderSize +
		5*(msgp.StringPrefixSize+len("embargoes")) +
		5*msgp.IntSize
}
