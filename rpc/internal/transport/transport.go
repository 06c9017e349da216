// Package transport implements the Cap'n Proto RPC stream framing:
// plain segment-array framing and the packed (RLE) variant
// (spec.md §6.1).
package transport

import (
	"encoding/binary"
	"io"

	"golang.org/x/net/context"

	capnp "github.com/MadBase/go-capnproto2/v2"
	"github.com/philhofer/fwd"
)

// A Transport sends and receives whole Cap'n Proto messages across a
// connection (spec.md §6.1). Implementations need not be safe for
// concurrent use by multiple goroutines.
type Transport interface {
	SendMessage(ctx context.Context, msg *capnp.Message) error
	RecvMessage(ctx context.Context) (*capnp.Message, error)
	Close() error
}

// StreamTransport reads and writes messages using the standard
// (unpacked) Cap'n Proto stream framing: a segment count, a table of
// segment sizes, then the segments themselves, each padded to a word
// boundary.
type StreamTransport struct {
	r      *fwd.Reader
	w      *fwd.Writer
	closer io.Closer
}

// NewStreamTransport returns a Transport that frames messages over rw.
func NewStreamTransport(rw io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{
		r:      fwd.NewReader(rw),
		w:      fwd.NewWriter(rw),
		closer: rw,
	}
}

func (t *StreamTransport) SendMessage(ctx context.Context, msg *capnp.Message) error {
	if err := writeStreamHeader(t.w, msg); err != nil {
		return err
	}
	if err := writeSegments(t.w, msg, false); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *StreamTransport) RecvMessage(ctx context.Context) (*capnp.Message, error) {
	segs, err := readStreamSegments(t.r, false)
	if err != nil {
		return nil, err
	}
	return assembleMessage(segs)
}

func (t *StreamTransport) Close() error {
	return t.closer.Close()
}

// PackedStreamTransport is a StreamTransport whose segment bytes are
// additionally run-length-encoded using Cap'n Proto's packing scheme
// (spec.md §6.1 "packed transport"): each 8-byte word is preceded by a
// tag byte whose bits mark which of the word's bytes are non-zero, so
// long runs of zero words collapse to two bytes.
type PackedStreamTransport struct {
	r      *fwd.Reader
	w      *fwd.Writer
	closer io.Closer
}

func NewPackedStreamTransport(rw io.ReadWriteCloser) *PackedStreamTransport {
	return &PackedStreamTransport{
		r:      fwd.NewReader(rw),
		w:      fwd.NewWriter(rw),
		closer: rw,
	}
}

func (t *PackedStreamTransport) SendMessage(ctx context.Context, msg *capnp.Message) error {
	if err := writeStreamHeader(t.w, msg); err != nil {
		return err
	}
	if err := writeSegments(t.w, msg, true); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *PackedStreamTransport) RecvMessage(ctx context.Context) (*capnp.Message, error) {
	segs, err := readStreamSegments(t.r, true)
	if err != nil {
		return nil, err
	}
	return assembleMessage(segs)
}

func (t *PackedStreamTransport) Close() error {
	return t.closer.Close()
}

func writeStreamHeader(w *fwd.Writer, msg *capnp.Message) error {
	n := msg.NumSegments()
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(n-1))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for i := int64(0); i < n; i++ {
		seg, err := msg.Segment(capnp.SegmentID(i))
		if err != nil {
			return err
		}
		var sz [4]byte
		binary.LittleEndian.PutUint32(sz[:], uint32(len(seg.Data())/8))
		if _, err := w.Write(sz[:]); err != nil {
			return err
		}
	}
	if n%2 == 0 {
		var pad [4]byte
		if _, err := w.Write(pad[:]); err != nil {
			return err
		}
	}
	return nil
}

func writeSegments(w *fwd.Writer, msg *capnp.Message, packed bool) error {
	n := msg.NumSegments()
	for i := int64(0); i < n; i++ {
		seg, err := msg.Segment(capnp.SegmentID(i))
		if err != nil {
			return err
		}
		data := seg.Data()
		if packed {
			if err := writePacked(w, data); err != nil {
				return err
			}
		} else if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func readStreamSegments(r *fwd.Reader, packed bool) ([][]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(hdr[:])) + 1
	sizes := make([]int, n)
	for i := range sizes {
		var sz [4]byte
		if _, err := io.ReadFull(r, sz[:]); err != nil {
			return nil, err
		}
		sizes[i] = int(binary.LittleEndian.Uint32(sz[:])) * 8
	}
	if n%2 == 0 {
		var pad [4]byte
		if _, err := io.ReadFull(r, pad[:]); err != nil {
			return nil, err
		}
	}
	segs := make([][]byte, n)
	for i, sz := range sizes {
		if packed {
			buf, err := readPacked(r, sz)
			if err != nil {
				return nil, err
			}
			segs[i] = buf
		} else {
			buf := make([]byte, sz)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, err
			}
			segs[i] = buf
		}
	}
	return segs, nil
}

func assembleMessage(segs [][]byte) (*capnp.Message, error) {
	var arena capnp.Arena
	if len(segs) == 1 {
		arena = capnp.NewSingleSegmentArena(segs[0])
	} else {
		arena = capnp.NewMultiSegmentArena(segs)
	}
	msg := &capnp.Message{Arena: arena}
	if _, err := msg.Segment(0); err != nil {
		return nil, err
	}
	return msg, nil
}

// writePacked encodes data (a whole number of 8-byte words) using
// Cap'n Proto's packing scheme.
func writePacked(w *fwd.Writer, data []byte) error {
	for i := 0; i < len(data); i += 8 {
		word := data[i : i+8]
		var tag byte
		for j, b := range word {
			if b != 0 {
				tag |= 1 << uint(j)
			}
		}
		if err := w.WriteByte(tag); err != nil {
			return err
		}
		switch tag {
		case 0x00:
			// all-zero word: nothing follows this pass, but the run of
			// zero words after it is counted separately below.
			n := countZeroWords(data[i+8:])
			if err := w.WriteByte(byte(n)); err != nil {
				return err
			}
			i += n * 8
		case 0xff:
			if _, err := w.Write(word); err != nil {
				return err
			}
			tail := data[i+8:]
			rawLen := countNonPackableWords(tail)
			if err := w.WriteByte(byte(rawLen)); err != nil {
				return err
			}
			if rawLen > 0 {
				if _, err := w.Write(tail[:rawLen*8]); err != nil {
					return err
				}
				i += rawLen * 8
			}
		default:
			for _, b := range word {
				if b != 0 {
					if err := w.WriteByte(b); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func countZeroWords(data []byte) int {
	n := 0
	for n*8 < len(data) && n < 255 {
		w := data[n*8 : n*8+8]
		allZero := true
		for _, b := range w {
			if b != 0 {
				allZero = false
				break
			}
		}
		if !allZero {
			break
		}
		n++
	}
	return n
}

// countNonPackableWords counts how many consecutive words following
// an 0xff word are not worth packing (more than half their bytes
// non-zero), up to 255.
func countNonPackableWords(data []byte) int {
	n := 0
	for n*8 < len(data) && n < 255 {
		w := data[n*8 : n*8+8]
		nonZero := 0
		for _, b := range w {
			if b != 0 {
				nonZero++
			}
		}
		if nonZero <= 4 {
			break
		}
		n++
	}
	return n
}

func readPacked(r *fwd.Reader, wordLen int) ([]byte, error) {
	out := make([]byte, 0, wordLen)
	for len(out) < wordLen {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 0x00:
			n, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			out = append(out, make([]byte, 8)...)
			out = append(out, make([]byte, int(n)*8)...)
		case 0xff:
			var word [8]byte
			if _, err := io.ReadFull(r, word[:]); err != nil {
				return nil, err
			}
			out = append(out, word[:]...)
			n, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			if n > 0 {
				raw := make([]byte, int(n)*8)
				if _, err := io.ReadFull(r, raw); err != nil {
					return nil, err
				}
				out = append(out, raw...)
			}
		default:
			var word [8]byte
			for j := 0; j < 8; j++ {
				if tag&(1<<uint(j)) != 0 {
					b, err := r.ReadByte()
					if err != nil {
						return nil, err
					}
					word[j] = b
				}
			}
			out = append(out, word[:]...)
		}
	}
	if len(out) > wordLen {
		out = out[:wordLen]
	}
	return out, nil
}

