package pgproto

import "fmt"

// ErrInvalidFrame is returned by Decoder.Next when a frame's declared
// length cannot possibly be valid (spec.md §4.A: "signals Invalid when
// length is less than 4").
type ErrInvalidFrame struct {
	Length int32
}

func (e ErrInvalidFrame) Error() string {
	return fmt.Sprintf("pgproto: invalid frame length %d", e.Length)
}

// Decoder incrementally reassembles typed PostgreSQL v3 frames out of a
// growing byte buffer. It never consumes bytes it cannot fully reassemble
// into a complete frame — back-pressure by buffering (spec.md §3).
//
// Not safe for concurrent use; one Decoder per connection direction.
type Decoder struct {
	buf []byte
	off int // bytes [0, off) have been consumed and are eligible for compaction
}

// NewDecoder returns a Decoder ready to accept typed frames.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly read bytes to the decoder's accumulator.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next attempts to pull one complete frame off the front of the buffer.
// ok is false with a nil error when fewer than a full frame's worth of
// bytes are currently buffered (NeedMore); the caller should Feed more data
// and call Next again. A non-nil error means the buffered bytes can never
// form a valid frame and the connection must be closed (spec.md §7,
// "Decoder errors").
func (d *Decoder) Next() (frame Frame, ok bool, err error) {
	avail := d.buf[d.off:]
	if len(avail) < headerLen {
		d.compact()
		return Frame{}, false, nil
	}

	declared := int32(getU32BE(avail[1:5]))
	if declared < 4 {
		return Frame{}, false, ErrInvalidFrame{Length: declared}
	}

	total := headerLen - 4 + int(declared) // 1 (type byte) + declared length
	if len(avail) < total {
		d.compact()
		return Frame{}, false, nil
	}

	f := Frame{
		Type:    avail[0],
		Payload: avail[headerLen:total],
	}
	d.off += total
	return f, true, nil
}

// compact slides unconsumed bytes to the front of the buffer once consumed
// bytes make up a large share of it, bounding long-lived memory growth on a
// connection that streams many small frames.
func (d *Decoder) compact() {
	if d.off == 0 {
		return
	}
	if d.off < len(d.buf)/2 && d.off < 1<<16 {
		return
	}
	n := copy(d.buf, d.buf[d.off:])
	d.buf = d.buf[:n]
	d.off = 0
}

// Buffered reports how many unconsumed bytes are currently held.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}
