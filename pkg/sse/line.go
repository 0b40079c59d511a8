package sse

import (
	"bytes"
	"iter"
)

// LineDecoder accumulates raw bytes and yields newline-terminated lines.
//
// A yielded line aliases the internal buffer and is only valid until the
// iteration step returns. Copy it if it must outlive the loop body.
type LineDecoder struct {
	buf []byte
}

// Feed appends raw to the buffer and returns an iterator over the complete
// lines now available, without their trailing '\n'. Lines the caller does not
// pull stay buffered for the next Feed.
func (d *LineDecoder) Feed(raw []byte) iter.Seq[[]byte] {
	d.buf = append(d.buf, raw...)
	return d.lines
}

func (d *LineDecoder) lines(yield func([]byte) bool) {
	start := 0
	defer func() { d.compact(start) }()

	for {
		i := bytes.IndexByte(d.buf[start:], '\n')
		if i < 0 {
			return
		}
		end := start + i
		line := d.buf[start:end:end]
		start = end + 1
		if !yield(line) {
			return
		}
	}
}

// compact shifts the unconsumed remainder to the front of the buffer.
func (d *LineDecoder) compact(consumed int) {
	if consumed == 0 {
		return
	}
	n := copy(d.buf, d.buf[consumed:])
	d.buf = d.buf[:n]
}

// Buffered returns the bytes held back because no newline has arrived yet.
func (d *LineDecoder) Buffered() []byte {
	return d.buf
}

// Reset drops buffered bytes but keeps the allocated capacity.
func (d *LineDecoder) Reset() {
	d.buf = d.buf[:0]
}
