package sse

import (
	"bytes"
	"iter"
)

var (
	dataPrefix   = []byte("data: ")
	doneSentinel = []byte("[DONE]")
)

// Event is one decoded server-sent event.
type Event struct {
	// Data is the payload after the "data: " prefix. It aliases the decoder
	// buffer and is only valid for the current iteration step.
	Data []byte
	// Done marks the "[DONE]" sentinel. Data is nil when Done is set.
	Done bool
}

// Decoder yields data payloads from a server-sent-event byte stream.
type Decoder struct {
	lines   LineDecoder
	done    bool
	skipped int
}

// Feed appends raw bytes and returns an iterator over the events completed
// by them.
func (d *Decoder) Feed(raw []byte) iter.Seq[Event] {
	lines := d.lines.Feed(raw)
	return func(yield func(Event) bool) {
		for line := range lines {
			ev, ok := d.decode(line)
			if !ok {
				continue
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Flush decodes a final line that arrived without a trailing newline. It is
// meant to be called once the byte source reports EOF.
func (d *Decoder) Flush() (Event, bool) {
	rest := d.lines.Buffered()
	if len(rest) == 0 {
		return Event{}, false
	}
	ev, ok := d.decode(rest)
	if ok {
		// The event aliases the buffer, so hand out a copy before clearing.
		ev.Data = bytes.Clone(ev.Data)
	}
	d.lines.Reset()
	return ev, ok
}

func (d *Decoder) decode(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) == 0 {
		return Event{}, false
	}
	if d.done {
		d.skipped++
		return Event{}, false
	}
	if !bytes.HasPrefix(line, dataPrefix) {
		// comments, event:/id:/retry: fields and anything unknown
		d.skipped++
		return Event{}, false
	}

	payload := line[len(dataPrefix):]
	if bytes.Equal(bytes.TrimSpace(payload), doneSentinel) {
		d.done = true
		return Event{Done: true}, true
	}
	return Event{Data: payload}, true
}

// Done reports whether the "[DONE]" sentinel has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

// Skipped returns the number of non-blank lines that produced no event.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Reset prepares the decoder for a new stream, keeping buffer capacity.
func (d *Decoder) Reset() {
	d.lines.Reset()
	d.done = false
	d.skipped = 0
}
