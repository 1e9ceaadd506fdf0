package tarstream

import (
	"bytes"
	"io"

	"github.com/moby/tarstream/pkg/tarheader"
)

// Entry is one member of the archive. Its body is delivered through the
// listeners registered with OnData, as the parser receives it.
//
// An Entry starts out paused: body data is buffered until the consumer
// calls Resume, attaches a data listener or pipes it somewhere. A consumer
// that does not care about the body calls Resume without attaching any
// listener, which discards it.
//
// Entries belong to the goroutine driving the Parser and are not safe for
// concurrent use.
type Entry struct {
	*tarheader.Header

	// Meta is set for extended headers whose body is consumed by the parser.
	Meta bool
	// Ignore drops the rest of the body. The parser sets it for filtered
	// entries and for types it does not deliver.
	Ignore bool
	// Invalid marks an entry that a consumer rejected. Entries marked
	// invalid before their body ends do not count as proof that the input
	// is a tar archive.
	Invalid bool

	// Extended and GlobalExtended are the pax records in effect when the
	// entry was read.
	Extended       map[string]string
	GlobalExtended map[string]string

	remain      int64
	blockRemain int64

	buffer     [][]byte
	flowing    bool
	eof        bool
	emittedEnd bool

	dataListeners  []func([]byte)
	endListeners   []func()
	drainListeners []func()

	err error
}

func newEntry(hdr *tarheader.Header, ex, gex map[string]string) *Entry {
	e := &Entry{
		Header:         hdr,
		remain:         hdr.Size,
		blockRemain:    padded(hdr.Size),
		Extended:       ex,
		GlobalExtended: gex,
	}
	switch {
	case hdr.Type.IsMeta():
		e.Meta = true
	case !hdr.Type.Supported():
		e.Ignore = true
	}
	return e
}

// padded rounds size up to a whole number of blocks.
func padded(size int64) int64 {
	return (size + tarheader.BlockSize - 1) &^ (tarheader.BlockSize - 1)
}

// Remain returns the number of body bytes not yet received by the parser.
func (e *Entry) Remain() int64 {
	return e.remain
}

// BlockRemain returns the number of bytes, body and padding, the parser
// still has to read before the next header.
func (e *Entry) BlockRemain() int64 {
	return e.blockRemain
}

// Flowing reports whether body data is passed to listeners as it arrives.
func (e *Entry) Flowing() bool {
	return e.flowing
}

// Ended reports whether the whole body has been delivered.
func (e *Entry) Ended() bool {
	return e.emittedEnd
}

// Err returns the first error returned by a writer passed to Pipe.
func (e *Entry) Err() error {
	return e.err
}

// write hands the next part of the block-aligned body to the entry. Padding
// past the declared size is dropped.
func (e *Entry) write(b []byte) {
	n := int64(len(b))
	r := e.remain
	e.remain = max(0, r-n)
	e.blockRemain = max(0, e.blockRemain-n)
	if e.Ignore {
		return
	}
	if r < n {
		b = b[:r]
	}
	if len(b) == 0 {
		return
	}
	if e.flowing && len(e.buffer) == 0 {
		e.emitData(b)
		return
	}
	e.buffer = append(e.buffer, bytes.Clone(b))
}

// end marks the body as complete.
func (e *Entry) end() {
	e.eof = true
	e.maybeEmitEnd()
}

func (e *Entry) emitData(b []byte) {
	for _, fn := range append([]func([]byte){}, e.dataListeners...) {
		fn(b)
	}
	e.maybeEmitEnd()
}

func (e *Entry) maybeEmitEnd() {
	if e.emittedEnd || !e.eof || len(e.buffer) > 0 {
		return
	}
	e.emittedEnd = true
	listeners := e.endListeners
	e.endListeners = nil
	for _, fn := range listeners {
		fn()
	}
}

func (e *Entry) emitDrain() {
	listeners := e.drainListeners
	e.drainListeners = nil
	for _, fn := range listeners {
		fn()
	}
}

// Pause stops the delivery of body data. Data received while paused is
// buffered.
func (e *Entry) Pause() {
	e.flowing = false
}

// Resume delivers buffered data and switches the entry to flowing mode. If
// no data listener is registered, the body is discarded.
func (e *Entry) Resume() {
	e.flowing = true
	for e.flowing && len(e.buffer) > 0 {
		b := e.buffer[0]
		e.buffer[0] = nil
		e.buffer = e.buffer[1:]
		e.emitData(b)
	}
	if len(e.buffer) > 0 {
		return
	}
	if e.eof {
		e.maybeEmitEnd()
		return
	}
	e.emitDrain()
}

// OnData registers fn to receive body data and resumes the entry if it is
// paused. fn must not retain the slice it is passed.
func (e *Entry) OnData(fn func([]byte)) {
	e.dataListeners = append(e.dataListeners, fn)
	if !e.flowing {
		e.Resume()
	}
}

// OnEnd registers fn to be called once the whole body has been delivered.
// If that already happened, fn is called immediately.
func (e *Entry) OnEnd(fn func()) {
	if e.emittedEnd {
		fn()
		return
	}
	e.endListeners = append(e.endListeners, fn)
}

func (e *Entry) onceDrain(fn func()) {
	e.drainListeners = append(e.drainListeners, fn)
}

// Pipe copies the body to w. Writing stops at the first error, which is
// then reported by Err.
func (e *Entry) Pipe(w io.Writer) {
	e.OnData(func(b []byte) {
		if e.err != nil {
			return
		}
		if _, err := w.Write(b); err != nil {
			e.err = err
		}
	})
}
