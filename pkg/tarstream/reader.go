package tarstream

import (
	"bytes"
	"context"
	"io"

	"github.com/pkg/errors"
)

const readerChunkSize = 32 * 1024

var errReaderClosed = errors.New("tarstream: reader closed")

// Reader reads the members of a tar archive from an io.Reader, one at a
// time, using a Parser underneath. A Reader that is not read to the end
// must be closed.
type Reader struct {
	ctx context.Context
	src io.Reader
	p   *Parser

	pending  []*Entry
	cur      *Entry
	curEnded bool
	body     bytes.Buffer

	warnings []*Warning
	err      error
	done     bool
	srcDone  bool
	chunk    []byte
}

// NewReader returns a Reader parsing the archive in src. Cancelling ctx
// aborts the parse.
func NewReader(ctx context.Context, src io.Reader, opts Options) *Reader {
	r := &Reader{
		ctx:   ctx,
		src:   src,
		p:     NewParser(opts),
		chunk: make([]byte, readerChunkSize),
	}
	r.p.Subscribe(r.handle)
	return r
}

func (r *Reader) handle(ev Event) {
	switch ev := ev.(type) {
	case EntryEvent:
		r.pending = append(r.pending, ev.Entry)
	case WarnEvent:
		r.warnings = append(r.warnings, ev.Warning)
	case ErrorEvent:
		if r.err == nil {
			r.err = ev.Err
		}
	case EndEvent:
		r.done = true
	}
}

// Parser returns the underlying parser, for subscribing to its events.
func (r *Reader) Parser() *Parser {
	return r.p
}

// Warnings returns the warnings raised so far.
func (r *Reader) Warnings() []*Warning {
	return r.warnings
}

// Next advances to the next entry. The unread part of the current entry's
// body is discarded. At the end of the archive Next returns io.EOF.
func (r *Reader) Next() (*Entry, error) {
	if prev := r.cur; prev != nil {
		r.cur = nil
		r.body.Reset()
		// Its data listener drops everything once it is no longer current.
		prev.Resume()
	}
	for len(r.pending) == 0 {
		if r.err != nil {
			return nil, r.err
		}
		if r.done {
			return nil, io.EOF
		}
		if r.srcDone {
			return nil, io.ErrUnexpectedEOF
		}
		r.fill()
	}

	e := r.pending[0]
	r.pending = r.pending[1:]
	r.cur = e
	r.curEnded = false
	e.OnData(func(b []byte) {
		if r.cur == e {
			r.body.Write(b)
		}
	})
	e.OnEnd(func() {
		if r.cur == e {
			r.curEnded = true
		}
	})
	return e, nil
}

// Read reads from the body of the current entry. It returns
// io.ErrUnexpectedEOF if the archive ended before the body did.
func (r *Reader) Read(b []byte) (int, error) {
	if r.cur == nil {
		return 0, io.EOF
	}
	for r.body.Len() == 0 {
		if r.curEnded {
			if r.cur.Remain() > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, io.EOF
		}
		if r.err != nil {
			return 0, r.err
		}
		if r.srcDone {
			return 0, io.ErrUnexpectedEOF
		}
		r.fill()
	}
	return r.body.Read(b)
}

// Close stops a parse that has not reached the end of the source, which
// releases the decompressor of a compressed archive. It does not close the
// source. Next fails once the Reader is closed.
func (r *Reader) Close() error {
	r.cur = nil
	r.pending = nil
	r.body.Reset()
	if !r.srcDone {
		r.srcDone = true
		r.p.Abort(errReaderClosed)
	}
	if r.err == nil {
		r.err = errReaderClosed
	}
	return nil
}

// fill pushes the next chunk of the source into the parser.
func (r *Reader) fill() {
	if err := r.ctx.Err(); err != nil {
		r.srcDone = true
		r.p.Abort(err)
		return
	}
	n, err := r.src.Read(r.chunk)
	if n > 0 {
		r.p.Write(r.chunk[:n])
	}
	switch {
	case err == io.EOF:
		r.srcDone = true
		r.p.End()
	case err != nil:
		r.srcDone = true
		r.p.Abort(err)
	}
}
