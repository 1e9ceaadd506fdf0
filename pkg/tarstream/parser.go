// Package tarstream implements a push parser for tar archives.
//
// Input is written to a Parser in chunks of any size, optionally compressed
// with gzip, brotli, zstd, xz or bzip2. The parser decodes the header
// blocks, applies pax and GNU extended headers, and delivers every member
// as an Entry through the events registered with Subscribe. Entries are
// delivered one at a time: the next EntryEvent is sent only once the body
// of the previous entry has been consumed.
//
// A Parser is not safe for concurrent use. All events are delivered on the
// goroutine calling Write, End or Abort, or on the goroutine resuming an
// Entry. Decompressing compressed input runs on a goroutine of its own,
// which exits once the parser is either ended or aborted.
package tarstream

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/moby/tarstream/pkg/compression"
	"github.com/moby/tarstream/pkg/tarheader"
	"github.com/pkg/errors"
)

type state int

const (
	stateBegin state = iota
	stateHeader
	stateBody
	stateIgnore
	stateMeta
)

// validity records whether the input has been seen to be a tar archive.
type validity int

const (
	validUnknown validity = iota
	validNo
	validYes
)

type subscriber struct {
	fn      func(Event)
	removed bool
}

// Parser is a streaming tar parser.
type Parser struct {
	opts        Options
	subscribers []*subscriber

	state        state
	buf          []byte
	consuming    bool
	writing      bool
	ended        bool
	emittedEnd   bool
	aborted      bool
	sawEOF       bool
	sawNullBlock bool
	valid        validity

	writeEntry *Entry
	readEntry  *Entry
	drainEntry *Entry
	queue      []Event

	ex   map[string]string
	gex  map[string]string
	meta []byte

	sniffed      bool
	head         []byte
	decoder      *compression.Decoder
	pending      [][]byte
	endRequested bool
	ending       bool
}

// NewParser returns a Parser configured with opts. The hooks in opts are
// subscribed before any other subscriber.
func NewParser(opts Options) *Parser {
	p := &Parser{opts: opts}
	if opts.OnWarn != nil {
		p.Subscribe(func(ev Event) {
			if w, ok := ev.(WarnEvent); ok {
				opts.OnWarn(w.Warning.TarCode, w.Warning.Message, w.Warning)
			}
		})
	}
	if opts.OnEntry != nil {
		p.Subscribe(func(ev Event) {
			if e, ok := ev.(EntryEvent); ok {
				opts.OnEntry(e.Entry)
			}
		})
	}
	if opts.OnDone != nil {
		p.Subscribe(func(ev Event) {
			if _, ok := ev.(EndEvent); ok {
				opts.OnDone()
			}
		})
	}
	return p
}

// Subscribe registers fn to receive every event emitted by the parser.
// Subscribers are called in registration order.
func (p *Parser) Subscribe(fn func(Event)) (unsubscribe func()) {
	s := &subscriber{fn: fn}
	p.subscribers = append(p.subscribers, s)
	return func() {
		s.removed = true
		p.subscribers = slices.DeleteFunc(p.subscribers, func(x *subscriber) bool { return x == s })
	}
}

func (p *Parser) dispatch(ev Event) {
	for _, s := range slices.Clone(p.subscribers) {
		if !s.removed {
			s.fn(ev)
		}
	}
}

// Write passes the next chunk of input to the parser. It returns false when
// the consumer of the current entry is not keeping up; a DrainEvent is sent
// once it is.
//
// Write may be called from an event handler. The chunk is then processed
// after the chunk being parsed. Writes made once End has been called fail
// with an ErrorEvent, including those made by handlers while End flushes the
// decompressor.
func (p *Parser) Write(b []byte) bool {
	if p.aborted {
		return false
	}
	if p.ended || p.ending || p.endRequested {
		p.dispatch(ErrorEvent{Err: errors.Wrap(errdefs.ErrFailedPrecondition, "write after end")})
		return false
	}
	if p.writing {
		p.pending = append(p.pending, slices.Clone(b))
		return p.writeResult()
	}

	p.writing = true
	p.feed(b, false)
	p.drainPending()
	p.writing = false

	if p.endRequested {
		p.endRequested = false
		p.End()
	}
	return p.writeResult()
}

func (p *Parser) writeResult() bool {
	if p.aborted || len(p.queue) > 0 {
		return false
	}
	re := p.readEntry
	if re == nil || re.flowing {
		return true
	}
	p.onDrain(re)
	return false
}

func (p *Parser) onDrain(e *Entry) {
	if p.drainEntry == e {
		return
	}
	p.drainEntry = e
	e.onceDrain(func() {
		if p.drainEntry == e {
			p.drainEntry = nil
		}
		if !p.aborted {
			p.dispatch(DrainEvent{})
		}
	})
}

func (p *Parser) drainPending() {
	for len(p.pending) > 0 && !p.aborted {
		b := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.feed(b, false)
	}
	p.pending = nil
}

// End signals the end of the input. The parser reports truncated input,
// delivers the remaining events and finishes with an EndEvent.
func (p *Parser) End() {
	if p.aborted || p.ended || p.ending {
		return
	}
	if p.writing {
		p.endRequested = true
		return
	}

	p.writing = true
	p.ending = true
	p.feed(nil, true)
	if p.decoder != nil && !p.aborted {
		if err := p.decoder.Close(); err != nil {
			p.writing = false
			p.Abort(err)
			return
		}
	}
	p.writing = false
	if p.aborted {
		return
	}

	p.ended = true
	p.consumeChunk(nil)
}

// Abort stops the parser. It emits an AbortEvent followed by an ErrorEvent
// carrying err, and ignores any further input.
func (p *Parser) Abort(err error) {
	if p.aborted {
		return
	}
	log.G(context.TODO()).WithError(err).Debug("tarstream: parser aborted")
	p.halt()
	p.dispatch(AbortEvent{Err: err})
	w := newWarning(CodeAbort, err.Error(), err)
	w.unrecoverable = true
	p.raise(w)
}

// Warn raises a warning. In strict mode it is delivered as an ErrorEvent
// and parsing stops.
func (p *Parser) Warn(code, message string) {
	p.raise(newWarning(code, message, nil))
}

// WarnError raises a warning carrying err. In strict mode err itself is
// delivered as the ErrorEvent's error.
func (p *Parser) WarnError(code string, err error) {
	p.raise(newWarning(code, err.Error(), err))
}

func (p *Parser) raise(w *Warning) {
	w.File = p.opts.File
	if !p.opts.Strict && !w.unrecoverable {
		p.dispatch(WarnEvent{Warning: w})
		return
	}
	var err error = w
	if w.Err != nil {
		err = w.Err
	}
	p.halt()
	p.dispatch(ErrorEvent{Err: err, Warning: w})
}

func (p *Parser) warnEntry(code, message string, e *Entry) {
	w := newWarning(code, message, nil)
	w.Entry = e
	if e != nil {
		w.Header = e.Header
	}
	p.raise(w)
}

func (p *Parser) warnError(code string, err error, hdr *tarheader.Header) {
	w := newWarning(code, err.Error(), err)
	w.Header = hdr
	p.raise(w)
}

// halt stops all processing. Events still queued behind the current entry
// are dropped.
func (p *Parser) halt() {
	p.aborted = true
	p.queue = nil
	p.pending = nil
	if p.decoder != nil {
		p.decoder.Abort()
	}
}

// consumeChunk parses decompressed input. Chunks arriving while a previous
// chunk is being parsed are appended to the buffer and picked up by the
// running loop.
func (p *Parser) consumeChunk(chunk []byte) {
	if p.consuming {
		p.buf = append(p.buf, chunk...)
		return
	}

	p.consuming = true
	if len(p.buf) == 0 {
		p.buf = chunk[:len(chunk):len(chunk)]
	} else {
		p.buf = append(p.buf, chunk...)
	}

	off := 0
	for !p.aborted && !p.sawEOF {
		avail := len(p.buf) - off
		if avail == 0 || avail < p.need() {
			break
		}
		switch p.state {
		case stateBegin, stateHeader:
			p.consumeHeader(p.buf[off : off+tarheader.BlockSize])
			off += tarheader.BlockSize
		case stateBody, stateIgnore:
			off += p.consumeBody(p.buf[off:])
		case stateMeta:
			off += p.consumeMeta(p.buf[off:])
		}
	}

	if p.aborted || p.sawEOF {
		p.buf = nil
	} else {
		p.buf = slices.Clone(p.buf[off:])
	}
	p.consuming = false

	if p.ended {
		p.maybeEnd()
	}
}

// need returns the number of buffered bytes required to make progress in
// the current state.
func (p *Parser) need() int {
	switch p.state {
	case stateBody, stateIgnore, stateMeta:
		return int(min(tarheader.BlockSize, p.writeEntry.blockRemain))
	}
	return tarheader.BlockSize
}

func (p *Parser) consumeHeader(block []byte) {
	if tarheader.IsZeroBlock(block) {
		if p.sawNullBlock {
			p.sawEOF = true
			if p.state == stateBegin {
				p.state = stateHeader
			}
			p.queueEvent(EOFEvent{})
		} else {
			p.sawNullBlock = true
			p.queueEvent(NullBlockEvent{})
		}
		return
	}

	if p.valid == validUnknown {
		p.valid = validNo
	}
	if p.sawNullBlock {
		p.sawNullBlock = false
		p.warnEntry(CodeEntryInvalid, "unexpected null block", nil)
		if p.aborted {
			return
		}
	}

	hdr, err := tarheader.Decode(block)
	if err != nil {
		var de *tarheader.DecodeError
		var partial *tarheader.Header
		if errors.As(err, &de) {
			partial = de.Header
		}
		p.warnError(CodeEntryInvalid, err, partial)
		return
	}

	meta := hdr.Type.IsMeta()
	if !meta {
		for _, ext := range []struct {
			records map[string]string
			global  bool
		}{{p.gex, true}, {p.ex, false}} {
			if len(ext.records) == 0 {
				continue
			}
			if err := hdr.ApplyPAX(ext.records, ext.global); err != nil {
				p.warnError(CodeEntryInvalid, err, hdr)
				if p.aborted {
					return
				}
			}
		}
	}

	switch {
	case hdr.Path == "":
		p.warnError(CodeEntryInvalid, errors.New("path is required"), hdr)
		return
	case hdr.Type.IsLink() && hdr.Linkpath == "":
		p.warnError(CodeEntryInvalid, errors.New("linkpath required"), hdr)
		return
	case !hdr.Type.IsLink() && !meta && hdr.Linkpath != "":
		p.warnError(CodeEntryInvalid, errors.New("linkpath forbidden"), hdr)
		return
	}

	e := newEntry(hdr, p.ex, p.gex)
	p.writeEntry = e
	if p.valid != validYes {
		if e.remain > 0 {
			e.OnEnd(func() {
				if !e.Invalid {
					p.valid = validYes
				}
			})
		} else {
			p.valid = validYes
		}
	}

	if e.Meta {
		p.startMeta(e)
		return
	}

	p.ex = nil
	if !e.Ignore && p.opts.Filter != nil && !p.opts.Filter(e.Path, e.Header) {
		e.Ignore = true
	}

	if e.Ignore {
		p.queueEvent(IgnoredEntryEvent{Entry: e})
		if e.remain > 0 {
			p.state = stateIgnore
		} else {
			p.state = stateHeader
			p.writeEntry = nil
			e.end()
		}
		e.Resume()
		return
	}

	if e.remain > 0 {
		p.state = stateBody
	} else {
		p.state = stateHeader
		p.writeEntry = nil
		e.end()
	}
	p.queue = append(p.queue, EntryEvent{Entry: e})
	if p.readEntry == nil {
		p.nextEntry()
	}
}

func (p *Parser) startMeta(e *Entry) {
	switch limit := p.opts.maxMetaEntrySize(); {
	case e.Size > limit:
		e.Ignore = true
		p.warnEntry(CodeMetaTooLarge, fmt.Sprintf("%s of %d bytes exceeds the limit of %d bytes", e.Type, e.Size, limit), e)
		if p.aborted {
			return
		}
		p.queueEvent(IgnoredEntryEvent{Entry: e})
		p.state = stateIgnore
		e.Resume()
	case e.Size > 0:
		p.meta = nil
		e.OnData(func(b []byte) {
			p.meta = append(p.meta, b...)
		})
		p.state = stateMeta
	default:
		p.state = stateHeader
		p.writeEntry = nil
		e.end()
	}
}

func (p *Parser) consumeBody(b []byte) int {
	e := p.writeEntry
	n := int(min(int64(len(b)), e.blockRemain))
	e.write(b[:n])
	if e.blockRemain == 0 {
		p.state = stateHeader
		p.writeEntry = nil
		e.end()
	}
	return n
}

func (p *Parser) consumeMeta(b []byte) int {
	e := p.writeEntry
	n := p.consumeBody(b)
	if p.writeEntry == nil {
		p.emitMeta(e)
	}
	return n
}

func (p *Parser) emitMeta(e *Entry) {
	data := p.meta
	p.meta = nil
	p.queueEvent(MetaEvent{Type: e.Type, Data: data})

	switch e.Type {
	case tarheader.ExtendedHeader, tarheader.OldExtendedHeader:
		records, err := tarheader.ParsePAX(data)
		p.ex = mergeRecords(p.ex, records)
		if err != nil {
			p.warnError(CodeEntryInvalid, err, e.Header)
		}
	case tarheader.GlobalExtendedHeader:
		records, err := tarheader.ParsePAX(data)
		p.gex = mergeRecords(p.gex, records)
		if err != nil {
			p.warnError(CodeEntryInvalid, err, e.Header)
		}
	case tarheader.NextFileHasLongPath, tarheader.OldGnuLongPath:
		p.ex = mergeRecords(p.ex, map[string]string{"path": cutNUL(data)})
	case tarheader.NextFileHasLongLinkpath:
		p.ex = mergeRecords(p.ex, map[string]string{"linkpath": cutNUL(data)})
	}
}

// mergeRecords returns a copy of dst updated with src. Maps handed to
// entries are never modified afterwards.
func mergeRecords(dst, src map[string]string) map[string]string {
	out := make(map[string]string, len(dst)+len(src))
	maps.Copy(out, dst)
	maps.Copy(out, src)
	return out
}

func cutNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// queueEvent delivers ev now if no entry is being read, and after the
// queued entries otherwise.
func (p *Parser) queueEvent(ev Event) {
	if len(p.queue) == 0 && p.readEntry == nil {
		p.deliver(ev)
		return
	}
	p.queue = append(p.queue, ev)
}

func (p *Parser) deliver(ev Event) {
	if _, ok := ev.(doneEvent); ok {
		p.finish()
		return
	}
	p.dispatch(ev)
}

// processEntry delivers the next queued event. It returns false when the
// queue is empty or an entry has to be consumed before continuing.
func (p *Parser) processEntry() bool {
	if p.aborted {
		p.queue = nil
		return false
	}
	if len(p.queue) == 0 {
		p.readEntry = nil
		return false
	}
	ev := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]

	ee, ok := ev.(EntryEvent)
	if !ok {
		p.deliver(ev)
		return true
	}
	p.readEntry = ee.Entry
	p.dispatch(ee)
	if !ee.Entry.emittedEnd {
		ee.Entry.OnEnd(p.nextEntry)
		return false
	}
	return true
}

func (p *Parser) nextEntry() {
	for p.processEntry() {
	}
	if p.aborted || len(p.queue) > 0 {
		return
	}
	re := p.readEntry
	if re == nil || re.flowing || re.Size == re.remain {
		if !p.writing {
			p.dispatch(DrainEvent{})
		}
		return
	}
	p.onDrain(re)
}

func (p *Parser) maybeEnd() {
	if !p.ended || p.emittedEnd || p.aborted || p.consuming {
		return
	}
	p.emittedEnd = true

	have := len(p.buf)
	if e := p.writeEntry; e != nil && e.blockRemain > 0 {
		p.warnEntry(CodeBadArchive, truncated(e.blockRemain, have), e)
		if p.aborted {
			return
		}
		if have > 0 {
			e.write(p.buf)
		}
		p.buf = nil
		p.writeEntry = nil
		e.end()
	} else if have > 0 && !p.sawEOF && p.valid == validYes {
		p.warnEntry(CodeBadArchive, truncated(tarheader.BlockSize, have), nil)
		if p.aborted {
			return
		}
		p.buf = nil
	}
	p.queueEvent(doneEvent{})
}

func truncated(needed int64, have int) string {
	return fmt.Sprintf("Truncated input (needed %d more bytes, only %d available)", needed, have)
}

// finish runs once every queued event has been delivered after End.
func (p *Parser) finish() {
	if p.aborted {
		return
	}
	if p.state == stateBegin || p.valid == validNo {
		p.warnEntry(CodeBadArchive, "Unrecognized archive format", nil)
		if p.aborted {
			return
		}
	}
	if !p.sawEOF {
		p.dispatch(EOFEvent{})
	}
	p.dispatch(EndEvent{})
}
