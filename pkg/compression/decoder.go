package compression

import (
	"context"
	"io"

	"github.com/containerd/log"
)

// readSize is the size of each read from the decompressor.
const readSize = 32 * 1024

type message struct {
	data []byte
	wait bool // the decompressor consumed its input and needs more
	err  error
	exit bool
}

// Decoder runs a pull-mode decompressor against input that is pushed to it
// in chunks. The decompressor runs on its own goroutine, but only while
// Write or Close is blocked waiting for it, so emit is always called on the
// caller's goroutine and never after Write or Close returns.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	compression Compression
	emit        func([]byte)

	in  chan []byte
	out chan message

	started  bool
	waiting  bool
	inClosed bool
	exited   bool
	aborted  bool
	err      error
}

// NewDecoder returns a Decoder that passes decompressed data to emit.
func NewDecoder(compression Compression, emit func([]byte)) *Decoder {
	return &Decoder{
		compression: compression,
		emit:        emit,
		in:          make(chan []byte),
		out:         make(chan message),
	}
}

// Compression returns the algorithm the Decoder undoes.
func (d *Decoder) Compression() Compression {
	return d.compression
}

func (d *Decoder) start() {
	if d.started {
		return
	}
	d.started = true
	log.G(context.TODO()).Debugf("tarstream: decompressing input as %s", d.compression)
	go d.run()
}

func (d *Decoder) run() {
	defer close(d.out)

	feed := &feedReader{in: d.in, out: d.out}
	r, err := NewReader(d.compression, feed)
	if err == nil {
		buf := make([]byte, readSize)
		for {
			n, rerr := r.Read(buf)
			if n > 0 {
				d.out <- message{data: append([]byte(nil), buf[:n]...)}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				err = rerr
				break
			}
		}
		r.Close()
	}
	d.out <- message{err: err, exit: true}
}

// pump delivers decompressed output until the decompressor either needs
// more input or exits.
func (d *Decoder) pump() {
	for !d.aborted {
		m, ok := <-d.out
		if !ok {
			d.exited = true
			return
		}
		switch {
		case m.exit:
			d.exited = true
			d.err = m.err
			return
		case m.wait:
			d.waiting = true
			return
		default:
			d.emit(m.data)
		}
	}
}

// Write passes p to the decompressor and returns once all output that can
// be produced from it has been emitted. Input written after the compressed
// stream ended is discarded.
func (d *Decoder) Write(p []byte) error {
	if d.aborted || d.inClosed {
		return d.err
	}
	d.start()
	if !d.waiting {
		d.pump()
	}
	if d.exited || d.aborted {
		return d.err
	}
	if len(p) == 0 {
		return nil
	}
	d.waiting = false
	d.in <- p
	d.pump()
	return d.err
}

// Close signals the end of the input and waits for the decompressor to
// finish. It returns the error that ended decompression, if any.
func (d *Decoder) Close() error {
	if d.aborted || d.inClosed {
		return d.err
	}
	d.start()
	for !d.exited && !d.aborted {
		if d.waiting && !d.inClosed {
			d.waiting = false
			d.inClosed = true
			close(d.in)
		}
		d.pump()
	}
	if !d.inClosed {
		d.inClosed = true
		close(d.in)
	}
	return d.err
}

// Abort stops the decompressor without delivering any more output.
func (d *Decoder) Abort() {
	if d.aborted {
		return
	}
	d.aborted = true
	if !d.started {
		return
	}
	if !d.inClosed {
		d.inClosed = true
		close(d.in)
	}
	go func() {
		for range d.out {
		}
	}()
	log.G(context.TODO()).Debugf("tarstream: %s decompression aborted", d.compression)
}

// feedReader is the io.Reader handed to the decompressor. It asks the
// caller for input whenever its current chunk is used up.
type feedReader struct {
	in  <-chan []byte
	out chan<- message
	buf []byte
	eof bool
}

func (f *feedReader) Read(p []byte) (int, error) {
	for len(f.buf) == 0 {
		if f.eof {
			return 0, io.EOF
		}
		f.out <- message{wait: true}
		chunk, ok := <-f.in
		if !ok {
			f.eof = true
			return 0, io.EOF
		}
		f.buf = chunk
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}
