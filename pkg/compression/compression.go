// Package compression detects and undoes the compression wrapped around tar
// streams. It offers a pull-mode reader for io.Reader sources and a
// push-mode Decoder for callers that receive input in chunks.
package compression

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/containerd/log"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

// Compression is the state represents if compressed or not.
type Compression int

const (
	None   Compression = 0 // None represents the uncompressed.
	Bzip2  Compression = 1 // Bzip2 is bzip2 compression algorithm.
	Gzip   Compression = 2 // Gzip is gzip compression algorithm.
	Xz     Compression = 3 // Xz is xz compression algorithm.
	Zstd   Compression = 4 // Zstd is zstd compression algorithm.
	Brotli Compression = 5 // Brotli is brotli compression algorithm.
)

// Extension returns the extension of a file that uses the specified compression algorithm.
func (compression *Compression) Extension() string {
	switch *compression {
	case None:
		return "tar"
	case Bzip2:
		return "tar.bz2"
	case Gzip:
		return "tar.gz"
	case Xz:
		return "tar.xz"
	case Zstd:
		return "tar.zst"
	case Brotli:
		return "tar.br"
	}
	return ""
}

func (compression Compression) String() string {
	switch compression {
	case None:
		return "none"
	case Bzip2:
		return "bzip2"
	case Gzip:
		return "gzip"
	case Xz:
		return "xz"
	case Zstd:
		return "zstd"
	case Brotli:
		return "brotli"
	}
	return fmt.Sprintf("Compression(%d)", int(compression))
}

const (
	zstdMagicSkippableStart = 0x184D2A50
	zstdMagicSkippableMask  = 0xFFFFFFF0
)

var (
	bzip2Magic = []byte{0x42, 0x5A, 0x68}
	gzipMagic  = []byte{0x1F, 0x8B}
	xzMagic    = []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

type matcher = func([]byte) bool

func magicNumberMatcher(m []byte) matcher {
	return func(source []byte) bool {
		return bytes.HasPrefix(source, m)
	}
}

// zstdMatcher detects zstd compression algorithm.
// Zstandard compressed data is made of one or more frames.
// There are two frame formats defined by Zstandard: Zstandard frames and Skippable frames.
// See https://datatracker.ietf.org/doc/html/rfc8878#section-3 for more details.
func zstdMatcher() matcher {
	return func(source []byte) bool {
		if bytes.HasPrefix(source, zstdMagic) {
			// Zstandard frame
			return true
		}
		// skippable frame
		if len(source) < 8 {
			return false
		}
		// magic number from 0x184D2A50 to 0x184D2A5F.
		return binary.LittleEndian.Uint32(source[:4])&zstdMagicSkippableMask == zstdMagicSkippableStart
	}
}

// Detect detects the compression algorithm of the source. Brotli has no
// magic number and is never detected.
func Detect(source []byte) Compression {
	compressionMap := map[Compression]matcher{
		Bzip2: magicNumberMatcher(bzip2Magic),
		Gzip:  magicNumberMatcher(gzipMagic),
		Xz:    magicNumberMatcher(xzMagic),
		Zstd:  zstdMatcher(),
	}
	for _, compression := range []Compression{Bzip2, Gzip, Xz, Zstd} {
		fn := compressionMap[compression]
		if fn(source) {
			return compression
		}
	}
	return None
}

var filenameSuffixes = []struct {
	suffix      string
	compression Compression
}{
	{".tar.br", Brotli},
	{".tbr", Brotli},
	{".tar.gz", Gzip},
	{".tgz", Gzip},
	{".tar.zst", Zstd},
	{".tzst", Zstd},
	{".tar.xz", Xz},
	{".txz", Xz},
	{".tar.bz2", Bzip2},
	{".tbz2", Bzip2},
	{".tbz", Bzip2},
	{".tar", None},
}

// FromFilename returns the compression implied by the extension of name.
// The second return value is false if the extension is not recognized.
func FromFilename(name string) (Compression, bool) {
	lower := strings.ToLower(name)
	for _, s := range filenameSuffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return s.compression, true
		}
	}
	return None, false
}

type readCloserWrapper struct {
	io.Reader
	closer func() error
	closed atomic.Bool
}

func (r *readCloserWrapper) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		log.G(context.TODO()).Error("subsequent attempt to close readCloserWrapper")
		if log.GetLevel() >= log.DebugLevel {
			log.G(context.TODO()).Errorf("stack trace: %s", string(debug.Stack()))
		}

		return nil
	}
	return r.closer()
}

// DecompressStream decompresses the archive and returns a ReaderCloser with the decompressed archive.
func DecompressStream(archive io.Reader) (io.ReadCloser, error) {
	buf := bufio.NewReaderSize(archive, 32*1024)
	bs, err := buf.Peek(10)
	if err != nil && err != io.EOF {
		// An empty archive is read as an empty uncompressed stream.
		return nil, err
	}

	compressionType := Detect(bs)
	if compressionType == None {
		return &readCloserWrapper{Reader: buf, closer: func() error { return nil }}, nil
	}
	rc, err := NewReader(compressionType, buf)
	if err != nil {
		return nil, err
	}
	return &readCloserWrapper{Reader: rc, closer: rc.Close}, nil
}

// NewReader returns a reader that decompresses r with the given algorithm.
// Errors from the returned reader carry the algorithm name as a prefix.
func NewReader(compression Compression, r io.Reader) (io.ReadCloser, error) {
	var (
		rc  io.ReadCloser
		err error
	)
	switch compression {
	case None:
		rc = io.NopCloser(r)
	case Gzip:
		var gz *gzip.Reader
		gz, err = gzip.NewReader(r)
		rc = gz
	case Bzip2:
		rc = io.NopCloser(bzip2.NewReader(r))
	case Xz:
		var xzr *xz.Reader
		xzr, err = xz.NewReader(r)
		rc = io.NopCloser(xzr)
	case Zstd:
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err == nil {
			rc = &readCloserWrapper{Reader: zr, closer: func() error {
				zr.Close()
				return nil
			}}
		}
	case Brotli:
		rc = io.NopCloser(brotli.NewReader(r))
	default:
		return nil, fmt.Errorf("unsupported compression format %s", (&compression).Extension())
	}
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, prefixError(compression, err)
	}
	return &prefixedReader{ReadCloser: rc, compression: compression}, nil
}

type prefixedReader struct {
	io.ReadCloser
	compression Compression
}

func (r *prefixedReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		err = prefixError(r.compression, err)
	}
	return n, err
}

// prefixError names the algorithm in err unless the decoder already did.
func prefixError(compression Compression, err error) error {
	name := compression.String()
	if strings.HasPrefix(err.Error(), name+":") {
		return err
	}
	return errors.Wrap(err, name)
}
