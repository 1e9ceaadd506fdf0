// Package tartest provides fixtures for tests that parse tar archives.
package tartest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/moby/tarstream/pkg/tarheader"
	"gotest.tools/v3/assert"
)

// MakeTar builds an archive from chunks. A *tarheader.Header is encoded as
// a header block. A string is written as body data padded to the next block
// boundary; the empty string is a block of zeros. A []byte is written as is.
func MakeTar(t testing.TB, chunks ...any) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, c := range chunks {
		switch c := c.(type) {
		case *tarheader.Header:
			block, err := c.Encode()
			assert.NilError(t, err)
			buf.Write(block)
		case string:
			if c == "" {
				buf.Write(make([]byte, tarheader.BlockSize))
				continue
			}
			buf.WriteString(c)
			buf.Write(make([]byte, blockPad(len(c))))
		case []byte:
			buf.Write(c)
		default:
			t.Fatalf("unsupported chunk type %T", c)
		}
	}
	return buf.Bytes()
}

func blockPad(n int) int {
	if r := n % tarheader.BlockSize; r != 0 {
		return tarheader.BlockSize - r
	}
	return 0
}

// File returns a header for a regular file.
func File(path string, size int64) *tarheader.Header {
	return &tarheader.Header{Path: path, Type: tarheader.File, Size: size, Mode: 0o644}
}

// Dir returns a header for a directory.
func Dir(path string) *tarheader.Header {
	return &tarheader.Header{Path: path, Type: tarheader.Directory, Mode: 0o755}
}

// Fill returns n copies of c, for use as an entry body.
func Fill(c byte, n int) string {
	return strings.Repeat(string(c), n)
}

// Gzip compresses b.
func Gzip(t testing.TB, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(b)
	assert.NilError(t, err)
	assert.NilError(t, w.Close())
	return buf.Bytes()
}

// Brotli compresses b.
func Brotli(t testing.TB, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(b)
	assert.NilError(t, err)
	assert.NilError(t, w.Close())
	return buf.Bytes()
}

// Zstd compresses b.
func Zstd(t testing.TB, b []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	assert.NilError(t, err)
	defer enc.Close()
	return enc.EncodeAll(b, nil)
}

// Loop runs deferred functions in order, including the ones they defer in
// turn. It stands in for callbacks that run after the current call stack
// has unwound.
type Loop struct {
	tasks []func()
}

// Defer schedules fn.
func (l *Loop) Defer(fn func()) {
	l.tasks = append(l.tasks, fn)
}

// Run runs scheduled functions until none are left.
func (l *Loop) Run() {
	for len(l.tasks) > 0 {
		fn := l.tasks[0]
		l.tasks = l.tasks[1:]
		fn()
	}
}
