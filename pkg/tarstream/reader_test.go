package tarstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/moby/go-archive"
	archivecompression "github.com/moby/go-archive/compression"
	"github.com/moby/tarstream/internal/tartest"
	"github.com/moby/tarstream/pkg/tarheader"
	"github.com/vbatts/tar-split/archive/tar"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"
)

// readAll returns the body of every entry the reader yields, keyed by path.
func readAll(t *testing.T, r *Reader) (map[string]string, []string) {
	t.Helper()
	bodies := map[string]string{}
	var order []string
	for {
		e, err := r.Next()
		if err == io.EOF {
			return bodies, order
		}
		assert.NilError(t, err)
		b, err := io.ReadAll(r)
		assert.NilError(t, err)
		bodies[e.Path] = string(b)
		order = append(order, e.Path)
	}
}

func writeTar(t *testing.T, format tar.Format, files []*tar.Header, bodies map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, hdr := range files {
		hdr.Format = format
		hdr.ModTime = time.Unix(1700000000, 0)
		body := bodies[hdr.Name]
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(body))
		}
		assert.NilError(t, tw.WriteHeader(hdr))
		_, err := io.WriteString(tw, body)
		assert.NilError(t, err)
	}
	assert.NilError(t, tw.Close())
	return buf.Bytes()
}

func TestReaderFixture(t *testing.T) {
	r := NewReader(context.Background(), bytes.NewReader(fixture(t)), Options{})
	bodies, _ := readAll(t, r)
	assert.DeepEqual(t, bodies, fixtureBodies())
	assert.Check(t, is.Len(r.Warnings(), 0))

	e, err := r.Next()
	assert.Check(t, e == nil)
	assert.Check(t, is.Equal(err, io.EOF))
}

func TestReaderTarSplitFormats(t *testing.T) {
	long := strings.Repeat("d", 120) + "/" + strings.Repeat("f", 120)
	target := strings.Repeat("target/", 20) + "file.txt"
	for _, format := range []tar.Format{tar.FormatPAX, tar.FormatGNU} {
		t.Run(format.String(), func(t *testing.T) {
			bodies := map[string]string{
				"a.txt": "hello",
				long:    strings.Repeat("x", 700),
			}
			data := writeTar(t, format, []*tar.Header{
				{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0o755},
				{Name: "a.txt", Typeflag: tar.TypeReg, Mode: 0o644, Uname: "someone", Uid: 1000},
				{Name: long, Typeflag: tar.TypeReg, Mode: 0o600},
				{Name: "link", Typeflag: tar.TypeSymlink, Linkname: target},
			}, bodies)

			var entries []*Entry
			r := NewReader(context.Background(), bytes.NewReader(data), Options{})
			r.Parser().Subscribe(func(ev Event) {
				if ev, ok := ev.(EntryEvent); ok {
					entries = append(entries, ev.Entry)
				}
			})
			got, order := readAll(t, r)
			assert.DeepEqual(t, order, []string{"dir/", "a.txt", long, "link"})
			assert.Check(t, is.Equal(got["a.txt"], "hello"))
			assert.Check(t, is.Equal(got[long], bodies[long]))
			assert.Check(t, is.Len(r.Warnings(), 0))

			assert.Assert(t, is.Len(entries, 4))
			assert.Check(t, is.Equal(entries[0].Type, tarheader.Directory))
			assert.Check(t, is.Equal(entries[1].Uname, "someone"))
			assert.Check(t, is.Equal(entries[1].UID, uint64(1000)))
			assert.Check(t, is.Equal(entries[1].Mode, uint32(0o644)))
			assert.Check(t, entries[1].ModTime.Equal(time.Unix(1700000000, 0)))
			assert.Check(t, is.Equal(entries[3].Type, tarheader.SymbolicLink))
			assert.Check(t, is.Equal(entries[3].Linkpath, target))
		})
	}
}

func TestReaderMobyArchive(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("nested-", 20) + "name.txt"
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	assert.NilError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "sub", long), bytes.Repeat([]byte("z"), 3000), 0o644))

	for _, c := range []archivecompression.Compression{archivecompression.None, archivecompression.Gzip} {
		t.Run(c.Extension(), func(t *testing.T) {
			rc, err := archive.Tar(dir, c)
			assert.NilError(t, err)
			defer rc.Close()

			r := NewReader(context.Background(), rc, Options{})
			got, _ := readAll(t, r)
			assert.Check(t, is.Equal(got["a.txt"], "hello"))
			assert.Check(t, is.Equal(got["sub/"], ""))
			assert.Check(t, is.Equal(got["sub/"+long], strings.Repeat("z", 3000)))
			assert.Check(t, is.Len(r.Warnings(), 0))
		})
	}
}

func TestReaderSkipsUnreadBodies(t *testing.T) {
	data := tartest.MakeTar(t,
		tartest.File("one", 2000), tartest.Fill('1', 2000),
		tartest.File("two", 3), "two",
		"", "",
	)
	r := NewReader(context.Background(), iotestHalfReader(data), Options{})
	e, err := r.Next()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(e.Path, "one"))

	b := make([]byte, 10)
	n, err := r.Read(b)
	assert.NilError(t, err)
	assert.Check(t, n > 0)

	e, err = r.Next()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(e.Path, "two"))
	body, err := io.ReadAll(r)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(body), "two"))

	_, err = r.Next()
	assert.Check(t, is.Equal(err, io.EOF))
}

// iotestHalfReader returns a reader handing out at most 100 bytes a call.
func iotestHalfReader(b []byte) io.Reader {
	return &smallReader{b: b}
}

type smallReader struct{ b []byte }

func (r *smallReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p[:min(len(p), 100)], r.b)
	r.b = r.b[n:]
	return n, nil
}

func TestReaderTruncated(t *testing.T) {
	data := tartest.MakeTar(t, tartest.File("a", 1000), []byte(tartest.Fill('a', 100)))
	r := NewReader(context.Background(), bytes.NewReader(data), Options{})
	e, err := r.Next()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(e.Path, "a"))

	body, err := io.ReadAll(r)
	assert.Check(t, is.ErrorIs(err, io.ErrUnexpectedEOF))
	assert.Check(t, is.Equal(string(body), tartest.Fill('a', 100)))
	assert.Assert(t, is.Len(r.Warnings(), 1))
	assert.Check(t, is.Equal(r.Warnings()[0].Message, "Truncated input (needed 1024 more bytes, only 100 available)"))

	_, err = r.Next()
	assert.Check(t, is.Equal(err, io.EOF))
}

func TestReaderStrict(t *testing.T) {
	data := tartest.MakeTar(t, tartest.File("a", 1), "a", invalidModeBlock(t), "", "")
	r := NewReader(context.Background(), bytes.NewReader(data), Options{Strict: true})
	e, err := r.Next()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(e.Path, "a"))

	_, err = r.Next()
	var de *tarheader.DecodeError
	assert.Check(t, errors.As(err, &de))
	assert.Check(t, is.ErrorContains(err, "invalid base256 encoding"))
}

func TestReaderContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewReader(ctx, bytes.NewReader(fixture(t)), Options{})
	_, err := r.Next()
	assert.Check(t, is.ErrorIs(err, context.Canceled))
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestReaderSourceError(t *testing.T) {
	src := io.MultiReader(bytes.NewReader(fixture(t)[:1024]), errReader{errors.New("connection reset")})
	r := NewReader(context.Background(), src, Options{})

	var err error
	for err == nil {
		_, err = r.Next()
	}
	assert.Check(t, is.Error(err, "connection reset"))
}

func TestReaderCloseReleasesDecompressor(t *testing.T) {
	body := make([]byte, 256*1024)
	rand.New(rand.NewSource(1)).Read(body)
	data := tartest.Gzip(t, tartest.MakeTar(t,
		tartest.File("a", 1), "a",
		tartest.File("noise", int64(len(body))), body,
		"", "",
	))
	assert.Assert(t, len(data) > 2*readerChunkSize)

	base := runtime.NumGoroutine()
	for range 50 {
		r := NewReader(context.Background(), bytes.NewReader(data), Options{})
		e, err := r.Next()
		assert.NilError(t, err)
		assert.Check(t, is.Equal(e.Path, "a"))
		assert.NilError(t, r.Close())

		_, err = r.Next()
		assert.Check(t, is.ErrorIs(err, errReaderClosed))
	}

	// The check itself runs on a goroutine of its own.
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if n := runtime.NumGoroutine(); n > base+1 {
			return poll.Continue("%d goroutines running, want at most %d", n, base+1)
		}
		return poll.Success()
	}, poll.WithDelay(10*time.Millisecond), poll.WithTimeout(5*time.Second))
}

func TestReaderCloseAfterEOF(t *testing.T) {
	r := NewReader(context.Background(), bytes.NewReader(fixture(t)), Options{})
	readAll(t, r)
	assert.NilError(t, r.Close())
	assert.Check(t, is.Len(r.Warnings(), 0))
}
