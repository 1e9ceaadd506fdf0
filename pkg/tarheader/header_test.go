package tarheader

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"pgregory.net/rapid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := &Header{
			Path:     rapid.StringMatching(`[a-z0-9_.-]{1,30}(/[a-z0-9_.-]{1,30}){0,4}`).Draw(t, "path"),
			Mode:     rapid.Uint32().Draw(t, "mode"),
			UID:      rapid.Uint64Range(0, 1<<56-1).Draw(t, "uid"),
			GID:      rapid.Uint64Range(0, 1<<56-1).Draw(t, "gid"),
			Size:     rapid.Int64Range(0, MaxSize).Draw(t, "size"),
			ModTime:  time.Unix(rapid.Int64Range(-1<<40, 1<<40).Draw(t, "mtime"), 0).UTC(),
			Type:     rapid.SampledFrom([]Type{File, Link, SymbolicLink, CharacterDevice, BlockDevice, FIFO, ContiguousFile}).Draw(t, "type"),
			Linkpath: rapid.StringMatching(`[a-z/]{0,100}`).Draw(t, "linkpath"),
			Uname:    rapid.StringMatching(`[a-z]{0,32}`).Draw(t, "uname"),
			Gname:    rapid.StringMatching(`[a-z]{0,32}`).Draw(t, "gname"),
			DevMajor: rapid.Uint64Range(0, 1<<56-1).Draw(t, "devmajor"),
			DevMinor: rapid.Uint64Range(0, 1<<56-1).Draw(t, "devminor"),
		}
		if at := rapid.Int64Range(0, 1<<33).Draw(t, "atime"); at != 0 {
			h.AccessTime = time.Unix(at, 0).UTC()
		}
		if ct := rapid.Int64Range(0, 1<<33).Draw(t, "ctime"); ct != 0 {
			h.ChangeTime = time.Unix(ct, 0).UTC()
		}

		block, err := h.Encode()
		assert.NilError(t, err)
		assert.Equal(t, len(block), BlockSize)

		expected := h.Clone()
		if prefix, _, _ := splitUSTARPath(h.Path); len(prefix) > starPrefix {
			expected.AccessTime = time.Time{}
			expected.ChangeTime = time.Time{}
		}

		got, err := Decode(block)
		assert.NilError(t, err)
		assert.DeepEqual(t, got, expected, cmpopts.IgnoreFields(Header{}, "Checksum"))
	})
}

func TestEncodeBase256(t *testing.T) {
	h := &Header{
		Path:    "big",
		Type:    File,
		Mode:    0o7777,
		UID:     1 << 40,
		GID:     0o7777777,
		Size:    1 << 30,
		ModTime: time.Unix(-1, 0),
	}
	block, err := h.Encode()
	assert.NilError(t, err)

	// mode fits in octal, uid does not, gid is the largest octal value.
	assert.Check(t, is.Equal(string(block[offMode:offMode+8]), "0007777\x00"))
	assert.Check(t, is.Equal(block[offUID], byte(0x80)))
	assert.Check(t, is.Equal(string(block[offGID:offGID+8]), "7777777\x00"))
	assert.Check(t, is.Equal(string(block[offSize:offSize+12]), "10000000000\x00"))
	assert.Check(t, is.Equal(block[offMtime], byte(0xff)))

	got, err := Decode(block)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.UID, uint64(1<<40)))
	assert.Check(t, is.Equal(got.ModTime.Unix(), int64(-1)))
}

func TestDecodeInvalidBase256(t *testing.T) {
	h := &Header{Path: "path", Mode: 0o7777, UID: 1234, GID: 4321, Type: File, Size: 1}
	block, err := h.Encode()
	assert.NilError(t, err)
	copy(block[offMode:], []byte{0x81, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})

	_, err = Decode(block)
	assert.Error(t, err, "invalid base256 encoding")
	assert.Check(t, errdefs.IsInvalidArgument(err))

	var derr *DecodeError
	assert.Assert(t, errors.As(err, &derr))
	assert.Check(t, is.Equal(derr.Field, "mode"))
}

func TestDecodeChecksum(t *testing.T) {
	h := &Header{Path: "file", Type: File, Size: 3}
	block, err := h.Encode()
	assert.NilError(t, err)

	t.Run("mismatch", func(t *testing.T) {
		b := append([]byte(nil), block...)
		b[offName] = 'F'
		_, err := Decode(b)
		assert.Error(t, err, "checksum mismatch")

		var derr *DecodeError
		assert.Assert(t, errors.As(err, &derr))
		assert.Assert(t, derr.Header != nil)
		assert.Check(t, is.Equal(derr.Header.Path, "File"))
	})

	t.Run("signed", func(t *testing.T) {
		b := append([]byte(nil), block...)
		copy(b[offUname:], "\xe9t\xe9")
		_, signed := Checksums(b)
		copy(b[offChksum:offChksum+8], strings.Repeat("\x00", 8))
		copy(b[offChksum:], []byte(formatOctalForTest(int64(signed))))
		got, err := Decode(b)
		assert.NilError(t, err)
		assert.Check(t, is.Equal(got.Uname, "\xe9t\xe9"))
	})
}

func formatOctalForTest(v int64) string {
	b := make([]byte, 8)
	formatNumeric(b[:7], v)
	return string(b[:6]) + "\x00 "
}

func TestDecodeInvalidTypeFlag(t *testing.T) {
	h := &Header{Path: "file", Type: Type('z')}
	block, err := h.Encode()
	assert.NilError(t, err)

	_, err = Decode(block)
	assert.Error(t, err, "invalid type flag")
	assert.Check(t, is.Equal(Type('z').String(), `Unknown('z')`))
}

func TestDecodeOldStyleDirectory(t *testing.T) {
	h := &Header{Path: "dir/", Type: OldFile, Size: 100}
	block, err := h.Encode()
	assert.NilError(t, err)

	got, err := Decode(block)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.Type, Directory))
	assert.Check(t, is.Equal(got.Size, int64(0)))
}

func TestDecodeGNU(t *testing.T) {
	h := &Header{Path: "gnu", Type: File, Uname: "root", Gname: "wheel", Size: 10}
	block, err := h.Encode()
	assert.NilError(t, err)

	copy(block[offMagic:], magicGNU)
	for i := offPrefix; i < offPrefix+155; i++ {
		block[i] = 0
	}
	formatNumeric(block[offGNUAtime:offGNUAtime+12], 1000)
	// garbage ctime written by old GNU tar is dropped
	copy(block[offGNUCtime:], "zzzz")
	sum, _ := Checksums(block)
	copy(block[offChksum:offChksum+8], formatOctalForTest(int64(sum)))

	got, err := Decode(block)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.Uname, "root"))
	assert.Check(t, is.Equal(got.Gname, "wheel"))
	assert.Check(t, got.AccessTime.Equal(time.Unix(1000, 0)))
	assert.Check(t, got.ChangeTime.IsZero())
}

func TestEncodeLongPath(t *testing.T) {
	long := strings.Repeat("a", 120) + "/" + strings.Repeat("b", 90)
	h := &Header{Path: long, Type: File}
	block, err := h.Encode()
	assert.NilError(t, err)

	got, err := Decode(block)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.Path, long))

	h.Path = strings.Repeat("c", 101)
	_, err = h.Encode()
	assert.Check(t, errors.Is(err, ErrFieldTooLong))

	h.Path = "ok"
	h.Linkpath = strings.Repeat("l", 101)
	_, err = h.Encode()
	assert.Check(t, errors.Is(err, ErrFieldTooLong))
}

func TestSplitUSTARPath(t *testing.T) {
	for _, tc := range []struct {
		in, prefix, name string
		ok               bool
	}{
		{in: "short", name: "short", ok: true},
		{in: strings.Repeat("a", 101)},
		{in: "/" + strings.Repeat("a", 101)},
		{in: strings.Repeat("a", 60) + "/" + strings.Repeat("b", 60), prefix: strings.Repeat("a", 60), name: strings.Repeat("b", 60), ok: true},
		{in: strings.Repeat("a", 60) + "/" + strings.Repeat("b", 60) + "/", prefix: strings.Repeat("a", 60), name: strings.Repeat("b", 60) + "/", ok: true},
		{in: strings.Repeat("a", 156) + "/b"},
	} {
		prefix, name, ok := splitUSTARPath(tc.in)
		assert.Check(t, is.Equal(ok, tc.ok), tc.in)
		assert.Check(t, is.Equal(prefix, tc.prefix), tc.in)
		assert.Check(t, is.Equal(name, tc.name), tc.in)
	}
}

func TestIsZeroBlock(t *testing.T) {
	b := make([]byte, BlockSize)
	assert.Check(t, IsZeroBlock(b))
	b[511] = 1
	assert.Check(t, !IsZeroBlock(b))
}

func TestTypeClassification(t *testing.T) {
	assert.Check(t, ExtendedHeader.IsMeta())
	assert.Check(t, NextFileHasLongPath.IsMeta())
	assert.Check(t, !File.IsMeta())
	assert.Check(t, SymbolicLink.IsLink())
	assert.Check(t, !Directory.IsLink())
	assert.Check(t, GNUDumpDir.Supported())
	assert.Check(t, !SparseFile.Supported())
	assert.Check(t, is.Equal(ContiguousFile.String(), "ContiguousFile"))
}

func TestDecodeSizeOutOfRange(t *testing.T) {
	for _, size := range []int64{math.MaxInt64, math.MaxInt64 - 100, MaxSize + 1} {
		h := &Header{Path: "big", Type: File, Mode: 0o644, Size: size}
		block, err := h.Encode()
		assert.NilError(t, err)
		assert.Check(t, is.Equal(block[offSize], byte(0x80)))

		_, err = Decode(block)
		assert.Check(t, is.ErrorContains(err, "size out of range"))
		var derr *DecodeError
		assert.Assert(t, errors.As(err, &derr))
		assert.Check(t, is.Equal(derr.Field, "size"))
	}

	h := &Header{Path: "big", Type: File, Mode: 0o644, Size: MaxSize}
	block, err := h.Encode()
	assert.NilError(t, err)
	got, err := Decode(block)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.Size, int64(MaxSize)))
}
