package tarheader

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Encode returns the ustar block for h. Numeric fields that do not fit in
// octal are written in base-256. Access and change times are written in the
// star layout when the path prefix leaves room for them.
func (h *Header) Encode() ([]byte, error) {
	b := make([]byte, BlockSize)

	prefix, name, ok := splitUSTARPath(h.Path)
	if !ok {
		return nil, errors.Wrapf(ErrFieldTooLong, "path %q", h.Path)
	}
	for _, f := range []struct {
		field, value string
		off, size    int
	}{
		{"path", name, offName, 100},
		{"linkpath", h.Linkpath, offLinkname, 100},
		{"uname", h.Uname, offUname, 32},
		{"gname", h.Gname, offGname, 32},
		{"prefix", prefix, offPrefix, 155},
	} {
		if len(f.value) > f.size {
			return nil, errors.Wrapf(ErrFieldTooLong, "%s %q", f.field, f.value)
		}
		copy(b[f.off:f.off+f.size], f.value)
	}

	var mtime int64
	if !h.ModTime.IsZero() {
		mtime = h.ModTime.Unix()
	}
	for _, f := range []struct {
		field     string
		value     int64
		off, size int
	}{
		{"mode", int64(h.Mode), offMode, 8},
		{"uid", int64(h.UID), offUID, 8},
		{"gid", int64(h.GID), offGID, 8},
		{"size", h.Size, offSize, 12},
		{"mtime", mtime, offMtime, 12},
		{"devmajor", int64(h.DevMajor), offDevmajor, 8},
		{"devminor", int64(h.DevMinor), offDevminor, 8},
	} {
		if f.field != "mtime" && f.value < 0 {
			return nil, errors.Errorf("%s out of range: %d", f.field, f.value)
		}
		if !formatNumeric(b[f.off:f.off+f.size], f.value) {
			return nil, errors.Errorf("%s out of range: %d", f.field, f.value)
		}
	}

	if len(prefix) <= starPrefix {
		formatTime(b[offStarAtime:offStarAtime+12], h.AccessTime)
		formatTime(b[offStarCtime:offStarCtime+12], h.ChangeTime)
	}

	b[offTypeflag] = byte(h.Type)
	copy(b[offMagic:], magicUSTAR)

	sum, _ := Checksums(b)
	copy(b[offChksum:offChksum+8], fmt.Sprintf("%06o\x00 ", sum))
	return b, nil
}

func formatTime(b []byte, t time.Time) {
	if t.IsZero() {
		return
	}
	formatNumeric(b, t.Unix())
}

// formatNumeric writes x as zero-padded octal followed by a NUL, or in
// base-256 when octal cannot hold it. It reports false if neither fits.
func formatNumeric(b []byte, x int64) bool {
	n := len(b)
	if x >= 0 && x < 1<<(3*uint(n-1)) {
		copy(b, fmt.Sprintf("%0*o", n-1, x))
		b[n-1] = 0
		return true
	}
	bits := uint(n-1) * 8
	if n < 9 && (x < -1<<bits || x >= 1<<bits) {
		return false
	}
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(x)
		x >>= 8
	}
	b[0] |= 0x80
	return true
}

// splitUSTARPath splits a path into a prefix and name so that it fits the
// ustar layout, breaking at a slash.
func splitUSTARPath(p string) (prefix, name string, ok bool) {
	length := len(p)
	switch {
	case length <= 100:
		return "", p, true
	case length > 155+1:
		length = 155 + 1
	case p[length-1] == '/':
		length--
	}
	i := strings.LastIndex(p[:length], "/")
	if i <= 0 || i > 155 {
		return "", "", false
	}
	if n := len(p) - i - 1; n == 0 || n > 100 {
		return "", "", false
	}
	return p[:i], p[i+1:], true
}
