// Package tarheader decodes and encodes single 512-byte tar header blocks.
//
// The codec is pure: it performs no I/O and keeps no state across calls.
// It understands the ustar, star and GNU header layouts, octal and base-256
// numeric fields, and pax extended header records.
package tarheader

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// BlockSize is the size of a tar block.
const BlockSize = 512

// MaxSize is the largest entry size whose body can be padded to a whole
// number of blocks without overflowing an int64.
const MaxSize = math.MaxInt64 - (BlockSize - 1)

// Field offsets within a header block.
const (
	offName     = 0
	offMode     = 100
	offUID      = 108
	offGID      = 116
	offSize     = 124
	offMtime    = 136
	offChksum   = 148
	offTypeflag = 156
	offLinkname = 157
	offMagic    = 257
	offUname    = 265
	offGname    = 297
	offDevmajor = 329
	offDevminor = 337
	offPrefix   = 345

	// GNU keeps atime and ctime where ustar keeps the prefix.
	offGNUAtime = 345
	offGNUCtime = 357

	// star shortens the prefix to make room for atime and ctime.
	offStarAtime = 476
	offStarCtime = 488
	starPrefix   = 130
)

const (
	magicUSTAR = "ustar\x0000"
	magicGNU   = "ustar  \x00"
)

// ErrFieldTooLong is returned by Encode when a string field does not fit
// in the ustar layout and would need a pax extended header.
var ErrFieldTooLong = errors.New("header field too long")

// Header is the decoded view of one header block.
type Header struct {
	Path     string
	Mode     uint32
	UID      uint64
	GID      uint64
	Size     int64
	ModTime  time.Time
	Type     Type
	Linkpath string
	Uname    string
	Gname    string
	DevMajor uint64
	DevMinor uint64

	// AccessTime and ChangeTime are only present in GNU and star headers
	// or pax records. They are zero when absent.
	AccessTime time.Time
	ChangeTime time.Time

	// Checksum is the value stored in the block, not a recomputed one.
	Checksum uint32

	// PAXRecords holds every pax record applied to this header.
	PAXRecords map[string]string
}

// Clone returns a deep copy of h.
func (h *Header) Clone() *Header {
	c := *h
	if h.PAXRecords != nil {
		c.PAXRecords = make(map[string]string, len(h.PAXRecords))
		for k, v := range h.PAXRecords {
			c.PAXRecords[k] = v
		}
	}
	return &c
}

// DecodeError describes a block that could not be decoded.
type DecodeError struct {
	Reason string
	Field  string

	// Header is the partially decoded header, when the fields parsed but
	// the block failed verification.
	Header *Header
}

func (e *DecodeError) Error() string {
	return e.Reason
}

func (e *DecodeError) Unwrap() error {
	return errdefs.ErrInvalidArgument
}

func invalidField(field, reason string) *DecodeError {
	return &DecodeError{Reason: reason, Field: field}
}

// IsZeroBlock reports whether b consists only of NUL bytes.
func IsZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Decode parses a single header block. Numeric fields are checked first,
// then the checksum, then the type flag.
func Decode(block []byte) (*Header, error) {
	if len(block) < BlockSize {
		return nil, invalidField("", "short header block")
	}
	block = block[:BlockSize]

	d := decoder{b: block}
	h := &Header{
		Path:     d.str(offName, 100),
		Mode:     uint32(d.unsigned("mode", offMode, 8, math.MaxUint32)),
		UID:      d.unsigned("uid", offUID, 8, math.MaxUint64),
		GID:      d.unsigned("gid", offGID, 8, math.MaxUint64),
		Size:     int64(d.unsigned("size", offSize, 12, MaxSize)),
		ModTime:  time.Unix(d.num("mtime", offMtime, 12), 0).UTC(),
		Type:     Type(block[offTypeflag]),
		Linkpath: d.str(offLinkname, 100),
	}
	h.Checksum = uint32(d.unsigned("cksum", offChksum, 8, math.MaxUint32))

	switch string(block[offMagic : offMagic+8]) {
	case magicUSTAR:
		h.Uname = d.str(offUname, 32)
		h.Gname = d.str(offGname, 32)
		h.DevMajor = d.unsigned("devmajor", offDevmajor, 8, math.MaxUint64)
		h.DevMinor = d.unsigned("devminor", offDevminor, 8, math.MaxUint64)
		var prefix string
		if block[offPrefix+starPrefix] == 0 {
			prefix = d.str(offPrefix, starPrefix)
			h.AccessTime = d.timestamp("atime", offStarAtime)
			h.ChangeTime = d.timestamp("ctime", offStarCtime)
		} else {
			prefix = d.str(offPrefix, 155)
		}
		if prefix != "" {
			h.Path = prefix + "/" + h.Path
		}
	case magicGNU:
		h.Uname = d.str(offUname, 32)
		h.Gname = d.str(offGname, 32)
		h.DevMajor = d.unsigned("devmajor", offDevmajor, 8, math.MaxUint64)
		h.DevMinor = d.unsigned("devminor", offDevminor, 8, math.MaxUint64)
		h.AccessTime = d.lenientTime(offGNUAtime)
		h.ChangeTime = d.lenientTime(offGNUCtime)
	}
	if d.err != nil {
		return nil, d.err
	}

	if !ValidChecksum(block, h.Checksum) {
		return nil, &DecodeError{Reason: "checksum mismatch", Field: "cksum", Header: h}
	}
	if !h.Type.Valid() {
		return nil, &DecodeError{Reason: "invalid type flag", Field: "typeflag", Header: h}
	}
	h.normalize()
	return h, nil
}

// normalize applies the rules that depend on more than one field.
func (h *Header) normalize() {
	if (h.Type == File || h.Type == OldFile) && strings.HasSuffix(h.Path, "/") {
		h.Type = Directory
	}
	if h.Type == Directory {
		h.Size = 0
	}
}

// Checksums returns the unsigned and signed sums of block with the
// checksum field counted as spaces.
func Checksums(block []byte) (unsigned uint32, signed int32) {
	for i, c := range block[:BlockSize] {
		if i >= offChksum && i < offChksum+8 {
			c = ' '
		}
		unsigned += uint32(c)
		signed += int32(int8(c))
	}
	return unsigned, signed
}

// ValidChecksum reports whether sum matches either checksum of block.
// Some historic writers summed signed bytes.
func ValidChecksum(block []byte, sum uint32) bool {
	u, s := Checksums(block)
	return sum == u || int64(sum) == int64(s)
}

type decoder struct {
	b   []byte
	err error
}

func (d *decoder) fail(field, reason string) {
	if d.err == nil {
		d.err = invalidField(field, reason)
	}
}

func (d *decoder) str(off, size int) string {
	f := d.b[off : off+size]
	if i := bytes.IndexByte(f, 0); i >= 0 {
		f = f[:i]
	}
	return string(f)
}

func (d *decoder) num(field string, off, size int) int64 {
	v, err := parseNumeric(d.b[off : off+size])
	if err != nil {
		d.fail(field, err.Error())
	}
	return v
}

func (d *decoder) unsigned(field string, off, size int, limit uint64) uint64 {
	v := d.num(field, off, size)
	switch {
	case v < 0:
		d.fail(field, "negative "+field)
		return 0
	case uint64(v) > limit:
		d.fail(field, field+" out of range")
		return 0
	}
	return uint64(v)
}

func (d *decoder) timestamp(field string, off int) time.Time {
	v := d.num(field, off, 12)
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

// lenientTime reads a GNU atime or ctime field. Old GNU writers stored
// garbage here, so unparseable values are dropped instead of failing.
func (d *decoder) lenientTime(off int) time.Time {
	v, err := parseNumeric(d.b[off : off+12])
	if err != nil || v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

var (
	errBase256   = errors.New("invalid base256 encoding")
	errOctal     = errors.New("invalid octal encoding")
	errNumericOv = errors.New("numeric field overflow")
)

func parseNumeric(b []byte) (int64, error) {
	if len(b) > 0 && b[0]&0x80 != 0 {
		return parseBase256(b)
	}
	return parseOctal(b)
}

// parseBase256 decodes a big-endian two's complement value whose first
// byte is 0x80 for positive or 0xff for negative numbers.
func parseBase256(b []byte) (int64, error) {
	var inv byte
	switch b[0] {
	case 0x80:
	case 0xff:
		inv = 0xff
	default:
		return 0, errBase256
	}
	var x uint64
	for i, c := range b {
		c ^= inv
		if i == 0 {
			c &= 0x7f
		}
		if x>>56 > 0 {
			return 0, errNumericOv
		}
		x = x<<8 | uint64(c)
	}
	if x>>63 > 0 {
		return 0, errNumericOv
	}
	if inv == 0xff {
		return ^int64(x), nil
	}
	return int64(x), nil
}

func parseOctal(b []byte) (int64, error) {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	s := strings.Trim(string(b), " ")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 8, 63)
	if err != nil {
		return 0, errOctal
	}
	return int64(v), nil
}
