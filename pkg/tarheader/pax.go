package tarheader

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Pax keys understood by ApplyPAX.
const (
	paxPath     = "path"
	paxLinkpath = "linkpath"
	paxSize     = "size"
	paxUID      = "uid"
	paxGID      = "gid"
	paxUname    = "uname"
	paxGname    = "gname"
	paxMtime    = "mtime"
	paxAtime    = "atime"
	paxCtime    = "ctime"
)

// ParsePAX parses the body of a pax extended header. The body ends at its
// declared size or at the first NUL byte. When a malformed record is found,
// the records decoded before it are returned along with the error.
func ParsePAX(body []byte) (map[string]string, error) {
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	recs := make(map[string]string)
	s := string(body)
	for len(s) > 0 {
		k, v, rest, err := parsePAXRecord(s)
		if err != nil {
			return recs, err
		}
		recs[k] = v
		s = rest
	}
	return recs, nil
}

// parsePAXRecord reads one "%d %s=%s\n" record, where the leading length
// counts the whole record including itself.
func parsePAXRecord(s string) (k, v, rest string, err error) {
	bad := invalidField("pax", "invalid pax record")

	nStr, after, ok := strings.Cut(s, " ")
	if !ok {
		return "", "", s, bad
	}
	n, perr := strconv.ParseInt(nStr, 10, 0)
	if perr != nil || n < 5 || n > int64(len(s)) {
		return "", "", s, bad
	}
	n -= int64(len(nStr) + 1)
	if n <= 0 {
		return "", "", s, bad
	}
	rec, nl, rest := after[:n-1], after[n-1:n], after[n:]
	if nl != "\n" {
		return "", "", s, bad
	}
	k, v, ok = strings.Cut(rec, "=")
	if !ok || k == "" {
		return "", "", s, bad
	}
	return k, v, rest, nil
}

// FormatPAX encodes records as a pax extended header body with the keys in
// sorted order.
func FormatPAX(records map[string]string) []byte {
	var buf bytes.Buffer
	for _, k := range sortedKeys(records) {
		buf.WriteString(formatPAXRecord(k, records[k]))
	}
	return buf.Bytes()
}

func formatPAXRecord(k, v string) string {
	const padding = 3 // space, '=' and newline
	size := len(k) + len(v) + padding
	size += len(strconv.Itoa(size))
	rec := strconv.Itoa(size) + " " + k + "=" + v + "\n"
	// Adding the length may have pushed it over a power of ten.
	if len(rec) != size {
		size = len(rec)
		rec = strconv.Itoa(size) + " " + k + "=" + v + "\n"
	}
	return rec
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ApplyPAX overlays pax records onto h. A global path record is ignored,
// since it cannot name every entry; a global linkpath applies like any other
// key. Every well-formed record is applied; the first malformed value is
// returned as an error.
func (h *Header) ApplyPAX(records map[string]string, global bool) error {
	var firstErr error
	fail := func(k, v string) {
		if firstErr == nil {
			firstErr = &DecodeError{
				Reason: "invalid pax " + k + ": " + strconv.Quote(v),
				Field:  k,
			}
		}
	}

	for _, k := range sortedKeys(records) {
		v := records[k]
		if v == "" {
			continue
		}
		switch k {
		case paxPath:
			if !global {
				h.Path = v
			}
		case paxLinkpath:
			h.Linkpath = v
		case paxUname:
			h.Uname = v
		case paxGname:
			h.Gname = v
		case paxUID, paxGID:
			id, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				fail(k, v)
				continue
			}
			if k == paxUID {
				h.UID = id
			} else {
				h.GID = id
			}
		case paxSize:
			size, err := strconv.ParseInt(v, 10, 64)
			if err != nil || size < 0 || size > MaxSize {
				fail(k, v)
				continue
			}
			h.Size = size
		case paxMtime, paxAtime, paxCtime:
			t, err := parsePAXTime(v)
			if err != nil {
				fail(k, v)
				continue
			}
			switch k {
			case paxMtime:
				h.ModTime = t
			case paxAtime:
				h.AccessTime = t
			default:
				h.ChangeTime = t
			}
		}
	}

	if len(records) > 0 {
		if h.PAXRecords == nil {
			h.PAXRecords = make(map[string]string, len(records))
		}
		for k, v := range records {
			h.PAXRecords[k] = v
		}
	}
	h.normalize()
	return firstErr
}

// parsePAXTime parses "seconds[.fraction]" with up to nanosecond precision.
func parsePAXTime(s string) (time.Time, error) {
	const maxNanoSecondDigits = 9
	ss, sn, _ := strings.Cut(s, ".")

	secs, err := strconv.ParseInt(ss, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "invalid pax time")
	}
	if sn == "" {
		return time.Unix(secs, 0).UTC(), nil
	}
	if strings.Trim(sn, "0123456789") != "" {
		return time.Time{}, errors.Errorf("invalid pax time %q", s)
	}
	if len(sn) < maxNanoSecondDigits {
		sn += strings.Repeat("0", maxNanoSecondDigits-len(sn))
	} else {
		sn = sn[:maxNanoSecondDigits]
	}
	nsecs, _ := strconv.ParseInt(sn, 10, 64)
	if strings.HasPrefix(ss, "-") {
		return time.Unix(secs, -nsecs).UTC(), nil
	}
	return time.Unix(secs, nsecs).UTC(), nil
}
