package tarstream

import "github.com/moby/tarstream/pkg/tarheader"

// DefaultMaxMetaEntrySize is the largest extended header body that is
// buffered when Options.MaxMetaEntrySize is not set.
const DefaultMaxMetaEntrySize = 1024 * 1024

// Options configures a Parser.
type Options struct {
	// Strict turns every warning into a fatal error.
	Strict bool

	// Filter is called once for every real entry. Entries it rejects are
	// delivered as IgnoredEntryEvent and their bodies are skipped.
	Filter func(path string, hdr *tarheader.Header) bool

	// MaxMetaEntrySize caps the size of pax and GNU long name bodies.
	MaxMetaEntrySize int64

	// Brotli decodes the input as brotli unless it starts with the gzip
	// magic number.
	Brotli bool

	// File is the name of the archive, if known. It is used as a hint for
	// the compression of the input and is attached to warnings.
	File string

	OnWarn  func(code, message string, w *Warning)
	OnEntry func(e *Entry)
	OnDone  func()
}

func (o Options) maxMetaEntrySize() int64 {
	if o.MaxMetaEntrySize <= 0 {
		return DefaultMaxMetaEntrySize
	}
	return o.MaxMetaEntrySize
}
