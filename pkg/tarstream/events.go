package tarstream

import "github.com/moby/tarstream/pkg/tarheader"

// Event is a signal delivered by a Parser to its subscribers.
type Event interface {
	event()
}

// EntryEvent carries an archive member whose body the consumer must either
// read or skip.
type EntryEvent struct {
	Entry *Entry
}

// IgnoredEntryEvent carries a member that was filtered out or could not be
// delivered. Its body is consumed by the parser.
type IgnoredEntryEvent struct {
	Entry *Entry
}

// WarnEvent carries a recoverable anomaly.
type WarnEvent struct {
	Warning *Warning
}

// ErrorEvent carries a fatal condition. Err is the error value the
// condition was raised with, and Warning the context it was raised in.
type ErrorEvent struct {
	Err     error
	Warning *Warning
}

// NullBlockEvent reports a single all-zero block.
type NullBlockEvent struct{}

// MetaEvent carries the body of an extended header before it is applied to
// the entry that follows it.
type MetaEvent struct {
	Type tarheader.Type
	Data []byte
}

// EOFEvent reports the end of the logical archive.
type EOFEvent struct{}

// EndEvent is the last event of a successful parse.
type EndEvent struct{}

// AbortEvent reports that parsing stopped because of Err.
type AbortEvent struct {
	Err error
}

// DrainEvent reports that a parser which returned false from Write can
// accept more input.
type DrainEvent struct{}

// doneEvent is queued behind the last entry and never delivered.
type doneEvent struct{}

func (EntryEvent) event()        {}
func (IgnoredEntryEvent) event() {}
func (WarnEvent) event()         {}
func (ErrorEvent) event()        {}
func (NullBlockEvent) event()    {}
func (MetaEvent) event()         {}
func (EOFEvent) event()          {}
func (EndEvent) event()          {}
func (AbortEvent) event()        {}
func (DrainEvent) event()        {}
func (doneEvent) event()         {}
