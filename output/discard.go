package output

import (
	"sync/atomic"

	"github.com/c360/mlstreams/record"
)

// Discard swallows all output while counting what it drops. Useful for
// benchmark and replay runs where only the side effects of analysis matter.
type Discard struct {
	records int64
	events  int64
}

// NewDiscard creates a discard sink
func NewDiscard() *Discard {
	return &Discard{}
}

// WriteRecord drops the record
func (d *Discard) WriteRecord(record.Record) error {
	atomic.AddInt64(&d.records, 1)
	return nil
}

// WriteEvent drops the event
func (d *Discard) WriteEvent(record.ResultEvent) error {
	atomic.AddInt64(&d.events, 1)
	return nil
}

// Flush is a no-op
func (d *Discard) Flush() error { return nil }

// Finalize is a no-op and idempotent
func (d *Discard) Finalize() error { return nil }

// Counts returns the number of records and events discarded so far
func (d *Discard) Counts() (records, events int64) {
	return atomic.LoadInt64(&d.records), atomic.LoadInt64(&d.events)
}
