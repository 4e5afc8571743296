// Package output provides the sink chain at the pipeline's output boundary:
// composable writers that serialize result events and raw records to
// downstream byte-stream consumers. Writers compose; a Chainer fans records
// out to another job's input stream while delegating result events to an
// inner terminal writer.
package output

import (
	"fmt"

	"github.com/c360/mlstreams/errors"
	"github.com/c360/mlstreams/record"
)

// Writer is the sink-chain contract. Finalize must flush all buffered output
// on every exit path, including error paths, and must be idempotent.
type Writer interface {
	WriteRecord(rec record.Record) error
	WriteEvent(ev record.ResultEvent) error
	Flush() error
	Finalize() error
}

// Format selects the terminal writer variant
type Format string

// Supported output formats
const (
	FormatJSON    Format = "json"
	FormatNDJSON  Format = "ndjson"
	FormatDiscard Format = "discard"
)

// Valid reports whether the format is one of the supported variants
func (f Format) Valid() bool {
	switch f {
	case FormatJSON, FormatNDJSON, FormatDiscard:
		return true
	}
	return false
}

// eventDocument is the serialized shape of a result event
type eventDocument struct {
	Kind      record.EventKind `json:"kind"`
	Timestamp int64            `json:"timestamp"`
	Payload   map[string]any   `json:"payload,omitempty"`
}

// newEventDocument converts a result event to its serialized shape.
// Timestamps are epoch milliseconds on the wire.
func newEventDocument(ev record.ResultEvent) eventDocument {
	return eventDocument{
		Kind:      ev.Kind,
		Timestamp: ev.Timestamp.UnixMilli(),
		Payload:   ev.Payload,
	}
}

// errFinalized is the error returned for writes after Finalize
func errFinalized(component, method string) error {
	return errors.WrapInvalid(errors.ErrWriterClosed, component, method, "write after finalize")
}

// writeFailed classifies a sink I/O failure as fatal: undeliverable results
// make the job's output contract unmeetable
func writeFailed(err error, component, method, action string) error {
	return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrWriteFailed, err), component, method, action)
}
