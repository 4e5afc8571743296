// Package input provides the record readers that parse a byte stream into an
// ordered sequence of field-name/value records. Three wire framings are
// supported: delimited text (CSV), length-encoded binary, and line-delimited
// JSON objects. A reader is forward-only and not restartable; reprocessing a
// stream requires a fresh reader.
package input

import (
	"fmt"
	"io"

	"github.com/c360/mlstreams/errors"
	"github.com/c360/mlstreams/record"
)

// Format selects the wire framing of an input stream. The framing is chosen
// once at job start; mixing framings within one job is unsupported.
type Format string

// Supported input framings
const (
	FormatCSV           Format = "csv"
	FormatLengthEncoded Format = "length_encoded"
	FormatNDJSON        Format = "ndjson"
)

// Valid reports whether the format is one of the supported framings
func (f Format) Valid() bool {
	switch f {
	case FormatCSV, FormatLengthEncoded, FormatNDJSON:
		return true
	}
	return false
}

// Reader produces a lazy, finite, forward-only sequence of records.
// Next returns io.EOF at end of stream and *ParseError for a malformed
// record; after a *ParseError the reader remains usable where the framing
// permits resynchronization, so callers may skip and continue.
type Reader interface {
	Next() (record.Record, error)
}

// ParseError reports a malformed input unit together with the 1-based index
// of the record at which parsing failed
type ParseError struct {
	Index int64
	Err   error
}

// Error implements the error interface
func (e *ParseError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

// Unwrap returns the underlying cause
func (e *ParseError) Unwrap() error {
	return e.Err
}

// newParseError wraps a cause as a ParseError at the given record index
func newParseError(index int64, err error) *ParseError {
	return &ParseError{Index: index, Err: err}
}

// NewReader constructs the reader variant for the given framing
func NewReader(format Format, r io.Reader) (Reader, error) {
	switch format {
	case FormatCSV:
		return NewCSVReader(r), nil
	case FormatLengthEncoded:
		return NewLengthEncodedReader(r), nil
	case FormatNDJSON:
		return NewNDJSONReader(r), nil
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "input", "NewReader",
			fmt.Sprintf("unsupported input format %q", format))
	}
}
