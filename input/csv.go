package input

import (
	"encoding/csv"
	"io"

	"github.com/c360/mlstreams/errors"
	"github.com/c360/mlstreams/record"
)

// CSVReader parses delimited text. The first line is a header of field names;
// subsequent lines are delimiter-separated values. Quoted fields support
// embedded delimiters, embedded newlines, and doubled-quote escapes. Ragged
// rows are reported as *ParseError; interior blank lines are skipped.
type CSVReader struct {
	csv    *csv.Reader
	schema *record.Schema
	index  int64
}

// CSVOption customizes CSV reader behavior
type CSVOption func(*csv.Reader)

// WithDelimiter sets the field delimiter (default comma)
func WithDelimiter(d rune) CSVOption {
	return func(r *csv.Reader) {
		r.Comma = d
	}
}

// NewCSVReader creates a CSV reader over the given byte stream
func NewCSVReader(r io.Reader, opts ...CSVOption) *CSVReader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 0 // enforce header field count on every row
	cr.ReuseRecord = false
	for _, opt := range opts {
		opt(cr)
	}
	return &CSVReader{csv: cr}
}

// Next returns the next record, io.EOF at end of stream, or *ParseError for
// a malformed row. The reader stays usable after a ragged-row error.
func (cr *CSVReader) Next() (record.Record, error) {
	if cr.schema == nil {
		if err := cr.readHeader(); err != nil {
			return record.Record{}, err
		}
	}

	row, err := cr.csv.Read()
	if err == io.EOF {
		return record.Record{}, io.EOF
	}

	cr.index++
	if err != nil {
		return record.Record{}, newParseError(cr.index, errors.Wrap(err, "CSVReader", "Next", "read row"))
	}

	rec, err := record.NewRecord(cr.schema, row)
	if err != nil {
		return record.Record{}, newParseError(cr.index, err)
	}
	return rec, nil
}

// readHeader consumes the header line and fixes the stream's field set
func (cr *CSVReader) readHeader() error {
	header, err := cr.csv.Read()
	if err == io.EOF {
		return io.EOF
	}
	if err != nil {
		return newParseError(1, errors.Wrap(err, "CSVReader", "readHeader", "read header"))
	}

	schema, err := record.NewSchema(header)
	if err != nil {
		return newParseError(1, err)
	}
	cr.schema = schema
	return nil
}

// Schema returns the header-derived schema, or nil before the first Next call
func (cr *CSVReader) Schema() *record.Schema {
	return cr.schema
}
