package input

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/c360/mlstreams/errors"
	"github.com/c360/mlstreams/record"
)

// Limits guarding against corrupt length prefixes. A hostile or truncated
// stream must not be able to force an unbounded allocation.
const (
	maxFieldCount = 10000
	maxFieldBytes = 64 * 1024 * 1024
)

// LengthEncodedReader parses the binary length-encoded framing: each record
// is a big-endian uint32 field count followed by, per field, a uint32 byte
// length and the field bytes. The first record carries the field names; every
// subsequent record must repeat the same field count. A zero length denotes
// an empty value, not absence. Truncated trailing data is a *ParseError,
// never a silent end of stream.
type LengthEncodedReader struct {
	r      io.Reader
	schema *record.Schema
	index  int64
}

// NewLengthEncodedReader creates a length-encoded reader over the given
// byte stream
func NewLengthEncodedReader(r io.Reader) *LengthEncodedReader {
	return &LengthEncodedReader{r: r}
}

// Next returns the next record, io.EOF at a clean record boundary, or
// *ParseError for truncated or corrupt framing.
func (lr *LengthEncodedReader) Next() (record.Record, error) {
	if lr.schema == nil {
		if err := lr.readHeader(); err != nil {
			return record.Record{}, err
		}
	}

	values, err := lr.readRow(int64(lr.index + 1))
	if err != nil {
		return record.Record{}, err
	}

	lr.index++
	if len(values) != lr.schema.Len() {
		return record.Record{}, newParseError(lr.index, errors.WrapInvalid(errors.ErrFieldMismatch,
			"LengthEncodedReader", "Next",
			fmt.Sprintf("record has %d fields, header has %d", len(values), lr.schema.Len())))
	}

	rec, err := record.NewRecord(lr.schema, values)
	if err != nil {
		return record.Record{}, newParseError(lr.index, err)
	}
	return rec, nil
}

// Schema returns the header-derived schema, or nil before the first Next call
func (lr *LengthEncodedReader) Schema() *record.Schema {
	return lr.schema
}

// readHeader consumes the first record, which carries the field names
func (lr *LengthEncodedReader) readHeader() error {
	names, err := lr.readRow(1)
	if err != nil {
		return err
	}

	schema, err := record.NewSchema(names)
	if err != nil {
		return newParseError(1, err)
	}
	lr.schema = schema
	return nil
}

// readRow reads one length-encoded record. io.EOF is returned only when the
// stream ends exactly at a record boundary; any mid-record truncation is a
// *ParseError at the given record index.
func (lr *LengthEncodedReader) readRow(index int64) ([]string, error) {
	count, err := lr.readUint32()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, newParseError(index, errors.WrapInvalid(errors.ErrStreamTruncated,
			"LengthEncodedReader", "readRow", "read field count"))
	}

	if count == 0 || count > maxFieldCount {
		return nil, newParseError(index, errors.WrapInvalid(errors.ErrParsingFailed,
			"LengthEncodedReader", "readRow", fmt.Sprintf("implausible field count %d", count)))
	}

	values := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		length, err := lr.readUint32()
		if err != nil {
			return nil, newParseError(index, errors.WrapInvalid(errors.ErrStreamTruncated,
				"LengthEncodedReader", "readRow", fmt.Sprintf("read length prefix of field %d", i)))
		}
		if length > maxFieldBytes {
			return nil, newParseError(index, errors.WrapInvalid(errors.ErrParsingFailed,
				"LengthEncodedReader", "readRow", fmt.Sprintf("implausible field length %d", length)))
		}

		// Zero length is a present-but-empty value
		if length == 0 {
			values = append(values, "")
			continue
		}

		buf := make([]byte, length)
		if _, err := io.ReadFull(lr.r, buf); err != nil {
			return nil, newParseError(index, errors.WrapInvalid(errors.ErrStreamTruncated,
				"LengthEncodedReader", "readRow", fmt.Sprintf("read %d bytes of field %d", length, i)))
		}
		values = append(values, string(buf))
	}

	return values, nil
}

// readUint32 reads one big-endian length word. io.EOF means zero bytes were
// available; a partial word is io.ErrUnexpectedEOF.
func (lr *LengthEncodedReader) readUint32() (uint32, error) {
	var buf [4]byte
	n, err := io.ReadFull(lr.r, buf[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return 0, io.EOF
		}
		return 0, io.ErrUnexpectedEOF
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// LengthEncodedEncoder writes records in the length-encoded wire framing.
// It is the inverse of LengthEncodedReader and is used by the output chainer
// to feed a downstream job's input stream.
type LengthEncodedEncoder struct {
	w           io.Writer
	wroteHeader bool
}

// NewLengthEncodedEncoder creates an encoder over the given byte stream
func NewLengthEncodedEncoder(w io.Writer) *LengthEncodedEncoder {
	return &LengthEncodedEncoder{w: w}
}

// Encode writes one record, emitting the field-name header record before the
// first data record
func (le *LengthEncodedEncoder) Encode(rec record.Record) error {
	if !le.wroteHeader {
		if err := le.writeRow(rec.Schema().Fields()); err != nil {
			return errors.Wrap(err, "LengthEncodedEncoder", "Encode", "write header")
		}
		le.wroteHeader = true
	}
	if err := le.writeRow(rec.Values()); err != nil {
		return errors.Wrap(err, "LengthEncodedEncoder", "Encode", "write record")
	}
	return nil
}

// writeRow writes one record as count + per-field length-prefixed bytes
func (le *LengthEncodedEncoder) writeRow(values []string) error {
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], uint32(len(values)))
	if _, err := le.w.Write(word[:]); err != nil {
		return err
	}

	for _, v := range values {
		binary.BigEndian.PutUint32(word[:], uint32(len(v)))
		if _, err := le.w.Write(word[:]); err != nil {
			return err
		}
		if len(v) > 0 {
			if _, err := io.WriteString(le.w, v); err != nil {
				return err
			}
		}
	}
	return nil
}
