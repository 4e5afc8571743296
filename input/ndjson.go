package input

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/c360/mlstreams/errors"
	"github.com/c360/mlstreams/record"
)

// ndjsonMaxLineBytes bounds a single input line
const ndjsonMaxLineBytes = 16 * 1024 * 1024

// NDJSONReader parses line-delimited JSON objects: each input line is one
// self-describing object of key/value pairs. The key set established by the
// first object is fixed for the stream; later objects may declare keys in any
// order but must supply the same set. Duplicate keys within one object: last
// value wins. Empty and whitespace-only lines are skipped.
type NDJSONReader struct {
	scanner *bufio.Scanner
	schema  *record.Schema
	index   int64
}

// NewNDJSONReader creates an NDJSON reader over the given byte stream
func NewNDJSONReader(r io.Reader) *NDJSONReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), ndjsonMaxLineBytes)
	return &NDJSONReader{scanner: scanner}
}

// Next returns the next record, io.EOF at end of stream, or *ParseError for
// a malformed object. The reader stays usable after a parse error.
func (nr *NDJSONReader) Next() (record.Record, error) {
	line, err := nr.nextLine()
	if err != nil {
		return record.Record{}, err
	}

	nr.index++

	fields, err := decodeObject(line)
	if err != nil {
		return record.Record{}, newParseError(nr.index, errors.WrapInvalid(err,
			"NDJSONReader", "Next", "decode object"))
	}

	if nr.schema == nil {
		// First object fixes the field set in declaration order
		order, err := keyOrder(line)
		if err != nil {
			return record.Record{}, newParseError(nr.index, errors.WrapInvalid(err,
				"NDJSONReader", "Next", "extract key order"))
		}
		schema, err := record.NewSchema(order)
		if err != nil {
			return record.Record{}, newParseError(nr.index, err)
		}
		nr.schema = schema
	}

	if len(fields) != nr.schema.Len() {
		return record.Record{}, newParseError(nr.index, errors.WrapInvalid(errors.ErrFieldMismatch,
			"NDJSONReader", "Next",
			fmt.Sprintf("object has %d fields, stream schema has %d", len(fields), nr.schema.Len())))
	}

	values := make([]string, nr.schema.Len())
	for name, value := range fields {
		i, ok := nr.schema.Index(name)
		if !ok {
			return record.Record{}, newParseError(nr.index, errors.WrapInvalid(errors.ErrFieldMismatch,
				"NDJSONReader", "Next", fmt.Sprintf("unexpected field %q", name)))
		}
		values[i] = value
	}

	rec, err := record.NewRecord(nr.schema, values)
	if err != nil {
		return record.Record{}, newParseError(nr.index, err)
	}
	return rec, nil
}

// Schema returns the schema established by the first object, or nil before
// the first Next call
func (nr *NDJSONReader) Schema() *record.Schema {
	return nr.schema
}

// nextLine advances to the next non-blank line
func (nr *NDJSONReader) nextLine() ([]byte, error) {
	for nr.scanner.Scan() {
		line := bytes.TrimSpace(nr.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := nr.scanner.Err(); err != nil {
		return nil, newParseError(nr.index+1, errors.WrapInvalid(err,
			"NDJSONReader", "nextLine", "scan line"))
	}
	return nil, io.EOF
}

// decodeObject unmarshals one line into stringified field values. Duplicate
// keys collapse to the last value by JSON decoding semantics.
func decodeObject(line []byte) (map[string]string, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		fields[k] = stringifyValue(v)
	}
	return fields, nil
}

// stringifyValue renders a JSON scalar as the field's string value. Nested
// structures are re-rendered as compact JSON so no field identity is lost.
func stringifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case json.Number:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// keyOrder extracts top-level object keys in declaration order. A duplicate
// key keeps its first position.
func keyOrder(line []byte) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(string(line)))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.ErrParsingFailed
	}

	var (
		order []string
		seen  = make(map[string]bool)
	)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errors.ErrParsingFailed
		}
		if !seen[key] {
			seen[key] = true
			order = append(order, key)
		}

		// Skip the value, including nested structures
		if err := skipValue(dec); err != nil {
			return nil, err
		}
	}

	return order, nil
}

// skipValue consumes one JSON value from the decoder
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	if delim == '{' || delim == '[' {
		depth := 1
		for depth > 0 {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			if d, ok := tok.(json.Delim); ok {
				switch d {
				case '{', '[':
					depth++
				case '}', ']':
					depth--
				}
			}
		}
	}
	return nil
}
