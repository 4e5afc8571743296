package output

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/c360/mlstreams/record"
)

// JSONWriter renders all output as a single JSON array document. Events and
// records are buffered through a bufio writer and the closing bracket is
// emitted on Finalize.
type JSONWriter struct {
	buf        *bufio.Writer
	wroteFirst bool
	wroteOpen  bool
	finalized  bool
	lastErr    error
}

// NewJSONWriter creates a JSON array writer over the given byte stream
func NewJSONWriter(w io.Writer) *JSONWriter {
	return &JSONWriter{buf: bufio.NewWriter(w)}
}

// WriteRecord serializes a raw record as one object in the array
func (jw *JSONWriter) WriteRecord(rec record.Record) error {
	return jw.writeDocument(rec.Map(), "WriteRecord")
}

// WriteEvent serializes a result event as one object in the array
func (jw *JSONWriter) WriteEvent(ev record.ResultEvent) error {
	return jw.writeDocument(newEventDocument(ev), "WriteEvent")
}

// Flush forces buffered output to the underlying stream
func (jw *JSONWriter) Flush() error {
	if err := jw.buf.Flush(); err != nil {
		jw.lastErr = writeFailed(err, "JSONWriter", "Flush", "flush buffer")
		return jw.lastErr
	}
	return nil
}

// Finalize closes the array and flushes. It is idempotent and flushes
// whatever is safely flushable even after a write error.
func (jw *JSONWriter) Finalize() error {
	if jw.finalized {
		return nil
	}
	jw.finalized = true

	if !jw.wroteOpen {
		if _, err := jw.buf.WriteString("[]"); err != nil {
			return writeFailed(err, "JSONWriter", "Finalize", "write empty array")
		}
	} else {
		if _, err := jw.buf.WriteString("\n]\n"); err != nil {
			return writeFailed(err, "JSONWriter", "Finalize", "close array")
		}
	}

	if err := jw.buf.Flush(); err != nil {
		return writeFailed(err, "JSONWriter", "Finalize", "flush buffer")
	}
	return jw.lastErr
}

// writeDocument appends one marshaled document to the array
func (jw *JSONWriter) writeDocument(doc any, method string) error {
	if jw.finalized {
		return errFinalized("JSONWriter", method)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		jw.lastErr = writeFailed(err, "JSONWriter", method, "marshal document")
		return jw.lastErr
	}

	if !jw.wroteOpen {
		if _, err := jw.buf.WriteString("[\n"); err != nil {
			jw.lastErr = writeFailed(err, "JSONWriter", method, "open array")
			return jw.lastErr
		}
		jw.wroteOpen = true
	}

	if jw.wroteFirst {
		if _, err := jw.buf.WriteString(",\n"); err != nil {
			jw.lastErr = writeFailed(err, "JSONWriter", method, "write separator")
			return jw.lastErr
		}
	}
	jw.wroteFirst = true

	if _, err := jw.buf.Write(data); err != nil {
		jw.lastErr = writeFailed(err, "JSONWriter", method, "write document")
		return jw.lastErr
	}
	return nil
}
