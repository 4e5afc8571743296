package output

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/c360/mlstreams/record"
)

// NDJSONWriter emits one compact JSON object per line, written eagerly
// through a bufio writer
type NDJSONWriter struct {
	buf       *bufio.Writer
	finalized bool
	lastErr   error
}

// NewNDJSONWriter creates a line-delimited JSON writer over the given
// byte stream
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{buf: bufio.NewWriter(w)}
}

// WriteRecord serializes a raw record as one line
func (nw *NDJSONWriter) WriteRecord(rec record.Record) error {
	return nw.writeLine(rec.Map(), "WriteRecord")
}

// WriteEvent serializes a result event as one line
func (nw *NDJSONWriter) WriteEvent(ev record.ResultEvent) error {
	return nw.writeLine(newEventDocument(ev), "WriteEvent")
}

// Flush forces buffered output to the underlying stream
func (nw *NDJSONWriter) Flush() error {
	if err := nw.buf.Flush(); err != nil {
		nw.lastErr = writeFailed(err, "NDJSONWriter", "Flush", "flush buffer")
		return nw.lastErr
	}
	return nil
}

// Finalize flushes remaining output. Idempotent.
func (nw *NDJSONWriter) Finalize() error {
	if nw.finalized {
		return nil
	}
	nw.finalized = true

	if err := nw.buf.Flush(); err != nil {
		return writeFailed(err, "NDJSONWriter", "Finalize", "flush buffer")
	}
	return nw.lastErr
}

// writeLine appends one marshaled document plus newline
func (nw *NDJSONWriter) writeLine(doc any, method string) error {
	if nw.finalized {
		return errFinalized("NDJSONWriter", method)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		nw.lastErr = writeFailed(err, "NDJSONWriter", method, "marshal document")
		return nw.lastErr
	}

	if _, err := nw.buf.Write(append(data, '\n')); err != nil {
		nw.lastErr = writeFailed(err, "NDJSONWriter", method, "write line")
		return nw.lastErr
	}
	return nil
}
