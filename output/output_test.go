package output

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mlstreams/input"
	"github.com/c360/mlstreams/record"
)

func makeRecord(t *testing.T, fields []string, values []string) record.Record {
	t.Helper()
	schema, err := record.NewSchema(fields)
	require.NoError(t, err)
	rec, err := record.NewRecord(schema, values)
	require.NoError(t, err)
	return rec
}

func makeEvent(score float64) record.ResultEvent {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return record.NewResultEvent(record.EventScoredBucket, ts, map[string]any{"score": score})
}

func TestJSONWriterArrayDocument(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONWriter(&buf)

	require.NoError(t, w.WriteEvent(makeEvent(1.0)))
	require.NoError(t, w.WriteEvent(makeEvent(2.0)))
	require.NoError(t, w.Finalize())

	var docs []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &docs))
	require.Len(t, docs, 2)
	assert.Equal(t, "scored_bucket", docs[0]["kind"])
	assert.Equal(t, 1.0, docs[0]["payload"].(map[string]any)["score"])
	assert.Equal(t, 2.0, docs[1]["payload"].(map[string]any)["score"])
}

func TestJSONWriterEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONWriter(&buf)

	require.NoError(t, w.Finalize())
	assert.Equal(t, "[]", buf.String())
}

func TestJSONWriterFinalizeIdempotent(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONWriter(&buf)

	require.NoError(t, w.WriteEvent(makeEvent(1.0)))
	require.NoError(t, w.Finalize())
	before := buf.String()

	require.NoError(t, w.Finalize())
	assert.Equal(t, before, buf.String())

	err := w.WriteEvent(makeEvent(2.0))
	assert.Error(t, err)
}

func TestNDJSONWriterLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewNDJSONWriter(&buf)

	require.NoError(t, w.WriteEvent(makeEvent(1.0)))
	require.NoError(t, w.WriteRecord(makeRecord(t, []string{"a"}, []string{"1"})))
	require.NoError(t, w.Finalize())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, "scored_bucket", ev["kind"])

	var rec map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, map[string]string{"a": "1"}, rec)
}

func TestDiscardCounts(t *testing.T) {
	w := NewDiscard()

	require.NoError(t, w.WriteRecord(makeRecord(t, []string{"a"}, []string{"1"})))
	require.NoError(t, w.WriteEvent(makeEvent(1.0)))
	require.NoError(t, w.WriteEvent(makeEvent(2.0)))
	require.NoError(t, w.Flush())
	require.NoError(t, w.Finalize())

	records, events := w.Counts()
	assert.Equal(t, int64(1), records)
	assert.Equal(t, int64(2), events)
}

func TestChainerRoundTrip(t *testing.T) {
	var downstream bytes.Buffer
	var results bytes.Buffer
	chainer := NewChainer(&downstream, NewNDJSONWriter(&results))

	require.NoError(t, chainer.WriteRecord(makeRecord(t, []string{"a", "b"}, []string{"1", "2"})))
	require.NoError(t, chainer.WriteRecord(makeRecord(t, []string{"a", "b"}, []string{"x", ""})))
	require.NoError(t, chainer.WriteEvent(makeEvent(1.0)))
	require.NoError(t, chainer.Finalize())

	// Records arrive downstream in the length-encoded framing a chained job reads
	r := input.NewLengthEncodedReader(&downstream)

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, rec.Values())

	rec, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", ""}, rec.Values())

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)

	assert.Equal(t, []string{"a", "b"}, r.Schema().Fields())

	// The result event went to the inner terminal writer only
	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(results.String())), &ev))
	assert.Equal(t, "scored_bucket", ev["kind"])
}

func TestChainerFinalizeIdempotent(t *testing.T) {
	var downstream bytes.Buffer
	var results bytes.Buffer
	chainer := NewChainer(&downstream, NewNDJSONWriter(&results))

	require.NoError(t, chainer.WriteRecord(makeRecord(t, []string{"a"}, []string{"1"})))
	require.NoError(t, chainer.Finalize())
	require.NoError(t, chainer.Finalize())

	err := chainer.WriteRecord(makeRecord(t, []string{"a"}, []string{"2"}))
	assert.Error(t, err)
	err = chainer.WriteEvent(makeEvent(1.0))
	assert.Error(t, err)
}

func TestNewWriter(t *testing.T) {
	var buf bytes.Buffer

	for _, format := range []Format{FormatJSON, FormatNDJSON, FormatDiscard} {
		w, err := NewWriter(format, &buf)
		require.NoError(t, err)
		assert.NotNil(t, w)
	}

	_, err := NewWriter("xml", &buf)
	assert.Error(t, err)
}
