package input

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeRows renders rows in the length-encoded wire framing
func encodeRows(rows ...[]string) []byte {
	var buf bytes.Buffer
	var word [4]byte
	for _, row := range rows {
		binary.BigEndian.PutUint32(word[:], uint32(len(row)))
		buf.Write(word[:])
		for _, v := range row {
			binary.BigEndian.PutUint32(word[:], uint32(len(v)))
			buf.Write(word[:])
			buf.WriteString(v)
		}
	}
	return buf.Bytes()
}

func TestLengthEncodedReaderBasic(t *testing.T) {
	data := encodeRows(
		[]string{"a", "b"},
		[]string{"1", "2"},
		[]string{"x", ""},
	)
	r := NewLengthEncodedReader(bytes.NewReader(data))

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, rec.Values())

	rec, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", ""}, rec.Values())

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)

	assert.Equal(t, []string{"a", "b"}, r.Schema().Fields())
}

func TestLengthEncodedReaderTruncatedMidRecord(t *testing.T) {
	data := encodeRows(
		[]string{"a", "b"},
		[]string{"1", "2"},
	)
	// Chop into the middle of the last record
	data = data[:len(data)-3]

	r := NewLengthEncodedReader(bytes.NewReader(data))

	_, err := r.Next()
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.NotEqual(t, io.EOF, err)
	assert.Equal(t, int64(1), parseErr.Index)
}

func TestLengthEncodedReaderTruncatedLengthWord(t *testing.T) {
	data := encodeRows([]string{"a", "b"}, []string{"1", "2"})
	// Leave two stray bytes after a clean record boundary
	data = append(data, 0x00, 0x00)

	r := NewLengthEncodedReader(bytes.NewReader(data))

	_, err := r.Next()
	require.NoError(t, err)

	_, err = r.Next()
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, int64(2), parseErr.Index)
}

func TestLengthEncodedReaderCleanBoundaryEOF(t *testing.T) {
	data := encodeRows([]string{"a"}, []string{"v1"}, []string{"v2"})
	r := NewLengthEncodedReader(bytes.NewReader(data))

	for i := 0; i < 2; i++ {
		_, err := r.Next()
		require.NoError(t, err)
	}

	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestLengthEncodedReaderFieldCountMismatch(t *testing.T) {
	data := encodeRows(
		[]string{"a", "b"},
		[]string{"1", "2", "3"},
	)
	r := NewLengthEncodedReader(bytes.NewReader(data))

	_, err := r.Next()
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestLengthEncodedReaderImplausibleFieldCount(t *testing.T) {
	var buf bytes.Buffer
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], 0xFFFFFFFF)
	buf.Write(word[:])

	r := NewLengthEncodedReader(&buf)

	_, err := r.Next()
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestLengthEncodedReaderEmptyStream(t *testing.T) {
	r := NewLengthEncodedReader(bytes.NewReader(nil))

	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestLengthEncodedEncoderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewLengthEncodedEncoder(&buf)

	src := NewCSVReader(bytes.NewReader([]byte("a,b\n1,2\nx,\n")))
	for {
		rec, err := src.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, enc.Encode(rec))
	}

	r := NewLengthEncodedReader(&buf)

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, rec.Values())

	rec, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", ""}, rec.Values())

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)

	assert.Equal(t, []string{"a", "b"}, r.Schema().Fields())
}
