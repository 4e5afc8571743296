package output

import (
	"io"

	"github.com/c360/mlstreams/errors"
	"github.com/c360/mlstreams/input"
	"github.com/c360/mlstreams/record"
)

// Chainer fans each record out to a downstream process's input stream,
// re-framed in the length-encoded wire format so the next job's reader can
// consume it directly, while result events go to the inner terminal writer.
// Chainers compose: the inner writer may itself be a Chainer.
type Chainer struct {
	encoder    *input.LengthEncodedEncoder
	downstream io.Writer
	inner      Writer
	finalized  bool
}

// NewChainer creates a chainer forwarding records to downstream and events
// to inner
func NewChainer(downstream io.Writer, inner Writer) *Chainer {
	return &Chainer{
		encoder:    input.NewLengthEncodedEncoder(downstream),
		downstream: downstream,
		inner:      inner,
	}
}

// WriteRecord forwards the record to the downstream input stream
func (c *Chainer) WriteRecord(rec record.Record) error {
	if c.finalized {
		return errFinalized("Chainer", "WriteRecord")
	}
	if err := c.encoder.Encode(rec); err != nil {
		return writeFailed(err, "Chainer", "WriteRecord", "forward record downstream")
	}
	return nil
}

// WriteEvent forwards the result event to the inner terminal writer
func (c *Chainer) WriteEvent(ev record.ResultEvent) error {
	if c.finalized {
		return errFinalized("Chainer", "WriteEvent")
	}
	return c.inner.WriteEvent(ev)
}

// Flush flushes the downstream stream when it supports it, then the inner
// writer
func (c *Chainer) Flush() error {
	if err := c.flushDownstream(); err != nil {
		return err
	}
	return c.inner.Flush()
}

// Finalize finalizes both legs exactly once. The inner writer is finalized
// even when the downstream flush fails so buffered results are not lost.
func (c *Chainer) Finalize() error {
	if c.finalized {
		return nil
	}
	c.finalized = true

	downErr := c.flushDownstream()
	if closer, ok := c.downstream.(io.Closer); ok {
		if err := closer.Close(); err != nil && downErr == nil {
			downErr = writeFailed(err, "Chainer", "Finalize", "close downstream")
		}
	}

	innerErr := c.inner.Finalize()
	if downErr != nil {
		return downErr
	}
	return innerErr
}

// flushDownstream flushes the downstream stream when it exposes a Flush
// method (pipes and sockets do not buffer; files wrapped in bufio do)
func (c *Chainer) flushDownstream() error {
	type flusher interface{ Flush() error }
	if f, ok := c.downstream.(flusher); ok {
		if err := f.Flush(); err != nil {
			return writeFailed(err, "Chainer", "flushDownstream", "flush downstream")
		}
	}
	return nil
}

// NewWriter constructs the terminal writer variant for the given format
func NewWriter(format Format, w io.Writer) (Writer, error) {
	switch format {
	case FormatJSON:
		return NewJSONWriter(w), nil
	case FormatNDJSON:
		return NewNDJSONWriter(w), nil
	case FormatDiscard:
		return NewDiscard(), nil
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "output", "NewWriter",
			"unsupported output format "+string(format))
	}
}
