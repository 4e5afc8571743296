package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/c360/mlstreams/errors"
)

// Document is the logical checkpoint document format. A snapshot payload too
// large for one document is split across several, reassembled in
// sequence_number order on restore. Sequence numbers are 1-based.
type Document struct {
	SnapshotID     string `json:"snapshot_id"`
	SequenceNumber int    `json:"sequence_number"`
	TotalDocuments int    `json:"total_documents"`
	Payload        []byte `json:"payload"`
}

// DocumentID returns the storage id for one checkpoint document
func DocumentID(snapshotID string, sequence int) string {
	return fmt.Sprintf("%s#%d", snapshotID, sequence)
}

// splitSnapshot chunks a snapshot payload into size-bounded documents
func splitSnapshot(snap Snapshot, maxDocBytes int) []Document {
	total := (len(snap.Payload) + maxDocBytes - 1) / maxDocBytes
	if total == 0 {
		total = 1 // empty state still persists one document
	}

	docs := make([]Document, 0, total)
	for seq := 1; seq <= total; seq++ {
		start := (seq - 1) * maxDocBytes
		end := start + maxDocBytes
		if end > len(snap.Payload) {
			end = len(snap.Payload)
		}
		docs = append(docs, Document{
			SnapshotID:     snap.ID,
			SequenceNumber: seq,
			TotalDocuments: total,
			Payload:        snap.Payload[start:end],
		})
	}
	return docs
}

// StreamFilter reshapes stored checkpoint documents back into the raw,
// ordered payload bytes of a snapshot. It strips any storage-layer envelope
// (a `_source` wrapper from an indexing backend, for example) and fails the
// restore when any expected sequence number is missing or the documents
// disagree about the total.
type StreamFilter struct{}

// NewStreamFilter creates a stream filter
func NewStreamFilter() *StreamFilter {
	return &StreamFilter{}
}

// Reassemble reconstructs the original snapshot payload from raw stored
// documents for the given snapshot id
func (sf *StreamFilter) Reassemble(raw [][]byte, snapshotID string) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.WrapInvalid(errors.ErrSnapshotNotFound, "StreamFilter", "Reassemble",
			fmt.Sprintf("no documents for snapshot %s", snapshotID))
	}

	docs := make([]Document, 0, len(raw))
	for i, data := range raw {
		doc, err := sf.decodeDocument(data)
		if err != nil {
			return nil, errors.WrapFatal(errors.ErrStateCorrupted, "StreamFilter", "Reassemble",
				fmt.Sprintf("decode stored document %d: %v", i, err))
		}
		if doc.SnapshotID != snapshotID {
			// Storage backends may return neighbors on prefix queries
			continue
		}
		docs = append(docs, doc)
	}

	if len(docs) == 0 {
		return nil, errors.WrapInvalid(errors.ErrSnapshotNotFound, "StreamFilter", "Reassemble",
			fmt.Sprintf("no documents for snapshot %s", snapshotID))
	}

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].SequenceNumber < docs[j].SequenceNumber
	})

	total := docs[0].TotalDocuments
	if total <= 0 || len(docs) != total {
		return nil, errors.WrapFatal(errors.ErrStateCorrupted, "StreamFilter", "Reassemble",
			fmt.Sprintf("snapshot %s: have %d documents, expected %d", snapshotID, len(docs), total))
	}

	var payload bytes.Buffer
	for i, doc := range docs {
		if doc.TotalDocuments != total {
			return nil, errors.WrapFatal(errors.ErrStateCorrupted, "StreamFilter", "Reassemble",
				fmt.Sprintf("snapshot %s: document %d disagrees on total (%d vs %d)",
					snapshotID, doc.SequenceNumber, doc.TotalDocuments, total))
		}
		if doc.SequenceNumber != i+1 {
			return nil, errors.WrapFatal(errors.ErrStateCorrupted, "StreamFilter", "Reassemble",
				fmt.Sprintf("snapshot %s: missing sequence number %d", snapshotID, i+1))
		}
		payload.Write(doc.Payload)
	}

	return payload.Bytes(), nil
}

// decodeDocument parses a stored document, descending through a storage
// envelope when present
func (sf *StreamFilter) decodeDocument(data []byte) (Document, error) {
	// Probe for an indexing-style envelope carrying the document in _source
	var envelope struct {
		Source json.RawMessage `json:"_source"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Source) > 0 {
		data = envelope.Source
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, err
	}
	if doc.SnapshotID == "" || doc.SequenceNumber <= 0 {
		return Document{}, fmt.Errorf("document missing snapshot_id or sequence_number")
	}
	return doc, nil
}
