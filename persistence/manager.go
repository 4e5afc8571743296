package persistence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/mlstreams/errors"
	"github.com/c360/mlstreams/metric"
)

// DefaultMaxDocumentBytes bounds one checkpoint document
const DefaultMaxDocumentBytes = 1024 * 1024

// ManagerConfig configures a persistence manager
type ManagerConfig struct {
	// MaxDocumentBytes bounds the payload carried by a single checkpoint
	// document; larger snapshots are split and reassembled on restore
	MaxDocumentBytes int
	// Retry governs transient storage failures during the background write
	Retry errors.RetryConfig
}

// DefaultManagerConfig returns the default manager configuration
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxDocumentBytes: DefaultMaxDocumentBytes,
		Retry:            errors.DefaultRetryConfig(),
	}
}

// Manager owns the sole in-flight persistence operation. The snapshot
// boundary is captured synchronously inside RequestPersist, bounded by the
// strategy's CaptureSnapshot contract; the byte-level write then proceeds on
// a background goroutine so ingestion resumes immediately. A second request
// while busy is rejected, never queued.
type Manager struct {
	adder   Adder
	config  ManagerConfig
	logger  *slog.Logger
	metrics *metric.Metrics

	inFlight atomic.Bool
	wg       sync.WaitGroup
	results  chan Result
}

// NewManager creates a persistence manager writing to the given adder.
// metrics may be nil.
func NewManager(adder Adder, config ManagerConfig, logger *slog.Logger, metrics *metric.Metrics) *Manager {
	if config.MaxDocumentBytes <= 0 {
		config.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		adder:   adder,
		config:  config,
		logger:  logger,
		metrics: metrics,
		results: make(chan Result, 4),
	}
}

// Busy reports whether a persistence operation is currently in flight
func (m *Manager) Busy() bool {
	return m.inFlight.Load()
}

// Results delivers background completion notifications. The coordinator
// drains this channel at loop boundaries.
func (m *Manager) Results() <-chan Result {
	return m.results
}

// RequestPersist captures a snapshot boundary from the source and starts the
// background write. Returns ErrPersistInProgress (wrapped) when an operation
// is already in flight; the caller decides whether that rejection is fatal
// based on the request's trigger.
func (m *Manager) RequestPersist(ctx context.Context, req Request, source Source) error {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.metrics.RecordPersistOperation(string(req.Trigger), "rejected", 0)
		return errors.WrapTransient(errors.ErrPersistInProgress, "Manager", "RequestPersist",
			"acquire in-flight slot")
	}
	m.metrics.SetPersistInFlight(true)

	// Snapshot boundary capture is the only step that blocks ingestion
	snap, err := source.CaptureSnapshot()
	if err != nil {
		m.clearInFlight()
		return errors.WrapFatal(err, "Manager", "RequestPersist", "capture snapshot")
	}

	if req.SnapshotID == "" {
		req.SnapshotID = uuid.NewString()
	}
	snap.ID = req.SnapshotID
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	snap.SizeBytes = len(snap.Payload)

	m.logger.Debug("Starting background persistence",
		"snapshot_id", snap.ID,
		"trigger", req.Trigger,
		"payload_bytes", snap.SizeBytes)

	m.wg.Add(1)
	go m.persist(ctx, req, snap)

	return nil
}

// Wait blocks until any in-flight background persistence completes. Used on
// the shutdown path: an incomplete write is awaited, never aborted, since a
// partial checkpoint is a correctness hazard.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// persist writes the snapshot's documents to the adder and reports the result
func (m *Manager) persist(ctx context.Context, req Request, snap Snapshot) {
	defer m.wg.Done()

	start := time.Now()
	docs := splitSnapshot(snap, m.config.MaxDocumentBytes)
	snap.DocumentCount = len(docs)

	err := m.writeDocuments(ctx, docs)
	duration := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "failure"
		m.logger.Error("Background persistence failed",
			"snapshot_id", snap.ID,
			"trigger", req.Trigger,
			"error", err)
	} else {
		m.logger.Info("Snapshot persisted",
			"snapshot_id", snap.ID,
			"trigger", req.Trigger,
			"documents", snap.DocumentCount,
			"payload_bytes", snap.SizeBytes,
			"duration", duration)
	}
	m.metrics.RecordPersistOperation(string(req.Trigger), outcome, duration)

	m.clearInFlight()

	select {
	case m.results <- Result{Request: req, Snapshot: snap, Duration: duration, Err: err}:
	default:
		// The coordinator drains every loop iteration; a full channel means
		// the job is already tearing down
		m.logger.Warn("Dropping persistence result, channel full", "snapshot_id", snap.ID)
	}
}

// writeDocuments stores each checkpoint document, retrying transient
// storage failures
func (m *Manager) writeDocuments(ctx context.Context, docs []Document) error {
	for _, doc := range docs {
		data, err := encodeDocument(doc)
		if err != nil {
			return errors.WrapFatal(err, "Manager", "writeDocuments", "encode document")
		}

		docID := DocumentID(doc.SnapshotID, doc.SequenceNumber)
		if err := m.putWithRetry(ctx, docID, data); err != nil {
			return errors.Wrap(err, "Manager", "writeDocuments", "store document "+docID)
		}
	}
	return nil
}

// putWithRetry stores one document with backoff on transient failures
func (m *Manager) putWithRetry(ctx context.Context, docID string, data []byte) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = m.adder.Put(ctx, docID, data)
		if err == nil {
			return nil
		}
		if !m.config.Retry.ShouldRetry(err, attempt) {
			return err
		}

		delay := m.config.Retry.BackoffDelay(attempt)
		m.logger.Warn("Retrying checkpoint document write",
			"doc_id", docID,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// clearInFlight releases the single in-flight slot
func (m *Manager) clearInFlight() {
	m.inFlight.Store(false)
	m.metrics.SetPersistInFlight(false)
}

// Restore reads a snapshot's documents from the searcher, runs them through
// the stream filter, and returns the reassembled raw state bytes. Returns
// ErrSnapshotNotFound (wrapped) when no checkpoint exists and
// ErrStateCorrupted (wrapped) when the stored documents cannot be
// reassembled.
func (m *Manager) Restore(ctx context.Context, searcher Searcher, snapshotID string) ([]byte, error) {
	start := time.Now()

	raw, err := searcher.Search(ctx, snapshotID)
	if err != nil {
		return nil, errors.WrapTransient(err, "Manager", "Restore", "search snapshot documents")
	}

	payload, err := NewStreamFilter().Reassemble(raw, snapshotID)
	if err != nil {
		return nil, err
	}

	m.metrics.RecordRestore(time.Since(start))
	m.logger.Info("Snapshot restored",
		"snapshot_id", snapshotID,
		"documents", len(raw),
		"payload_bytes", len(payload),
		"duration", time.Since(start))

	return payload, nil
}

// encodeDocument renders one checkpoint document as JSON
func encodeDocument(doc Document) ([]byte, error) {
	return json.Marshal(doc)
}
