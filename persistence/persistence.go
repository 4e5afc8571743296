// Package persistence implements the incremental checkpoint subsystem: a
// manager that schedules and throttles background snapshot writes against a
// Data Adder, and a restore path that reassembles stored checkpoint documents
// through a stream filter before handing the raw state bytes back to the
// analysis strategy.
package persistence

import (
	"context"
	"time"
)

// Trigger describes why a checkpoint is being taken
type Trigger string

// Persistence triggers evaluated by the job coordinator
const (
	// TriggerPeriodic is the wall-clock interval trigger; rejections are
	// silently dropped
	TriggerPeriodic Trigger = "periodic"
	// TriggerExplicit is an external persist command; rejections are fatal
	TriggerExplicit Trigger = "explicit"
	// TriggerResource is the strategy-reported memory/size threshold
	TriggerResource Trigger = "resource"
	// TriggerShutdown is the unconditional persist-if-dirty at clean shutdown
	TriggerShutdown Trigger = "shutdown"
)

// Fatal reports whether a rejected request with this trigger must fail the
// job rather than be dropped
func (t Trigger) Fatal() bool {
	return t == TriggerExplicit || t == TriggerShutdown
}

// Request describes one persistence request
type Request struct {
	Trigger    Trigger
	SnapshotID string // assigned by the manager when empty
}

// Snapshot is a consistent point-in-time serialization of an analysis
// strategy's full internal state plus metadata
type Snapshot struct {
	ID            string
	Timestamp     time.Time
	Payload       []byte
	DocumentCount int
	SizeBytes     int
}

// Source produces snapshot boundaries. CaptureSnapshot must be bounded: it
// captures a consistent serialization of the current state without waiting on
// further input, so the coordinator suspends ingestion only for this call and
// not for the byte-level write that follows.
type Source interface {
	CaptureSnapshot() (Snapshot, error)
}

// Result reports the completion of a background persistence operation
type Result struct {
	Request  Request
	Snapshot Snapshot
	Duration time.Duration
	Err      error
}

// Adder is the external append/object-store sink for checkpoint documents
type Adder interface {
	// Put stores one document under the given id
	Put(ctx context.Context, docID string, data []byte) error
}

// Searcher is the external read abstraction over persisted checkpoint
// storage. Search returns the raw stored documents for a snapshot id, in any
// order and still wrapped in whatever storage-layer envelope the backend
// applies; the stream filter strips and reorders them.
type Searcher interface {
	Search(ctx context.Context, snapshotID string) ([][]byte, error)
}
