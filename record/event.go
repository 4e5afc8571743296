package record

import "time"

// EventKind tags the type of a result event so the sink chain can serialize
// each kind independently
type EventKind string

// Result event kinds exposed outward. Strategies may define additional kinds;
// the sink chain treats the kind as an opaque tag.
const (
	// EventScoredBucket carries a scored analysis bucket
	EventScoredBucket EventKind = "scored_bucket"
	// EventProgress carries a progress/instrumentation update
	EventProgress EventKind = "progress"
	// EventSnapshotTaken reports that a model snapshot was persisted
	EventSnapshotTaken EventKind = "snapshot_taken"
	// EventJobStats carries final job statistics at shutdown
	EventJobStats EventKind = "job_stats"
)

// ResultEvent is an immutable, strategy-produced output unit. It is owned by
// the sink chain from the moment it is forwarded until it is written.
type ResultEvent struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// NewResultEvent creates a result event with the given kind, logical
// timestamp, and payload fields
func NewResultEvent(kind EventKind, ts time.Time, payload map[string]any) ResultEvent {
	return ResultEvent{Kind: kind, Timestamp: ts, Payload: payload}
}
