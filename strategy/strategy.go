// Package strategy defines the analysis-strategy contract every pipeline
// feeds: an opaque record sink that emits result events, supports interim
// and final result emission, and can capture and restore snapshots of its
// internal model state.
package strategy

import (
	"github.com/c360/mlstreams/persistence"
	"github.com/c360/mlstreams/record"
)

// Strategy is the pluggable analysis contract. A strategy instance is owned
// by exactly one job and is never shared: the coordinator's main loop is the
// sole mutator of its state, and CaptureSnapshot is the only read performed
// while ingestion is suspended.
type Strategy interface {
	persistence.Source

	// Name identifies the strategy variant for logs and events
	Name() string

	// ConsumeRecord processes one record and returns any result events it
	// produces. An invalid-classified error means the record was rejected
	// and skipped; any other error is fatal to the job.
	ConsumeRecord(rec record.Record) ([]record.ResultEvent, error)

	// EmitInterimResults forces emission of all results computable from
	// records seen so far without ending the job
	EmitInterimResults() ([]record.ResultEvent, error)

	// FinalResults emits the remaining results at end of stream
	FinalResults() ([]record.ResultEvent, error)

	// RestoreSnapshot replaces the strategy's state with a previously
	// captured serialization, producing a processing-equivalent continuation
	RestoreSnapshot(payload []byte) error

	// ResourcePressure reports a strategy-internal memory/size threshold
	// crossing. The coordinator forwards this as a persistence trigger; the
	// threshold policy belongs to the strategy.
	ResourcePressure() bool
}
