// Package mlstreams is a streaming analytics job engine: an out-of-process
// runner that consumes a record stream, feeds it to a pluggable analysis
// strategy, emits structured result events, and incrementally checkpoints
// model state so a restarted job continues where it left off.
//
// # Architecture
//
// A job is one pass of one input stream through one strategy:
//
//	┌──────────────┐    ┌──────────────┐    ┌──────────────┐
//	│ input.Reader │ →  │ job loop     │ →  │ sink chain   │
//	│ csv / le /   │    │ (coordinator)│    │ chainer →    │
//	│ ndjson       │    │              │    │ json/ndjson  │
//	└──────────────┘    └──────┬───────┘    └──────────────┘
//	                           ↓
//	                    ┌──────────────┐    ┌──────────────┐
//	                    │ strategy     │ ⇄  │ persistence  │
//	                    │ (model state)│    │ manager      │
//	                    └──────────────┘    └──────────────┘
//
// The coordinator in package job owns the single-threaded main loop: records
// flow from the reader through the strategy to the sink chain, and flush,
// persist, and shutdown commands are observed at loop boundaries, never
// mid-record. Package persistence owns the one background goroutine the
// engine runs: snapshot boundaries are captured synchronously, byte-level
// checkpoint writes proceed in the background, and at most one operation is
// ever in flight.
//
// # Packages
//
//   - record: the data model (schemas, records, result events)
//   - input: CSV, length-encoded, and NDJSON record readers
//   - output: composable sink-chain writers, including the chainer that
//     re-frames records for a downstream job's input
//   - strategy: the pluggable analysis contract; strategy/bucketcount is the
//     reference implementation
//   - persistence: checkpoint manager, document splitting, stream filter,
//     in-memory store
//   - natsstore: JetStream object-store checkpoint backend
//   - job: the coordinator state machine
//   - config, metric, errors: configuration, Prometheus metrics, and the
//     engine error taxonomy
//   - cmd/mlstreams: the CLI entry point
package mlstreams
