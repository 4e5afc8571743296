// Package job implements the job coordinator: the single-threaded main loop
// that drives records from the input reader through the analysis strategy to
// the sink chain, interleaved with flush, persist, and shutdown commands, and
// the state machine governing the job's lifetime.
package job

// State represents the current lifecycle state of a job
type State int

const (
	// StateRestoring indicates the job is restoring from a prior checkpoint
	StateRestoring State = iota
	// StateProcessing indicates the steady-state ingestion loop is running
	StateProcessing
	// StateFlushing indicates interim results are being forced out
	StateFlushing
	// StateFinalizing indicates end-of-stream or shutdown handling
	StateFinalizing
	// StateClosed is the terminal success state
	StateClosed
	// StateFailed is the terminal failure state, reachable from any state
	StateFailed
)

// String returns a string representation of the job state
func (s State) String() string {
	switch s {
	case StateRestoring:
		return "restoring"
	case StateProcessing:
		return "processing"
	case StateFlushing:
		return "flushing"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CommandKind identifies an out-of-band control command
type CommandKind string

// Commands accepted mid-stream, processed at the next safe loop boundary
const (
	// CommandFlush forces emission of interim results
	CommandFlush CommandKind = "flush"
	// CommandPersist requests an explicit checkpoint
	CommandPersist CommandKind = "persist"
	// CommandShutdown requests cooperative shutdown
	CommandShutdown CommandKind = "shutdown"
)

// Command is one control-channel message
type Command struct {
	Kind CommandKind
}
