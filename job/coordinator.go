package job

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/c360/mlstreams/errors"
	"github.com/c360/mlstreams/input"
	"github.com/c360/mlstreams/metric"
	"github.com/c360/mlstreams/output"
	"github.com/c360/mlstreams/persistence"
	"github.com/c360/mlstreams/record"
	"github.com/c360/mlstreams/strategy"
)

// Config configures a job coordinator
type Config struct {
	// Name identifies the job in logs and metrics
	Name string
	// InputFormat labels input metrics; it does not select the reader
	InputFormat input.Format
	// MaxConsecutiveParseErrors is the strictness threshold: the job fails
	// once more than this many malformed records arrive in a row
	MaxConsecutiveParseErrors int
	// ForwardRecords forwards each consumed record into the sink chain so a
	// chained downstream job receives the stream it would have read directly
	ForwardRecords bool
	// PersistInterval is the periodic checkpoint interval; zero disables
	// periodic persistence. The first periodic trigger fires one full
	// interval after start so restarted fleets do not checkpoint in step.
	PersistInterval time.Duration
	// RestoreSnapshotID selects the checkpoint to restore at start; empty
	// means fresh state
	RestoreSnapshotID string
}

// DefaultConfig returns default coordinator configuration
func DefaultConfig() Config {
	return Config{
		Name:                      "job",
		MaxConsecutiveParseErrors: 100,
	}
}

// Stats carries the job's processing counters
type Stats struct {
	RecordsProcessed int64
	RecordsSkipped   int64
	ParseErrors      int64
	EventsWritten    int64
	LastSnapshotID   string
}

// Coordinator owns the processing loop for one job: it pulls records from
// the reader, forwards each to the analysis strategy, forwards emitted
// result events to the sink chain, and evaluates persistence triggers. All
// strategy mutation happens on the loop goroutine; the persistence manager's
// background write never touches live state.
type Coordinator struct {
	config   Config
	reader   input.Reader
	writer   output.Writer
	strat    strategy.Strategy
	manager  *persistence.Manager
	searcher persistence.Searcher
	logger   *slog.Logger
	metrics  *metric.Metrics

	commands chan Command
	state    State
	stats    Stats

	// dirty counts records consumed since the last snapshot boundary
	dirty                 int64
	consecutiveParseErrs  int
	pendingShutdown       bool
	fatalPersistRejection error
}

// NewCoordinator creates a job coordinator. manager and searcher may be nil
// when persistence is disabled; metrics may be nil.
func NewCoordinator(
	config Config,
	reader input.Reader,
	writer output.Writer,
	strat strategy.Strategy,
	manager *persistence.Manager,
	searcher persistence.Searcher,
	logger *slog.Logger,
	metrics *metric.Metrics,
) *Coordinator {
	if config.Name == "" {
		config.Name = "job"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		config:   config,
		reader:   reader,
		writer:   writer,
		strat:    strat,
		manager:  manager,
		searcher: searcher,
		logger:   logger.With("job", config.Name, "strategy", strat.Name()),
		metrics:  metrics,
		commands: make(chan Command, 16),
		state:    StateProcessing,
	}
}

// State returns the job's current state. Valid to call from other goroutines
// only after Run returns.
func (c *Coordinator) State() State {
	return c.state
}

// Stats returns the job's processing counters. Valid after Run returns.
func (c *Coordinator) Stats() Stats {
	return c.stats
}

// Flush requests emission of interim results at the next loop boundary
func (c *Coordinator) Flush() {
	c.commands <- Command{Kind: CommandFlush}
}

// Persist requests an explicit checkpoint at the next loop boundary
func (c *Coordinator) Persist() {
	c.commands <- Command{Kind: CommandPersist}
}

// Shutdown requests cooperative shutdown. The command is observed at the
// next loop iteration boundary and never preempts mid-record processing.
func (c *Coordinator) Shutdown() {
	c.commands <- Command{Kind: CommandShutdown}
}

// Run drives the job to completion. It returns nil when the job closes
// cleanly and the fatal error when the job fails; buffered output is flushed
// on a best-effort basis before a failure is reported.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.restore(ctx); err != nil {
		return c.fail(err)
	}

	c.setState(StateProcessing)

	var ticker *time.Ticker
	var tick <-chan time.Time
	if c.manager != nil && c.config.PersistInterval > 0 {
		// The first fire is pushed past one interval by a random offset so a
		// restarted fleet spreads its checkpoints instead of firing in step
		jitter := time.Duration(rand.Int64N(int64(c.config.PersistInterval)/2 + 1))
		ticker = time.NewTicker(c.config.PersistInterval + jitter)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		c.drainPersistResults()
		if c.fatalPersistRejection != nil {
			return c.fail(c.fatalPersistRejection)
		}

		// Loop boundary: out-of-band commands and the periodic trigger are
		// observed here, never mid-record
		select {
		case <-ctx.Done():
			c.pendingShutdown = true
		case cmd := <-c.commands:
			if err := c.handleCommand(ctx, cmd); err != nil {
				return c.fail(err)
			}
		case <-tick:
			ticker.Reset(c.config.PersistInterval)
			if err := c.requestPersist(ctx, persistence.TriggerPeriodic); err != nil {
				return c.fail(err)
			}
		default:
		}

		if c.pendingShutdown {
			return c.finalize(ctx)
		}

		done, err := c.processOne(ctx)
		if err != nil {
			return c.fail(err)
		}
		if done {
			return c.finalize(ctx)
		}
	}
}

// restore enters the Restoring state when a prior checkpoint is configured
func (c *Coordinator) restore(ctx context.Context) error {
	if c.config.RestoreSnapshotID == "" {
		return nil
	}
	if c.manager == nil || c.searcher == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Coordinator", "restore",
			"restore requested without persistence backend")
	}

	c.setState(StateRestoring)
	c.logger.Info("Restoring from checkpoint", "snapshot_id", c.config.RestoreSnapshotID)

	payload, err := c.manager.Restore(ctx, c.searcher, c.config.RestoreSnapshotID)
	if err != nil {
		if stderrors.Is(err, errors.ErrSnapshotNotFound) {
			c.logger.Warn("No checkpoint found, starting with fresh state",
				"snapshot_id", c.config.RestoreSnapshotID)
			return nil
		}
		return err
	}

	if err := c.strat.RestoreSnapshot(payload); err != nil {
		return err
	}

	c.stats.LastSnapshotID = c.config.RestoreSnapshotID
	c.logger.Info("Checkpoint restored", "snapshot_id", c.config.RestoreSnapshotID,
		"payload_bytes", len(payload))
	return nil
}

// processOne reads and routes a single record. Returns done=true at end of
// stream and a non-nil error only for fatal conditions.
func (c *Coordinator) processOne(ctx context.Context) (bool, error) {
	rec, err := c.reader.Next()
	if err == io.EOF {
		return true, nil
	}

	var parseErr *input.ParseError
	if stderrors.As(err, &parseErr) {
		return false, c.recordSkipped(parseErr)
	}
	if err != nil {
		return false, errors.WrapFatal(err, "Coordinator", "processOne", "read record")
	}

	c.consecutiveParseErrs = 0
	c.stats.RecordsProcessed++
	c.dirty++
	c.metrics.RecordRecordRead(c.config.Name, string(c.config.InputFormat))

	if c.config.ForwardRecords {
		if err := c.writer.WriteRecord(rec); err != nil {
			return false, err
		}
	}

	events, err := c.strat.ConsumeRecord(rec)
	if err != nil {
		if errors.IsInvalid(err) {
			// Strategy rejected the record; skip like a parse error
			return false, c.recordSkipped(err)
		}
		return false, errors.WrapFatal(err, "Coordinator", "processOne", "consume record")
	}

	if err := c.writeEvents(events); err != nil {
		return false, err
	}

	if c.manager != nil && c.strat.ResourcePressure() {
		if err := c.requestPersist(ctx, persistence.TriggerResource); err != nil {
			return false, err
		}
	}

	return false, nil
}

// recordSkipped logs and counts a skipped malformed record, failing the job
// only once the consecutive-error threshold is exceeded
func (c *Coordinator) recordSkipped(cause error) error {
	c.stats.ParseErrors++
	c.stats.RecordsSkipped++
	c.consecutiveParseErrs++
	c.metrics.RecordParseError(c.config.Name, string(c.config.InputFormat))

	c.logger.Warn("Skipping malformed record",
		"error", cause,
		"consecutive", c.consecutiveParseErrs,
		"total_skipped", c.stats.RecordsSkipped)

	if c.consecutiveParseErrs > c.config.MaxConsecutiveParseErrors {
		return errors.WrapFatal(errors.ErrTooManyParseErrors, "Coordinator", "recordSkipped",
			"enforce strictness threshold")
	}
	return nil
}

// handleCommand processes one out-of-band control command
func (c *Coordinator) handleCommand(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case CommandFlush:
		return c.flushInterim()
	case CommandPersist:
		return c.requestPersist(ctx, persistence.TriggerExplicit)
	case CommandShutdown:
		c.pendingShutdown = true
		return nil
	default:
		c.logger.Warn("Ignoring unknown command", "kind", cmd.Kind)
		return nil
	}
}

// flushInterim forces the strategy to emit all results computable from
// records seen so far, then returns to processing
func (c *Coordinator) flushInterim() error {
	c.setState(StateFlushing)
	defer c.setState(StateProcessing)

	events, err := c.strat.EmitInterimResults()
	if err != nil {
		return errors.WrapFatal(err, "Coordinator", "flushInterim", "emit interim results")
	}
	if err := c.writeEvents(events); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	c.logger.Debug("Interim results flushed", "events", len(events))
	return nil
}

// requestPersist evaluates one persistence trigger. A clean state is never
// persisted; a busy rejection is dropped for periodic and resource triggers
// and fatal for explicit and shutdown triggers.
func (c *Coordinator) requestPersist(ctx context.Context, trigger persistence.Trigger) error {
	if c.manager == nil {
		return nil
	}
	if c.dirty == 0 {
		c.logger.Debug("Skipping persist of unmodified state", "trigger", trigger)
		return nil
	}

	err := c.manager.RequestPersist(ctx, persistence.Request{Trigger: trigger}, c.strat)
	if err != nil {
		if stderrors.Is(err, errors.ErrPersistInProgress) {
			if trigger.Fatal() {
				return errors.WrapFatal(err, "Coordinator", "requestPersist",
					"persistence busy on "+string(trigger)+" trigger")
			}
			c.logger.Debug("Dropping persistence trigger, operation in flight", "trigger", trigger)
			return nil
		}
		return err
	}

	// The snapshot boundary was captured synchronously above, so records
	// consumed from here on belong to the next checkpoint
	c.dirty = 0
	return nil
}

// drainPersistResults consumes background persistence completions without
// blocking
func (c *Coordinator) drainPersistResults() {
	if c.manager == nil {
		return
	}
	for {
		select {
		case res := <-c.manager.Results():
			c.handlePersistResult(res)
		default:
			return
		}
	}
}

// handlePersistResult reacts to one background persistence completion
func (c *Coordinator) handlePersistResult(res persistence.Result) {
	if res.Err != nil {
		c.logger.Error("Checkpoint write failed",
			"snapshot_id", res.Snapshot.ID,
			"trigger", res.Request.Trigger,
			"error", res.Err)
		if res.Request.Trigger.Fatal() {
			c.fatalPersistRejection = errors.WrapFatal(res.Err, "Coordinator",
				"handlePersistResult", "checkpoint write for "+string(res.Request.Trigger)+" trigger")
		}
		return
	}

	c.stats.LastSnapshotID = res.Snapshot.ID
	ev := record.NewResultEvent(record.EventSnapshotTaken, res.Snapshot.Timestamp, map[string]any{
		"snapshot_id":   res.Snapshot.ID,
		"documents":     res.Snapshot.DocumentCount,
		"payload_bytes": res.Snapshot.SizeBytes,
		"trigger":       string(res.Request.Trigger),
	})
	if err := c.writeEvents([]record.ResultEvent{ev}); err != nil {
		c.logger.Error("Failed to report snapshot event", "error", err)
	}
}

// finalize emits final results, persists dirty state, and closes the sink
// chain
func (c *Coordinator) finalize(ctx context.Context) error {
	c.setState(StateFinalizing)
	c.logger.Info("Finalizing job",
		"records_processed", c.stats.RecordsProcessed,
		"records_skipped", c.stats.RecordsSkipped)

	events, err := c.strat.FinalResults()
	if err != nil {
		return c.fail(errors.WrapFatal(err, "Coordinator", "finalize", "emit final results"))
	}
	if err := c.writeEvents(events); err != nil {
		return c.fail(err)
	}

	if c.manager != nil {
		// Await any in-flight write before taking the shutdown checkpoint so
		// two snapshot boundaries never overlap
		c.manager.Wait()
		c.drainPersistResults()

		if err := c.requestPersist(ctx, persistence.TriggerShutdown); err != nil {
			return c.fail(err)
		}
		c.manager.Wait()
		c.drainPersistResults()
		if c.fatalPersistRejection != nil {
			return c.fail(c.fatalPersistRejection)
		}
	}

	statsEv := record.NewResultEvent(record.EventJobStats, time.Now(), map[string]any{
		"records_processed": c.stats.RecordsProcessed,
		"records_skipped":   c.stats.RecordsSkipped,
		"parse_errors":      c.stats.ParseErrors,
		"events_written":    c.stats.EventsWritten,
		"last_snapshot_id":  c.stats.LastSnapshotID,
	})
	if err := c.writeEvents([]record.ResultEvent{statsEv}); err != nil {
		return c.fail(err)
	}

	if err := c.writer.Finalize(); err != nil {
		return c.fail(err)
	}

	c.setState(StateClosed)
	c.logger.Info("Job closed")
	return nil
}

// writeEvents forwards result events to the sink chain
func (c *Coordinator) writeEvents(events []record.ResultEvent) error {
	for _, ev := range events {
		if err := c.writer.WriteEvent(ev); err != nil {
			return err
		}
		c.stats.EventsWritten++
		c.metrics.RecordEventWritten(c.config.Name, string(ev.Kind))
	}
	return nil
}

// fail transitions the job to Failed, flushing whatever output is safely
// flushable before the error is surfaced
func (c *Coordinator) fail(err error) error {
	if c.state == StateFailed {
		return err
	}
	c.setState(StateFailed)

	c.logger.Error("Job failed", "error", err)

	if c.manager != nil {
		// An in-flight checkpoint is awaited, not aborted
		c.manager.Wait()
	}
	if finalizeErr := c.writer.Finalize(); finalizeErr != nil {
		c.logger.Error("Best-effort output flush failed", "error", finalizeErr)
	}

	return err
}

// setState records a state transition
func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("Job state transition", "from", c.state.String(), "to", s.String())
	c.state = s
	c.metrics.RecordJobState(c.config.Name, int(s))
}
