package job

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mlstreams/errors"
	"github.com/c360/mlstreams/input"
	"github.com/c360/mlstreams/persistence"
	"github.com/c360/mlstreams/record"
	"github.com/c360/mlstreams/strategy/bucketcount"
)

// collectWriter records everything written to the sink chain
type collectWriter struct {
	records   []record.Record
	events    []record.ResultEvent
	flushes   int
	finalized bool
}

func (cw *collectWriter) WriteRecord(rec record.Record) error {
	cw.records = append(cw.records, rec)
	return nil
}

func (cw *collectWriter) WriteEvent(ev record.ResultEvent) error {
	cw.events = append(cw.events, ev)
	return nil
}

func (cw *collectWriter) Flush() error {
	cw.flushes++
	return nil
}

func (cw *collectWriter) Finalize() error {
	cw.finalized = true
	return nil
}

func (cw *collectWriter) kinds() []record.EventKind {
	out := make([]record.EventKind, 0, len(cw.events))
	for _, ev := range cw.events {
		out = append(out, ev.Kind)
	}
	return out
}

// scriptReader replays a fixed sequence of records and errors, then io.EOF.
// A step's hook runs as a side effect of its read.
type scriptReader struct {
	steps []scriptStep
}

type scriptStep struct {
	rec  record.Record
	err  error
	hook func()
}

func (sr *scriptReader) Next() (record.Record, error) {
	if len(sr.steps) == 0 {
		return record.Record{}, io.EOF
	}
	step := sr.steps[0]
	sr.steps = sr.steps[1:]
	if step.hook != nil {
		step.hook()
	}
	return step.rec, step.err
}

// endlessReader produces records forever, one bucket span apart
type endlessReader struct {
	schema *record.Schema
	epoch  int64
}

func (er *endlessReader) Next() (record.Record, error) {
	er.epoch += 60
	return record.NewRecord(er.schema, []string{strconv.FormatInt(er.epoch, 10)})
}

func timeRecord(t *testing.T, epoch string) record.Record {
	t.Helper()
	schema, err := record.NewSchema([]string{"time"})
	require.NoError(t, err)
	rec, err := record.NewRecord(schema, []string{epoch})
	require.NoError(t, err)
	return rec
}

func newStrategy(t *testing.T) *bucketcount.Strategy {
	t.Helper()
	s, err := bucketcount.New(bucketcount.Config{TimeField: "time", BucketSpanSeconds: 60})
	require.NoError(t, err)
	return s
}

func parseErrorStep(index int64) scriptStep {
	return scriptStep{err: &input.ParseError{Index: index, Err: errors.ErrParsingFailed}}
}

// blockingAdder holds every Put until released, keeping the persistence
// manager's single slot occupied for as long as the test needs
type blockingAdder struct {
	release chan struct{}
}

func newBlockingAdder() *blockingAdder {
	return &blockingAdder{release: make(chan struct{})}
}

func (b *blockingAdder) Put(ctx context.Context, _ string, _ []byte) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errorSignalHandler fires a callback on the first error-level log record
// and discards everything else
type errorSignalHandler struct {
	signal func()
}

func (h *errorSignalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h *errorSignalHandler) Handle(context.Context, slog.Record) error {
	h.signal()
	return nil
}

func (h *errorSignalHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *errorSignalHandler) WithGroup(string) slog.Handler      { return h }

func TestRunCleanStream(t *testing.T) {
	reader, err := input.NewReader(input.FormatCSV, strings.NewReader("time\n0\n60\n120\n"))
	require.NoError(t, err)
	writer := &collectWriter{}

	c := NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10},
		reader, writer, newStrategy(t), nil, nil, nil, nil,
	)

	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, int64(3), c.Stats().RecordsProcessed)
	assert.Equal(t, int64(0), c.Stats().RecordsSkipped)
	assert.True(t, writer.finalized)

	assert.Equal(t, []record.EventKind{
		record.EventScoredBucket, // bucket 0 closed by record at 60
		record.EventScoredBucket, // bucket 60 closed by record at 120
		record.EventScoredBucket, // bucket 120 closed at end of stream
		record.EventProgress,
		record.EventJobStats,
	}, writer.kinds())

	stats := writer.events[len(writer.events)-1]
	assert.Equal(t, int64(3), stats.Payload["records_processed"])
	assert.Empty(t, writer.records)
}

func TestRunForwardsRecordsWhenChaining(t *testing.T) {
	reader, err := input.NewReader(input.FormatCSV, strings.NewReader("time\n0\n60\n"))
	require.NoError(t, err)
	writer := &collectWriter{}

	c := NewCoordinator(
		Config{Name: "test", ForwardRecords: true, MaxConsecutiveParseErrors: 10},
		reader, writer, newStrategy(t), nil, nil, nil, nil,
	)

	require.NoError(t, c.Run(context.Background()))
	require.Len(t, writer.records, 2)
	assert.Equal(t, []string{"0"}, writer.records[0].Values())
}

func TestRunFailsWhenConsecutiveParseErrorsExceedMax(t *testing.T) {
	reader := &scriptReader{steps: []scriptStep{
		{rec: timeRecord(t, "0")},
		parseErrorStep(2),
		parseErrorStep(3),
		parseErrorStep(4),
	}}
	writer := &collectWriter{}

	c := NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 2},
		reader, writer, newStrategy(t), nil, nil, nil, nil,
	)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTooManyParseErrors)
	assert.Equal(t, StateFailed, c.State())
	assert.True(t, writer.finalized) // best-effort flush on failure
}

func TestRunToleratesParseErrorsAtMax(t *testing.T) {
	// Two bad in a row, a good record resets the counter, two bad again
	reader := &scriptReader{steps: []scriptStep{
		parseErrorStep(1),
		parseErrorStep(2),
		{rec: timeRecord(t, "0")},
		parseErrorStep(4),
		parseErrorStep(5),
	}}
	writer := &collectWriter{}

	c := NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 2},
		reader, writer, newStrategy(t), nil, nil, nil, nil,
	)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, int64(4), c.Stats().RecordsSkipped)
	assert.Equal(t, int64(1), c.Stats().RecordsProcessed)
}

func TestRunSkipsRecordsStrategyRejects(t *testing.T) {
	reader, err := input.NewReader(input.FormatCSV, strings.NewReader("time\n0\nnot-a-time\n60\n"))
	require.NoError(t, err)
	writer := &collectWriter{}

	c := NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10},
		reader, writer, newStrategy(t), nil, nil, nil, nil,
	)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, int64(2), c.Stats().RecordsProcessed)
	assert.Equal(t, int64(1), c.Stats().RecordsSkipped)
}

func TestRunShutdownCommandStopsBeforeNextRecord(t *testing.T) {
	schema, err := record.NewSchema([]string{"time"})
	require.NoError(t, err)
	writer := &collectWriter{}

	c := NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10},
		&endlessReader{schema: schema}, writer, newStrategy(t), nil, nil, nil, nil,
	)

	c.Shutdown()
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, int64(0), c.Stats().RecordsProcessed)
	assert.True(t, writer.finalized)
}

func TestRunContextCancellationShutsDown(t *testing.T) {
	schema, err := record.NewSchema([]string{"time"})
	require.NoError(t, err)
	writer := &collectWriter{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10},
		&endlessReader{schema: schema}, writer, newStrategy(t), nil, nil, nil, nil,
	)

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, StateClosed, c.State())
}

func TestRunFlushCommandEmitsInterim(t *testing.T) {
	var c *Coordinator
	reader := &scriptReader{steps: []scriptStep{
		{rec: timeRecord(t, "0")},
		{rec: timeRecord(t, "10"), hook: func() { c.Flush() }},
		{rec: timeRecord(t, "20")},
	}}
	writer := &collectWriter{}

	c = NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10},
		reader, writer, newStrategy(t), nil, nil, nil, nil,
	)

	require.NoError(t, c.Run(context.Background()))

	// One interim scored bucket, then the final bucket, progress, stats
	require.GreaterOrEqual(t, len(writer.events), 4)
	interim := writer.events[0]
	assert.Equal(t, record.EventScoredBucket, interim.Kind)
	assert.Equal(t, true, interim.Payload["interim"])
	assert.GreaterOrEqual(t, writer.flushes, 1)

	// No records were lost or duplicated around the flush
	assert.Equal(t, int64(3), c.Stats().RecordsProcessed)
}

func TestRunShutdownPersistsDirtyState(t *testing.T) {
	store := persistence.NewMemoryStore()
	manager := persistence.NewManager(store, persistence.DefaultManagerConfig(), nil, nil)

	reader, err := input.NewReader(input.FormatCSV, strings.NewReader("time\n0\n60\n120\n"))
	require.NoError(t, err)
	writer := &collectWriter{}

	c := NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10},
		reader, writer, newStrategy(t), manager, store, nil, nil,
	)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, store.Len())
	assert.NotEmpty(t, c.Stats().LastSnapshotID)

	// The checkpoint was reported on the sink chain before job stats
	kinds := writer.kinds()
	assert.Contains(t, kinds, record.EventSnapshotTaken)
	assert.Equal(t, record.EventJobStats, kinds[len(kinds)-1])
}

func TestRunCleanStateNotPersisted(t *testing.T) {
	store := persistence.NewMemoryStore()
	manager := persistence.NewManager(store, persistence.DefaultManagerConfig(), nil, nil)

	reader, err := input.NewReader(input.FormatCSV, strings.NewReader("time\n"))
	require.NoError(t, err)

	c := NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10},
		reader, &collectWriter{}, newStrategy(t), manager, store, nil, nil,
	)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, 0, store.Len())
	assert.Empty(t, c.Stats().LastSnapshotID)
}

func TestRunExplicitPersistCommand(t *testing.T) {
	store := persistence.NewMemoryStore()
	manager := persistence.NewManager(store, persistence.DefaultManagerConfig(), nil, nil)

	var c *Coordinator
	reader := &scriptReader{steps: []scriptStep{
		{rec: timeRecord(t, "0")},
		{rec: timeRecord(t, "10"), hook: func() { c.Persist() }},
		{rec: timeRecord(t, "20")},
	}}

	c = NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10},
		reader, &collectWriter{}, newStrategy(t), manager, store, nil, nil,
	)

	require.NoError(t, c.Run(context.Background()))

	// One explicit checkpoint mid-stream plus the shutdown checkpoint
	assert.Equal(t, 2, store.Len())
}

func TestRunFailsWhenExplicitPersistRejectedWhileBusy(t *testing.T) {
	adder := newBlockingAdder()
	manager := persistence.NewManager(adder, persistence.DefaultManagerConfig(), nil, nil)

	var c *Coordinator
	reader := &scriptReader{steps: []scriptStep{
		{rec: timeRecord(t, "0")},
		{rec: timeRecord(t, "10"), hook: func() { c.Persist() }},
		{rec: timeRecord(t, "20"), hook: func() { c.Persist() }},
		{rec: timeRecord(t, "30")},
	}}
	writer := &collectWriter{}

	// The failure log is the last observable step before the coordinator
	// awaits the in-flight write, so it doubles as the release point: the
	// first checkpoint stays blocked until the second request has been
	// rejected
	logger := slog.New(&errorSignalHandler{
		signal: sync.OnceFunc(func() { close(adder.release) }),
	})

	c = NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10},
		reader, writer, newStrategy(t), manager, nil, logger, nil,
	)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPersistInProgress)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, StateFailed, c.State())
	assert.True(t, writer.finalized) // best-effort flush on failure
	assert.Len(t, reader.steps, 1)   // the failure stops the loop before the next read
}

func TestRunFailsWhenExplicitCheckpointWriteFails(t *testing.T) {
	store := persistence.NewMemoryStore()
	store.FailNextPuts(20)

	cfg := persistence.DefaultManagerConfig()
	cfg.Retry = errors.RetryConfig{
		MaxRetries:    2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}
	manager := persistence.NewManager(store, cfg, nil, nil)

	var c *Coordinator
	reader := &scriptReader{steps: []scriptStep{
		{rec: timeRecord(t, "0")},
		{rec: timeRecord(t, "10"), hook: func() { c.Persist() }},
		{rec: timeRecord(t, "20")},
		{rec: timeRecord(t, "30")},
	}}
	writer := &collectWriter{}

	c = NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10},
		reader, writer, newStrategy(t), manager, store, nil, nil,
	)

	// The explicit checkpoint is accepted but its background write exhausts
	// every retry; the completion surfaces through Results and fails the job
	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	assert.Equal(t, StateFailed, c.State())
	assert.True(t, writer.finalized)
	assert.Equal(t, 0, store.Len()) // nothing durable was claimed
}

func TestRunFlushThenShutdownEmitsEachResultOnce(t *testing.T) {
	var c *Coordinator
	reader := &scriptReader{steps: []scriptStep{
		{rec: timeRecord(t, "0")},
		{rec: timeRecord(t, "10"), hook: func() {
			c.Flush()
			c.Shutdown()
		}},
		{rec: timeRecord(t, "20")},
		{rec: timeRecord(t, "30")},
	}}
	writer := &collectWriter{}

	c = NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10},
		reader, writer, newStrategy(t), nil, nil, nil, nil,
	)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, StateClosed, c.State())

	// Exactly one interim bucket, one final bucket, progress, and job stats
	require.Equal(t, []record.EventKind{
		record.EventScoredBucket,
		record.EventScoredBucket,
		record.EventProgress,
		record.EventJobStats,
	}, writer.kinds())

	interim, final := writer.events[0], writer.events[1]
	assert.Equal(t, true, interim.Payload["interim"])
	assert.Equal(t, int64(2), interim.Payload["count"])
	assert.Equal(t, true, final.Payload["final"])
	assert.Equal(t, int64(3), final.Payload["count"])

	assert.Equal(t, 1, writer.flushes)
	assert.Equal(t, int64(3), c.Stats().RecordsProcessed)
	assert.Len(t, reader.steps, 1) // shutdown observed before the next read
}

func TestRunRestoreContinuation(t *testing.T) {
	store := persistence.NewMemoryStore()
	manager := persistence.NewManager(store, persistence.DefaultManagerConfig(), nil, nil)

	// First job: process three records and checkpoint at shutdown
	reader, err := input.NewReader(input.FormatCSV, strings.NewReader("time\n0\n60\n120\n"))
	require.NoError(t, err)

	first := NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10},
		reader, &collectWriter{}, newStrategy(t), manager, store, nil, nil,
	)
	require.NoError(t, first.Run(context.Background()))
	snapshotID := first.Stats().LastSnapshotID
	require.NotEmpty(t, snapshotID)

	// Second job: restore the checkpoint and continue the stream
	reader, err = input.NewReader(input.FormatCSV, strings.NewReader("time\n180\n240\n"))
	require.NoError(t, err)
	writer := &collectWriter{}

	second := NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10, RestoreSnapshotID: snapshotID},
		reader, writer, newStrategy(t), manager, store, nil, nil,
	)
	require.NoError(t, second.Run(context.Background()))
	assert.Equal(t, StateClosed, second.State())

	// The restored model remembers the first job's records
	var progress record.ResultEvent
	for _, ev := range writer.events {
		if ev.Kind == record.EventProgress {
			progress = ev
		}
	}
	require.NotNil(t, progress.Payload)
	assert.Equal(t, int64(5), progress.Payload["records_seen"])
}

func TestRunRestoreMissingSnapshotStartsFresh(t *testing.T) {
	store := persistence.NewMemoryStore()
	manager := persistence.NewManager(store, persistence.DefaultManagerConfig(), nil, nil)

	reader, err := input.NewReader(input.FormatCSV, strings.NewReader("time\n0\n"))
	require.NoError(t, err)

	c := NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10, RestoreSnapshotID: "no-such-snapshot"},
		reader, &collectWriter{}, newStrategy(t), manager, store, nil, nil,
	)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, int64(1), c.Stats().RecordsProcessed)
}

func TestRunRestoreWithoutBackendFails(t *testing.T) {
	reader, err := input.NewReader(input.FormatCSV, strings.NewReader("time\n0\n"))
	require.NoError(t, err)

	c := NewCoordinator(
		Config{Name: "test", MaxConsecutiveParseErrors: 10, RestoreSnapshotID: "snap"},
		reader, &collectWriter{}, newStrategy(t), nil, nil, nil, nil,
	)

	err = c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
	assert.Equal(t, StateFailed, c.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "restoring", StateRestoring.String())
	assert.Equal(t, "processing", StateProcessing.String())
	assert.Equal(t, "flushing", StateFlushing.String())
	assert.Equal(t, "finalizing", StateFinalizing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "failed", StateFailed.String())
}
