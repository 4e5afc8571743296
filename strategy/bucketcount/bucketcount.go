// Package bucketcount provides the reference analysis strategy: time-bucketed
// record counts scored against a running mean and variance. It exists to
// exercise the full pipeline (consume, interim and final results, snapshot
// capture and restore) with deterministic continuation semantics.
package bucketcount

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/c360/mlstreams/errors"
	"github.com/c360/mlstreams/persistence"
	"github.com/c360/mlstreams/record"
	"github.com/c360/mlstreams/strategy"
)

// Config configures the bucketcount strategy
type Config struct {
	// TimeField names the record field carrying the timestamp
	TimeField string `json:"time_field" mapstructure:"time_field"`
	// BucketSpanSeconds is the width of one analysis bucket
	BucketSpanSeconds int64 `json:"bucket_span_seconds" mapstructure:"bucket_span_seconds"`
	// SnapshotPressureRecords is the number of records consumed since the
	// last snapshot capture after which the strategy reports resource
	// pressure; zero disables pressure reporting
	SnapshotPressureRecords int64 `json:"snapshot_pressure_records" mapstructure:"snapshot_pressure_records"`
}

// DefaultConfig returns default configuration for the bucketcount strategy
func DefaultConfig() Config {
	return Config{
		TimeField:         "time",
		BucketSpanSeconds: 300,
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.TimeField == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "time_field is required")
	}
	if c.BucketSpanSeconds <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"bucket_span_seconds must be positive")
	}
	if c.SnapshotPressureRecords < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"snapshot_pressure_records cannot be negative")
	}
	return nil
}

// modelState is the full serializable state of the strategy. The snapshot
// payload is the msgpack encoding of this struct; restoring it yields a
// processing-equivalent continuation.
type modelState struct {
	BucketStart  int64   `msgpack:"bucket_start"`
	BucketCount  int64   `msgpack:"bucket_count"`
	BucketOpen   bool    `msgpack:"bucket_open"`
	BucketsDone  int64   `msgpack:"buckets_done"`
	RecordsSeen  int64   `msgpack:"records_seen"`
	OutOfOrder   int64   `msgpack:"out_of_order"`
	CountMean    float64 `msgpack:"count_mean"`
	CountM2      float64 `msgpack:"count_m2"`
	StateVersion int     `msgpack:"state_version"`
}

// stateVersion guards against restoring a payload from an incompatible build
const stateVersion = 1

// Strategy counts records per fixed-width time bucket and scores each closed
// bucket by its deviation from the running count distribution
type Strategy struct {
	config Config
	state  modelState

	recordsSinceCapture int64
}

// Compile-time interface check
var _ strategy.Strategy = (*Strategy)(nil)

// New creates a bucketcount strategy from configuration
func New(config Config) (*Strategy, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Strategy{
		config: config,
		state:  modelState{StateVersion: stateVersion},
	}, nil
}

// Name identifies the strategy variant
func (s *Strategy) Name() string {
	return "bucketcount"
}

// ConsumeRecord assigns the record to its time bucket, closing and scoring
// any bucket the stream has moved past
func (s *Strategy) ConsumeRecord(rec record.Record) ([]record.ResultEvent, error) {
	raw, ok := rec.Get(s.config.TimeField)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrFieldMismatch, "Strategy", "ConsumeRecord",
			fmt.Sprintf("record has no %q field", s.config.TimeField))
	}

	ts, err := parseTime(raw)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Strategy", "ConsumeRecord",
			fmt.Sprintf("parse %q value %q", s.config.TimeField, raw))
	}

	s.state.RecordsSeen++
	s.recordsSinceCapture++

	bucketStart := ts - ts%s.config.BucketSpanSeconds

	var events []record.ResultEvent
	switch {
	case !s.state.BucketOpen:
		s.state.BucketOpen = true
		s.state.BucketStart = bucketStart
		s.state.BucketCount = 1
	case bucketStart == s.state.BucketStart:
		s.state.BucketCount++
	case bucketStart < s.state.BucketStart:
		// Out-of-order record behind the current bucket; dropped, counted
		s.state.OutOfOrder++
	default:
		events = append(events, s.closeBucket(false))
		s.state.BucketStart = bucketStart
		s.state.BucketCount = 1
	}

	return events, nil
}

// EmitInterimResults scores the current partial bucket without closing it
func (s *Strategy) EmitInterimResults() ([]record.ResultEvent, error) {
	if !s.state.BucketOpen {
		return nil, nil
	}
	ev := s.bucketEvent(s.state.BucketStart, s.state.BucketCount, true)
	return []record.ResultEvent{ev}, nil
}

// FinalResults closes the current bucket and reports model totals
func (s *Strategy) FinalResults() ([]record.ResultEvent, error) {
	var events []record.ResultEvent
	if s.state.BucketOpen {
		events = append(events, s.closeBucket(true))
		s.state.BucketOpen = false
	}

	events = append(events, record.NewResultEvent(record.EventProgress, time.Now(), map[string]any{
		"strategy":     s.Name(),
		"records_seen": s.state.RecordsSeen,
		"buckets_done": s.state.BucketsDone,
		"out_of_order": s.state.OutOfOrder,
	}))
	return events, nil
}

// CaptureSnapshot serializes the full model state. Bounded: it encodes the
// in-memory state and returns without touching storage.
func (s *Strategy) CaptureSnapshot() (persistence.Snapshot, error) {
	payload, err := msgpack.Marshal(&s.state)
	if err != nil {
		return persistence.Snapshot{}, errors.WrapFatal(err, "Strategy", "CaptureSnapshot",
			"encode model state")
	}

	s.recordsSinceCapture = 0
	return persistence.Snapshot{
		Timestamp: time.Now(),
		Payload:   payload,
		SizeBytes: len(payload),
	}, nil
}

// RestoreSnapshot replaces the model state with a previously captured
// serialization
func (s *Strategy) RestoreSnapshot(payload []byte) error {
	var restored modelState
	if err := msgpack.Unmarshal(payload, &restored); err != nil {
		return errors.WrapFatal(errors.ErrStateCorrupted, "Strategy", "RestoreSnapshot",
			fmt.Sprintf("decode model state: %v", err))
	}
	if restored.StateVersion != stateVersion {
		return errors.WrapFatal(errors.ErrStateCorrupted, "Strategy", "RestoreSnapshot",
			fmt.Sprintf("unsupported state version %d", restored.StateVersion))
	}

	s.state = restored
	s.recordsSinceCapture = 0
	return nil
}

// ResourcePressure reports when enough records accumulated since the last
// snapshot capture
func (s *Strategy) ResourcePressure() bool {
	return s.config.SnapshotPressureRecords > 0 &&
		s.recordsSinceCapture >= s.config.SnapshotPressureRecords
}

// closeBucket scores and folds the current bucket into the running
// distribution
func (s *Strategy) closeBucket(final bool) record.ResultEvent {
	ev := s.bucketEvent(s.state.BucketStart, s.state.BucketCount, false)
	if final {
		ev.Payload["final"] = true
	}

	// Welford update keeps the distribution restorable from two scalars
	count := float64(s.state.BucketCount)
	s.state.BucketsDone++
	delta := count - s.state.CountMean
	s.state.CountMean += delta / float64(s.state.BucketsDone)
	s.state.CountM2 += delta * (count - s.state.CountMean)

	return ev
}

// bucketEvent builds a scored_bucket event for a bucket
func (s *Strategy) bucketEvent(bucketStart, count int64, interim bool) record.ResultEvent {
	payload := map[string]any{
		"bucket_start": bucketStart,
		"bucket_span":  s.config.BucketSpanSeconds,
		"count":        count,
		"score":        s.score(float64(count)),
	}
	if interim {
		payload["interim"] = true
	}
	return record.NewResultEvent(record.EventScoredBucket, time.Unix(bucketStart, 0).UTC(), payload)
}

// score is the absolute deviation of a bucket count from the running mean in
// standard deviations; zero until two buckets have closed
func (s *Strategy) score(count float64) float64 {
	if s.state.BucketsDone < 2 {
		return 0
	}
	// Capped so scores stay JSON-serializable when variance collapses
	const maxScore = 1000.0

	variance := s.state.CountM2 / float64(s.state.BucketsDone-1)
	if variance <= 0 {
		if count == s.state.CountMean {
			return 0
		}
		return maxScore
	}
	return math.Min(math.Abs(count-s.state.CountMean)/math.Sqrt(variance), maxScore)
}

// parseTime accepts epoch seconds (integer or float) or RFC 3339 text
func parseTime(raw string) (int64, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return secs, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int64(f), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.Unix(), nil
	}
	return 0, fmt.Errorf("unrecognized timestamp %q", raw)
}
