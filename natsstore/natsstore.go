// Package natsstore provides a NATS JetStream ObjectStore-backed Data Adder
// and Data Searcher for checkpoint documents, so jobs can checkpoint to and
// restore from a shared NATS deployment instead of local state.
package natsstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/mlstreams/errors"
	"github.com/c360/mlstreams/persistence"
)

// Config configures the NATS checkpoint store
type Config struct {
	// URL is the NATS server URL
	URL string `json:"url" mapstructure:"url"`
	// Bucket names the object store bucket holding checkpoint documents
	Bucket string `json:"bucket" mapstructure:"bucket"`
	// ConnectTimeout bounds the initial connection
	ConnectTimeout time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	// MaxReconnects bounds automatic reconnection attempts
	MaxReconnects int `json:"max_reconnects" mapstructure:"max_reconnects"`
}

// DefaultConfig returns default NATS store configuration
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Bucket:         "mlstreams-checkpoints",
		ConnectTimeout: 10 * time.Second,
		MaxReconnects:  10,
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "url is required")
	}
	if c.Bucket == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "bucket is required")
	}
	return nil
}

// Store is a checkpoint document store over a JetStream object store bucket
type Store struct {
	conn   *nats.Conn
	bucket jetstream.ObjectStore
	config Config
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ persistence.Adder    = (*Store)(nil)
	_ persistence.Searcher = (*Store)(nil)
)

// New connects to NATS and opens (creating if needed) the checkpoint bucket
func New(ctx context.Context, config Config, logger *slog.Logger) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(config.URL,
		nats.Name("mlstreams-checkpoint-store"),
		nats.Timeout(config.ConnectTimeout),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "New", "connect to NATS")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "Store", "New", "create JetStream context")
	}

	bucket, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      config.Bucket,
		Description: "mlstreams checkpoint documents",
	})
	if err != nil {
		conn.Close()
		return nil, errors.WrapTransient(err, "Store", "New",
			fmt.Sprintf("open object store bucket %s", config.Bucket))
	}

	logger.Info("Checkpoint store connected", "url", config.URL, "bucket", config.Bucket)

	return &Store{
		conn:   conn,
		bucket: bucket,
		config: config,
		logger: logger,
	}, nil
}

// Put stores one checkpoint document
func (s *Store) Put(ctx context.Context, docID string, data []byte) error {
	if _, err := s.bucket.PutBytes(ctx, docID, data); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err),
			"Store", "Put", fmt.Sprintf("store document %s", docID))
	}

	s.logger.Debug("Checkpoint document stored", "doc_id", docID, "bytes", len(data))
	return nil
}

// Search returns the raw stored documents for a snapshot id. Document order
// is whatever the bucket listing yields; the stream filter reorders by
// sequence number.
func (s *Store) Search(ctx context.Context, snapshotID string) ([][]byte, error) {
	infos, err := s.bucket.List(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoObjectsFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err),
			"Store", "Search", "list bucket objects")
	}

	prefix := snapshotID + "#"
	var docs [][]byte
	for _, info := range infos {
		if !strings.HasPrefix(info.Name, prefix) {
			continue
		}

		data, err := s.bucket.GetBytes(ctx, info.Name)
		if err != nil {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %w", errors.ErrStorageUnavailable, err),
				"Store", "Search", fmt.Sprintf("get document %s", info.Name))
		}
		docs = append(docs, data)
	}

	return docs, nil
}

// Close drains the NATS connection
func (s *Store) Close() {
	if s.conn != nil {
		if err := s.conn.Drain(); err != nil {
			s.logger.Warn("Failed to drain NATS connection", "error", err)
			s.conn.Close()
		}
		s.conn = nil
	}
}
