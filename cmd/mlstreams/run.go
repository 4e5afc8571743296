package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/c360/mlstreams/config"
	"github.com/c360/mlstreams/input"
	"github.com/c360/mlstreams/job"
	"github.com/c360/mlstreams/metric"
	"github.com/c360/mlstreams/natsstore"
	"github.com/c360/mlstreams/output"
	"github.com/c360/mlstreams/persistence"
	"github.com/c360/mlstreams/strategy/bucketcount"
)

// newRunCmd builds the run command: the job's whole lifetime, from restore
// to closed
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run an analysis job to completion",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
				return err
			}

			logger := setupLogger(cfg.Logging)
			logger.Info("Starting mlstreams job",
				"version", Version,
				"job", cfg.Job.Name,
				"input_format", cfg.Input.Format,
				"strategy", cfg.Strategy.Name)

			if err := runJob(cmd.Context(), cfg, logger); err != nil {
				logger.Error("Job failed", "error", err)
				return err
			}
			return nil
		},
	}
}

// runJob wires the pipeline from configuration and drives it to completion
func runJob(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	metricsRegistry := metric.NewMetricsRegistry()
	if err := registerJobInfo(metricsRegistry, cfg); err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		server := startMetricsServer(cfg.Metrics, metricsRegistry, logger)
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Warn("Failed to stop metrics server", "error", err)
			}
		}()
	}

	// Input stream
	in, closeIn, err := openInput(cfg.Input)
	if err != nil {
		return err
	}
	defer closeIn()

	reader, err := input.NewReader(input.Format(cfg.Input.Format), in)
	if err != nil {
		return err
	}

	// Sink chain
	writer, closeOut, err := buildSinkChain(cfg.Output)
	if err != nil {
		return err
	}
	defer closeOut()

	// Analysis strategy
	strat, err := bucketcount.New(cfg.Strategy.BucketCount)
	if err != nil {
		return err
	}

	// Persistence backend
	manager, searcher, closeStore, err := buildPersistence(ctx, cfg.Persistence, logger, metricsRegistry.CoreMetrics())
	if err != nil {
		return err
	}
	defer closeStore()

	coordinator := job.NewCoordinator(
		job.Config{
			Name:                      cfg.Job.Name,
			InputFormat:               input.Format(cfg.Input.Format),
			MaxConsecutiveParseErrors: cfg.Job.MaxConsecutiveParseErrors,
			ForwardRecords:            cfg.Output.ChainPath != "",
			PersistInterval:           cfg.Persistence.Interval,
			RestoreSnapshotID:         cfg.Persistence.RestoreSnapshotID,
		},
		reader, writer, strat, manager, searcher,
		logger, metricsRegistry.CoreMetrics(),
	)

	stopSignals := watchSignals(ctx, coordinator, logger)
	defer stopSignals()

	return coordinator.Run(ctx)
}

// openInput opens the configured input stream; empty path means stdin
func openInput(cfg config.InputConfig) (io.Reader, func(), error) {
	if cfg.Path == "" {
		return bufio.NewReader(os.Stdin), func() {}, nil
	}

	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input %s: %w", cfg.Path, err)
	}
	return bufio.NewReader(f), func() { _ = f.Close() }, nil
}

// buildSinkChain opens the configured output stream and wraps it in the
// terminal writer, interposing a chainer when a chain path is configured
func buildSinkChain(cfg config.OutputConfig) (output.Writer, func(), error) {
	var (
		out      io.Writer = os.Stdout
		closeOut           = func() {}
	)
	if cfg.Path != "" {
		f, err := os.Create(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("create output %s: %w", cfg.Path, err)
		}
		out = f
		closeOut = func() { _ = f.Close() }
	}

	writer, err := output.NewWriter(output.Format(cfg.Format), out)
	if err != nil {
		closeOut()
		return nil, nil, err
	}

	if cfg.ChainPath == "" {
		return writer, closeOut, nil
	}

	chain, err := os.OpenFile(cfg.ChainPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		closeOut()
		return nil, nil, fmt.Errorf("open chain path %s: %w", cfg.ChainPath, err)
	}

	chainer := output.NewChainer(chain, writer)
	return chainer, func() {
		_ = chain.Close()
		closeOut()
	}, nil
}

// buildPersistence constructs the configured checkpoint backend. Returns nil
// manager and searcher when persistence is disabled.
func buildPersistence(
	ctx context.Context,
	cfg config.PersistenceConfig,
	logger *slog.Logger,
	metrics *metric.Metrics,
) (*persistence.Manager, persistence.Searcher, func(), error) {
	managerCfg := persistence.DefaultManagerConfig()
	managerCfg.MaxDocumentBytes = cfg.MaxDocumentBytes

	switch cfg.Backend {
	case config.BackendNone:
		return nil, nil, func() {}, nil

	case config.BackendMemory:
		store := persistence.NewMemoryStore()
		manager := persistence.NewManager(store, managerCfg, logger, metrics)
		return manager, store, func() {}, nil

	case config.BackendNATS:
		store, err := natsstore.New(ctx, cfg.NATS, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		manager := persistence.NewManager(store, managerCfg, logger, metrics)
		return manager, store, store.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}

// watchSignals maps process signals onto out-of-band job commands:
// SIGINT/SIGTERM request shutdown, SIGUSR1 flushes interim results, and
// SIGUSR2 requests an explicit checkpoint.
func watchSignals(ctx context.Context, coordinator *job.Coordinator, logger *slog.Logger) func() {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case sig := <-sigs:
				switch sig {
				case syscall.SIGUSR1:
					logger.Info("Received flush signal")
					coordinator.Flush()
				case syscall.SIGUSR2:
					logger.Info("Received persist signal")
					coordinator.Persist()
				default:
					logger.Info("Received shutdown signal", "signal", sig.String())
					coordinator.Shutdown()
				}
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// registerJobInfo publishes the job's static configuration as an info-style
// gauge so dashboards can join per-job series on their labels
func registerJobInfo(registry *metric.MetricsRegistry, cfg *config.Config) error {
	info := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mlstreams",
			Subsystem: "job",
			Name:      "info",
			Help:      "Static job configuration labels, value is always 1",
		},
		[]string{"job", "strategy", "input_format", "output_format"},
	)
	info.WithLabelValues(cfg.Job.Name, cfg.Strategy.Name, cfg.Input.Format, cfg.Output.Format).Set(1)
	return registry.RegisterCollector("job", "info", info)
}

// startMetricsServer exposes the Prometheus endpoint in the background. The
// caller owns the returned server and stops it at teardown.
func startMetricsServer(cfg config.MetricsConfig, registry *metric.MetricsRegistry, logger *slog.Logger) *metric.Server {
	server := metric.NewServer(cfg.Port, cfg.Path, registry)
	go func() {
		logger.Info("Metrics server listening", "address", server.Address())
		if err := server.Start(); err != nil {
			logger.Error("Metrics server error", "error", err)
		}
	}()
	return server
}
