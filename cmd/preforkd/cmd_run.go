package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/axondata/go-prefork"
	"github.com/axondata/go-prefork/internal/config"
	promexport "github.com/axondata/go-prefork/metrics/prometheus"
	"github.com/google/renameio/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type runOptions struct {
	configPath  string
	workers     int
	jobs        int
	pidFile     string
	metricsAddr string
	logFormat   string
	logLevel    string
}

// newRunCmd creates the "run" subcommand that starts the manager.
func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the manager and its worker pool",
		Long: "run starts the manager loop. Workers are this same binary re-executed;\n" +
			"the config file, if any, is watched and its worker count applied live.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runManager(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "config file (.yaml, .yml or .toml)")
	f.IntVarP(&opts.workers, "workers", "w", 0, "number of workers (overrides config)")
	f.IntVar(&opts.jobs, "jobs", 0, "jobs per worker (overrides config)")
	f.StringVar(&opts.pidFile, "pidfile", "", "write the manager pid to this file")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&opts.logFormat, "log-format", "auto", "log format: auto, json or text")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	return cmd
}

func loadConfig(opts *runOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.workers > 0 {
		cfg.Workers = opts.workers
	}
	if opts.jobs > 0 {
		cfg.JobsPerWorker = opts.jobs
	}
	if opts.pidFile != "" {
		cfg.PIDFile = opts.pidFile
	}
	if opts.metricsAddr != "" {
		cfg.MetricsAddr = opts.metricsAddr
	}
	return cfg, cfg.Validate()
}

func runManager(ctx context.Context, opts *runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := newLogger(os.Stderr, opts.logFormat, opts.logLevel)
	if err != nil {
		return err
	}
	// Workers inherit the environment and log the same way
	_ = os.Setenv("PREFORKD_LOG_FORMAT", opts.logFormat)
	_ = os.Setenv("PREFORKD_LOG_LEVEL", opts.logLevel)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	mopts, err := cfg.ManagerOptions()
	if err != nil {
		return err
	}

	board := newJobBoard(cfg.JobsPerWorker)
	mopts = append(mopts,
		prefork.WithLogger(logger),
		prefork.WithReapHook(func(_ *prefork.Manager, id prefork.WorkerID, status prefork.ExitStatus, final prefork.Payload) error {
			if final.Absent() {
				logger.Info("preforkd: worker exited without summary", "worker", id, "status", status.String())
				return nil
			}
			var s summary
			if err := final.Decode(&s); err != nil {
				return fmt.Errorf("worker %s summary: %w", id, err)
			}
			logger.Info("preforkd: worker finished",
				"worker", id, "status", status.String(), "jobs", s.Jobs, "sum", s.Sum)
			return nil
		}),
		prefork.WithOnSignal(func(_ *prefork.Manager, sig os.Signal) {
			completed, total := board.totals()
			logger.Info("preforkd: progress", "signal", prefork.SignalName(sig), "completed", completed, "sum", total)
		}),
	)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		exporter, err := promexport.NewMetricsExporter("preforkd", reg, promexport.ExporterOptions{})
		if err != nil {
			return err
		}
		mopts = append(mopts, prefork.WithMetrics(exporter))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("preforkd: metrics server failed", "error", err)
			}
		}()
	}

	m, err := prefork.NewManager(mopts...)
	if err != nil {
		return err
	}
	if err := board.register(m); err != nil {
		return err
	}

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer func() { _ = os.Remove(cfg.PIDFile) }()
	}

	if opts.configPath != "" {
		events, cleanup, err := config.Watch(ctx, opts.configPath, 0)
		if err != nil {
			return fmt.Errorf("watching config: %w", err)
		}
		defer func() { _ = cleanup() }()
		go applyConfigUpdates(events, m, logger)
	}

	runErr := m.Run(ctx)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	completed, total := board.totals()
	logger.Info("preforkd: done", "completed", completed, "sum", total)
	return runErr
}

// applyConfigUpdates resizes the pool when the config file changes. Other
// settings only take effect on restart.
func applyConfigUpdates(events <-chan config.Event, m *prefork.Manager, logger *slog.Logger) {
	for ev := range events {
		if ev.Err != nil {
			logger.Warn("preforkd: config reload failed", "error", ev.Err)
			continue
		}
		if ev.Config.Workers != m.Desired() {
			logger.Info("preforkd: resizing pool", "from", m.Desired(), "to", ev.Config.Workers)
			m.SetDesired(ev.Config.Workers)
		}
	}
}

func writePIDFile(path string) error {
	return renameio.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}
