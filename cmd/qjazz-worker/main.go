package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/broker"
	"github.com/3liz/qjazz-sub000/internal/callbacks"
	"github.com/3liz/qjazz-sub000/internal/config"
	"github.com/3liz/qjazz-sub000/internal/logging"
	"github.com/3liz/qjazz-sub000/internal/processes"
	"github.com/3liz/qjazz-sub000/internal/registry"
	"github.com/3liz/qjazz-sub000/internal/resultstore"
	"github.com/3liz/qjazz-sub000/internal/storage"
	"github.com/3liz/qjazz-sub000/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		serviceName string
		workdir     string
		brokerURL   string
		logLevel    string
	)

	root := &cobra.Command{
		Use:   "qjazz-worker",
		Short: "Qjazz worker — process execution service",
		Long: `Qjazz worker runs one named service of the qjazz execution
platform. It consumes execution tasks from its Redis queue, runs
them on a bounded pool and publishes job state, results and
artifacts for the gateway to serve.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// Flags override the environment.
			if cmd.Flags().Changed("service-name") {
				cfg.Worker.ServiceName = serviceName
			}
			if cmd.Flags().Changed("workdir") {
				cfg.Worker.Workdir = workdir
				// Storage follows the workdir unless addressed separately.
				if os.Getenv("QJAZZ_STORAGE_ROOT") == "" {
					cfg.Storage.Root = workdir
				}
			}
			if cmd.Flags().Changed("broker-url") {
				// Keep the store on the broker instance unless it is
				// addressed separately.
				if cfg.Broker.StoreURL == cfg.Broker.URL {
					cfg.Broker.StoreURL = brokerURL
				}
				cfg.Broker.URL = brokerURL
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&serviceName, "service-name", "", "Service name announced to the platform (QJAZZ_WORKER_SERVICE_NAME, required)")
	root.PersistentFlags().StringVar(&workdir, "workdir", "", "Root directory for job workspaces (QJAZZ_WORKER_WORKDIR)")
	root.PersistentFlags().StringVar(&brokerURL, "broker-url", "redis://localhost:6379/0", "Redis broker URL (QJAZZ_BROKER_URL)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("qjazz-worker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.Storage.Secret == "" {
		logger.Warn("storage secret not configured, download links are unsigned (set QJAZZ_STORAGE_SECRET in production)")
	}

	logger.Info("starting qjazz worker",
		zap.String("version", version),
		zap.String("service", cfg.Worker.ServiceName),
		zap.String("broker", cfg.Broker.URL),
		zap.String("workdir", cfg.Worker.Workdir),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Broker, result store, registry ---
	bk, err := broker.New(cfg.Broker.URL, logger)
	if err != nil {
		return err
	}
	defer bk.Close()
	if err := bk.Ping(ctx); err != nil {
		return err
	}

	store, err := resultstore.New(cfg.Broker.StoreURL, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := registry.New(cfg.Broker.StoreURL, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	// --- Artifact storage ---
	st, err := storage.NewLocal(cfg.Storage.Root, storage.NewSigner(cfg.Storage.Secret))
	if err != nil {
		return fmt.Errorf("opening artifact storage: %w", err)
	}

	// --- Callbacks ---
	cb := callbacks.NewService(logger)
	httpHandler := callbacks.NewHTTPHandler(cfg.HTTP.Timeout)
	for _, scheme := range cfg.Callbacks.Schemes {
		cb.Register(scheme, httpHandler)
	}

	// --- Processes ---
	procs := processes.NewRegistry()
	processes.RegisterBuiltins(procs)

	// --- Worker ---
	versions := []string{
		"qjazz-worker " + version,
		runtime.Version(),
	}
	w, err := worker.New(cfg, bk, store, reg, st, cb, procs, versions, logger)
	if err != nil {
		return err
	}

	if err := w.Run(ctx); err != nil {
		return err
	}

	logger.Info("qjazz worker stopped")
	return nil
}
