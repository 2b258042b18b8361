package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/api"
	"github.com/3liz/qjazz-sub000/internal/broker"
	"github.com/3liz/qjazz-sub000/internal/config"
	"github.com/3liz/qjazz-sub000/internal/executor"
	"github.com/3liz/qjazz-sub000/internal/logging"
	"github.com/3liz/qjazz-sub000/internal/policy"
	"github.com/3liz/qjazz-sub000/internal/registry"
	"github.com/3liz/qjazz-sub000/internal/resultstore"
	"github.com/3liz/qjazz-sub000/internal/server"
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
		listen    string
		brokerURL string
		logLevel  string
	)

	root := &cobra.Command{
		Use:   "qjazz-server",
		Short: "Qjazz server — OGC API Processes gateway",
		Long: `Qjazz server is the front end of the qjazz execution platform.
It publishes the processes of the live worker services as an
OGC API Processes endpoint, submits jobs over the Redis broker
and serves job status, results and artifacts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// Flags override the environment.
			if cmd.Flags().Changed("listen") {
				cfg.HTTP.Listen = listen
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

	root.PersistentFlags().StringVar(&listen, "listen", ":9080", "HTTP listen address (QJAZZ_HTTP_LISTEN)")
	root.PersistentFlags().StringVar(&brokerURL, "broker-url", "redis://localhost:6379/0", "Redis broker URL (QJAZZ_BROKER_URL)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("qjazz-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting qjazz server",
		zap.String("version", version),
		zap.String("listen", cfg.HTTP.Listen),
		zap.String("broker", cfg.Broker.URL),
		zap.String("log_level", cfg.LogLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- OpenAPI document ---
	// Validated here so a broken build fails at boot, not on /api.
	if _, err := api.Load(ctx); err != nil {
		return err
	}

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

	// --- Executor ---
	exec := executor.New(bk, store, reg, executor.Options{
		PendingTimeout: cfg.Executor.PendingTimeout,
		LockTimeout:    cfg.Executor.LockTimeout,
		DescribeTTL:    cfg.Executor.DescribeTTL,
		CallTimeout:    cfg.HTTP.Timeout,
	}, logger)

	// The first refresh may find nothing when workers start after the
	// server; the scheduler below catches up.
	if n, err := exec.UpdateServices(ctx); err != nil {
		logger.Warn("initial service discovery failed", zap.Error(err))
	} else {
		logger.Info("services discovered", zap.Int("count", n))
	}

	// --- Presence refresh ---
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	_, err = cron.NewJob(
		gocron.DurationJob(cfg.HTTP.UpdateInterval),
		gocron.NewTask(func() {
			if _, err := exec.UpdateServices(ctx); err != nil {
				logger.Warn("presence refresh failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags("presence"),
	)
	if err != nil {
		return fmt.Errorf("scheduling presence refresh: %w", err)
	}
	cron.Start()
	defer func() { _ = cron.Shutdown() }()

	// --- Access policy ---
	pol, err := policy.New(cfg.Policy.Kind, policy.Options{
		Prefix:         cfg.Policy.Prefix,
		DefaultService: cfg.Policy.DefaultService,
		Directory:      exec,
	})
	if err != nil {
		return err
	}

	// --- HTTP server ---
	router := server.NewRouter(server.RouterConfig{
		Backend: exec,
		Policy:  pol,
		Logger:  logger,
		HTTP:    &cfg.HTTP,
		Realm:   &cfg.Realm,
		Storage: &cfg.Storage,
		API:     api.Document,
	})

	if err := server.NewServer(&cfg.HTTP, router, logger).Run(ctx); err != nil {
		return err
	}

	logger.Info("qjazz server stopped")
	return nil
}
