// Package worker implements the service daemon: it consumes execution
// tasks from its service queue, runs them on a bounded pool, publishes
// state to the result store and serves inspect/control commands over the
// broker control plane.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/3liz/qjazz-sub000/internal/broker"
	"github.com/3liz/qjazz-sub000/internal/callbacks"
	"github.com/3liz/qjazz-sub000/internal/config"
	"github.com/3liz/qjazz-sub000/internal/metrics"
	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/processes"
	"github.com/3liz/qjazz-sub000/internal/registry"
	"github.com/3liz/qjazz-sub000/internal/resultstore"
	"github.com/3liz/qjazz-sub000/internal/storage"
)

// drainTimeout bounds how long shutdown waits for running jobs.
const drainTimeout = 30 * time.Second

// Worker is the long-lived service daemon.
type Worker struct {
	cfg       *config.Config
	identity  string
	service   string
	versions  []string
	broker    *broker.Client
	store     *resultstore.Store
	registry  *registry.Registry
	storage   storage.Storage
	callbacks *callbacks.Service
	procs     *processes.Registry
	catalog   *catalog
	logger    *zap.Logger

	sem         *semaphore.Weighted
	concurrency int64
	tasks       *taskTable

	onlineSince int64
	stop        context.CancelFunc
}

// New assembles a worker from its dependencies. The destination identity
// defaults to "{name}@{hostname}".
func New(cfg *config.Config, b *broker.Client, store *resultstore.Store, reg *registry.Registry, st storage.Storage, cb *callbacks.Service, procs *processes.Registry, versions []string, logger *zap.Logger) (*Worker, error) {
	name := cfg.Worker.Name
	if name == "" {
		name = cfg.Worker.ServiceName
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolving hostname: %w", err)
	}
	concurrency := int64(cfg.Worker.Concurrency)
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		cfg:         cfg,
		identity:    name + "@" + hostname,
		service:     cfg.Worker.ServiceName,
		versions:    versions,
		broker:      b,
		store:       store,
		registry:    reg,
		storage:     st,
		callbacks:   cb,
		procs:       procs,
		catalog:     newCatalog(procs),
		logger:      logger.Named("worker"),
		sem:         semaphore.NewWeighted(concurrency),
		concurrency: concurrency,
		tasks:       newTaskTable(),
	}, nil
}

// Identity returns the destination identity used for addressed commands.
func (w *Worker) Identity() string { return w.identity }

// Run operates the worker until the context is cancelled or a shutdown
// command arrives. Running jobs are drained with a bounded deadline.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.stop = cancel
	w.onlineSince = time.Now().Unix()

	if err := w.catalog.Start(ctx); err != nil {
		return fmt.Errorf("starting process catalogue: %w", err)
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	_, err = cron.NewJob(
		gocron.DurationJob(w.cfg.Worker.CleanupInterval),
		gocron.NewTask(func() { w.Cleanup(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags("cleanup"),
	)
	if err != nil {
		return fmt.Errorf("scheduling cleanup: %w", err)
	}
	cron.Start()
	defer func() { _ = cron.Shutdown() }()

	sub, err := w.broker.SubscribeControl(ctx)
	if err != nil {
		return fmt.Errorf("subscribing control channel: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer sub.Close()
		return w.serveControl(gctx, sub)
	})
	if w.cfg.Worker.ReloadMonitor != "" {
		g.Go(func() error { return w.watchReload(gctx) })
	}
	if w.cfg.Worker.MetricsListen != "" {
		g.Go(func() error { return w.serveMetrics(gctx) })
	}
	g.Go(func() error { return w.consume(gctx) })

	w.logger.Info("worker online",
		zap.String("service", w.service),
		zap.String("identity", w.identity),
		zap.Int64("concurrency", w.concurrency))

	err = g.Wait()

	// Drain the pool so running jobs can write their final state.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if aerr := w.sem.Acquire(drainCtx, w.concurrency); aerr == nil {
		w.sem.Release(w.concurrency)
	} else {
		w.logger.Warn("shutdown drain expired with jobs still running")
	}

	w.logger.Info("worker stopped", zap.String("service", w.service))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consume is the task intake loop: one semaphore slot per running job.
func (w *Worker) consume(ctx context.Context) error {
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		msg, err := w.broker.Consume(ctx, w.service)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("consume failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if !w.tasks.reserve(msg.ID) {
			// Revoked while still queued.
			w.sem.Release(1)
			w.writeRevoked(ctx, msg)
			continue
		}
		go w.runTask(ctx, msg)
	}
}

func (w *Worker) serveControl(ctx context.Context, sub *broker.ControlSub) error {
	for {
		req, err := sub.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrSubscriptionClosed) {
				return ctx.Err()
			}
			return err
		}
		go w.handleRequest(ctx, req)
	}
}

func (w *Worker) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: w.cfg.Worker.MetricsListen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	w.logger.Info("metrics listener started", zap.String("listen", w.cfg.Worker.MetricsListen))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return nil
}

// restartPool gracefully recycles the worker pool: new pickups stall
// until every running job finished, then capacity is restored.
func (w *Worker) restartPool(ctx context.Context) {
	go func() {
		w.logger.Info("restarting worker pool")
		if err := w.sem.Acquire(ctx, w.concurrency); err != nil {
			return
		}
		w.sem.Release(w.concurrency)
		w.logger.Info("worker pool restarted")
	}()
}

// presence is the payload of the presence inspect command.
func (w *Worker) presence() models.ServicePresence {
	p := models.ServicePresence{
		Service:       w.service,
		Title:         w.cfg.Worker.Title,
		Description:   w.cfg.Worker.Description,
		Links:         []models.Link{},
		OnlineSince:   w.onlineSince,
		ResultExpires: int64(w.cfg.Executor.ResultExpires.Seconds()),
		Callbacks:     w.callbacks.Schemes(),
		Entrypoint:    "qjazz." + w.service,
	}
	if !w.cfg.Worker.HidePresenceVersions {
		p.Versions = w.versions
	}
	return p
}
