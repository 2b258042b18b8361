// Package server implements the OGC-API-Processes gateway. It routes a
// Core subset (processes, execution, jobs, results, downloads) onto the
// executor, enforces the access policy and job realms, and streams job
// artifacts back to clients.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/config"
	"github.com/3liz/qjazz-sub000/internal/executor"
	"github.com/3liz/qjazz-sub000/internal/models"
)

// Backend is the executor surface the handlers consume. *executor.Executor
// implements it; tests substitute a fake.
type Backend interface {
	Services() []models.ServiceInfo
	KnownService(name string) bool

	Processes(ctx context.Context, service string) ([]models.ProcessSummary, error)
	Describe(ctx context.Context, service, ident, project string) (*models.ProcessDescription, error)

	Execute(ctx context.Context, opts executor.ExecuteOptions) (*executor.Job, error)
	WaitResults(ctx context.Context, jobID string, timeout time.Duration) (models.JobResults, error)

	Jobs(ctx context.Context, service, realm string, cursor, limit int64) ([]models.JobStatus, error)
	JobStatus(ctx context.Context, jobID, realm string, withDetails bool) (*models.JobStatus, error)
	JobResults(ctx context.Context, jobID, realm string) (models.JobResults, error)
	Dismiss(ctx context.Context, jobID, realm string) (*models.JobStatus, error)
	LogDetails(ctx context.Context, jobID, realm string, count int) (*models.JobLog, error)
	Files(ctx context.Context, jobID, realm, publicURL string) (*models.JobFiles, error)
	DownloadURL(ctx context.Context, jobID, realm, resource string, expiration time.Duration) (string, error)
}

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

// Server owns the HTTP listener.
type Server struct {
	cfg     *config.HTTP
	handler http.Handler
	logger  *zap.Logger
}

// NewServer wraps a built router into a managed HTTP server.
func NewServer(cfg *config.HTTP, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, handler: handler, logger: logger.Named("http")}
}

// Run serves until the context is cancelled, then drains with a bounded
// deadline. TLS is enabled when both certificate and key are configured.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Listen), zap.Bool("tls", s.cfg.TLSCert != ""))
		if s.cfg.TLSCert != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
