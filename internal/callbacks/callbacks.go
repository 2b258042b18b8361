// Package callbacks delivers subscriber notifications on job transitions.
// Delivery is best effort: a failing callback is logged and never affects
// the job outcome.
package callbacks

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/models"
)

// Handler delivers callbacks for one URI scheme.
type Handler interface {
	InProgress(ctx context.Context, uri string, status *models.JobStatus) error
	OnSuccess(ctx context.Context, uri string, status *models.JobStatus, results models.JobResults) error
	OnFailure(ctx context.Context, uri string, status *models.JobStatus) error
}

// Service routes subscriber URIs to the handler registered for their
// scheme.
type Service struct {
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewService returns a service with no handlers registered.
func NewService(logger *zap.Logger) *Service {
	return &Service{
		handlers: make(map[string]Handler),
		logger:   logger.Named("callbacks"),
	}
}

// Register installs a handler for a URI scheme.
func (s *Service) Register(scheme string, h Handler) {
	s.handlers[strings.ToLower(scheme)] = h
}

// Schemes returns the registered schemes, sorted. The worker advertises
// them in its service presence.
func (s *Service) Schemes() []string {
	out := make([]string, 0, len(s.handlers))
	for scheme := range s.handlers {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

// InProgress notifies the in-progress subscriber, if any.
func (s *Service) InProgress(ctx context.Context, sub *models.Subscriber, status *models.JobStatus) {
	if sub == nil || sub.InProgressURI == "" {
		return
	}
	s.deliver(ctx, sub.InProgressURI, status.JobID, func(h Handler, uri string) error {
		return h.InProgress(ctx, uri, status)
	})
}

// OnSuccess notifies the success subscriber, if any.
func (s *Service) OnSuccess(ctx context.Context, sub *models.Subscriber, status *models.JobStatus, results models.JobResults) {
	if sub == nil || sub.SuccessURI == "" {
		return
	}
	s.deliver(ctx, sub.SuccessURI, status.JobID, func(h Handler, uri string) error {
		return h.OnSuccess(ctx, uri, status, results)
	})
}

// OnFailure notifies the failure subscriber, if any.
func (s *Service) OnFailure(ctx context.Context, sub *models.Subscriber, status *models.JobStatus) {
	if sub == nil || sub.FailedURI == "" {
		return
	}
	s.deliver(ctx, sub.FailedURI, status.JobID, func(h Handler, uri string) error {
		return h.OnFailure(ctx, uri, status)
	})
}

func (s *Service) deliver(ctx context.Context, uri, jobID string, send func(Handler, string) error) {
	u, err := url.Parse(uri)
	if err != nil {
		s.logger.Warn("invalid subscriber uri", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	handler, ok := s.handlers[strings.ToLower(u.Scheme)]
	if !ok {
		s.logger.Warn("no handler for subscriber scheme",
			zap.String("job_id", jobID),
			zap.String("scheme", u.Scheme))
		return
	}
	if err := send(handler, uri); err != nil {
		s.logger.Error("callback delivery failed",
			zap.String("job_id", jobID),
			zap.String("uri", uri),
			zap.Error(err))
	}
}
