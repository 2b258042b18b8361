package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/3liz/qjazz-sub000/internal/models"
)

const breakerOpenTimeout = 30 * time.Second

// HTTPHandler posts callback payloads to http and https subscriber URIs.
// A shared circuit breaker stops hammering endpoints that keep failing.
type HTTPHandler struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPHandler returns a handler with the given request timeout.
func NewHTTPHandler(timeout time.Duration) *HTTPHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPHandler{
		client: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "callbacks",
			Timeout: breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}
}

// InProgress posts the job status.
func (h *HTTPHandler) InProgress(ctx context.Context, uri string, status *models.JobStatus) error {
	return h.post(ctx, uri, status)
}

// OnSuccess posts the results document.
func (h *HTTPHandler) OnSuccess(ctx context.Context, uri string, status *models.JobStatus, results models.JobResults) error {
	return h.post(ctx, uri, results)
}

// OnFailure posts the job status, exception included.
func (h *HTTPHandler) OnFailure(ctx context.Context, uri string, status *models.JobStatus) error {
	return h.post(ctx, uri, status)
}

func (h *HTTPHandler) post(ctx context.Context, uri string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding callback payload: %w", err)
	}
	_, err = h.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := h.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= http.StatusMultipleChoices {
			return nil, fmt.Errorf("callback endpoint returned %s", resp.Status)
		}
		return nil, nil
	})
	return err
}
