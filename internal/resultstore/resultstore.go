// Package resultstore reads and writes task result metadata in Redis.
// Each job owns one JSON document under qjazz-task-meta-{job_id} with a
// TTL equal to the result expiration. A missing document reads back as
// the PENDING state, matching the contract that a task unknown to the
// store has simply not been reserved yet.
//
// The worker is the only writer for a given job and serializes its own
// writes, so states observed through TaskMeta are monotonic: STARTED,
// then UPDATED documents, then exactly one terminal SUCCESS, FAILURE or
// REVOKED document.
package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Task states as stored in the status field.
const (
	StatePending = "PENDING"
	StateStarted = "STARTED"
	StateUpdated = "UPDATED"
	StateSuccess = "SUCCESS"
	StateFailure = "FAILURE"
	StateRevoked = "REVOKED"
)

// Failure markers carried in exc_type. The executor pattern-matches on
// these to build the client-facing error taxonomy; only the input-value
// and project markers surface their message verbatim.
const (
	MarkerDismissed       = "DismissedTaskError"
	MarkerInputValue      = "InputValueError"
	MarkerProjectRequired = "ProjectRequired"
	MarkerProcessNotFound = "ProcessNotFound"
	MarkerRunProcess      = "RunProcessException"
	MarkerWorkerError     = "WorkerError"
)

// TaskMeta is the stored result document.
type TaskMeta struct {
	TaskID     string          `json:"task_id"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	ExcType    string          `json:"exc_type,omitempty"`
	ExcMessage string          `json:"exc_message,omitempty"`
	RunConfig  json.RawMessage `json:"run_config,omitempty"`
	Started    *time.Time      `json:"started,omitempty"`
	DateDone   *time.Time      `json:"date_done,omitempty"`
}

// Terminal reports whether the task reached a final state.
func (m *TaskMeta) Terminal() bool {
	switch m.Status {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	}
	return false
}

// Progress is the result payload of an UPDATED document.
type Progress struct {
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Updated  time.Time `json:"updated"`
}

func metaKey(jobID string) string {
	return "qjazz-task-meta-" + jobID
}

// Store gives typed access to task metadata.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects the store to the Redis instance at the given URL.
func New(url string, logger *zap.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid result store url: %w", err)
	}
	return NewWithClient(redis.NewClient(opts), logger), nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(rdb *redis.Client, logger *zap.Logger) *Store {
	return &Store{rdb: rdb, logger: logger.Named("resultstore")}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// TaskMeta returns the stored document for a job, or a PENDING document
// when none exists.
func (s *Store) TaskMeta(ctx context.Context, jobID string) (*TaskMeta, error) {
	data, err := s.rdb.Get(ctx, metaKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &TaskMeta{TaskID: jobID, Status: StatePending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading task meta for %s: %w", jobID, err)
	}
	var meta TaskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding task meta for %s: %w", jobID, err)
	}
	return &meta, nil
}

// Set stores the document with the given TTL, replacing any previous one.
func (s *Store) Set(ctx context.Context, meta *TaskMeta, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding task meta for %s: %w", meta.TaskID, err)
	}
	if err := s.rdb.Set(ctx, metaKey(meta.TaskID), data, ttl).Err(); err != nil {
		return fmt.Errorf("writing task meta for %s: %w", meta.TaskID, err)
	}
	return nil
}

// Delete removes the document, if any.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if err := s.rdb.Del(ctx, metaKey(jobID)).Err(); err != nil {
		return fmt.Errorf("deleting task meta for %s: %w", jobID, err)
	}
	return nil
}

// Wait polls until the job reaches a terminal state or the context is
// done, returning the terminal document.
func (s *Store) Wait(ctx context.Context, jobID string, poll time.Duration) (*TaskMeta, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		meta, err := s.TaskMeta(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if meta.Terminal() {
			return meta, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
