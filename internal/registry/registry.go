// Package registry maintains the authoritative index of in-flight and
// recently completed jobs in Redis.
//
// Records are hashes keyed qjazz::{job_id}::{service}::{realm|""} so that
// lookups can filter by realm with a single glob pattern. Every record
// expires at created + expires + pending_timeout: long enough to cover
// both the pending window and the result lifetime, after which the worker
// cleanup pass reclaims the job directory. Key resolution always uses
// SCAN, never KEYS.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "qjazz::"

// Record is one registry entry. Service, Realm and ProcessID are immutable
// after registration; Dismissed is mutated by the executor only.
type Record struct {
	JobID          string
	Created        time.Time
	Service        string
	Realm          string
	ProcessID      string
	Dismissed      bool
	PendingTimeout int64 // seconds
	Expires        int64 // seconds
	Tag            string
}

// PendingDeadline is the instant after which a still-unreserved job is
// considered gone.
func (r *Record) PendingDeadline() time.Time {
	return r.Created.Add(time.Duration(r.PendingTimeout) * time.Second)
}

// Key returns the Redis key for a record.
func Key(jobID, service, realm string) string {
	return keyPrefix + jobID + "::" + service + "::" + realm
}

// ParseKey splits a registry key into its components.
func ParseKey(key string) (jobID, service, realm string, ok bool) {
	parts := strings.SplitN(key, "::", 4)
	if len(parts) != 4 || parts[0]+"::" != keyPrefix {
		return "", "", "", false
	}
	return parts[1], parts[2], parts[3], true
}

// Registry is the Redis-backed job index. Methods are safe for concurrent
// use.
type Registry struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects the registry to the Redis instance at the given URL.
func New(url string, logger *zap.Logger) (*Registry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid registry url: %w", err)
	}
	return NewWithClient(redis.NewClient(opts), logger), nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(rdb *redis.Client, logger *zap.Logger) *Registry {
	return &Registry{rdb: rdb, logger: logger.Named("registry")}
}

// Close releases the underlying connection pool.
func (r *Registry) Close() error {
	return r.rdb.Close()
}

// Register inserts a record and arms its expiration.
func (r *Registry) Register(ctx context.Context, rec *Record) error {
	key := Key(rec.JobID, rec.Service, rec.Realm)
	fields := map[string]any{
		"job_id":          rec.JobID,
		"created":         strconv.FormatInt(rec.Created.Unix(), 10),
		"service":         rec.Service,
		"realm":           rec.Realm,
		"process_id":      rec.ProcessID,
		"dismissed":       boolField(rec.Dismissed),
		"pending_timeout": strconv.FormatInt(rec.PendingTimeout, 10),
		"expires":         strconv.FormatInt(rec.Expires, 10),
	}
	if rec.Tag != "" {
		fields["tag"] = rec.Tag
	}
	deadline := rec.Created.Add(time.Duration(rec.Expires+rec.PendingTimeout) * time.Second)

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.ExpireAt(ctx, key, deadline)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registering job %s: %w", rec.JobID, err)
	}
	return nil
}

// FindJob resolves a record by job id. An empty realm applies no realm
// filter; with a realm set, a record filed under another realm is not
// visible and the lookup reports no record.
func (r *Registry) FindJob(ctx context.Context, jobID, realm string) (*Record, error) {
	key, err := r.findKey(ctx, matchPattern(jobID, "*", realm))
	if err != nil || key == "" {
		return nil, err
	}
	return r.load(ctx, key)
}

// KeyInfo identifies one scanned record without loading its fields.
type KeyInfo struct {
	JobID   string
	Service string
	Realm   string
}

// FindKeys scans records matching the optional service and realm filters.
// It returns the matching keys of one SCAN page and the cursor for the
// next page; a zero next cursor ends the iteration.
func (r *Registry) FindKeys(ctx context.Context, service, realm string, cursor uint64, count int64) ([]KeyInfo, uint64, error) {
	if count <= 0 {
		count = 100
	}
	keys, next, err := r.rdb.Scan(ctx, cursor, matchPattern("*", service, realm), count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("scanning registry keys: %w", err)
	}
	infos := make([]KeyInfo, 0, len(keys))
	for _, key := range keys {
		jobID, svc, rlm, ok := ParseKey(key)
		if !ok {
			continue
		}
		infos = append(infos, KeyInfo{JobID: jobID, Service: svc, Realm: rlm})
	}
	return infos, next, nil
}

// Job loads the record at the exact coordinates of a scanned key. A nil
// record means it expired between scan and load.
func (r *Registry) Job(ctx context.Context, info KeyInfo) (*Record, error) {
	return r.load(ctx, Key(info.JobID, info.Service, info.Realm))
}

// Exists reports whether a record exists for the job, under any realm.
func (r *Registry) Exists(ctx context.Context, jobID string) (bool, error) {
	key, err := r.findKey(ctx, matchPattern(jobID, "*", ""))
	if err != nil {
		return false, err
	}
	return key != "", nil
}

// Dismiss flips the dismissed flag of a job record. With reset the flag is
// cleared instead, used to roll back a failed dismissal.
func (r *Registry) Dismiss(ctx context.Context, jobID string, reset bool) error {
	key, err := r.findKey(ctx, matchPattern(jobID, "*", ""))
	if err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	if err := r.rdb.HSet(ctx, key, "dismissed", boolField(!reset)).Err(); err != nil {
		return fmt.Errorf("updating dismissed flag for %s: %w", jobID, err)
	}
	return nil
}

// Delete removes the record for a job, under any realm.
func (r *Registry) Delete(ctx context.Context, jobID string) error {
	key, err := r.findKey(ctx, matchPattern(jobID, "*", ""))
	if err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting record for %s: %w", jobID, err)
	}
	return nil
}

// matchPattern builds the SCAN glob for the given filters; empty service
// or realm wildcard their position.
func matchPattern(jobID, service, realm string) string {
	if jobID == "" {
		jobID = "*"
	}
	if service == "" {
		service = "*"
	}
	if realm == "" {
		realm = "*"
	}
	return keyPrefix + jobID + "::" + service + "::" + realm
}

// findKey scans for the first key matching the pattern.
func (r *Registry) findKey(ctx context.Context, pattern string) (string, error) {
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return "", fmt.Errorf("scanning for %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			return keys[0], nil
		}
		if next == 0 {
			return "", nil
		}
		cursor = next
	}
}

func (r *Registry) load(ctx context.Context, key string) (*Record, error) {
	fields, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("loading record %s: %w", key, err)
	}
	if len(fields) == 0 {
		// Expired between scan and load.
		return nil, nil
	}
	created, _ := strconv.ParseInt(fields["created"], 10, 64)
	pendingTimeout, _ := strconv.ParseInt(fields["pending_timeout"], 10, 64)
	expires, _ := strconv.ParseInt(fields["expires"], 10, 64)
	return &Record{
		JobID:          fields["job_id"],
		Created:        time.Unix(created, 0),
		Service:        fields["service"],
		Realm:          fields["realm"],
		ProcessID:      fields["process_id"],
		Dismissed:      fields["dismissed"] == "1",
		PendingTimeout: pendingTimeout,
		Expires:        expires,
		Tag:            fields["tag"],
	}, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
