// Package storage abstracts where completed job artifacts live and how
// download access to them is granted.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrFileNotFound is returned when a job has no artifact under the
// requested resource path.
var ErrFileNotFound = errors.New("file not found")

// StoredFile describes one artifact of a job.
type StoredFile struct {
	Name        string
	Size        int64
	ContentType string
}

// Storage moves job artifacts out of the work directory and serves
// download references to them.
type Storage interface {
	// Move transfers the listed artifacts of a job from its work
	// directory into the store. Paths are relative to workdir.
	Move(ctx context.Context, jobID, workdir string, files []string) error

	// List returns the artifacts stored for a job.
	List(ctx context.Context, jobID string) ([]StoredFile, error)

	// Stat returns the artifact stored under a resource path.
	Stat(ctx context.Context, jobID, resource string) (*StoredFile, error)

	// DownloadURL returns a URL granting download access to one artifact
	// for the given duration.
	DownloadURL(ctx context.Context, jobID, resource string, expires time.Duration) (string, error)

	// Remove deletes all artifacts of a job.
	Remove(ctx context.Context, jobID string) error
}
