package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Types the platform-provided mime tables commonly miss.
var extraTypes = map[string]string{
	".tif":     "image/tiff",
	".tiff":    "image/tiff",
	".geojson": "application/geo+json",
	".gpkg":    "application/geopackage+sqlite3",
	".log":     "text/plain",
	".txt":     "text/plain",
}

// ContentTypeOf guesses the media type of an artifact from its extension.
func ContentTypeOf(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := extraTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Local stores job artifacts on a filesystem shared between workers and
// the gateway. Download URLs use the file scheme and are resolved by the
// gateway itself; when a signer is configured they carry a token bound to
// the artifact.
type Local struct {
	Root   string
	signer *Signer
}

// NewLocal opens a local store rooted at the given directory, creating it
// if needed. A nil signer disables download tokens.
func NewLocal(root string, signer *Signer) (*Local, error) {
	if root == "" {
		return nil, errors.New("storage root not set")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &Local{Root: abs, signer: signer}, nil
}

func (l *Local) jobDir(jobID string) string {
	return filepath.Join(l.Root, jobID)
}

// resolve maps a resource path to a filesystem path, rejecting any path
// escaping the job directory.
func (l *Local) resolve(jobID, resource string) (string, error) {
	dir := l.jobDir(jobID)
	path := filepath.Join(dir, filepath.FromSlash(resource))
	if !strings.HasPrefix(path, dir+string(os.PathSeparator)) {
		return "", ErrFileNotFound
	}
	return path, nil
}

// Move transfers artifacts from the work directory into the store. When
// the work directory already is the job directory nothing moves.
func (l *Local) Move(ctx context.Context, jobID, workdir string, files []string) error {
	dest := l.jobDir(jobID)
	src, err := filepath.Abs(workdir)
	if err != nil {
		return fmt.Errorf("resolving workdir: %w", err)
	}
	if src == dest {
		return nil
	}
	for _, name := range files {
		from := filepath.Join(src, filepath.FromSlash(name))
		to, err := l.resolve(jobID, name)
		if err != nil {
			return fmt.Errorf("moving %s: %w", name, err)
		}
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return fmt.Errorf("moving %s: %w", name, err)
		}
		if err := os.Rename(from, to); err != nil {
			// Rename fails across filesystems; fall back to a copy.
			if err := copyFile(from, to); err != nil {
				return fmt.Errorf("moving %s: %w", name, err)
			}
		}
	}
	return nil
}

// List walks the job directory. Hidden entries and the processing log are
// internal and never listed.
func (l *Local) List(ctx context.Context, jobID string) ([]StoredFile, error) {
	dir := l.jobDir(jobID)
	var files []StoredFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || d.Name() == "processing.log" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, StoredFile{
			Name:        filepath.ToSlash(rel),
			Size:        info.Size(),
			ContentType: ContentTypeOf(rel),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing artifacts of %s: %w", jobID, err)
	}
	return files, nil
}

// Stat returns the artifact stored under a resource path.
func (l *Local) Stat(ctx context.Context, jobID, resource string) (*StoredFile, error) {
	path, err := l.resolve(jobID, resource)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", resource, err)
	}
	if info.IsDir() {
		return nil, ErrFileNotFound
	}
	return &StoredFile{
		Name:        resource,
		Size:        info.Size(),
		ContentType: ContentTypeOf(resource),
	}, nil
}

// DownloadURL returns a file scheme URL for the artifact, with a signed
// token when signing is enabled.
func (l *Local) DownloadURL(ctx context.Context, jobID, resource string, expires time.Duration) (string, error) {
	if _, err := l.Stat(ctx, jobID, resource); err != nil {
		return "", err
	}
	path, err := l.resolve(jobID, resource)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	if l.signer != nil {
		token, err := l.signer.Sign(jobID, resource, expires)
		if err != nil {
			return "", err
		}
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String(), nil
}

// Remove deletes all artifacts of a job.
func (l *Local) Remove(ctx context.Context, jobID string) error {
	if err := os.RemoveAll(l.jobDir(jobID)); err != nil {
		return fmt.Errorf("removing artifacts of %s: %w", jobID, err)
	}
	return nil
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(from)
}
