package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3liz/qjazz-sub000/internal/config"
	"github.com/3liz/qjazz-sub000/internal/executor"
	"github.com/3liz/qjazz-sub000/internal/storage"
)

// writeArtifact drops a file under the storage root and returns its
// file:// reference.
func writeArtifact(t *testing.T, root, jobID, resource, content string) string {
	t.Helper()
	path := filepath.Join(root, jobID, filepath.FromSlash(resource))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return "file://" + filepath.ToSlash(path)
}

func TestDownloadFile(t *testing.T) {
	root := t.TempDir()
	fb := newFakeBackend()
	fb.downloadFn = func(jobID, realm, resource string) (string, error) {
		assert.Empty(t, realm)
		return writeArtifact(t, root, jobID, resource, "artifact data"), nil
	}
	h := newTestRouter(t, fb, func(cfg *config.Config) {
		cfg.Storage.Root = root
	})

	rec := doRequest(t, h, http.MethodGet, "/jobs/job-1/files/out.txt", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "artifact data", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, strconv.Itoa(len("artifact data")), rec.Header().Get("Content-Length"))
	assert.NotEmpty(t, rec.Header().Get("Last-Modified"))

	// HEAD answers the same headers without a body.
	rec = doRequest(t, h, http.MethodHead, "/jobs/job-1/files/out.txt", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, strconv.Itoa(len("artifact data")), rec.Header().Get("Content-Length"))

	// Nested resources and escaped names resolve through the wildcard.
	rec = doRequest(t, h, http.MethodGet, "/jobs/job-1/files/nested/my%20file.txt", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "artifact data", rec.Body.String())
}

func TestDownloadFileMissing(t *testing.T) {
	root := t.TempDir()
	fb := newFakeBackend()
	fb.downloadFn = func(jobID, realm, resource string) (string, error) {
		return "file://" + filepath.ToSlash(filepath.Join(root, jobID, resource)), nil
	}
	h := newTestRouter(t, fb, func(cfg *config.Config) {
		cfg.Storage.Root = root
	})

	rec := doRequest(t, h, http.MethodGet, "/jobs/job-1/files/gone.txt", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Resource not found", errorMessage(t, rec))
}

func TestDownloadContainment(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	fb := newFakeBackend()
	fb.downloadFn = func(jobID, realm, resource string) (string, error) {
		return "file://" + filepath.ToSlash(outside), nil
	}
	h := newTestRouter(t, fb, func(cfg *config.Config) {
		cfg.Storage.Root = root
	})

	// A worker URL escaping the storage root is refused even though the
	// file exists.
	rec := doRequest(t, h, http.MethodGet, "/jobs/job-1/files/secret.txt", nil, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Invalid download URL", errorMessage(t, rec))
}

func TestDownloadToken(t *testing.T) {
	root := t.TempDir()
	signer := storage.NewSigner("download-secret-1")
	fb := newFakeBackend()

	var href string
	fb.downloadFn = func(jobID, realm, resource string) (string, error) {
		return href, nil
	}
	h := newTestRouter(t, fb, func(cfg *config.Config) {
		cfg.Storage.Root = root
		cfg.Storage.Secret = "download-secret-1"
	})

	base := writeArtifact(t, root, "job-1", "out.txt", "signed artifact")

	// Valid token.
	token, err := signer.Sign("job-1", "out.txt", time.Hour)
	require.NoError(t, err)
	href = base + "?token=" + token
	rec := doRequest(t, h, http.MethodGet, "/jobs/job-1/files/out.txt", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "signed artifact", rec.Body.String())

	// Token bound to another artifact.
	token, err = signer.Sign("job-1", "other.txt", time.Hour)
	require.NoError(t, err)
	href = base + "?token=" + token
	rec = doRequest(t, h, http.MethodGet, "/jobs/job-1/files/out.txt", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Invalid download token", errorMessage(t, rec))

	// Missing token.
	href = base
	rec = doRequest(t, h, http.MethodGet, "/jobs/job-1/files/out.txt", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDownloadProxy(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stores/job-1/out.bin" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("remote artifact"))
	}))
	defer remote.Close()

	fb := newFakeBackend()
	fb.downloadFn = func(jobID, realm, resource string) (string, error) {
		return remote.URL + "/stores/" + jobID + "/" + resource, nil
	}

	// Plain http requires the insecure opt-in.
	h := newTestRouter(t, fb, nil)
	rec := doRequest(t, h, http.MethodGet, "/jobs/job-1/files/out.bin", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Insecure download refused", errorMessage(t, rec))

	h = newTestRouter(t, fb, func(cfg *config.Config) {
		cfg.Storage.AllowInsecure = true
	})
	rec = doRequest(t, h, http.MethodGet, "/jobs/job-1/files/out.bin", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "remote artifact", rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))

	// Upstream failures surface as bad gateway.
	rec = doRequest(t, h, http.MethodGet, "/jobs/job-1/files/missing.bin", nil, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Download failed", errorMessage(t, rec))
}

func TestDownloadUnsupportedScheme(t *testing.T) {
	fb := newFakeBackend()
	fb.downloadFn = func(jobID, realm, resource string) (string, error) {
		return "s3://bucket/" + jobID + "/" + resource, nil
	}
	h := newTestRouter(t, fb, nil)

	rec := doRequest(t, h, http.MethodGet, "/jobs/job-1/files/out.txt", nil, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Unsupported download scheme", errorMessage(t, rec))
}

func TestDownloadBackendErrors(t *testing.T) {
	fb := newFakeBackend()
	fb.downloadFn = func(jobID, realm, resource string) (string, error) {
		return "", executor.ErrFileNotFound
	}
	h := newTestRouter(t, fb, nil)

	rec := doRequest(t, h, http.MethodGet, "/jobs/job-1/files/out.txt", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Resource not found", errorMessage(t, rec))

	fb.downloadFn = func(jobID, realm, resource string) (string, error) {
		return "", executor.ErrJobNotFound
	}
	rec = doRequest(t, h, http.MethodGet, "/jobs/job-1/files/out.txt", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Job not found", errorMessage(t, rec))
}
