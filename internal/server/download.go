package server

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/config"
	"github.com/3liz/qjazz-sub000/internal/storage"
)

// Download streams one artifact of a job. The worker is asked for a
// signed download reference first; depending on its scheme the artifact
// is read from shared storage or proxied from a remote store. The signed
// reference is the access capability, no realm token is required.
func (h *JobHandler) Download(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	resource := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(resource); err == nil {
		resource = unescaped
	}

	href, err := h.backend.DownloadURL(r.Context(), jobID, "", resource, h.storage.DownloadExpires)
	if err != nil {
		backendError(w, err)
		return
	}
	u, err := url.Parse(href)
	if err != nil {
		h.logger.Error("worker returned unparsable download url", zap.String("job_id", jobID), zap.Error(err))
		errJSON(w, http.StatusBadGateway, "Invalid download URL")
		return
	}

	switch u.Scheme {
	case "file":
		h.serveFile(w, r, u, jobID, resource)
	case "https":
		h.proxyDownload(w, r, href)
	case "http":
		if !h.storage.AllowInsecure {
			h.logger.Error("refusing insecure download url", zap.String("job_id", jobID))
			errJSON(w, http.StatusForbidden, "Insecure download refused")
			return
		}
		h.proxyDownload(w, r, href)
	default:
		h.logger.Error("unsupported download url scheme",
			zap.String("job_id", jobID), zap.String("scheme", u.Scheme))
		errJSON(w, http.StatusBadGateway, "Unsupported download scheme")
	}
}

// serveFile streams an artifact from the storage filesystem shared with
// the workers. The path must stay under the storage root and, when
// signing is configured, carry a token bound to the artifact.
func (h *JobHandler) serveFile(w http.ResponseWriter, r *http.Request, u *url.URL, jobID, resource string) {
	path := filepath.FromSlash(u.Path)
	root, err := filepath.Abs(h.storage.Root)
	if err != nil {
		errJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if rel, err := filepath.Rel(root, path); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		h.logger.Error("download url escapes the storage root",
			zap.String("job_id", jobID), zap.String("path", path))
		errJSON(w, http.StatusBadGateway, "Invalid download URL")
		return
	}
	if h.signer != nil {
		if err := h.signer.Verify(u.Query().Get("token"), jobID, resource); err != nil {
			h.logger.Error("download token rejected", zap.String("job_id", jobID), zap.Error(err))
			errJSON(w, http.StatusForbidden, "Invalid download token")
			return
		}
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		errJSON(w, http.StatusNotFound, "Resource not found")
		return
	}
	if err != nil {
		h.logger.Error("opening artifact failed", zap.String("job_id", jobID), zap.Error(err))
		errJSON(w, http.StatusInternalServerError, "Internal error")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		errJSON(w, http.StatusNotFound, "Resource not found")
		return
	}

	w.Header().Set("Content-Type", storage.ContentTypeOf(resource))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.CopyBuffer(w, f, make([]byte, h.storage.ChunkSize)); err != nil {
		h.logger.Error("download interrupted", zap.String("job_id", jobID), zap.Error(err))
	}
}

// proxyDownload relays an artifact from a remote store.
func (h *JobHandler) proxyDownload(w http.ResponseWriter, r *http.Request, target string) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, nil)
	if err != nil {
		errJSON(w, http.StatusBadGateway, "Invalid download URL")
		return
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Error("download proxy failed", zap.Error(err))
		errJSON(w, http.StatusBadGateway, "Download failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		h.logger.Error("remote store refused download", zap.Int("status", resp.StatusCode))
		errJSON(w, http.StatusBadGateway, "Download failed")
		return
	}

	for _, name := range []string{"Content-Type", "Content-Length", "Last-Modified"} {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.CopyBuffer(w, resp.Body, make([]byte, h.storage.ChunkSize)); err != nil {
		h.logger.Error("download interrupted", zap.Error(err))
	}
}

// downloadClient builds the HTTP client used to proxy remote downloads,
// trusting the configured CA bundle in addition to the system pool.
func downloadClient(cfg *config.Storage, logger *zap.Logger) *http.Client {
	if cfg.CAFile == "" {
		return http.DefaultClient
	}
	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		logger.Error("reading storage ca bundle failed", zap.String("path", cfg.CAFile), zap.Error(err))
		return http.DefaultClient
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		logger.Error("no certificate found in storage ca bundle", zap.String("path", cfg.CAFile))
	}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}
}
