package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/config"
	"github.com/3liz/qjazz-sub000/internal/executor"
	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/policy"
)

// fakeBackend is a scripted Backend implementation. Hooks left nil fall
// back to benign defaults so routes not under test keep answering.
type fakeBackend struct {
	services []models.ServiceInfo

	processesFn   func(service string) ([]models.ProcessSummary, error)
	describeFn    func(service, ident, project string) (*models.ProcessDescription, error)
	executeFn     func(opts executor.ExecuteOptions) (*executor.Job, error)
	waitResultsFn func(jobID string, timeout time.Duration) (models.JobResults, error)
	jobsFn        func(service, realm string, cursor, limit int64) ([]models.JobStatus, error)
	jobStatusFn   func(jobID, realm string, withDetails bool) (*models.JobStatus, error)
	jobResultsFn  func(jobID, realm string) (models.JobResults, error)
	dismissFn     func(jobID, realm string) (*models.JobStatus, error)
	logDetailsFn  func(jobID, realm string, count int) (*models.JobLog, error)
	filesFn       func(jobID, realm, publicURL string) (*models.JobFiles, error)
	downloadFn    func(jobID, realm, resource string) (string, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		services: []models.ServiceInfo{{
			ServicePresence: models.ServicePresence{
				Service:       "demo",
				Title:         "Demo service",
				OnlineSince:   1700000000,
				ResultExpires: 3600,
			},
			Available: true,
		}},
	}
}

func (f *fakeBackend) Services() []models.ServiceInfo { return f.services }

func (f *fakeBackend) KnownService(name string) bool {
	for _, svc := range f.services {
		if svc.Service == name {
			return true
		}
	}
	return false
}

func (f *fakeBackend) Processes(_ context.Context, service string) ([]models.ProcessSummary, error) {
	if f.processesFn != nil {
		return f.processesFn(service)
	}
	return []models.ProcessSummary{{ID: "echo", Title: "Echo", Version: "1.0"}}, nil
}

func (f *fakeBackend) Describe(_ context.Context, service, ident, project string) (*models.ProcessDescription, error) {
	if f.describeFn != nil {
		return f.describeFn(service, ident, project)
	}
	return &models.ProcessDescription{
		ProcessSummary: models.ProcessSummary{ID: ident, Title: "Echo", Version: "1.0"},
	}, nil
}

func (f *fakeBackend) Execute(_ context.Context, opts executor.ExecuteOptions) (*executor.Job, error) {
	if f.executeFn != nil {
		return f.executeFn(opts)
	}
	return &executor.Job{ID: "job-1", Service: opts.Service, Realm: opts.Realm}, nil
}

func (f *fakeBackend) WaitResults(_ context.Context, jobID string, timeout time.Duration) (models.JobResults, error) {
	if f.waitResultsFn != nil {
		return f.waitResultsFn(jobID, timeout)
	}
	return models.JobResults{"out": json.RawMessage(`"ok"`)}, nil
}

func (f *fakeBackend) Jobs(_ context.Context, service, realm string, cursor, limit int64) ([]models.JobStatus, error) {
	if f.jobsFn != nil {
		return f.jobsFn(service, realm, cursor, limit)
	}
	return nil, nil
}

func (f *fakeBackend) JobStatus(_ context.Context, jobID, realm string, withDetails bool) (*models.JobStatus, error) {
	if f.jobStatusFn != nil {
		return f.jobStatusFn(jobID, realm, withDetails)
	}
	return &models.JobStatus{
		JobID:     jobID,
		ProcessID: "echo",
		Type:      "process",
		Status:    models.StatusPending,
		Created:   time.Now().UTC(),
	}, nil
}

func (f *fakeBackend) JobResults(_ context.Context, jobID, realm string) (models.JobResults, error) {
	if f.jobResultsFn != nil {
		return f.jobResultsFn(jobID, realm)
	}
	return models.JobResults{"out": json.RawMessage(`"ok"`)}, nil
}

func (f *fakeBackend) Dismiss(_ context.Context, jobID, realm string) (*models.JobStatus, error) {
	if f.dismissFn != nil {
		return f.dismissFn(jobID, realm)
	}
	return &models.JobStatus{
		JobID:  jobID,
		Type:   "process",
		Status: models.StatusDismissed,
	}, nil
}

func (f *fakeBackend) LogDetails(_ context.Context, jobID, realm string, count int) (*models.JobLog, error) {
	if f.logDetailsFn != nil {
		return f.logDetailsFn(jobID, realm, count)
	}
	return &models.JobLog{JobID: jobID, Timestamp: time.Now().UTC()}, nil
}

func (f *fakeBackend) Files(_ context.Context, jobID, realm, publicURL string) (*models.JobFiles, error) {
	if f.filesFn != nil {
		return f.filesFn(jobID, realm, publicURL)
	}
	return &models.JobFiles{}, nil
}

func (f *fakeBackend) DownloadURL(_ context.Context, jobID, realm, resource string, expiration time.Duration) (string, error) {
	if f.downloadFn != nil {
		return f.downloadFn(jobID, realm, resource)
	}
	return "file:///nonexistent/" + jobID + "/" + resource, nil
}

// denyPolicy wraps an access policy and refuses the listed services and
// process idents.
type denyPolicy struct {
	policy.AccessPolicy
	services  map[string]bool
	processes map[string]bool
}

func (p *denyPolicy) ServicePermission(r *http.Request, service string) bool {
	return !p.services[service]
}

func (p *denyPolicy) ExecutePermission(r *http.Request, service, ident string) bool {
	return !p.processes[ident]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Policy.DefaultService = "demo"
	cfg.Storage.Root = t.TempDir()
	return cfg
}

func testPolicy(t *testing.T, cfg *config.Config, dir policy.ServiceDirectory) policy.AccessPolicy {
	t.Helper()
	pol, err := policy.New(cfg.Policy.Kind, policy.Options{
		Prefix:         cfg.Policy.Prefix,
		DefaultService: cfg.Policy.DefaultService,
		Directory:      dir,
	})
	require.NoError(t, err)
	return pol
}

var testAPIDocument = []byte(`{"openapi":"3.0.3","info":{"title":"Qjazz Processes","version":"test"},"paths":{}}`)

func buildRouter(backend Backend, pol policy.AccessPolicy, cfg *config.Config) http.Handler {
	return NewRouter(RouterConfig{
		Backend: backend,
		Policy:  pol,
		Logger:  zap.NewNop(),
		HTTP:    &cfg.HTTP,
		Realm:   &cfg.Realm,
		Storage: &cfg.Storage,
		API:     testAPIDocument,
	})
}

// newTestRouter builds a full router around the fake backend with the
// default access policy. mutate tweaks the configuration before wiring.
func newTestRouter(t *testing.T, backend Backend, mutate func(*config.Config)) http.Handler {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	return buildRouter(backend, testPolicy(t, cfg, backend), cfg)
}

func doRequest(t *testing.T, h http.Handler, method, target string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, rd)
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	decodeResponse(t, rec, &body)
	return body.Message
}
