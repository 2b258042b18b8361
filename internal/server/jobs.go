package server

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/config"
	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/storage"
)

const (
	defaultJobsLimit = 10
	maxJobsLimit     = 1000
)

// JobHandler serves the job status, listing, dismissal, results, log,
// files and download endpoints.
type JobHandler struct {
	backend Backend
	realms  *realms
	links   *linker
	storage *config.Storage
	signer  *storage.Signer
	client  *http.Client
	logger  *zap.Logger
}

func NewJobHandler(backend Backend, rs *realms, links *linker, cfg *config.Storage, logger *zap.Logger) *JobHandler {
	logger = logger.Named("jobs")
	return &JobHandler{
		backend: backend,
		realms:  rs,
		links:   links,
		storage: cfg,
		signer:  storage.NewSigner(cfg.Secret),
		client:  downloadClient(cfg, logger),
		logger:  logger,
	}
}

// queryInt reads an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid parameter %q", name)
	}
	return n, nil
}

// List returns a page of job statuses visible in the caller's realm.
// processID and status filters shrink the returned page; pagination
// cursors always advance over the unfiltered enumeration.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")

	limit, err := queryInt(r, "limit", defaultJobsLimit)
	if err != nil || limit < 1 || limit > maxJobsLimit {
		errJSON(w, http.StatusBadRequest, "Invalid parameter 'limit'")
		return
	}
	cursor, err := queryInt(r, "cursor", 0)
	if err != nil || cursor < 0 {
		errJSON(w, http.StatusBadRequest, "Invalid parameter 'cursor'")
		return
	}

	realm, ok := h.realms.lookup(r)
	if !ok {
		errJSON(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	jobs, err := h.backend.Jobs(r.Context(), service, realm, cursor, limit)
	if err != nil {
		backendError(w, err)
		return
	}
	fetched := int64(len(jobs))

	processIDs := r.URL.Query()["processID"]
	statuses := r.URL.Query()["status"]
	if len(processIDs) > 0 || len(statuses) > 0 {
		filtered := jobs[:0]
		for _, st := range jobs {
			if len(processIDs) > 0 && !slices.Contains(processIDs, st.ProcessID) {
				continue
			}
			if len(statuses) > 0 && !slices.Contains(statuses, string(st.Status)) {
				continue
			}
			filtered = append(filtered, st)
		}
		jobs = filtered
	}

	for i := range jobs {
		st := &jobs[i]
		st.Links = append(st.Links, h.links.link(r, "/jobs/"+st.JobID, "related", "Job details"))
		if st.Status == models.StatusSuccessful {
			st.Links = append(st.Links,
				h.links.link(r, "/jobs/"+st.JobID+"/results", relResults, "Job results"))
		}
	}

	params := url.Values{}
	for _, id := range processIDs {
		params.Add("processID", id)
	}
	for _, s := range statuses {
		params.Add("status", s)
	}
	params.Set("limit", strconv.FormatInt(limit, 10))
	if service != "" {
		params.Set("service", service)
	}
	pageLink := func(cursor int64, rel string) models.Link {
		q := url.Values{}
		for k, vs := range params {
			q[k] = vs
		}
		if cursor > 0 {
			q.Set("cursor", strconv.FormatInt(cursor, 10))
		}
		return h.links.link(r, "/jobs?"+q.Encode(), rel, "Job list")
	}

	out := models.JobList{
		Jobs:  jobs,
		Links: []models.Link{pageLink(cursor, "self")},
	}
	if fetched == limit {
		next := cursor + limit
		out.Links = append(out.Links, pageLink(next, "next"))
		out.NextCursor = strconv.FormatInt(next, 10)
	}
	if cursor > 0 {
		out.Links = append(out.Links, pageLink(max(cursor-limit, 0), "prev"))
	}
	writeJSON(w, http.StatusOK, out)
}

// Status returns the status document of one job.
func (h *JobHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	realm, ok := h.realms.lookup(r)
	if !ok {
		errJSON(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	details := false
	if raw := r.URL.Query().Get("details"); raw != "" {
		var err error
		details, err = strconv.ParseBool(raw)
		if err != nil {
			errJSON(w, http.StatusBadRequest, "Invalid parameter 'details'")
			return
		}
	}
	st, err := h.backend.JobStatus(r.Context(), jobID, realm, details)
	if err != nil {
		backendError(w, err)
		return
	}

	location := "/jobs/" + jobID
	if st.Status == models.StatusSuccessful {
		st.Links = append(st.Links, h.links.link(r, location+"/results", relResults, "Job results"))
	}
	st.Links = append(st.Links,
		h.links.link(r, location+"/log", "related", "Job execution logs"),
		h.links.link(r, location+"/files", "related", "Job files"),
		h.links.link(r, location, "self", "Job status"),
	)

	w.Header().Set("Location", h.links.href(r, location))
	writeJSON(w, http.StatusOK, st)
}

// Dismiss cancels or removes a job and returns its final status.
func (h *JobHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	realm, ok := h.realms.lookup(r)
	if !ok {
		errJSON(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	st, err := h.backend.Dismiss(r.Context(), jobID, realm)
	if err != nil {
		backendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Results returns the results document of a successful job.
func (h *JobHandler) Results(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	realm, ok := h.realms.lookup(r)
	if !ok {
		errJSON(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	results, err := h.backend.JobResults(r.Context(), jobID, realm)
	if err != nil {
		backendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// Log returns the execution log of a job. count limits the response to
// the last count lines, 0 returns everything.
func (h *JobHandler) Log(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	realm, ok := h.realms.lookup(r)
	if !ok {
		errJSON(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	count, err := queryInt(r, "count", 0)
	if err != nil || count < 0 {
		errJSON(w, http.StatusBadRequest, "Invalid parameter 'count'")
		return
	}
	log, err := h.backend.LogDetails(r.Context(), jobID, realm, int(count))
	if err != nil {
		backendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// Files lists the downloadable artifacts of a job.
func (h *JobHandler) Files(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	realm, ok := h.realms.lookup(r)
	if !ok {
		errJSON(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	files, err := h.backend.Files(r.Context(), jobID, realm, h.links.href(r, ""))
	if err != nil {
		backendError(w, err)
		return
	}
	files.Links = append(files.Links, h.links.link(r, "/jobs/"+jobID+"/files", "self", "Job files"))
	writeJSON(w, http.StatusOK, files)
}
