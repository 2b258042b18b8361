package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/executor"
	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/policy"
)

// jobIDHeader carries the job id of a synchronous execution response.
const jobIDHeader = "X-Job-Id"

// maxTagLength bounds the optional job tag query parameter.
const maxTagLength = 36

// ProcessHandler serves the process listing, description and execution
// endpoints.
type ProcessHandler struct {
	backend Backend
	policy  policy.AccessPolicy
	realms  *realms
	links   *linker
	timeout time.Duration
	logger  *zap.Logger
}

func NewProcessHandler(backend Backend, pol policy.AccessPolicy, rs *realms, links *linker, timeout time.Duration, logger *zap.Logger) *ProcessHandler {
	return &ProcessHandler{
		backend: backend,
		policy:  pol,
		realms:  rs,
		links:   links,
		timeout: timeout,
		logger:  logger.Named("processes"),
	}
}

// resolveService routes the request to a service and checks the service
// permission. ok=false means the response has been written.
func (h *ProcessHandler) resolveService(w http.ResponseWriter, r *http.Request, processID string) (service, ident string, ok bool) {
	service, ident = h.policy.GetService(r, processID)
	if service == "" || !h.backend.KnownService(service) {
		errJSON(w, http.StatusServiceUnavailable, "Service not known")
		return "", "", false
	}
	if !h.policy.ServicePermission(r, service) {
		errJSON(w, http.StatusForbidden, "Service not allowed")
		return "", "", false
	}
	return service, ident, true
}

// List returns the process summaries of the resolved service, filtered by
// the execute permission.
func (h *ProcessHandler) List(w http.ResponseWriter, r *http.Request) {
	service, _, ok := h.resolveService(w, r, "")
	if !ok {
		return
	}
	processes, err := h.backend.Processes(r.Context(), service)
	if err != nil {
		backendError(w, err)
		return
	}
	summaries := make([]models.ProcessSummary, 0, len(processes))
	for _, p := range processes {
		if !h.policy.ExecutePermission(r, service, p.ID) {
			continue
		}
		p.Links = append([]models.Link{
			h.links.serviceLink(r, "/processes/"+p.ID, service, "", relProcesses, "Process description"),
		}, p.Links...)
		summaries = append(summaries, p)
	}
	writeJSON(w, http.StatusOK, models.ProcessList{
		Processes: summaries,
		Links: []models.Link{
			h.links.serviceLink(r, "/processes", service, "", "self", "Processes list"),
		},
	})
}

// Describe returns the full process description.
func (h *ProcessHandler) Describe(w http.ResponseWriter, r *http.Request) {
	processID := chi.URLParam(r, "ident")
	service, ident, ok := h.resolveService(w, r, processID)
	if !ok {
		return
	}
	project := h.policy.GetProject(r)
	if !h.policy.ExecutePermission(r, service, ident) {
		errJSON(w, http.StatusForbidden, "Process "+processID+" not available")
		return
	}
	desc, err := h.backend.Describe(r.Context(), service, ident, project)
	if err != nil {
		backendError(w, err)
		return
	}
	desc.Links = append([]models.Link{
		h.links.serviceLink(r, "/processes/"+processID, service, project, "self", "Process description"),
		h.links.serviceLink(r, "/processes/"+processID+"/execution", service, project, relProcesses, "Execute process"),
	}, desc.Links...)
	writeJSON(w, http.StatusOK, desc)
}

// Execute submits a process execution. The response is synchronous (200
// with results) or asynchronous (202 with a status document) depending on
// the Prefer header and the process job control options.
func (h *ProcessHandler) Execute(w http.ResponseWriter, r *http.Request) {
	processID := chi.URLParam(r, "ident")
	service, ident, ok := h.resolveService(w, r, processID)
	if !ok {
		return
	}
	project := h.policy.GetProject(r)
	if !h.policy.ExecutePermission(r, service, ident) {
		errJSON(w, http.StatusForbidden, "Process "+processID+" not available")
		return
	}

	tag := r.URL.Query().Get("tag")
	if len(tag) > maxTagLength {
		errJSON(w, http.StatusBadRequest, "Invalid parameter 'tag'")
		return
	}

	var req models.JobExecute
	if !decodeJSON(w, r, &req) {
		return
	}

	prefs, err := parsePrefer(r.Header)
	if err != nil {
		errJSON(w, http.StatusBadRequest, err.Error())
		return
	}

	realm, ok := h.realms.execute(r)
	if !ok {
		errJSON(w, http.StatusUnauthorized, "Invalid job realm")
		return
	}

	desc, err := h.backend.Describe(r.Context(), service, ident, project)
	if err != nil {
		backendError(w, err)
		return
	}

	syncAllowed := desc.Supports(models.SyncExecute)
	asyncAllowed := desc.Supports(models.AsyncExecute)

	// A delayed execution cannot answer synchronously, and an explicit
	// wait=0 means "do not wait at all".
	executeSync := syncAllowed && prefs.delay == 0 &&
		(!prefs.respondAsync || prefs.hasWait) &&
		!(prefs.hasWait && prefs.wait == 0)

	opts := executor.ExecuteOptions{
		Service:   service,
		Ident:     ident,
		Request:   req,
		Project:   project,
		Realm:     realm,
		Tag:       tag,
		PublicURL: h.links.href(r, ""),
	}
	if prefs.hasWait && prefs.wait > 0 {
		opts.PendingTimeout = prefs.wait
	}
	if !executeSync {
		opts.Countdown = prefs.delay
	}
	if prefs.hasPriority && h.realms.admin(r) {
		opts.Priority = prefs.priority
	}

	job, err := h.backend.Execute(r.Context(), opts)
	if err != nil {
		backendError(w, err)
		return
	}

	if executeSync {
		wait := prefs.wait
		if !prefs.hasWait {
			wait = h.timeout
		}
		results, err := h.backend.WaitResults(r.Context(), job.ID, wait)
		switch {
		case err == nil:
			w.Header().Set(jobIDHeader, job.ID)
			if realm != "" {
				w.Header().Set(realmHeader, realm)
			}
			writeJSON(w, http.StatusOK, results)
			return
		case errors.Is(err, context.DeadlineExceeded):
			if !asyncAllowed {
				h.logger.Error("synchronous execution timeout",
					zap.String("job_id", job.ID),
					zap.String("process_id", processID))
				st, derr := h.backend.Dismiss(r.Context(), job.ID, realm)
				if derr != nil || st == nil {
					errJSON(w, http.StatusGatewayTimeout, "Execution timeout")
					return
				}
				writeJSON(w, http.StatusGatewayTimeout, st)
				return
			}
			h.logger.Warn("synchronous execution timeout, falling back to async response",
				zap.String("job_id", job.ID))
		default:
			backendError(w, err)
			return
		}
	}

	st, err := h.backend.JobStatus(r.Context(), job.ID, realm, false)
	if err != nil {
		backendError(w, err)
		return
	}

	location := "/jobs/" + st.JobID
	st.Links = []models.Link{
		h.links.link(r, location, relJobStatus, "job status"),
		h.links.serviceLink(r, "/processes/"+st.ProcessID+"/execution", service, project, "self", "job execution"),
	}
	if st.Status == models.StatusSuccessful {
		location = "/jobs/" + st.JobID + "/results"
		st.Links = append(st.Links, h.links.link(r, location, relResults, ""))
	}

	w.Header().Set("Location", h.links.href(r, location))
	if realm != "" {
		w.Header().Set(realmHeader, realm)
	}
	writeJSON(w, http.StatusAccepted, st)
}
