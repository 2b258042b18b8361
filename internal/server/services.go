package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/policy"
)

// conformsTo lists the OGC API Processes conformance classes implemented
// by the gateway.
var conformsTo = []string{
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/req/core",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/req/ogc-process-description",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/req/json",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/req/oas30",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/req/job-list",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/req/dismiss",
}

type landingPage struct {
	Links []models.Link `json:"links"`
}

type conformance struct {
	ConformsTo []string `json:"conformsTo"`
}

// serviceItem is one entry of the service catalog.
type serviceItem struct {
	Name           string        `json:"name"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	VersionDetails []string      `json:"version_details,omitempty"`
	Callbacks      []string      `json:"callbacks,omitempty"`
	Links          []models.Link `json:"links"`
}

type serviceList struct {
	Services []serviceItem `json:"services"`
}

// ServiceHandler serves the landing page, the conformance declaration,
// the api document and the service catalog.
type ServiceHandler struct {
	backend Backend
	policy  policy.AccessPolicy
	links   *linker
	api     []byte
	logger  *zap.Logger
}

func NewServiceHandler(backend Backend, pol policy.AccessPolicy, links *linker, api []byte, logger *zap.Logger) *ServiceHandler {
	return &ServiceHandler{
		backend: backend,
		policy:  pol,
		links:   links,
		api:     api,
		logger:  logger.Named("services"),
	}
}

// LandingPage returns the api entry points plus one processes link per
// discovered service.
func (h *ServiceHandler) LandingPage(w http.ResponseWriter, r *http.Request) {
	links := []models.Link{
		h.links.link(r, "/services", "api-catalog", "Available services"),
		h.links.link(r, "/api", "service-desc", "Api description"),
		h.links.link(r, "/conformance", relConformance, "Conformance classes"),
		h.links.link(r, "/", "self", "Landing page"),
	}
	for _, svc := range h.backend.Services() {
		links = append(links, h.links.serviceLink(r, "/processes", svc.Service, "", relProcesses, svc.Title))
	}
	writeJSON(w, http.StatusOK, landingPage{Links: links})
}

// Conformance returns the conformance class declaration.
func (h *ServiceHandler) Conformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, conformance{ConformsTo: conformsTo})
}

// APIDocument returns the OpenAPI description of the api.
func (h *ServiceHandler) APIDocument(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(h.api)
}

// List returns the catalog of discovered services the caller may address.
func (h *ServiceHandler) List(w http.ResponseWriter, r *http.Request) {
	services := h.backend.Services()
	items := make([]serviceItem, 0, len(services))
	for _, svc := range services {
		if !h.policy.ServicePermission(r, svc.Service) {
			continue
		}
		links := append([]models.Link{}, svc.Links...)
		links = append(links,
			h.links.serviceLink(r, "/processes", svc.Service, "", relProcesses, "Service processes"),
			h.links.serviceLink(r, "/jobs", svc.Service, "", relJobList, "Job list"),
		)
		items = append(items, serviceItem{
			Name:           svc.Service,
			Title:          svc.Title,
			Description:    svc.Description,
			VersionDetails: svc.Versions,
			Callbacks:      svc.Callbacks,
			Links:          links,
		})
	}
	writeJSON(w, http.StatusOK, serviceList{Services: items})
}
