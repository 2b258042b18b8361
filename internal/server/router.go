package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/config"
	"github.com/3liz/qjazz-sub000/internal/metrics"
	"github.com/3liz/qjazz-sub000/internal/policy"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Backend Backend
	Policy  policy.AccessPolicy
	Logger  *zap.Logger

	HTTP    *config.HTTP
	Realm   *config.Realm
	Storage *config.Storage

	// API is the OpenAPI document served at /api, validated at boot.
	API []byte
}

// NewRouter builds and returns the fully configured Chi router. Routes are
// mounted under the access-policy prefix; /metrics stays at the root.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)

	// RealIP rewrites RemoteAddr from X-Forwarded-For / X-Real-IP. Only
	// safe behind a trusted reverse proxy.
	if cfg.HTTP.Proxy {
		r.Use(middleware.RealIP)
	}

	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(Metrics)

	// The OGC paths are published with trailing slashes (/processes/,
	// /jobs/); both spellings resolve to the same handlers.
	r.Use(middleware.StripSlashes)

	if cfg.HTTP.CrossOrigin != "" {
		r.Use(corsMiddleware(cfg.HTTP.CrossOrigin))
	}

	// --- Initialize handlers ---
	rs := newRealms(cfg.Realm)
	links := newLinker(cfg.HTTP.ExternalURL, cfg.HTTP.Proxy, cfg.Policy)

	processHandler := NewProcessHandler(cfg.Backend, cfg.Policy, rs, links, cfg.HTTP.Timeout, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Backend, rs, links, cfg.Storage, cfg.Logger)
	serviceHandler := NewServiceHandler(cfg.Backend, cfg.Policy, links, cfg.API, cfg.Logger)

	r.Get("/metrics", metrics.Handler().ServeHTTP)

	mount := func(r chi.Router) {
		r.Get("/", serviceHandler.LandingPage)
		r.Get("/conformance", serviceHandler.Conformance)
		r.Get("/api", serviceHandler.APIDocument)
		r.Get("/services", serviceHandler.List)

		r.Get("/processes", processHandler.List)
		r.Get("/processes/{ident}", processHandler.Describe)
		r.Post("/processes/{ident}/execution", processHandler.Execute)

		r.Get("/jobs", jobHandler.List)
		r.Get("/jobs/{jobID}", jobHandler.Status)
		r.Delete("/jobs/{jobID}", jobHandler.Dismiss)
		r.Get("/jobs/{jobID}/results", jobHandler.Results)
		r.Get("/jobs/{jobID}/log", jobHandler.Log)
		r.Get("/jobs/{jobID}/files", jobHandler.Files)
		r.Get("/jobs/{jobID}/files/*", jobHandler.Download)
		r.Head("/jobs/{jobID}/files/*", jobHandler.Download)
	}

	if prefix := cfg.Policy.Prefix(); prefix != "" {
		r.Route(prefix, mount)
	} else {
		mount(r)
	}

	return r
}
