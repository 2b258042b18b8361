// Package policy implements pluggable access control for the gateway:
// which service a request addresses, which project it binds, and whether
// it may list or execute a process. Policies are selected by kind at boot.
package policy

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// ServiceDirectory reports which services are currently live. The
// executor's presence cache implements it.
type ServiceDirectory interface {
	KnownService(name string) bool
}

// AccessPolicy mediates access to services, processes and projects.
type AccessPolicy interface {
	// Prefix is the path prefix the gateway mounts its routes under.
	Prefix() string

	// GetService resolves the target service and local process ident for
	// a request. processID may be empty for listing endpoints. An empty
	// service means the request cannot be routed.
	GetService(r *http.Request, processID string) (service, ident string)

	// GetProject extracts the project reference bound to the request.
	GetProject(r *http.Request) string

	// ServicePermission reports whether the request may address the
	// service at all.
	ServicePermission(r *http.Request, service string) bool

	// ExecutePermission reports whether the request may execute the
	// process.
	ExecutePermission(r *http.Request, service, ident string) bool

	// FormatPath rewrites an api path with the policy prefix applied and
	// the service and project routing encoded, so that following the
	// resulting link routes back to the same target. Both may be empty.
	FormatPath(p, service, project string) string
}

// Options configures a policy instance.
type Options struct {
	Prefix         string
	DefaultService string
	Directory      ServiceDirectory
}

// Factory builds a policy from its options.
type Factory func(Options) (AccessPolicy, error)

var factories = map[string]Factory{
	"default": newDefault,
}

// Register installs a policy factory under a kind name.
func Register(kind string, f Factory) {
	factories[kind] = f
}

// New instantiates the policy registered under kind.
func New(kind string, opts Options) (AccessPolicy, error) {
	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown access policy %q", kind)
	}
	return factory(opts)
}

// defaultPolicy allows everything and resolves services from qualified
// process idents, falling back to a configured default service.
type defaultPolicy struct {
	prefix         string
	defaultService string
	directory      ServiceDirectory
}

func newDefault(opts Options) (AccessPolicy, error) {
	prefix := ""
	if opts.Prefix != "" {
		prefix = path.Clean("/" + strings.Trim(opts.Prefix, "/"))
		if prefix == "/" {
			prefix = ""
		}
	}
	return &defaultPolicy{
		prefix:         prefix,
		defaultService: opts.DefaultService,
		directory:      opts.Directory,
	}, nil
}

func (p *defaultPolicy) Prefix() string { return p.prefix }

// GetService strips a leading "{service}." qualifier from the ident when
// it names a live service. Unqualified requests are routed per the
// "service" query parameter, then the default service.
func (p *defaultPolicy) GetService(r *http.Request, processID string) (string, string) {
	if i := strings.IndexByte(processID, '.'); i > 0 {
		if service := processID[:i]; p.directory != nil && p.directory.KnownService(service) {
			return service, processID[i+1:]
		}
	}
	if service := r.URL.Query().Get("service"); service != "" {
		return service, processID
	}
	return p.defaultService, processID
}

func (p *defaultPolicy) GetProject(r *http.Request) string {
	return r.URL.Query().Get("project")
}

func (p *defaultPolicy) ServicePermission(r *http.Request, service string) bool { return true }

func (p *defaultPolicy) ExecutePermission(r *http.Request, service, ident string) bool { return true }

func (p *defaultPolicy) FormatPath(pth, service, project string) string {
	if p.prefix != "" {
		pth = p.prefix + pth
	}
	q := url.Values{}
	if service != "" {
		q.Set("service", service)
	}
	if project != "" {
		q.Set("project", project)
	}
	if len(q) == 0 {
		return pth
	}
	sep := "?"
	if strings.ContainsRune(pth, '?') {
		sep = "&"
	}
	return pth + sep + q.Encode()
}
