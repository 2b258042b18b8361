package server

import (
	"net/http"
	"strings"

	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/policy"
)

// OGC API link relations used across the handlers.
const (
	relProcesses   = "http://www.opengis.net/def/rel/ogc/1.0/processes"
	relJobList     = "http://www.opengis.net/def/rel/ogc/1.0/job-list"
	relResults     = "http://www.opengis.net/def/rel/ogc/1.0/results"
	relConformance = "http://www.opengis.net/def/rel/ogc/1.0/conformance"
	relJobStatus   = "http://www.opengis.net/def/rel/iana/1.0/status"
)

// linker builds absolute hrefs for response links. The base is, in order
// of precedence: the configured external URL, the Forwarded/X-Forwarded-*
// headers when proxy trust is on, then the request host itself.
type linker struct {
	external string // scheme://host[/prefix], no trailing slash
	proxy    bool
	policy   policy.AccessPolicy
}

func newLinker(externalURL string, proxy bool, pol policy.AccessPolicy) *linker {
	return &linker{
		external: strings.TrimRight(externalURL, "/"),
		proxy:    proxy,
		policy:   pol,
	}
}

// base returns the public scheme://host of the request.
func (l *linker) base(r *http.Request) string {
	if l.external != "" {
		return l.external
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if l.proxy {
		if fwd := parseForwarded(r.Header.Get("Forwarded")); fwd != nil {
			if fwd["proto"] != "" {
				scheme = fwd["proto"]
			}
			if fwd["host"] != "" {
				host = fwd["host"]
			}
		} else {
			if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
				scheme = proto
			}
			if h := r.Header.Get("X-Forwarded-Host"); h != "" {
				host = h
			}
		}
	}
	return scheme + "://" + host
}

// href returns an absolute URL for an api path, with the policy prefix
// applied.
func (l *linker) href(r *http.Request, path string) string {
	return l.base(r) + l.policy.FormatPath(path, "", "")
}

// serviceHref is href with the service and project routing encoded the way
// the access policy wants it.
func (l *linker) serviceHref(r *http.Request, path, service, project string) string {
	return l.base(r) + l.policy.FormatPath(path, service, project)
}

// link builds one response link.
func (l *linker) link(r *http.Request, path, rel, title string) models.Link {
	return models.Link{
		Href:     l.href(r, path),
		Rel:      rel,
		MimeType: "application/json",
		Title:    title,
	}
}

// serviceLink builds one response link carrying service routing.
func (l *linker) serviceLink(r *http.Request, path, service, project, rel, title string) models.Link {
	return models.Link{
		Href:     l.serviceHref(r, path, service, project),
		Rel:      rel,
		MimeType: "application/json",
		Title:    title,
	}
}

// parseForwarded extracts the first element of an RFC 7239 Forwarded
// header. Nil means the header is absent or empty.
func parseForwarded(header string) map[string]string {
	if header == "" {
		return nil
	}
	first, _, _ := strings.Cut(header, ",")
	fields := make(map[string]string)
	for _, pair := range strings.Split(first, ";") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if value != "" {
			fields[name] = value
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}
