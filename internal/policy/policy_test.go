package policy

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDirectory map[string]bool

func (d staticDirectory) KnownService(name string) bool { return d[name] }

func TestDefaultGetService(t *testing.T) {
	directory := staticDirectory{"demo": true, "geo": true}

	tests := []struct {
		name           string
		defaultService string
		query          string
		processID      string
		wantService    string
		wantIdent      string
	}{
		{
			name:           "qualified with live service",
			defaultService: "demo",
			processID:      "geo.buffer",
			wantService:    "geo",
			wantIdent:      "buffer",
		},
		{
			name:           "qualifier keeps trailing dots",
			defaultService: "demo",
			processID:      "geo.model.buffer",
			wantService:    "geo",
			wantIdent:      "model.buffer",
		},
		{
			name:           "unknown qualifier falls back to default",
			defaultService: "demo",
			processID:      "other.buffer",
			wantService:    "demo",
			wantIdent:      "other.buffer",
		},
		{
			name:           "unqualified uses default",
			defaultService: "demo",
			processID:      "echo",
			wantService:    "demo",
			wantIdent:      "echo",
		},
		{
			name:        "no default leaves the request unrouted",
			processID:   "echo",
			wantService: "",
			wantIdent:   "echo",
		},
		{
			name:        "listing request without ident",
			processID:   "",
			wantService: "",
			wantIdent:   "",
		},
		{
			name:        "service query parameter",
			query:       "?service=geo",
			processID:   "",
			wantService: "geo",
			wantIdent:   "",
		},
		{
			name:           "qualifier wins over query parameter",
			defaultService: "demo",
			query:          "?service=demo",
			processID:      "geo.buffer",
			wantService:    "geo",
			wantIdent:      "buffer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New("default", Options{DefaultService: tt.defaultService, Directory: directory})
			require.NoError(t, err)
			r := httptest.NewRequest("GET", "/processes"+tt.query, nil)
			service, ident := p.GetService(r, tt.processID)
			assert.Equal(t, tt.wantService, service)
			assert.Equal(t, tt.wantIdent, ident)
		})
	}
}

func TestDefaultProjectAndPermissions(t *testing.T) {
	p, err := New("default", Options{DefaultService: "demo"})
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/processes/echo?project=/france/places", nil)
	assert.Equal(t, "/france/places", p.GetProject(r))
	assert.True(t, p.ServicePermission(r, "demo"))
	assert.True(t, p.ExecutePermission(r, "demo", "echo"))
}

func TestPrefixNormalization(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
		path   string
	}{
		{prefix: "", want: "", path: "/jobs"},
		{prefix: "/", want: "", path: "/jobs"},
		{prefix: "ogc", want: "/ogc", path: "/ogc/jobs"},
		{prefix: "/ogc/", want: "/ogc", path: "/ogc/jobs"},
	}
	for _, tt := range tests {
		p, err := New("default", Options{Prefix: tt.prefix})
		require.NoError(t, err)
		assert.Equal(t, tt.want, p.Prefix())
		assert.Equal(t, tt.path, p.FormatPath("/jobs", "", ""))
	}
}

func TestFormatPathRouting(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		path    string
		service string
		project string
		want    string
	}{
		{
			name: "no routing",
			path: "/processes",
			want: "/processes",
		},
		{
			name:    "service only",
			path:    "/processes",
			service: "demo",
			want:    "/processes?service=demo",
		},
		{
			name:    "service and project",
			path:    "/processes/buffer",
			service: "geo",
			project: "/france/places",
			want:    "/processes/buffer?project=%2Ffrance%2Fplaces&service=geo",
		},
		{
			name:    "appends to existing query",
			path:    "/jobs?limit=10",
			service: "demo",
			want:    "/jobs?limit=10&service=demo",
		},
		{
			name:    "prefix applied first",
			prefix:  "/ogc",
			path:    "/processes",
			service: "demo",
			want:    "/ogc/processes?service=demo",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New("default", Options{Prefix: tt.prefix})
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.FormatPath(tt.path, tt.service, tt.project))
		})
	}
}

func TestUnknownPolicyKind(t *testing.T) {
	_, err := New("no-such-policy", Options{})
	assert.Error(t, err)
}
