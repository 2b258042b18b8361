// Package config holds the typed configuration for the qjazz binaries.
// Values are resolved from QJAZZ_-prefixed environment variables with
// defaults applied in Default, then overridden by command-line flags in
// main. Validation is split per binary: the gateway does not require a
// service name, the worker does not require a listen address.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ServiceNameRe constrains worker service names. The service name is used
// as a routing-key component (queue qjazz.{service}) and as the prefix of
// qualified process identifiers ({service}.{ident}), so dots are excluded.
var ServiceNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-]*$`)

// Config aggregates every section. Each binary reads only the sections it
// needs; Load populates all of them from the environment.
type Config struct {
	LogLevel string `validate:"oneof=debug info warn error"`

	Broker    Broker
	Executor  Executor
	Worker    Worker
	HTTP      HTTP
	Realm     Realm
	Policy    Policy
	Storage   Storage
	Callbacks Callbacks
}

// Broker addresses the Redis instance backing the task queues, the control
// plane and the result store. Store defaults to the broker URL when unset.
type Broker struct {
	URL      string `validate:"required,uri"`
	StoreURL string `validate:"omitempty,uri"`
}

// Executor tunes the client-side coordinator.
type Executor struct {
	// PendingTimeout is the default message expiration: how long an enqueued
	// job may stay unreserved before it is considered gone.
	PendingTimeout time.Duration

	// ResultExpires is the lifetime of task results and the upper bound for
	// the pending timeout. It also drives the registry record TTL.
	ResultExpires time.Duration

	// LockTimeout bounds the acquisition of the per-job dismissal lock.
	// This is distinct from the revoke RPC deadline (HTTP.Timeout).
	LockTimeout time.Duration

	// DescribeTTL is the lifetime of cached process descriptions.
	DescribeTTL time.Duration
}

// Worker tunes the worker daemon.
type Worker struct {
	ServiceName string `validate:"required,servicename"`
	Title       string
	Description string

	// Name identifies this worker instance for addressed commands.
	// Defaults to {service}@{hostname}.
	Name string

	Concurrency     int           `validate:"min=1"`
	CleanupInterval time.Duration // minimum 5 minutes, enforced in validation
	Workdir         string        `validate:"required"`

	// ReloadMonitor is an optional file watched for modifications; a change
	// triggers a processes-cache reload followed by a pool restart.
	ReloadMonitor string

	HidePresenceVersions bool

	// MetricsListen exposes Prometheus metrics on a dedicated address when
	// set. Empty disables the listener.
	MetricsListen string
}

// HTTP tunes the OGC gateway surface.
type HTTP struct {
	Listen  string `validate:"required"`
	TLSCert string
	TLSKey  string

	// CrossOrigin is "all", empty (disabled), or a comma list of origins.
	CrossOrigin string

	// Proxy trusts Forwarded / X-Forwarded-* headers when building hrefs.
	Proxy bool

	// ExternalURL overrides the base URL used in links when the gateway
	// sits behind a reverse proxy with a fixed public address.
	ExternalURL string `validate:"omitempty,url"`

	// UpdateInterval is the presence-cache refresh period.
	UpdateInterval time.Duration

	// Timeout is the default deadline for backend RPCs (inspect, revoke).
	Timeout time.Duration
}

// Realm configures job-realm scoping (X-Job-Realm).
type Realm struct {
	Enabled     bool
	AdminTokens []string
}

// Policy selects and parameterizes the access policy.
type Policy struct {
	Kind           string `validate:"required"`
	Prefix         string
	DefaultService string
}

// Storage configures artifact storage and download streaming.
type Storage struct {
	Kind string `validate:"required"`
	Root string

	// Secret signs download URLs. Required whenever downloads are served.
	Secret string

	ChunkSize       int `validate:"min=1024"`
	DownloadExpires time.Duration

	// AllowInsecure permits proxying plain http:// download URLs.
	AllowInsecure bool

	// CAFile is an optional CA bundle trusted when proxying https:// URLs.
	CAFile string
}

// Callbacks lists the subscriber-URL schemes wired to the HTTP callback
// handler. Unknown schemes in subscriber URIs are ignored at dispatch time.
type Callbacks struct {
	Schemes []string
}

// Default returns a Config with every default applied. Environment
// variables are NOT consulted; use Load for that.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Broker: Broker{
			URL: "redis://localhost:6379/0",
		},
		Executor: Executor{
			PendingTimeout: 600 * time.Second,
			ResultExpires:  24 * time.Hour,
			LockTimeout:    20 * time.Second,
			DescribeTTL:    15 * time.Minute,
		},
		Worker: Worker{
			Concurrency:     runtime.NumCPU(),
			CleanupInterval: 15 * time.Minute,
			Workdir:         filepath.Join(os.TempDir(), "qjazz"),
		},
		HTTP: HTTP{
			Listen:         ":9080",
			CrossOrigin:    "all",
			UpdateInterval: 30 * time.Second,
			Timeout:        20 * time.Second,
		},
		Policy: Policy{
			Kind: "default",
		},
		Storage: Storage{
			Kind:            "local",
			ChunkSize:       64 * 1024,
			DownloadExpires: time.Hour,
		},
		Callbacks: Callbacks{
			Schemes: []string{"http", "https"},
		},
	}
}

// Load builds a Config from defaults overlaid with QJAZZ_* environment
// variables. Malformed values (bad durations, bad integers) are reported
// as configuration errors rather than silently ignored.
func Load() (*Config, error) {
	cfg := Default()
	var errs []string

	cfg.LogLevel = envOrDefault("QJAZZ_LOG_LEVEL", cfg.LogLevel)

	cfg.Broker.URL = envOrDefault("QJAZZ_BROKER_URL", cfg.Broker.URL)
	cfg.Broker.StoreURL = envOrDefault("QJAZZ_STORE_URL", cfg.Broker.StoreURL)

	cfg.Executor.PendingTimeout = envDuration("QJAZZ_EXECUTOR_MESSAGE_EXPIRATION_TIMEOUT", cfg.Executor.PendingTimeout, &errs)
	cfg.Executor.ResultExpires = envDuration("QJAZZ_RESULT_EXPIRES", cfg.Executor.ResultExpires, &errs)
	cfg.Executor.LockTimeout = envDuration("QJAZZ_EXECUTOR_LOCK_TIMEOUT", cfg.Executor.LockTimeout, &errs)
	cfg.Executor.DescribeTTL = envDuration("QJAZZ_EXECUTOR_DESCRIBE_TTL", cfg.Executor.DescribeTTL, &errs)

	cfg.Worker.ServiceName = envOrDefault("QJAZZ_WORKER_SERVICE_NAME", cfg.Worker.ServiceName)
	cfg.Worker.Title = envOrDefault("QJAZZ_WORKER_TITLE", cfg.Worker.Title)
	cfg.Worker.Description = envOrDefault("QJAZZ_WORKER_DESCRIPTION", cfg.Worker.Description)
	cfg.Worker.Name = envOrDefault("QJAZZ_WORKER_NAME", cfg.Worker.Name)
	cfg.Worker.Concurrency = envInt("QJAZZ_WORKER_CONCURRENCY", cfg.Worker.Concurrency, &errs)
	cfg.Worker.CleanupInterval = envDuration("QJAZZ_WORKER_CLEANUP_INTERVAL", cfg.Worker.CleanupInterval, &errs)
	cfg.Worker.Workdir = envOrDefault("QJAZZ_WORKER_WORKDIR", cfg.Worker.Workdir)
	cfg.Worker.ReloadMonitor = envOrDefault("QJAZZ_WORKER_RELOAD_MONITOR", cfg.Worker.ReloadMonitor)
	cfg.Worker.HidePresenceVersions = envBool("QJAZZ_WORKER_HIDE_PRESENCE_VERSIONS", cfg.Worker.HidePresenceVersions, &errs)
	cfg.Worker.MetricsListen = envOrDefault("QJAZZ_WORKER_METRICS_LISTEN", cfg.Worker.MetricsListen)

	cfg.HTTP.Listen = envOrDefault("QJAZZ_HTTP_LISTEN", cfg.HTTP.Listen)
	cfg.HTTP.TLSCert = envOrDefault("QJAZZ_HTTP_TLS_CERT", cfg.HTTP.TLSCert)
	cfg.HTTP.TLSKey = envOrDefault("QJAZZ_HTTP_TLS_KEY", cfg.HTTP.TLSKey)
	cfg.HTTP.CrossOrigin = envOrDefault("QJAZZ_HTTP_CROSS_ORIGIN", cfg.HTTP.CrossOrigin)
	cfg.HTTP.Proxy = envBool("QJAZZ_HTTP_PROXY", cfg.HTTP.Proxy, &errs)
	cfg.HTTP.ExternalURL = envOrDefault("QJAZZ_HTTP_EXTERNAL_URL", cfg.HTTP.ExternalURL)
	cfg.HTTP.UpdateInterval = envDuration("QJAZZ_HTTP_UPDATE_INTERVAL", cfg.HTTP.UpdateInterval, &errs)
	cfg.HTTP.Timeout = envDuration("QJAZZ_HTTP_TIMEOUT", cfg.HTTP.Timeout, &errs)

	cfg.Realm.Enabled = envBool("QJAZZ_JOB_REALM_ENABLED", cfg.Realm.Enabled, &errs)
	cfg.Realm.AdminTokens = envList("QJAZZ_JOB_REALM_ADMIN_TOKENS", cfg.Realm.AdminTokens)

	cfg.Policy.Kind = envOrDefault("QJAZZ_ACCESS_POLICY", cfg.Policy.Kind)
	cfg.Policy.Prefix = envOrDefault("QJAZZ_ACCESS_POLICY_PREFIX", cfg.Policy.Prefix)
	cfg.Policy.DefaultService = envOrDefault("QJAZZ_ACCESS_POLICY_DEFAULT_SERVICE", cfg.Policy.DefaultService)

	cfg.Storage.Kind = envOrDefault("QJAZZ_STORAGE_KIND", cfg.Storage.Kind)
	cfg.Storage.Root = envOrDefault("QJAZZ_STORAGE_ROOT", cfg.Storage.Root)
	cfg.Storage.Secret = envOrDefault("QJAZZ_STORAGE_SECRET", cfg.Storage.Secret)
	cfg.Storage.ChunkSize = envInt("QJAZZ_STORAGE_CHUNK_SIZE", cfg.Storage.ChunkSize, &errs)
	cfg.Storage.DownloadExpires = envDuration("QJAZZ_STORAGE_DOWNLOAD_EXPIRES", cfg.Storage.DownloadExpires, &errs)
	cfg.Storage.AllowInsecure = envBool("QJAZZ_STORAGE_ALLOW_INSECURE_CONNECTION", cfg.Storage.AllowInsecure, &errs)
	cfg.Storage.CAFile = envOrDefault("QJAZZ_STORAGE_CAFILE", cfg.Storage.CAFile)

	cfg.Callbacks.Schemes = envList("QJAZZ_CALLBACK_SCHEMES", cfg.Callbacks.Schemes)

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = cfg.Worker.Workdir
	}
	if cfg.Broker.StoreURL == "" {
		cfg.Broker.StoreURL = cfg.Broker.URL
	}
	return cfg, nil
}

// newValidator builds the validator instance with the custom rules used by
// the config sections.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for empty tags or nil functions.
	_ = v.RegisterValidation("servicename", func(fl validator.FieldLevel) bool {
		return ServiceNameRe.MatchString(fl.Field().String())
	})
	return v
}

// ValidateServer checks the sections used by the gateway binary.
func (c *Config) ValidateServer() error {
	v := newValidator()
	if err := v.Var(c.LogLevel, "oneof=debug info warn error"); err != nil {
		return fmt.Errorf("log level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if err := v.Struct(c.Broker); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if err := v.Struct(c.HTTP); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if err := v.Struct(c.Policy); err != nil {
		return fmt.Errorf("access policy: %w", err)
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		return fmt.Errorf("http: tls certificate and key must be set together")
	}
	if c.HTTP.UpdateInterval < time.Second {
		return fmt.Errorf("http: update interval %s is below the 1s minimum", c.HTTP.UpdateInterval)
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http: timeout must be positive")
	}
	if err := v.Struct(c.Storage); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if c.Storage.CAFile != "" {
		if _, err := os.ReadFile(c.Storage.CAFile); err != nil {
			return fmt.Errorf("storage: reading ca bundle: %w", err)
		}
	}
	return c.validateShared(v)
}

// ValidateWorker checks the sections used by the worker binary.
func (c *Config) ValidateWorker() error {
	v := newValidator()
	if err := v.Struct(c.Broker); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if err := v.Struct(c.Worker); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if err := v.Struct(c.Storage); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if c.Worker.CleanupInterval < 5*time.Minute {
		return fmt.Errorf("worker: cleanup interval %s is below the 5m minimum", c.Worker.CleanupInterval)
	}
	return c.validateShared(v)
}

func (c *Config) validateShared(v *validator.Validate) error {
	if c.Executor.PendingTimeout <= 0 {
		return fmt.Errorf("executor: message expiration timeout must be positive")
	}
	if c.Executor.ResultExpires <= 0 {
		return fmt.Errorf("executor: result expiration must be positive")
	}
	for _, tok := range c.Realm.AdminTokens {
		if !ValidRealm(tok) {
			return fmt.Errorf("job realm: admin token %q is not a valid realm token", tok)
		}
	}
	return nil
}

// realmRe matches realm tokens: alphanumeric first character, then
// alphanumerics, underscores or dashes.
var realmRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-]+$`)

// ValidRealm reports whether tok is an acceptable realm token: at least
// eight characters matching realmRe.
func ValidRealm(tok string) bool {
	return len(tok) >= 8 && realmRe.MatchString(tok)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return defaultVal
	}
	return b
}

// envDuration accepts Go duration strings ("300s", "15m") and, for
// convenience with second-based settings, bare integers meaning seconds.
func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return defaultVal
	}
	return d
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
