// Package executor is the client-side coordinator of the platform. It
// discovers worker services over the broker control plane, submits
// execution tasks, composes job status from the registry and the result
// store, and drives dismissal.
package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/3liz/qjazz-sub000/internal/broker"
	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/registry"
	"github.com/3liz/qjazz-sub000/internal/resultstore"
)

// ServiceEntry aggregates all live workers of one service. Destinations
// are worker identities used for addressed RPC.
type ServiceEntry struct {
	Presence     models.ServicePresence
	Destinations []string
}

// Options tunes executor behaviour.
type Options struct {
	// PendingTimeout applies when the caller sets none.
	PendingTimeout time.Duration
	// LockTimeout bounds dismiss lock acquisition.
	LockTimeout time.Duration
	// DescribeTTL bounds the process description cache.
	DescribeTTL time.Duration
	// CallTimeout is the default deadline for broker RPC.
	CallTimeout time.Duration
	// PresenceTimeout is the reply collection window of a presence
	// broadcast. It bounds every UpdateServices call, so it stays well
	// under the refresh interval.
	PresenceTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PendingTimeout <= 0 {
		out.PendingTimeout = 600 * time.Second
	}
	if out.LockTimeout <= 0 {
		out.LockTimeout = 20 * time.Second
	}
	if out.DescribeTTL <= 0 {
		out.DescribeTTL = 15 * time.Minute
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = 20 * time.Second
	}
	if out.PresenceTimeout <= 0 {
		out.PresenceTimeout = 5 * time.Second
	}
	return out
}

// Executor coordinates job submission and inspection. Safe for concurrent
// use.
type Executor struct {
	broker   *broker.Client
	store    *resultstore.Store
	registry *registry.Registry
	opts     Options
	logger   *zap.Logger

	describeCache *cache.Cache

	mu       sync.RWMutex
	services map[string]*ServiceEntry
}

// New assembles an executor over its broker, result store and registry
// clients.
func New(b *broker.Client, store *resultstore.Store, reg *registry.Registry, opts Options, logger *zap.Logger) *Executor {
	opts = opts.withDefaults()
	return &Executor{
		broker:        b,
		store:         store,
		registry:      reg,
		opts:          opts,
		logger:        logger.Named("executor"),
		describeCache: cache.New(opts.DescribeTTL, 2*opts.DescribeTTL),
		services:      make(map[string]*ServiceEntry),
	}
}

// UpdateServices refreshes the presence cache by broadcasting the presence
// command and collapsing replies per service. It returns the number of
// live services.
func (e *Executor) UpdateServices(ctx context.Context) (int, error) {
	replies, err := e.broker.Broadcast(ctx, broker.CommandPresence, nil, broker.BroadcastOptions{
		Timeout: e.opts.PresenceTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("presence broadcast: %w", err)
	}

	services := make(map[string]*ServiceEntry)
	for _, rep := range replies {
		if !rep.Ok {
			continue
		}
		var presence models.ServicePresence
		if err := rep.DecodeBody(&presence); err != nil {
			e.logger.Warn("undecodable presence reply",
				zap.String("destination", rep.Destination),
				zap.Error(err))
			continue
		}
		entry, ok := services[presence.Service]
		if !ok {
			entry = &ServiceEntry{Presence: presence}
			services[presence.Service] = entry
		}
		entry.Destinations = append(entry.Destinations, rep.Destination)
	}

	e.mu.Lock()
	e.services = services
	e.mu.Unlock()

	e.logger.Debug("services updated", zap.Int("count", len(services)))
	return len(services), nil
}

// Services returns a snapshot of the presence cache, sorted by service
// name.
func (e *Executor) Services() []models.ServiceInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.ServiceInfo, 0, len(e.services))
	for _, entry := range e.services {
		out = append(out, models.ServiceInfo{
			ServicePresence: entry.Presence,
			Available:       len(entry.Destinations) > 0,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// KnownService reports whether a service is present in the cache.
func (e *Executor) KnownService(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.services[name]
	return ok
}

func (e *Executor) service(name string) (*ServiceEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.services[name]
	if !ok || len(entry.Destinations) == 0 {
		return nil, ErrServiceNotAvailable
	}
	return entry, nil
}

// destination picks one worker of the service uniformly at random.
func (e *Executor) destination(name string) (string, error) {
	entry, err := e.service(name)
	if err != nil {
		return "", err
	}
	return entry.Destinations[rand.IntN(len(entry.Destinations))], nil
}

// inspect addresses a command to one random destination of the service
// and decodes the reply body into out.
func (e *Executor) inspect(ctx context.Context, service, command string, args, out any) error {
	dest, err := e.destination(service)
	if err != nil {
		return err
	}
	replies, err := e.broker.Broadcast(ctx, command, args, broker.BroadcastOptions{
		Service:      service,
		Destinations: []string{dest},
		Expect:       1,
		Timeout:      e.opts.CallTimeout,
	})
	if err != nil {
		return fmt.Errorf("%s rpc: %w", command, err)
	}
	if len(replies) == 0 {
		return ErrUnreachableDestination
	}
	rep := replies[0]
	if !rep.Ok {
		return parseRemoteError(rep.Error)
	}
	if out != nil {
		if err := rep.DecodeBody(out); err != nil {
			return fmt.Errorf("decoding %s reply: %w", command, err)
		}
	}
	return nil
}

// Processes lists the processes exposed by a service.
func (e *Executor) Processes(ctx context.Context, service string) ([]models.ProcessSummary, error) {
	var out []models.ProcessSummary
	if err := e.inspect(ctx, service, broker.CommandListProcesses, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Describe returns the full description of a process, optionally bound to
// a project. Descriptions are cached per worker generation so a service
// restart invalidates stale entries.
func (e *Executor) Describe(ctx context.Context, service, ident, project string) (*models.ProcessDescription, error) {
	entry, err := e.service(service)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s|%d|%s|%s", service, entry.Presence.OnlineSince, ident, project)
	if cached, ok := e.describeCache.Get(key); ok {
		return cached.(*models.ProcessDescription), nil
	}
	var desc models.ProcessDescription
	err = e.inspect(ctx, service, broker.CommandDescribeProcess, broker.DescribeArgs{
		Ident:       ident,
		ProjectPath: project,
	}, &desc)
	if err != nil {
		return nil, err
	}
	e.describeCache.Set(key, &desc, cache.DefaultExpiration)
	return &desc, nil
}

// Control broadcasts a control command to every destination of a service
// and returns the raw replies.
func (e *Executor) Control(ctx context.Context, service, command string, args any) ([]broker.Reply, error) {
	entry, err := e.service(service)
	if err != nil {
		return nil, err
	}
	replies, err := e.broker.Broadcast(ctx, command, args, broker.BroadcastOptions{
		Service:      service,
		Destinations: entry.Destinations,
		Expect:       len(entry.Destinations),
		Timeout:      e.opts.CallTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%s rpc: %w", command, err)
	}
	if len(replies) == 0 {
		return nil, ErrUnreachableDestination
	}
	return replies, nil
}
