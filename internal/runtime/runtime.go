// SPDX-License-Identifier: MIT

// Package runtime is the process-level supervision tree that owns one
// pipeline.Supervisor per configured channel. Where internal/pipeline
// supervises a single channel's own state machine (spawn, recover,
// break), internal/runtime supervises the goroutine that drives that
// state machine: if it ever panics or returns instead of blocking
// forever, suture restarts it with its own exponential backoff,
// independent of and layered above pipeline.Supervisor's internal
// Recovering state.
//
// Reference: grounded on the internal/supervisor/supervisor.go
// (Service interface, Add/Run/Stop, per-service status reporting),
// generalized to delegate the actual restart-with-backoff loop to
// github.com/thejerf/suture/v4 instead of hand-rolling it.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/thejerf/suture/v4"

	"github.com/fieldscope/capturesup/internal/bus"
	"github.com/fieldscope/capturesup/internal/health"
	"github.com/fieldscope/capturesup/internal/metrics"
	"github.com/fieldscope/capturesup/internal/pipeline"
)

// Registry owns a suture supervision tree with one channelService per
// configured capture channel. It implements health.StatusProvider so
// cmd/capturesupd can wire it directly into the health/metrics server.
type Registry struct {
	tree     *suture.Supervisor
	logger   *slog.Logger
	recorder metrics.Recorder
	bus      *bus.Bus

	mu       sync.RWMutex
	services map[string]*channelService
}

// New builds an empty registry. Call Add for each configured channel
// before calling Run.
func New(logger *slog.Logger, recorder metrics.Recorder, b *bus.Bus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	tree := suture.New("capturesup", suture.Spec{
		EventHook: func(ev suture.Event) {
			logger.Warn("runtime: supervision event", "event", ev.String())
		},
	})
	return &Registry{
		tree:     tree,
		logger:   logger,
		recorder: recorder,
		bus:      b,
		services: make(map[string]*channelService),
	}
}

// Add registers a channel's configuration with the supervision tree. A
// fresh pipeline.Supervisor is constructed each time suture (re)invokes
// Serve, so a panic-triggered restart starts from a clean channel state
// rather than resuming a torn-down one.
func (r *Registry) Add(cfg pipeline.Config) {
	svc := &channelService{
		cfg:      cfg,
		logger:   r.logger.With("channel", cfg.Channel, "kind", cfg.Kind),
		recorder: r.recorder,
		bus:      r.bus,
	}

	r.mu.Lock()
	r.services[cfg.Channel] = svc
	r.mu.Unlock()

	r.tree.Add(svc)
}

// Run blocks until ctx is cancelled, supervising every registered
// channel meanwhile. It returns once every service has stopped.
func (r *Registry) Run(ctx context.Context) error {
	return r.tree.Serve(ctx)
}

// Channels reports the live status of every registered channel,
// satisfying health.StatusProvider.
func (r *Registry) Channels() []health.ChannelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]health.ChannelInfo, 0, len(r.services))
	for _, svc := range r.services {
		infos = append(infos, svc.info())
	}
	return infos
}

// StartChannel (re)starts a registered channel's pipeline.Supervisor,
// satisfying health.ControlProvider. A channel stuck in Broken
// resumes retrying; a channel already Running is unaffected (Start is
// idempotent on the supervisor's own state machine).
func (r *Registry) StartChannel(name string) error {
	svc, err := r.lookup(name)
	if err != nil {
		return err
	}
	svc.mu.RLock()
	sup := svc.sup
	svc.mu.RUnlock()
	if sup == nil {
		return fmt.Errorf("runtime: channel %s not yet attached to a supervisor goroutine", name)
	}
	sup.Start()
	return nil
}

// StopChannel stops a registered channel's pipeline.Supervisor,
// satisfying health.ControlProvider.
func (r *Registry) StopChannel(name string) error {
	svc, err := r.lookup(name)
	if err != nil {
		return err
	}
	svc.mu.RLock()
	sup := svc.sup
	svc.mu.RUnlock()
	if sup == nil {
		return fmt.Errorf("runtime: channel %s not yet attached to a supervisor goroutine", name)
	}
	sup.Stop()
	return nil
}

func (r *Registry) lookup(name string) (*channelService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("runtime: no such channel %q", name)
	}
	return svc, nil
}

// channelService adapts a single channel's pipeline.Supervisor to
// suture.Service.
type channelService struct {
	cfg      pipeline.Config
	logger   *slog.Logger
	recorder metrics.Recorder
	bus      *bus.Bus

	mu  sync.RWMutex
	sup *pipeline.Supervisor
}

// Serve implements suture.Service. It constructs a fresh
// pipeline.Supervisor, starts it, and blocks until ctx is cancelled.
// Returning nil tells suture the service stopped cleanly (ctx done);
// a panic on Serve's own goroutine is recovered and reported as an
// error so suture applies its own backoff before calling Serve again.
// The Supervisor's run loop is a separate goroutine; a panic there is
// not recovered by Serve.
func (c *channelService) Serve(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("runtime: channel %s panicked: %v", c.cfg.Channel, rec)
		}
	}()

	sup := pipeline.New(c.cfg, c.recorder, c.bus, c.logger)

	c.mu.Lock()
	c.sup = sup
	c.mu.Unlock()

	sup.Start()
	defer sup.Close()

	<-ctx.Done()

	sup.Stop()
	return nil
}

// String satisfies suture's optional stringer-based service naming.
func (c *channelService) String() string {
	return c.cfg.Channel
}

func (c *channelService) info() health.ChannelInfo {
	c.mu.RLock()
	sup := c.sup
	c.mu.RUnlock()

	if sup == nil {
		return health.ChannelInfo{
			Name:    c.cfg.Channel,
			Kind:    c.cfg.Kind,
			State:   pipeline.Idle.String(),
			Healthy: false,
		}
	}

	state := sup.State()
	return health.ChannelInfo{
		Name:             c.cfg.Channel,
		Kind:             c.cfg.Kind,
		State:            state.String(),
		Attempt:          sup.Attempt(),
		CircuitFailCount: sup.CircuitFailCount(),
		Healthy:          state != pipeline.Broken,
	}
}
