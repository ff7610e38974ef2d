// Package registry deduplicates bridges by endpoint key and drives the pump
// that delivers queued transport events into them.
//
// A Registry is an explicitly constructed object owned by whichever component
// needs connection sharing; there is no ambient global state. At most one
// bridge exists per endpoint key; concurrent requests for the same key are
// collapsed into a single construction.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/wsbridge/bridge"
	"github.com/timzifer/wsbridge/telemetry"
	"github.com/timzifer/wsbridge/transport"
)

// ErrRegistryClosed is returned once the registry has been closed.
var ErrRegistryClosed = errors.New("registry: closed")

const defaultPumpInterval = 50 * time.Millisecond

// Registry maps endpoint keys to live bridges. Entries are never evicted
// automatically; callers remove them with Release or Close.
type Registry struct {
	dial       transport.Dialer
	logger     zerolog.Logger
	collector  telemetry.Collector
	bridgeOpts []bridge.Option
	interval   time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// entry tracks one endpoint key. done is closed once construction finished;
// afterwards exactly one of bridge and err is set.
type entry struct {
	done   chan struct{}
	bridge *bridge.Bridge
	err    error
}

// Option customises a registry.
type Option func(*Registry)

// WithLogger attaches a logger to the registry and its bridges.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithTelemetry attaches a telemetry collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(r *Registry) {
		if collector != nil {
			r.collector = collector
		}
	}
}

// WithPumpInterval sets the tick cadence used by Run.
func WithPumpInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBridgeOptions forwards additional options to every bridge the registry
// creates.
func WithBridgeOptions(opts ...bridge.Option) Option {
	return func(r *Registry) {
		r.bridgeOpts = append(r.bridgeOpts, opts...)
	}
}

// New builds a registry that creates connections through dial.
func New(dial transport.Dialer, opts ...Option) (*Registry, error) {
	if dial == nil {
		return nil, errors.New("registry: dialer must not be nil")
	}
	r := &Registry{
		dial:      dial,
		logger:    zerolog.Nop(),
		collector: telemetry.Noop(),
		interval:  defaultPumpInterval,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// GetOrCreate returns the bridge for endpoint, creating and connecting it if
// no entry exists. Concurrent calls for the same endpoint observe the same
// instance and trigger exactly one underlying connect; late callers block
// until the first caller's connect completed, so nobody ever receives a
// half-constructed bridge. A cancelled or failed construction rolls its entry
// back.
func (r *Registry) GetOrCreate(ctx context.Context, endpoint string) (*bridge.Bridge, error) {
	if endpoint == "" {
		return nil, errors.New("registry: endpoint must not be empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if e, ok := r.entries[endpoint]; ok {
		r.mu.Unlock()
		select {
		case <-e.done:
			if e.err != nil {
				return nil, e.err
			}
			return e.bridge, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := &entry{done: make(chan struct{})}
	r.entries[endpoint] = e
	r.mu.Unlock()

	br, err := r.connect(ctx, endpoint)
	if err != nil {
		e.err = err
		r.mu.Lock()
		if r.entries[endpoint] == e {
			delete(r.entries, endpoint)
		}
		r.mu.Unlock()
		close(e.done)
		return nil, err
	}
	e.bridge = br
	close(e.done)
	r.collector.SetActiveBridges(r.Len())
	r.logger.Info().Str("endpoint", endpoint).Msg("bridge created")
	return br, nil
}

func (r *Registry) connect(ctx context.Context, endpoint string) (*bridge.Bridge, error) {
	conn, err := r.dial(endpoint)
	if err != nil {
		return nil, fmt.Errorf("registry: dial %s: %w", endpoint, err)
	}
	opts := make([]bridge.Option, 0, len(r.bridgeOpts)+2)
	opts = append(opts, bridge.WithLogger(r.logger), bridge.WithTelemetry(r.collector))
	opts = append(opts, r.bridgeOpts...)
	return bridge.Dial(ctx, endpoint, conn, opts...)
}

// Tick performs one pump pass: every live bridge dispatches its queued
// transport events synchronously on the calling goroutine. Disposed or
// errored bridges are skipped and never stop the pass.
func (r *Registry) Tick() {
	r.mu.Lock()
	bridges := make([]*bridge.Bridge, 0, len(r.entries))
	for _, e := range r.entries {
		select {
		case <-e.done:
			if e.bridge != nil {
				bridges = append(bridges, e.bridge)
			}
		default:
			// Still connecting; nothing to dispatch yet.
		}
	}
	r.mu.Unlock()
	for _, br := range bridges {
		br.Dispatch()
	}
}

// Run drives Tick at the configured pump interval until ctx is cancelled.
// Hosts with their own per-frame scheduler call Tick directly instead.
func (r *Registry) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			err := ctx.Err()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		case <-timer.C:
			r.Tick()
		}
	}
}

// Release removes the entry for endpoint and closes its bridge. If the
// endpoint is still connecting, Release waits for the construction to finish
// before disposing it.
func (r *Registry) Release(endpoint string) error {
	r.mu.Lock()
	e, ok := r.entries[endpoint]
	if ok {
		delete(r.entries, endpoint)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("registry: endpoint %s not found", endpoint)
	}
	<-e.done
	r.collector.SetActiveBridges(r.Len())
	if e.bridge == nil {
		return nil
	}
	r.logger.Info().Str("endpoint", endpoint).Msg("bridge released")
	return e.bridge.Close()
}

// Close disposes every bridge and rejects further GetOrCreate calls.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var errs []error
	for endpoint, e := range entries {
		<-e.done
		if e.bridge == nil {
			continue
		}
		if err := e.bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bridge %s: %w", endpoint, err))
		}
	}
	r.collector.SetActiveBridges(0)
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Len reports the number of registered endpoints, including entries still
// connecting.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Endpoints returns the registered endpoint keys in sorted order.
func (r *Registry) Endpoints() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}
