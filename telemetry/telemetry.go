// Package telemetry defines the metrics hooks emitted by the bridge and
// registry.
package telemetry

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by bridges and the registry.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the pump and publish paths.
type Collector interface {
	// IncConnect counts a successfully established connection.
	IncConnect(endpoint string)
	// IncEvent counts one dispatched transport event per kind
	// (opened, received, errored, closed).
	IncEvent(endpoint, kind string)
	// IncPublish counts an accepted outbound message.
	IncPublish(endpoint string)
	// SetActiveBridges records the number of live registry entries.
	SetActiveBridges(count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncConnect(string)       {}
func (noopCollector) IncEvent(string, string) {}
func (noopCollector) IncPublish(string)       {}
func (noopCollector) SetActiveBridges(int)    {}

// PrometheusCollector exposes bridge and registry counters via Prometheus.
type PrometheusCollector struct {
	connects  *prometheus.CounterVec
	events    *prometheus.CounterVec
	publishes *prometheus.CounterVec
	active    prometheus.Gauge
}

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Metrics that are already registered are reused, so repeated
// construction against the same registerer is safe.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	connects, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "wsbridge_connects_total",
		Help: "Number of successfully established transport connections per endpoint.",
	}, []string{"endpoint"})
	if err != nil {
		return nil, err
	}
	events, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "wsbridge_events_total",
		Help: "Number of transport events dispatched into bridge streams.",
	}, []string{"endpoint", "kind"})
	if err != nil {
		return nil, err
	}
	publishes, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "wsbridge_publishes_total",
		Help: "Number of outbound messages accepted by the transport.",
	}, []string{"endpoint"})
	if err != nil {
		return nil, err
	}
	active, err := registerGauge(reg, prometheus.GaugeOpts{
		Name: "wsbridge_active_bridges",
		Help: "Number of live bridges tracked by the registry.",
	})
	if err != nil {
		return nil, err
	}
	return &PrometheusCollector{
		connects:  connects,
		events:    events,
		publishes: publishes,
		active:    active,
	}, nil
}

// IncConnect implements Collector.
func (c *PrometheusCollector) IncConnect(endpoint string) {
	if c == nil {
		return
	}
	c.connects.WithLabelValues(endpoint).Inc()
}

// IncEvent implements Collector.
func (c *PrometheusCollector) IncEvent(endpoint, kind string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(endpoint, kind).Inc()
}

// IncPublish implements Collector.
func (c *PrometheusCollector) IncPublish(endpoint string) {
	if c == nil {
		return
	}
	c.publishes.WithLabelValues(endpoint).Inc()
}

// SetActiveBridges implements Collector.
func (c *PrometheusCollector) SetActiveBridges(count int) {
	if c == nil {
		return
	}
	c.active.Set(float64(count))
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	vec := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) (prometheus.Gauge, error) {
	gauge := prometheus.NewGauge(opts)
	if err := reg.Register(gauge); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}
