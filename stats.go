// Use of this software is governed by an Apache 2.0
// licence which can be found in the license file

package objectcache

import (
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSink receives fire-and-forget cache counters. Failures of the sink
// never affect the cache.
type StatsSink interface {
	CacheHit()
	CacheMiss()
	ObjectCreated()
}

type noopStats struct{}

func (noopStats) CacheHit()      {}
func (noopStats) CacheMiss()     {}
func (noopStats) ObjectCreated() {}

// safeStats shields the cache from panicking sinks.
type safeStats struct {
	sink StatsSink
}

func (s safeStats) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("stats sink %s panicked: %v", name, r)
		}
	}()
	fn()
}

func (s safeStats) CacheHit()      { s.call("CacheHit", s.sink.CacheHit) }
func (s safeStats) CacheMiss()     { s.call("CacheMiss", s.sink.CacheMiss) }
func (s safeStats) ObjectCreated() { s.call("ObjectCreated", s.sink.ObjectCreated) }

// PrometheusStats exports the counters through a prometheus registry.
type PrometheusStats struct {
	registry *prometheus.Registry
	lookups  *prometheus.CounterVec
	created  prometheus.Counter
}

// NewPrometheusStats creates the counters and registers them with a private
// registry.
func NewPrometheusStats(namespace string) (*PrometheusStats, error) {
	s := &PrometheusStats{
		registry: prometheus.NewRegistry(),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "object_cache",
			Name:      "lookups_total",
			Help:      "Object lookups by cache result.",
		}, []string{"result"}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "object_cache",
			Name:      "objects_created_total",
			Help:      "Objects created through the cache.",
		}),
	}
	for _, c := range []prometheus.Collector{s.lookups, s.created} {
		if err := s.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Registry returns the registry to expose, e.g. through promhttp.
func (s *PrometheusStats) Registry() *prometheus.Registry {
	return s.registry
}

// CacheHit - see StatsSink.
func (s *PrometheusStats) CacheHit() {
	s.lookups.WithLabelValues("hit").Inc()
}

// CacheMiss - see StatsSink.
func (s *PrometheusStats) CacheMiss() {
	s.lookups.WithLabelValues("miss").Inc()
}

// ObjectCreated - see StatsSink.
func (s *PrometheusStats) ObjectCreated() {
	s.created.Inc()
}
