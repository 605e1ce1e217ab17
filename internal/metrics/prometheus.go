package metrics

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	namespace = "rolling_deployer"
	pushJob   = "rolling_deployer"
)

// Prometheus collects samples for one short-lived run and pushes them
// to a push gateway when the run ends.
type Prometheus struct {
	mu         sync.Mutex
	registry   *prometheus.Registry
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
	gauges     map[string]prometheus.Gauge

	pusher *push.Pusher
}

func NewPrometheus(gatewayURL string, layerID string) *Prometheus {
	registry := prometheus.NewRegistry()
	return &Prometheus{
		registry:   registry,
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
		gauges:     make(map[string]prometheus.Gauge),
		pusher: push.New(gatewayURL, pushJob).
			Gatherer(registry).
			Grouping("layer", layerID),
	}
}

func (p *Prometheus) Increment(metric string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.counters[metric]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      metricName(metric) + "_total",
			Help:      "Count of " + metric + " events",
		})
		p.registry.MustRegister(c)
		p.counters[metric] = c
	}
	c.Inc()
}

func (p *Prometheus) Duration(metric string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.histograms[metric]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      metricName(metric) + "_seconds",
			Help:      "Duration of " + metric,
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		})
		p.registry.MustRegister(h)
		p.histograms[metric] = h
	}
	h.Observe(d.Seconds())
}

func (p *Prometheus) Gauge(metric string, value int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.gauges[metric]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      metricName(metric),
			Help:      "Last value of " + metric,
		})
		p.registry.MustRegister(g)
		p.gauges[metric] = g
	}
	g.Set(float64(value))
}

func (p *Prometheus) Push(ctx context.Context) error {
	err := p.pusher.PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

func metricName(metric string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(metric)
}
