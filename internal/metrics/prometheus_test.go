package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollectsSamples(t *testing.T) {
	p := NewPrometheus("http://127.0.0.1:0", "layer-1")

	p.Increment(InstanceDeployed)
	p.Increment(InstanceDeployed)
	p.Gauge(DetachedBalancers, 3)
	p.Duration(InstanceDuration, 90*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.counters[InstanceDeployed]))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.gauges[DetachedBalancers]))

	count, err := testutil.GatherAndCount(p.registry)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestPrometheusPushesToGateway(t *testing.T) {
	var (
		method string
		path   string
		body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPrometheus(srv.URL, "layer-1")
	p.Increment(RunSucceeded)

	require.NoError(t, p.Push(context.Background()))
	assert.Equal(t, http.MethodPut, method)
	assert.True(t, strings.HasPrefix(path, "/metrics/job/rolling_deployer/layer/layer-1"), path)
	assert.NotEmpty(t, body)
}

func TestPrometheusPushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewPrometheus(srv.URL, "layer-1")
	p.Increment(RunFailed)

	assert.Error(t, p.Push(context.Background()))
}

func TestMetricName(t *testing.T) {
	assert.Equal(t, "instance_reattach_failed", metricName(ReattachFailed))
	assert.Equal(t, "lock_wait", metricName("lock-wait"))
}

type countingSink struct {
	increments int
	durations  int
	gauges     int
}

func (c *countingSink) Increment(string)               { c.increments++ }
func (c *countingSink) Duration(string, time.Duration) { c.durations++ }
func (c *countingSink) Gauge(string, int)              { c.gauges++ }

func TestMultiFansOut(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	m := Multi(a, b)

	m.Increment(RunStarted)
	m.Duration(RunDuration, time.Second)
	m.Gauge(DetachedBalancers, 1)

	for _, s := range []*countingSink{a, b} {
		assert.Equal(t, 1, s.increments)
		assert.Equal(t, 1, s.durations)
		assert.Equal(t, 1, s.gauges)
	}
	assert.Equal(t, Nop{}, Multi())
	assert.Same(t, a, Multi(a))
}
