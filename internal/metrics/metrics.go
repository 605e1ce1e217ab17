package metrics

import "time"

const (
	RunStarted        = "run.started"
	RunSucceeded      = "run.succeeded"
	RunFailed         = "run.failed"
	RunDuration       = "run.duration"
	LockWait          = "lock.wait"
	InstanceDeployed  = "instance.deployed"
	InstanceFailed    = "instance.failed"
	InstanceDuration  = "instance.duration"
	DetachedBalancers = "instance.detached_balancers"
	ReattachFailed    = "instance.reattach_failed"
)

type Metrics interface {
	Increment(string)
	Duration(string, time.Duration)
	Gauge(string, int)
}

type Nop struct{}

func (Nop) Increment(string)               {}
func (Nop) Duration(string, time.Duration) {}
func (Nop) Gauge(string, int)              {}

type multi []Metrics

// Multi reports every sample to all of sinks.
func Multi(sinks ...Metrics) Metrics {
	switch len(sinks) {
	case 0:
		return Nop{}
	case 1:
		return sinks[0]
	}
	return multi(sinks)
}

func (m multi) Increment(metric string) {
	for _, s := range m {
		s.Increment(metric)
	}
}

func (m multi) Duration(metric string, d time.Duration) {
	for _, s := range m {
		s.Duration(metric, d)
	}
}

func (m multi) Gauge(metric string, value int) {
	for _, s := range m {
		s.Gauge(metric, value)
	}
}
