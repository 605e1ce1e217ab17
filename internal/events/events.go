package events

import (
	"context"
	"time"
)

type Phase string

const (
	RunStarted       Phase = "run-started"
	InstanceStarted  Phase = "instance-started"
	InstanceDetached Phase = "instance-detached"
	DeployStarted    Phase = "deploy-started"
	DeployFinished   Phase = "deploy-finished"
	InstanceRestored Phase = "instance-restored"
	InstanceDone     Phase = "instance-done"
	RunSucceeded     Phase = "run-succeeded"
	RunFailed        Phase = "run-failed"
)

// Event is one phase transition of a rolling deploy run.
type Event struct {
	RunID         string    `json:"run_id"`
	Phase         Phase     `json:"phase"`
	StackID       string    `json:"stack_id"`
	LayerID       string    `json:"layer_id"`
	AppID         string    `json:"app_id"`
	InstanceID    string    `json:"instance_id,omitempty"`
	Hostname      string    `json:"hostname,omitempty"`
	DeploymentID  string    `json:"deployment_id,omitempty"`
	LoadBalancers []string  `json:"load_balancers,omitempty"`
	Error         string    `json:"error,omitempty"`
	Time          time.Time `json:"time"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error {
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.Events = append(r.Events, ev)
	return nil
}

func (r *Recorder) Phases() []Phase {
	phases := make([]Phase, 0, len(r.Events))
	for _, ev := range r.Events {
		phases = append(phases, ev.Phase)
	}
	return phases
}
