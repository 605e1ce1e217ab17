package history

import (
	"context"
	"time"
)

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is the audit record of one rolling deploy.
type Run struct {
	ID         string
	StackID    string
	LayerID    string
	AppID      string
	Status     RunStatus
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Instances  []InstanceOutcome
}

type InstanceOutcome struct {
	Position      int
	InstanceID    string
	Hostname      string
	DeploymentID  string
	LoadBalancers []string
	Status        string
	Error         string
}

type Recorder interface {
	SaveRun(ctx context.Context, run Run) error
}

type Reader interface {
	RecentRuns(ctx context.Context, layerID string, limit uint64) ([]Run, error)
}

type Nop struct{}

func (Nop) SaveRun(context.Context, Run) error {
	return nil
}
