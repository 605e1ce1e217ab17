package orchestrator

import (
	"time"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/history"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/models"
)

type InstanceStatus string

const (
	StatusDeployed InstanceStatus = "deployed"
	StatusFailed   InstanceStatus = "failed"
	// StatusSkipped instances come after a failure and were never touched.
	StatusSkipped InstanceStatus = "skipped"
)

type Request struct {
	StackID string
	LayerID string
	AppID   string
}

func (r Request) Validate() error {
	switch {
	case r.StackID == "":
		return &models.ArgumentError{Field: "stack id", Reason: "must not be empty"}
	case r.LayerID == "":
		return &models.ArgumentError{Field: "layer id", Reason: "must not be empty"}
	case r.AppID == "":
		return &models.ArgumentError{Field: "app id", Reason: "must not be empty"}
	}
	return nil
}

type InstanceResult struct {
	Instance     models.Instance
	DeploymentID models.DeploymentID
	Detached     []string
	Status       InstanceStatus
	Err          error
}

// Report describes one rolling deploy run.
type Report struct {
	Request

	RunID      string
	Instances  []InstanceResult
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

func (r Report) Succeeded() bool {
	return r.Err == nil
}

func (r Report) Count(status InstanceStatus) int {
	n := 0
	for _, inst := range r.Instances {
		if inst.Status == status {
			n++
		}
	}
	return n
}

func (r Report) HistoryRun() history.Run {
	run := history.Run{
		ID:         r.RunID,
		StackID:    r.StackID,
		LayerID:    r.LayerID,
		AppID:      r.AppID,
		Status:     history.RunSucceeded,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Instances:  make([]history.InstanceOutcome, 0, len(r.Instances)),
	}
	if r.Err != nil {
		run.Status = history.RunFailed
		run.Error = r.Err.Error()
	}
	for i, inst := range r.Instances {
		outcome := history.InstanceOutcome{
			Position:      i,
			InstanceID:    string(inst.Instance.ID),
			Hostname:      inst.Instance.Hostname,
			DeploymentID:  string(inst.DeploymentID),
			LoadBalancers: inst.Detached,
			Status:        string(inst.Status),
		}
		if inst.Err != nil {
			outcome.Error = inst.Err.Error()
		}
		run.Instances = append(run.Instances, outcome)
	}
	return run
}
