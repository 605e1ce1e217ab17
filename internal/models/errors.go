package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLockTimeout     = errors.New("deploy lock timeout")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDeployTimeout   = errors.New("deploy timeout")
	ErrDeployFailed    = errors.New("deploy failed")
	ErrWaitTimeout     = errors.New("wait timeout")
)

type LockTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("could not get deploy lock %q within %s", e.Name, e.Timeout)
}

func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

type ArgumentError struct {
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// DeployTimeoutError means this process stopped waiting. The remote
// deployment may still be running and may still conclude either way.
type DeployTimeoutError struct {
	DeploymentID DeploymentID
	InstanceID   InstanceID
	Timeout      time.Duration
}

func (e *DeployTimeoutError) Error() string {
	return fmt.Sprintf(
		"deployment %s on instance %s did not succeed within %s",
		e.DeploymentID, e.InstanceID, e.Timeout,
	)
}

func (e *DeployTimeoutError) Is(target error) bool {
	return target == ErrDeployTimeout
}

type DeployFailedError struct {
	DeploymentID DeploymentID
	InstanceID   InstanceID
	Status       DeploymentStatus
}

func (e *DeployFailedError) Error() string {
	return fmt.Sprintf(
		"deployment %s on instance %s finished with status %q",
		e.DeploymentID, e.InstanceID, e.Status,
	)
}

func (e *DeployFailedError) Is(target error) bool {
	return target == ErrDeployFailed
}

// WaitTimeoutError is returned when a load balancer membership change
// was not confirmed in time.
type WaitTimeoutError struct {
	Operation    string
	LoadBalancer string
	InfraID      string
	Timeout      time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf(
		"%s of %s on load balancer %s not confirmed within %s",
		e.Operation, e.InfraID, e.LoadBalancer, e.Timeout,
	)
}

func (e *WaitTimeoutError) Is(target error) bool {
	return target == ErrWaitTimeout
}
