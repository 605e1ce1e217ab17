package models

import "slices"

type InstanceID string

type DeploymentID string

// Instance is a snapshot of one layer member taken at the start of a run.
type Instance struct {
	ID       InstanceID
	InfraID  string
	Hostname string
}

func (i Instance) Validate() error {
	if i.ID == "" {
		return &ArgumentError{Field: "instance.id", Reason: "must not be empty"}
	}
	if i.InfraID == "" {
		return &ArgumentError{Field: "instance.infra_id", Reason: "must not be empty"}
	}
	return nil
}

// DisplayName prefers hostname, falls back to the instance id.
func (i Instance) DisplayName() string {
	if i.Hostname != "" {
		return i.Hostname
	}
	return string(i.ID)
}

// LoadBalancer holds the infra ids of currently attached instances.
type LoadBalancer struct {
	Name    string
	Members []string
}

func (lb LoadBalancer) Validate() error {
	if lb.Name == "" {
		return &ArgumentError{Field: "load_balancer.name", Reason: "must not be empty"}
	}
	for _, member := range lb.Members {
		if member == "" {
			return &ArgumentError{
				Field:  "load_balancer.members",
				Reason: "load balancer " + lb.Name + " has empty member id",
			}
		}
	}
	return nil
}

func (lb LoadBalancer) HasMember(infraID string) bool {
	return slices.Contains(lb.Members, infraID)
}

func ValidateLoadBalancers(lbs []LoadBalancer) error {
	for _, lb := range lbs {
		if err := lb.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func LoadBalancerNames(lbs []LoadBalancer) []string {
	names := make([]string, 0, len(lbs))
	for _, lb := range lbs {
		names = append(names, lb.Name)
	}
	return names
}

// Registration is what the load balancer reported after a register call.
type Registration struct {
	LoadBalancer string
	Members      []string
}

type DeployCommand struct {
	Name string
	Args map[string][]string
}

// DeployWithMigrations is the only command issued by the deployer.
func DeployWithMigrations() DeployCommand {
	return DeployCommand{
		Name: "deploy",
		Args: map[string][]string{
			"migrate": {"true"},
		},
	}
}

type DeploymentStatus string

const (
	DeploymentRunning    DeploymentStatus = "running"
	DeploymentSuccessful DeploymentStatus = "successful"
	DeploymentFailed     DeploymentStatus = "failed"
)
