package inmemory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/models"
)

type Outcome uint8

const (
	Succeed Outcome = iota
	Fail
	// Hang keeps the deployment running until the waiter gives up.
	Hang
)

// Call is one journal entry, recorded in the order calls were made.
type Call struct {
	Op           string
	LoadBalancer string
	Instance     string
}

const (
	OpListInstances     = "list-instances"
	OpListLoadBalancers = "list-load-balancers"
	OpDeregister        = "deregister"
	OpWaitDeregistered  = "wait-deregistered"
	OpRegister          = "register"
	OpWaitInService     = "wait-in-service"
	OpCreateDeployment  = "create-deployment"
	OpWaitDeployment    = "wait-deployment"
)

type deployment struct {
	instances []models.InstanceID
	outcome   Outcome
}

// Cloud simulates the deployment orchestrator and the load balancing
// service in one process.
type Cloud struct {
	mu *sync.Mutex

	layers      map[string][]models.Instance
	lbOrder     []string
	lbMembers   map[string][]string
	minMembers  map[string]int
	outcomes    map[models.InstanceID]Outcome
	deployments map[models.DeploymentID]*deployment
	deployed    map[models.InstanceID]int
	failures    map[string]error
	journal     []Call
}

func NewCloud() *Cloud {
	return &Cloud{
		mu:          &sync.Mutex{},
		layers:      make(map[string][]models.Instance),
		lbMembers:   make(map[string][]string),
		minMembers:  make(map[string]int),
		outcomes:    make(map[models.InstanceID]Outcome),
		deployments: make(map[models.DeploymentID]*deployment),
		deployed:    make(map[models.InstanceID]int),
		failures:    make(map[string]error),
	}
}

func (c *Cloud) AddInstance(layerID string, inst models.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layers[layerID] = append(c.layers[layerID], inst)
}

func (c *Cloud) AddLoadBalancer(name string, members ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.lbMembers[name]; !exists {
		c.lbOrder = append(c.lbOrder, name)
	}
	c.lbMembers[name] = slices.Clone(members)
	c.minMembers[name] = len(members)
}

func (c *Cloud) SetOutcome(id models.InstanceID, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[id] = outcome
}

// FailOn makes every call of op against target return err.
// target is a load balancer name or an instance id.
func (c *Cloud) FailOn(op, target string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op+"/"+target] = err
}

func (c *Cloud) Members(lbName string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.lbMembers[lbName])
}

// MinMembers is the smallest membership the load balancer ever had.
func (c *Cloud) MinMembers(lbName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minMembers[lbName]
}

func (c *Cloud) DeployCount(id models.InstanceID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deployed[id]
}

func (c *Cloud) Journal() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.journal)
}

func (c *Cloud) record(op, lb, instance string) error {
	c.journal = append(c.journal, Call{Op: op, LoadBalancer: lb, Instance: instance})
	target := lb
	if target == "" {
		target = instance
	}
	return c.failures[op+"/"+target]
}

func (c *Cloud) ListInstances(_ context.Context, layerID string) ([]models.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(OpListInstances, "", layerID); err != nil {
		return nil, err
	}
	return slices.Clone(c.layers[layerID]), nil
}

func (c *Cloud) CreateDeployment(
	_ context.Context,
	_ string,
	_ string,
	instanceIDs []models.InstanceID,
	_ models.DeployCommand,
) (models.DeploymentID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var target string
	if len(instanceIDs) == 1 {
		target = string(instanceIDs[0])
	}
	if err := c.record(OpCreateDeployment, "", target); err != nil {
		return "", err
	}
	id := models.DeploymentID(fmt.Sprintf("dep-%d", len(c.deployments)+1))
	outcome := Succeed
	for _, inst := range instanceIDs {
		outcome = max(outcome, c.outcomes[inst])
	}
	c.deployments[id] = &deployment{
		instances: slices.Clone(instanceIDs),
		outcome:   outcome,
	}
	return id, nil
}

func (c *Cloud) WaitUntilDeploymentSucceeded(ctx context.Context, id models.DeploymentID, timeout time.Duration) error {
	c.mu.Lock()
	d, ok := c.deployments[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("deployment %s not found", id)
	}
	err := c.record(OpWaitDeployment, "", string(id))
	if err != nil {
		c.mu.Unlock()
		return err
	}
	switch d.outcome {
	case Succeed:
		for _, inst := range d.instances {
			c.deployed[inst]++
		}
		c.mu.Unlock()
		return nil
	case Fail:
		c.mu.Unlock()
		return &models.DeployFailedError{DeploymentID: id, Status: models.DeploymentFailed}
	}
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return &models.DeployTimeoutError{DeploymentID: id, Timeout: timeout}
	}
}

func (c *Cloud) ListLoadBalancers(_ context.Context) ([]models.LoadBalancer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(OpListLoadBalancers, "", ""); err != nil {
		return nil, err
	}
	lbs := make([]models.LoadBalancer, 0, len(c.lbOrder))
	for _, name := range c.lbOrder {
		lbs = append(lbs, models.LoadBalancer{
			Name:    name,
			Members: slices.Clone(c.lbMembers[name]),
		})
	}
	return lbs, nil
}

func (c *Cloud) Deregister(_ context.Context, lbName, infraID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(OpDeregister, lbName, infraID); err != nil {
		return nil, err
	}
	members, ok := c.lbMembers[lbName]
	if !ok {
		return nil, fmt.Errorf("load balancer %s not found", lbName)
	}
	members = slices.DeleteFunc(members, func(m string) bool {
		return m == infraID
	})
	c.lbMembers[lbName] = members
	c.minMembers[lbName] = min(c.minMembers[lbName], len(members))
	return slices.Clone(members), nil
}

func (c *Cloud) Register(_ context.Context, lbName, infraID string) (models.Registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(OpRegister, lbName, infraID); err != nil {
		return models.Registration{}, err
	}
	members, ok := c.lbMembers[lbName]
	if !ok {
		return models.Registration{}, fmt.Errorf("load balancer %s not found", lbName)
	}
	if !slices.Contains(members, infraID) {
		members = append(members, infraID)
	}
	c.lbMembers[lbName] = members
	return models.Registration{LoadBalancer: lbName, Members: slices.Clone(members)}, nil
}

func (c *Cloud) WaitUntilDeregistered(_ context.Context, lbName, infraID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(OpWaitDeregistered, lbName, infraID); err != nil {
		return err
	}
	if slices.Contains(c.lbMembers[lbName], infraID) {
		return fmt.Errorf("instance %s is still registered with %s", infraID, lbName)
	}
	return nil
}

func (c *Cloud) WaitUntilInService(_ context.Context, lbName, infraID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(OpWaitInService, lbName, infraID); err != nil {
		return err
	}
	if !slices.Contains(c.lbMembers[lbName], infraID) {
		return fmt.Errorf("instance %s is not registered with %s", infraID, lbName)
	}
	return nil
}
