package elb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancing/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/models"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/poll"
)

const (
	stateInService    = "InService"
	stateOutOfService = "OutOfService"

	errCodeInvalidInstance = "InvalidInstance"
)

type API interface {
	DescribeLoadBalancers(
		ctx context.Context,
		params *elasticloadbalancing.DescribeLoadBalancersInput,
		optFns ...func(*elasticloadbalancing.Options),
	) (*elasticloadbalancing.DescribeLoadBalancersOutput, error)
	DeregisterInstancesFromLoadBalancer(
		ctx context.Context,
		params *elasticloadbalancing.DeregisterInstancesFromLoadBalancerInput,
		optFns ...func(*elasticloadbalancing.Options),
	) (*elasticloadbalancing.DeregisterInstancesFromLoadBalancerOutput, error)
	RegisterInstancesWithLoadBalancer(
		ctx context.Context,
		params *elasticloadbalancing.RegisterInstancesWithLoadBalancerInput,
		optFns ...func(*elasticloadbalancing.Options),
	) (*elasticloadbalancing.RegisterInstancesWithLoadBalancerOutput, error)
	DescribeInstanceHealth(
		ctx context.Context,
		params *elasticloadbalancing.DescribeInstanceHealthInput,
		optFns ...func(*elasticloadbalancing.Options),
	) (*elasticloadbalancing.DescribeInstanceHealthOutput, error)
}

// Client exposes classic load balancer membership calls as blocking operations.
type Client struct {
	api          API
	waitTimeout  time.Duration
	pollInterval time.Duration
	log          zerolog.Logger
}

func NewClient(api API, waitTimeout, pollInterval time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		api:          api,
		waitTimeout:  waitTimeout,
		pollInterval: pollInterval,
		log:          logger.With().Str("component", "elb").Logger(),
	}
}

func NewFromConfig(cfg aws.Config, waitTimeout, pollInterval time.Duration, logger zerolog.Logger) *Client {
	return NewClient(elasticloadbalancing.NewFromConfig(cfg), waitTimeout, pollInterval, logger)
}

func (c *Client) ListLoadBalancers(ctx context.Context) ([]models.LoadBalancer, error) {
	var (
		result = make([]models.LoadBalancer, 0, 16)
		input  = &elasticloadbalancing.DescribeLoadBalancersInput{}
	)
	for {
		out, err := c.api.DescribeLoadBalancers(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe load balancers: %w", err)
		}
		for _, desc := range out.LoadBalancerDescriptions {
			result = append(result, models.LoadBalancer{
				Name:    aws.ToString(desc.LoadBalancerName),
				Members: instanceIDs(desc.Instances),
			})
		}
		if aws.ToString(out.NextMarker) == "" {
			return result, nil
		}
		input.Marker = out.NextMarker
	}
}

func (c *Client) Deregister(ctx context.Context, lbName, infraID string) ([]string, error) {
	out, err := c.api.DeregisterInstancesFromLoadBalancer(ctx, &elasticloadbalancing.DeregisterInstancesFromLoadBalancerInput{
		LoadBalancerName: aws.String(lbName),
		Instances:        []elbtypes.Instance{{InstanceId: aws.String(infraID)}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deregister %s from %s: %w", infraID, lbName, err)
	}
	return instanceIDs(out.Instances), nil
}

func (c *Client) Register(ctx context.Context, lbName, infraID string) (models.Registration, error) {
	out, err := c.api.RegisterInstancesWithLoadBalancer(ctx, &elasticloadbalancing.RegisterInstancesWithLoadBalancerInput{
		LoadBalancerName: aws.String(lbName),
		Instances:        []elbtypes.Instance{{InstanceId: aws.String(infraID)}},
	})
	if err != nil {
		return models.Registration{}, fmt.Errorf("failed to register %s with %s: %w", infraID, lbName, err)
	}
	return models.Registration{
		LoadBalancer: lbName,
		Members:      instanceIDs(out.Instances),
	}, nil
}

// WaitUntilDeregistered blocks until the load balancer reports the instance
// out of service or no longer knows it.
func (c *Client) WaitUntilDeregistered(ctx context.Context, lbName, infraID string) error {
	return c.waitForState(ctx, "deregistration", lbName, infraID, func(state string, unknown bool) bool {
		return unknown || state == stateOutOfService
	})
}

// WaitUntilInService blocks until the instance is registered and healthy.
func (c *Client) WaitUntilInService(ctx context.Context, lbName, infraID string) error {
	return c.waitForState(ctx, "registration", lbName, infraID, func(state string, _ bool) bool {
		return state == stateInService
	})
}

func (c *Client) waitForState(
	ctx context.Context,
	operation string,
	lbName string,
	infraID string,
	done func(state string, unknown bool) bool,
) error {
	policy := poll.Policy{
		Timeout:  c.waitTimeout,
		Interval: c.pollInterval,
		OnWait: func(attempt uint, err error) {
			c.log.Debug().Err(err).Msgf("waiting for %s of %s on %s, attempt %d", operation, infraID, lbName, attempt+1)
		},
	}
	err := poll.Until(ctx, policy, func(ctx context.Context) error {
		state, unknown, err := c.instanceState(ctx, lbName, infraID)
		if err != nil {
			return err
		}
		if done(state, unknown) {
			return nil
		}
		return fmt.Errorf("instance %s state %q on %s: %w", infraID, state, lbName, poll.ErrNotReady)
	})
	if errors.Is(err, poll.ErrDeadlineExceeded) {
		return &models.WaitTimeoutError{
			Operation:    operation,
			LoadBalancer: lbName,
			InfraID:      infraID,
			Timeout:      c.waitTimeout,
		}
	}
	if err != nil {
		return fmt.Errorf("failed to wait for %s of %s on %s: %w", operation, infraID, lbName, err)
	}
	return nil
}

func (c *Client) instanceState(ctx context.Context, lbName, infraID string) (string, bool, error) {
	out, err := c.api.DescribeInstanceHealth(ctx, &elasticloadbalancing.DescribeInstanceHealthInput{
		LoadBalancerName: aws.String(lbName),
		Instances:        []elbtypes.Instance{{InstanceId: aws.String(infraID)}},
	})
	if isInvalidInstance(err) {
		return "", true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to describe instance health: %w", err)
	}
	for _, st := range out.InstanceStates {
		if aws.ToString(st.InstanceId) == infraID {
			return aws.ToString(st.State), false, nil
		}
	}
	return "", true, nil
}

func isInvalidInstance(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == errCodeInvalidInstance
}

func instanceIDs(instances []elbtypes.Instance) []string {
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	return ids
}
