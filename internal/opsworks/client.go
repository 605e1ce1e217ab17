package opsworks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/opsworks"
	opsworkstypes "github.com/aws/aws-sdk-go-v2/service/opsworks/types"
	"github.com/rs/zerolog"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/models"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/poll"
)

type API interface {
	DescribeInstances(
		ctx context.Context,
		params *opsworks.DescribeInstancesInput,
		optFns ...func(*opsworks.Options),
	) (*opsworks.DescribeInstancesOutput, error)
	CreateDeployment(
		ctx context.Context,
		params *opsworks.CreateDeploymentInput,
		optFns ...func(*opsworks.Options),
	) (*opsworks.CreateDeploymentOutput, error)
	DescribeDeployments(
		ctx context.Context,
		params *opsworks.DescribeDeploymentsInput,
		optFns ...func(*opsworks.Options),
	) (*opsworks.DescribeDeploymentsOutput, error)
}

type Client struct {
	api          API
	pollInterval time.Duration
	log          zerolog.Logger
}

func NewClient(api API, pollInterval time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		api:          api,
		pollInterval: pollInterval,
		log:          logger.With().Str("component", "opsworks").Logger(),
	}
}

func NewFromConfig(cfg aws.Config, pollInterval time.Duration, logger zerolog.Logger) *Client {
	return NewClient(opsworks.NewFromConfig(cfg), pollInterval, logger)
}

func (c *Client) ListInstances(ctx context.Context, layerID string) ([]models.Instance, error) {
	out, err := c.api.DescribeInstances(ctx, &opsworks.DescribeInstancesInput{
		LayerId: aws.String(layerID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instances of layer %s: %w", layerID, err)
	}
	instances := make([]models.Instance, 0, len(out.Instances))
	for _, inst := range out.Instances {
		instances = append(instances, models.Instance{
			ID:       models.InstanceID(aws.ToString(inst.InstanceId)),
			InfraID:  aws.ToString(inst.Ec2InstanceId),
			Hostname: aws.ToString(inst.Hostname),
		})
	}
	return instances, nil
}

func (c *Client) CreateDeployment(
	ctx context.Context,
	stackID string,
	appID string,
	instanceIDs []models.InstanceID,
	cmd models.DeployCommand,
) (models.DeploymentID, error) {
	ids := make([]string, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		ids = append(ids, string(id))
	}
	out, err := c.api.CreateDeployment(ctx, &opsworks.CreateDeploymentInput{
		StackId:     aws.String(stackID),
		AppId:       aws.String(appID),
		InstanceIds: ids,
		Command: &opsworkstypes.DeploymentCommand{
			Name: opsworkstypes.DeploymentCommandName(cmd.Name),
			Args: cmd.Args,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create deployment of app %s: %w", appID, err)
	}
	return models.DeploymentID(aws.ToString(out.DeploymentId)), nil
}

// WaitUntilDeploymentSucceeded polls without an attempt limit until the
// deployment succeeds, fails or timeout elapses.
func (c *Client) WaitUntilDeploymentSucceeded(ctx context.Context, id models.DeploymentID, timeout time.Duration) error {
	policy := poll.Policy{
		Timeout:  timeout,
		Interval: c.pollInterval,
		OnWait: func(attempt uint, err error) {
			c.log.Debug().Err(err).Msgf("deployment %s still in progress, attempt %d", id, attempt+1)
		},
	}
	err := poll.Until(ctx, policy, func(ctx context.Context) error {
		status, err := c.deploymentStatus(ctx, id)
		if err != nil {
			return err
		}
		switch status {
		case models.DeploymentSuccessful:
			return nil
		case models.DeploymentFailed:
			return &models.DeployFailedError{DeploymentID: id, Status: status}
		}
		return fmt.Errorf("deployment %s status %q: %w", id, status, poll.ErrNotReady)
	})
	if errors.Is(err, poll.ErrDeadlineExceeded) {
		return &models.DeployTimeoutError{DeploymentID: id, Timeout: timeout}
	}
	return err
}

func (c *Client) deploymentStatus(ctx context.Context, id models.DeploymentID) (models.DeploymentStatus, error) {
	out, err := c.api.DescribeDeployments(ctx, &opsworks.DescribeDeploymentsInput{
		DeploymentIds: []string{string(id)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe deployment %s: %w", id, err)
	}
	for _, d := range out.Deployments {
		if aws.ToString(d.DeploymentId) == string(id) {
			return models.DeploymentStatus(aws.ToString(d.Status)), nil
		}
	}
	return "", fmt.Errorf("deployment %s not found", id)
}
