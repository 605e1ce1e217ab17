package drain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/models"
)

type LoadBalancerGateway interface {
	Deregister(ctx context.Context, lbName, infraID string) ([]string, error)
	Register(ctx context.Context, lbName, infraID string) (models.Registration, error)
	WaitUntilDeregistered(ctx context.Context, lbName, infraID string) error
	WaitUntilInService(ctx context.Context, lbName, infraID string) error
}

// Drainer takes one instance out of its load balancers for the duration
// of its deploy and puts it back afterwards.
type Drainer struct {
	gateway LoadBalancerGateway
	log     zerolog.Logger
}

func NewDrainer(gateway LoadBalancerGateway, logger zerolog.Logger) *Drainer {
	return &Drainer{
		gateway: gateway,
		log:     logger.With().Str("component", "drainer").Logger(),
	}
}

// ComputeDetachSet selects load balancers the instance is attached to that
// keep at least one other member while it is away.
func (d *Drainer) ComputeDetachSet(instance models.Instance, all []models.LoadBalancer) ([]models.LoadBalancer, error) {
	if err := checkArguments(instance, all); err != nil {
		return nil, err
	}
	result := make([]models.LoadBalancer, 0, len(all))
	for _, lb := range all {
		if !lb.HasMember(instance.InfraID) {
			continue
		}
		if len(lb.Members) == 1 {
			d.log.Warn().Msgf(
				"will not detach %s from load balancer %s because it is the only instance connected",
				instance.InfraID, lb.Name,
			)
			continue
		}
		result = append(result, lb)
	}
	return result, nil
}

// Detach deregisters the instance from every load balancer in set and waits
// until each confirms. The returned slice lists every load balancer a
// deregister was issued for, also on error, and is the exact restore set.
func (d *Drainer) Detach(ctx context.Context, instance models.Instance, set []models.LoadBalancer) ([]models.LoadBalancer, error) {
	if err := checkArguments(instance, set); err != nil {
		return nil, err
	}
	if len(set) == 0 {
		d.log.Info().Msgf("no load balancers found for instance %s", instance.InfraID)
		return nil, nil
	}

	detached := make([]models.LoadBalancer, 0, len(set))
	for _, lb := range set {
		detached = append(detached, lb)
		remaining, err := d.gateway.Deregister(ctx, lb.Name, instance.InfraID)
		if err != nil {
			return detached, err
		}
		d.log.Info().Msgf(
			"will detach instance %s from %s (remaining attached instances: %s)",
			instance.InfraID, lb.Name, strings.Join(remaining, ", "),
		)
	}
	for _, lb := range detached {
		err := d.gateway.WaitUntilDeregistered(ctx, lb.Name, instance.InfraID)
		if err != nil {
			return detached, err
		}
		d.log.Info().Msgf("✓ detached from %s", lb.Name)
	}
	return detached, nil
}

// Reattach registers the instance with every load balancer in detached and
// waits until it is in service. Every load balancer is attempted; failures
// are joined.
func (d *Drainer) Reattach(
	ctx context.Context,
	instance models.Instance,
	detached []models.LoadBalancer,
) (map[string]models.Registration, error) {
	if err := checkArguments(instance, detached); err != nil {
		return nil, err
	}
	registrations := make(map[string]models.Registration, len(detached))
	if len(detached) == 0 {
		d.log.Info().Msg("no load balancers to attach to")
		return registrations, nil
	}

	var (
		errs       []error
		registered = make([]models.LoadBalancer, 0, len(detached))
	)
	for _, lb := range detached {
		reg, err := d.gateway.Register(ctx, lb.Name, instance.InfraID)
		if err != nil {
			d.log.Error().Err(err).Msgf("failed to re-attach %s to %s", instance.InfraID, lb.Name)
			errs = append(errs, err)
			continue
		}
		registrations[lb.Name] = reg
		registered = append(registered, lb)
	}

	d.log.Info().Msgf("re-attaching instance %s to all load balancers", instance.InfraID)
	for _, lb := range registered {
		err := d.gateway.WaitUntilInService(ctx, lb.Name, instance.InfraID)
		if err != nil {
			d.log.Error().Err(err).Msgf("instance %s is not in service on %s", instance.InfraID, lb.Name)
			errs = append(errs, err)
			continue
		}
		d.log.Info().Msgf("✓ re-attached to %s", lb.Name)
	}
	if len(errs) != 0 {
		return registrations, fmt.Errorf("failed to re-attach %s: %w", instance.InfraID, errors.Join(errs...))
	}
	return registrations, nil
}

func checkArguments(instance models.Instance, lbs []models.LoadBalancer) error {
	if err := instance.Validate(); err != nil {
		return err
	}
	return models.ValidateLoadBalancers(lbs)
}
