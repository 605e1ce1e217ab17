package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/drain"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/events"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/history"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/lock"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/metrics"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/models"
)

const (
	DefaultDeployTimeout = 30 * time.Minute

	sideEffectTimeout = 10 * time.Second
)

type DeploymentGateway interface {
	ListInstances(ctx context.Context, layerID string) ([]models.Instance, error)
	CreateDeployment(
		ctx context.Context,
		stackID string,
		appID string,
		instanceIDs []models.InstanceID,
		cmd models.DeployCommand,
	) (models.DeploymentID, error)
	WaitUntilDeploymentSucceeded(ctx context.Context, id models.DeploymentID, timeout time.Duration) error
}

type LoadBalancerGateway interface {
	drain.LoadBalancerGateway
	ListLoadBalancers(ctx context.Context) ([]models.LoadBalancer, error)
}

type Option func(o *Orchestrator)

func WithDeployTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.deployTimeout = timeout
	}
}

func WithRecorder(recorder history.Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = recorder
	}
}

func WithPublisher(publisher events.Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

func WithMetrics(m metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// Orchestrator deploys an application to the instances of a layer one
// instance at a time, keeping each out of its load balancers while it
// is being deployed.
type Orchestrator struct {
	deployer  DeploymentGateway
	balancers LoadBalancerGateway
	drainer   *drain.Drainer
	guard     *lock.Guard

	deployTimeout time.Duration
	recorder      history.Recorder
	publisher     events.Publisher
	metrics       metrics.Metrics

	log zerolog.Logger
	now func() time.Time
}

func New(
	deployer DeploymentGateway,
	balancers LoadBalancerGateway,
	guard *lock.Guard,
	logger zerolog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		deployer:      deployer,
		balancers:     balancers,
		drainer:       drain.NewDrainer(balancers, logger),
		guard:         guard,
		deployTimeout: DefaultDeployTimeout,
		recorder:      history.Nop{},
		publisher:     events.Nop{},
		metrics:       metrics.Nop{},
		log:           logger.With().Str("component", "orchestrator").Logger(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type run struct {
	id  string
	req Request
	log zerolog.Logger
}

// RollingDeploy runs the whole layer deploy under the deploy lock. On
// failure the remaining instances are reported as skipped and left alone.
func (o *Orchestrator) RollingDeploy(ctx context.Context, req Request) (Report, error) {
	if err := req.Validate(); err != nil {
		return Report{Request: req}, err
	}
	r := &run{
		id:  uuid.NewString(),
		req: req,
	}
	r.log = o.log.With().Str("run_id", r.id).Str("layer_id", req.LayerID).Logger()

	report := Report{
		Request:   req,
		RunID:     r.id,
		StartedAt: o.now(),
	}
	o.metrics.Increment(metrics.RunStarted)

	waitStart := o.now()
	results, err := lock.WithLock(ctx, o.guard, func(ctx context.Context) ([]InstanceResult, error) {
		o.metrics.Duration(metrics.LockWait, o.now().Sub(waitStart))
		o.publish(ctx, r, events.Event{Phase: events.RunStarted})
		return o.deployLayer(ctx, r)
	})

	report.Instances = results
	report.FinishedAt = o.now()
	report.Err = err
	o.finish(ctx, r, report)
	return report, err
}

func (o *Orchestrator) deployLayer(ctx context.Context, r *run) ([]InstanceResult, error) {
	instances, err := o.deployer.ListInstances(ctx, r.req.LayerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances of layer %s: %w", r.req.LayerID, err)
	}
	if len(instances) == 0 {
		r.log.Warn().Msgf("layer %s has no instances, nothing to deploy", r.req.LayerID)
		return nil, nil
	}
	r.log.Info().Msgf("deploying app %s to %d instances", r.req.AppID, len(instances))

	results := make([]InstanceResult, 0, len(instances))
	for i, inst := range instances {
		res, err := o.deployInstance(ctx, r, inst)
		results = append(results, res)
		if err != nil {
			for _, rest := range instances[i+1:] {
				results = append(results, InstanceResult{Instance: rest, Status: StatusSkipped})
			}
			if skipped := len(instances) - i - 1; skipped > 0 {
				r.log.Warn().Msgf("stopping rolling deploy, %d instances left untouched", skipped)
			}
			return results, fmt.Errorf("instance %s (%s): %w", inst.ID, inst.Hostname, err)
		}
	}
	return results, nil
}

func (o *Orchestrator) deployInstance(ctx context.Context, r *run, inst models.Instance) (res InstanceResult, err error) {
	res = InstanceResult{Instance: inst, Status: StatusFailed}
	started := o.now()
	log := r.log.With().Str("instance_id", string(inst.ID)).Str("hostname", inst.Hostname).Logger()

	log.Info().Msgf("=== Starting deploy for %s ===", inst.DisplayName())
	o.publish(ctx, r, instanceEvent(events.InstanceStarted, inst))

	defer func() {
		res.Err = err
		if err == nil {
			res.Status = StatusDeployed
			o.metrics.Increment(metrics.InstanceDeployed)
			log.Info().Msgf("=== Done deploying on %s ===", inst.DisplayName())
		} else {
			o.metrics.Increment(metrics.InstanceFailed)
			log.Error().Err(err).Msgf("deploy on %s failed", inst.DisplayName())
		}
		o.metrics.Duration(metrics.InstanceDuration, o.now().Sub(started))

		done := instanceEvent(events.InstanceDone, inst)
		done.DeploymentID = string(res.DeploymentID)
		if err != nil {
			done.Error = err.Error()
		}
		o.publish(context.WithoutCancel(ctx), r, done)
	}()

	all, err := o.balancers.ListLoadBalancers(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list load balancers: %w", err)
	}
	set, err := o.drainer.ComputeDetachSet(inst, all)
	if err != nil {
		return res, err
	}

	detached, err := o.drainer.Detach(ctx, inst, set)
	defer func() {
		// the instance goes back into service even if the caller gave up
		restoreCtx := context.WithoutCancel(ctx)
		if _, reErr := o.drainer.Reattach(restoreCtx, inst, detached); reErr != nil {
			o.metrics.Increment(metrics.ReattachFailed)
			err = errors.Join(err, reErr)
		} else if len(detached) != 0 {
			o.publish(restoreCtx, r, instanceEvent(events.InstanceRestored, inst, detached...))
		}
		res.Detached = models.LoadBalancerNames(detached)
	}()
	if err != nil {
		return res, fmt.Errorf("failed to detach from load balancers: %w", err)
	}
	o.metrics.Gauge(metrics.DetachedBalancers, len(detached))
	if len(detached) != 0 {
		o.publish(ctx, r, instanceEvent(events.InstanceDetached, inst, detached...))
	}

	o.publish(ctx, r, instanceEvent(events.DeployStarted, inst))
	res.DeploymentID, err = o.DeploySingleInstance(ctx, r.req.StackID, r.req.AppID, inst.ID, o.deployTimeout)
	finished := instanceEvent(events.DeployFinished, inst)
	finished.DeploymentID = string(res.DeploymentID)
	if err != nil {
		finished.Error = err.Error()
	}
	o.publish(ctx, r, finished)
	return res, err
}

// DeploySingleInstance creates a deployment with migrations for exactly
// one instance and blocks until it succeeds, fails or timeout elapses.
func (o *Orchestrator) DeploySingleInstance(
	ctx context.Context,
	stackID string,
	appID string,
	instanceID models.InstanceID,
	timeout time.Duration,
) (models.DeploymentID, error) {
	if instanceID == "" {
		return "", &models.ArgumentError{Field: "instance id", Reason: "must not be empty"}
	}
	id, err := o.deployer.CreateDeployment(
		ctx,
		stackID,
		appID,
		[]models.InstanceID{instanceID},
		models.DeployWithMigrations(),
	)
	if err != nil {
		return "", err
	}
	o.log.Info().Msgf("Deploy process running (id: %s)", id)

	err = o.deployer.WaitUntilDeploymentSucceeded(ctx, id, timeout)
	if err != nil {
		return id, withInstance(err, instanceID)
	}
	o.log.Info().Msg("✓ deploy completed")
	return id, nil
}

func withInstance(err error, instanceID models.InstanceID) error {
	var timeoutErr *models.DeployTimeoutError
	if errors.As(err, &timeoutErr) && timeoutErr.InstanceID == "" {
		timeoutErr.InstanceID = instanceID
	}
	var failedErr *models.DeployFailedError
	if errors.As(err, &failedErr) && failedErr.InstanceID == "" {
		failedErr.InstanceID = instanceID
	}
	return err
}

func (o *Orchestrator) finish(ctx context.Context, r *run, report Report) {
	o.metrics.Duration(metrics.RunDuration, report.FinishedAt.Sub(report.StartedAt))
	final := events.Event{Phase: events.RunSucceeded}
	if report.Err != nil {
		o.metrics.Increment(metrics.RunFailed)
		final.Phase = events.RunFailed
		final.Error = report.Err.Error()
		r.log.Error().Err(report.Err).Msgf(
			"rolling deploy failed: %d deployed, %d failed, %d skipped",
			report.Count(StatusDeployed), report.Count(StatusFailed), report.Count(StatusSkipped),
		)
	} else {
		o.metrics.Increment(metrics.RunSucceeded)
		r.log.Info().Msgf("rolling deploy finished, %d instances deployed", report.Count(StatusDeployed))
	}
	o.publish(ctx, r, final)

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := o.recorder.SaveRun(recordCtx, report.HistoryRun()); err != nil {
		r.log.Warn().Err(err).Msg("failed to record deploy history")
	}
}

// publish logs and drops delivery errors.
func (o *Orchestrator) publish(ctx context.Context, r *run, ev events.Event) {
	ev.RunID = r.id
	ev.StackID = r.req.StackID
	ev.LayerID = r.req.LayerID
	ev.AppID = r.req.AppID
	ev.Time = o.now()

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := o.publisher.Publish(pubCtx, ev); err != nil {
		r.log.Warn().Err(err).Msgf("failed to publish %s event", ev.Phase)
	}
}

func instanceEvent(phase events.Phase, inst models.Instance, lbs ...models.LoadBalancer) events.Event {
	ev := events.Event{
		Phase:      phase,
		InstanceID: string(inst.ID),
		Hostname:   inst.Hostname,
	}
	if len(lbs) != 0 {
		ev.LoadBalancers = models.LoadBalancerNames(lbs)
	}
	return ev
}
