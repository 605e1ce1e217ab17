package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/config"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/events"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/events/kafka"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/history"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/history/postgres"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/lock"
	etcdlock "github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/lock/etcd"
	redislock "github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/lock/redis"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/metrics"
)

func setupLogger(appCfg config.Config) {
	level := config.LoggerLevelFromString(appCfg.LoggerLevel)
	if appCfg.LogFormat == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger().Level(level)
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
}

// loadAWSConfigs returns the OpsWorks config and the ELB config. OpsWorks
// has its own endpoint region.
func loadAWSConfigs(ctx context.Context, appCfg config.Config) (aws.Config, aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(appCfg.Region),
	}
	if appCfg.StaticCredentials() {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(appCfg.AccessKeyID, appCfg.SecretAccessKey, ""),
		))
	}
	elbCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	opsworksCfg := elbCfg.Copy()
	opsworksCfg.Region = appCfg.OpsWorksRegion
	return opsworksCfg, elbCfg, nil
}

func newGuard(appCfg config.Config) (*lock.Guard, func(), error) {
	switch appCfg.LockBackend {
	case config.LockBackendEtcd:
		locker, err := etcdlock.NewLocker(appCfg.EtcdEndpoints, etcdlock.DefaultPrefix, appCfg.LockTTL, log.Logger)
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			if err := locker.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close etcd client")
			}
		}
		return lock.NewGuard(locker, appCfg.LockName, appCfg.LockWaitTimeout, log.Logger), closer, nil
	case config.LockBackendRedis:
		locker, err := redislock.NewLocker(
			appCfg.RedisAddr,
			appCfg.RedisPassword,
			appCfg.RedisDB,
			appCfg.LockTTL,
			log.Logger,
		)
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			if err := locker.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close redis client")
			}
		}
		return lock.NewGuard(locker, appCfg.LockName, appCfg.LockWaitTimeout, log.Logger), closer, nil
	}
	return lock.Unlocked(log.Logger), func() {}, nil
}

type sinks struct {
	recorder  history.Recorder
	publisher events.Publisher
	metrics   metrics.Metrics

	closers    []func() error
	prometheus *metrics.Prometheus
}

// newSinks builds the optional run reporting outputs. Unset ones are no-ops.
func newSinks(ctx context.Context, appCfg config.Config, layerID string) (*sinks, error) {
	s := &sinks{
		recorder:  history.Nop{},
		publisher: events.Nop{},
	}

	if appCfg.HistoryDSN != "" {
		repo, err := postgres.NewRepo(ctx, appCfg.HistoryDSN, log.Logger)
		if err != nil {
			return nil, err
		}
		err = repo.Migrate(ctx)
		if err != nil {
			repo.Close()
			return nil, err
		}
		s.recorder = repo
		s.closers = append(s.closers, func() error {
			repo.Close()
			return nil
		})
	}

	if len(appCfg.KafkaBrokers) != 0 {
		publisher := kafka.NewPublisher(appCfg.KafkaBrokers, appCfg.KafkaTopic)
		s.publisher = publisher
		s.closers = append(s.closers, publisher.Close)
	}

	var metricSinks []metrics.Metrics
	if appCfg.StatsdAddr != "" {
		client := metrics.NewStatsd(layerID, appCfg.StatsdAddr)
		metricSinks = append(metricSinks, client)
		s.closers = append(s.closers, client.Close)
	}
	if appCfg.PushgatewayURL != "" {
		s.prometheus = metrics.NewPrometheus(appCfg.PushgatewayURL, layerID)
		metricSinks = append(metricSinks, s.prometheus)
	}
	s.metrics = metrics.Multi(metricSinks...)
	return s, nil
}

func (s *sinks) close(ctx context.Context) {
	if s.prometheus != nil {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.prometheus.Push(pushCtx); err != nil {
			log.Warn().Err(err).Msg("failed to push run metrics")
		}
	}
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("failed to close reporting sink")
		}
	}
}
