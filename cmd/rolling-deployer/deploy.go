package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/config"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/elb"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/opsworks"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/orchestrator"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Roll an app deploy over every instance of a layer",
	RunE: func(cmd *cobra.Command, args []string) error {
		stackID, _ := cmd.Flags().GetString("stack-id")
		layerID, _ := cmd.Flags().GetString("layer-id")
		appID, _ := cmd.Flags().GetString("app-id")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		appCfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogger(appCfg)

		opsworksCfg, elbCfg, err := loadAWSConfigs(ctx, appCfg)
		if err != nil {
			return err
		}
		deployer := opsworks.NewFromConfig(opsworksCfg, appCfg.PollInterval, log.Logger)
		balancers := elb.NewFromConfig(elbCfg, appCfg.LBWaitTimeout, appCfg.PollInterval, log.Logger)

		guard, closeLock, err := newGuard(appCfg)
		if err != nil {
			return err
		}
		defer closeLock()

		sinks, err := newSinks(ctx, appCfg, layerID)
		if err != nil {
			return err
		}
		defer sinks.close(ctx)

		o := orchestrator.New(
			deployer,
			balancers,
			guard,
			log.Logger,
			orchestrator.WithDeployTimeout(appCfg.DeployTimeout),
			orchestrator.WithRecorder(sinks.recorder),
			orchestrator.WithPublisher(sinks.publisher),
			orchestrator.WithMetrics(sinks.metrics),
		)
		report, err := o.RollingDeploy(ctx, orchestrator.Request{
			StackID: stackID,
			LayerID: layerID,
			AppID:   appID,
		})
		log.Info().Msgf(
			"run %s: %d deployed, %d failed, %d skipped in %s",
			report.RunID,
			report.Count(orchestrator.StatusDeployed),
			report.Count(orchestrator.StatusFailed),
			report.Count(orchestrator.StatusSkipped),
			report.FinishedAt.Sub(report.StartedAt).Round(time.Second),
		)
		return err
	},
}

func init() {
	deployCmd.Flags().String("stack-id", "", "OpsWorks stack id")
	deployCmd.Flags().String("layer-id", "", "OpsWorks layer id whose instances are deployed")
	deployCmd.Flags().String("app-id", "", "OpsWorks app id to deploy")
	_ = deployCmd.MarkFlagRequired("stack-id")
	_ = deployCmd.MarkFlagRequired("layer-id")
	_ = deployCmd.MarkFlagRequired("app-id")
}
