package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/config"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/history"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/history/postgres"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent rolling deploys of a layer",
	RunE: func(cmd *cobra.Command, args []string) error {
		layerID, _ := cmd.Flags().GetString("layer-id")
		limit, _ := cmd.Flags().GetUint64("limit")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		appCfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogger(appCfg)
		if appCfg.HistoryDSN == "" {
			return errors.New("HISTORY_DSN is not set, deploy history is not recorded")
		}

		repo, err := postgres.NewRepo(ctx, appCfg.HistoryDSN, log.Logger)
		if err != nil {
			return err
		}
		defer repo.Close()

		return printHistory(ctx, os.Stdout, repo, layerID, limit)
	},
}

func printHistory(ctx context.Context, out io.Writer, reader history.Reader, layerID string, limit uint64) error {
	runs, err := reader.RecentRuns(ctx, layerID, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintf(out, "No deploys recorded for layer %s\n", layerID)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tAPP\tSTATUS\tSTARTED\tDURATION\tINSTANCES")
	for _, run := range runs {
		instances := make([]string, 0, len(run.Instances))
		for _, inst := range run.Instances {
			instances = append(instances, fmt.Sprintf("%s:%s", inst.Hostname, inst.Status))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID,
			run.AppID,
			run.Status,
			run.StartedAt.Format(time.RFC3339),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Second),
			strings.Join(instances, ","),
		)
		if run.Error != "" {
			fmt.Fprintf(w, "\t\terror: %s\t\t\t\n", run.Error)
		}
	}
	return w.Flush()
}

func init() {
	historyCmd.Flags().String("layer-id", "", "OpsWorks layer id")
	historyCmd.Flags().Uint64("limit", 10, "number of runs to show")
	_ = historyCmd.MarkFlagRequired("layer-id")
}
