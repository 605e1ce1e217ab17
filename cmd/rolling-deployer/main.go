package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rolling-deployer",
	Short: "Zero-downtime rolling deploys of OpsWorks layers behind classic ELBs",
	Long: `rolling-deployer deploys an application to the instances of an OpsWorks
layer one instance at a time. Each instance is taken out of its load
balancers before its deploy and put back once it is in service again.

Configuration is read from the environment (LOCK_BACKEND, DEPLOY_TIMEOUT, ...).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Root().PersistentFlags().GetString("env-file")
		if envFile == "" {
			return nil
		}
		// variables already set in the environment win
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("env-file", "", "dotenv file with configuration variables")
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(historyCmd)
}
