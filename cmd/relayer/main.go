package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chainsafe/bridge-relayer/pkg/app"
	relayerapp "github.com/chainsafe/bridge-relayer/pkg/app/relayer"
	"github.com/chainsafe/bridge-relayer/pkg/config"
	"github.com/chainsafe/bridge-relayer/pkg/reconciler"
)

const (
	flagConfig       = "config"
	flagFailedWindow = "failed-window"
	flagAutomatic    = "automatic"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "relayer",
		Short:        "Relays lock and burn events between EVM chains",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String(flagConfig, "config.yaml", "Path to configuration file")
	cmd.AddCommand(serveCmd(), reconcileCmd())
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Watch the configured chains and relay transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var runner app.Runner = relayerapp.NewServer(cfg)
			return runner.Run()
		},
	}
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print its report",
		Long: "Resumes pending transfers and, with --failed-window, retries transfers that failed within the window. " +
			"Permanent failures and transfers out of retries are retried too unless --automatic is set.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			window, err := cmd.Flags().GetDuration(flagFailedWindow)
			if err != nil {
				return err
			}
			automatic, err := cmd.Flags().GetBool(flagAutomatic)
			if err != nil {
				return err
			}

			report, err := relayerapp.NewServer(cfg).Reconcile(reconciler.Options{
				Reason:       "cli",
				FailedWindow: window,
				Manual:       !automatic,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().Duration(flagFailedWindow, 24*time.Hour, "retry transfers that failed within this window (0 disables the failed pass)")
	cmd.Flags().Bool(flagAutomatic, false, "respect the automatic retry budget")
	return cmd
}
