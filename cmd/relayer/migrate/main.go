package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/pkg/config"
	"github.com/chainsafe/bridge-relayer/pkg/migrations/relayerdb"
	"github.com/chainsafe/bridge-relayer/pkg/pgutil"
	mghelper "github.com/chainsafe/bridge-relayer/pkg/pgutil/migrations"
)

func main() {
	var cfgPath string
	cmd := &cobra.Command{
		Use:          "migrate [" + strings.Join(mghelper.Commands, "|") + "]",
		Short:        "Run migrations for the relayer database",
		Args:         cobra.MaximumNArgs(1),
		ValidArgs:    mghelper.Commands,
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, args []string) error {
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			return run(cfgPath, command)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "config.example.yaml", "Path to configuration file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfgPath, command string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("error reading configuration file: %w", err)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	db, err := pgutil.ConnectDB(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	logger.Info("Running migrations for relayer database",
		zap.String("database", cfg.Database.Database),
		zap.String("command", command))

	migrator := migrate.NewMigrator(db, relayerdb.Migrations)
	if command == "up" {
		// init is idempotent and up needs the bookkeeping tables
		if err := migrator.Init(ctx); err != nil {
			return err
		}
	}
	return mghelper.RunMigrations(ctx, logger, migrator, command)
}
