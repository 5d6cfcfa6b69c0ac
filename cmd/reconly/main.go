package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	appconfig "github.com/reconly/reconly/config"
	"github.com/reconly/reconly/internal/feed"
	srv "github.com/reconly/reconly/internal/server"
)

func main() {
	var cfgPath string
	root := &cobra.Command{Use: "reconly"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.yaml")

	var serveAddr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server with the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return srv.Run(cfg, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")

	var dryRun bool
	var language string
	run := &cobra.Command{
		Use:   "run <feed-id>",
		Short: "Execute one feed run and print the summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			svc, cleanup, err := srv.BuildStandaloneEngine(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := feed.Options{
				Trigger:            "manual",
				DryRun:             dryRun,
				DelayBetween:       cfg.Feeds.DelayBetweenSources,
				MaxItemsPerSource:  cfg.Feeds.MaxItemsPerSource,
				MaxItemsAllSources: cfg.Feeds.MaxItemsAllSources,
				SnapshotMaxChars:   cfg.Feeds.SnapshotMaxChars,
				SaveSnapshots:      cfg.Feeds.SaveSnapshots,
				Language:           language,
			}
			sum, err := svc.RunFeed(context.Background(), args[0], opts)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(sum, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	run.Flags().BoolVar(&dryRun, "dry-run", false, "fetch and report without summarizing or persisting")
	run.Flags().StringVar(&language, "language", "", "override the feed language")

	var migDir, direction string
	var steps int
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return srv.Migrate(migDir, cfg.Databases.Postgres.DSN(), direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	root.AddCommand(serve, run, migrate)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
