package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bulk-task-dispatcher/internal/config"
	"bulk-task-dispatcher/internal/executor"
	"bulk-task-dispatcher/internal/storage"
	"bulk-task-dispatcher/internal/worker"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "dispatcher",
		Short:         "Bulk messaging task dispatcher",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	// Add subcommands
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration named by --config
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	store, err := storage.Open(ctx, storage.Settings{
		Driver:        cfg.Storage.Driver,
		SQLitePath:    cfg.Storage.SQLitePath,
		EtcdEndpoints: cfg.Storage.EtcdEndpoints,
		EtcdTimeout:   cfg.Storage.EtcdTimeout,
		PostgresDSN:   cfg.Storage.PostgresDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	return store, nil
}

func newReconciler(cfg *config.Config, store storage.Store, client *executor.Client) *worker.Reconciler {
	return worker.NewReconciler(store, client, worker.Config{
		Interval:     cfg.Reconcile.Interval,
		Timeout:      cfg.Executor.Timeout,
		Concurrency:  cfg.Reconcile.Concurrency,
		SkipTerminal: cfg.Reconcile.SkipTerminal,
	})
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation cycle against the execution platform and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			client, err := executor.NewClient(cfg.Executor.BaseURL, cfg.Executor.Timeout)
			if err != nil {
				return err
			}

			report := newReconciler(cfg, store, client).RunCycle(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), report)
			return report.Err
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	})
	return cmd
}
