package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pricebook-sync-service/internal/api"
	"pricebook-sync-service/internal/logger"
	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/supervisor"
	"pricebook-sync-service/internal/sync"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, workers, scheduler and retry drain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	a, err := loadApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	logger.Log.Info("Starting pricebook sync service")

	if n, err := a.manager.Recover(ctx); err != nil {
		logger.Log.Error("Failed to recover interrupted jobs", zap.Error(err))
	} else if n > 0 {
		logger.Log.Info("Replaying interrupted jobs", zap.Int("jobs", n))
	}

	tree := supervisor.NewTree(supervisor.TreeConfig{ShutdownTimeout: cfg.Server.GetShutdownTimeout()})
	tree.AddSyncService(a.manager.Pool())
	tree.AddSyncService(sync.NewScheduler(cfg.Scheduler, a.manager))
	if cfg.Retry.Enabled {
		tree.AddSyncService(a.retry)
	}
	if cfg.Sync.Realtime {
		listener, err := sync.NewChangeListener(cfg.Database, a.engine)
		if err != nil {
			logger.Log.Warn("Realtime push disabled", zap.Error(err))
		} else {
			tree.AddSyncService(listener)
		}
	}

	handler := api.NewHandler(cfg.Server, a.manager, a.retry, a.analyzer)
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := &http.Server{
		Addr:         addr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.GetShutdownTimeout()))

	logger.Log.Info("Server listening", zap.String("addr", addr))
	err = tree.Serve(ctx)
	logger.Log.Info("Shutting down")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func newSyncCommand(configPath *string) *cobra.Command {
	var (
		entityType string
		scope      string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one pull in the foreground and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var jobs []*store.SyncJob
			if entityType == "" {
				jobs, err = a.manager.RunAll(ctx, store.JobScope(scope))
			} else {
				var job *store.SyncJob
				job, err = a.manager.Run(ctx, store.EntityType(entityType), store.JobScope(scope))
				if job != nil {
					jobs = append(jobs, job)
				}
			}
			for _, job := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tprocessed=%d failed=%d pages=%d\n",
					job.ID, job.EntityType, job.Status, job.Processed, job.Failed, job.Pages)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&entityType, "type", "t", "", "entity type to pull (default: every configured type)")
	cmd.Flags().StringVarP(&scope, "scope", "s", string(store.ScopeIncremental), "full or incremental")
	return cmd
}

func newRetryCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [pending-id...]",
		Short: "Retry pending entries now; with no ids, drain one due batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var res sync.RetryResult
			if len(args) == 0 {
				res, err = a.retry.Drain(ctx)
			} else {
				res, err = a.retry.RetryPending(ctx, args)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retried=%d failed=%d\n", res.Retried, res.Failed)
			return nil
		},
	}
}

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema is up to date (%s)\n", a.cfg.Database.Driver)
			return nil
		},
	}
}
