package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"confmesh/internal/api"
	"confmesh/internal/bus"
	"confmesh/internal/config"
	"confmesh/internal/replica"
	"confmesh/internal/replication"
	"confmesh/internal/sdk"
	"confmesh/internal/store"
)

var replicaCmd = &cobra.Command{
	Use:   "replica",
	Short: "Run a read-only replica node serving evaluations",
	Long: `replica keeps a local SQLite replica synchronized from the primary and
serves evaluations from it. The node exposes no write surface; writes go
to a node running "confmesh serve".`,
	RunE: runReplica,
}

func init() {
	rootCmd.AddCommand(replicaCmd)
}

func runReplica(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.DSN, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	rep, err := replica.Open(cfg.Replica.Path, logger)
	if err != nil {
		return err
	}
	defer rep.Close()

	pipeline := replication.New(st, rep, replicationOptions(cfg.Replica), logger)
	busClient := bus.New(cfg.Database.DSN, st.Pool(), pipeline.HandleEvent, logger)

	busClient.Start(ctx)
	defer busClient.Stop()
	if err := pipeline.Start(ctx); err != nil {
		return err
	}
	defer pipeline.Stop()

	server := api.NewServer(st, nil, nil, sdk.New(rep, logger), logger)
	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.ReadRouter(),
		ReadTimeout:  config.Duration(cfg.Server.ReadTimeout, 0),
		WriteTimeout: config.Duration(cfg.Server.WriteTimeout, 0),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("replica node listening", zap.String("addr", cfg.Server.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			config.Duration(cfg.Server.ShutdownTimeout, 0))
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
