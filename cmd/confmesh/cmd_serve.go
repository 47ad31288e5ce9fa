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
	"confmesh/internal/permission"
	"confmesh/internal/replica"
	"confmesh/internal/replication"
	"confmesh/internal/sdk"
	"confmesh/internal/service"
	"confmesh/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full node: write API, event bus and replica pipeline",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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
	st.SetNotifier(busClient)

	gate := permission.NewGate(st)
	configs := service.NewConfigs(st, gate, logger)
	proposals := service.NewProposals(st, configs, gate, logger)
	reader := sdk.New(rep, logger)
	server := api.NewServer(st, configs, proposals, reader, logger)

	busClient.Start(ctx)
	defer busClient.Stop()
	if err := pipeline.Start(ctx); err != nil {
		return err
	}
	defer pipeline.Stop()

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Router(),
		ReadTimeout:  config.Duration(cfg.Server.ReadTimeout, 0),
		WriteTimeout: config.Duration(cfg.Server.WriteTimeout, 0),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
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

// replicationOptions maps the config's duration strings onto the pipeline
// options; zero values fall through to the pipeline defaults.
func replicationOptions(rc config.ReplicaConfig) replication.Options {
	return replication.Options{
		PullInterval: config.Duration(rc.PullInterval, 0),
		StepInterval: config.Duration(rc.StepInterval, 0),
		StepEvents:   rc.StepEvents,
		DumpBatch:    rc.DumpBatch,
		IdleCutoff:   config.Duration(rc.ConsumerIdleCutoff, 0),
	}
}
