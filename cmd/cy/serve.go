package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/chunkyard/internal/api"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and job monitors",
		Long:  "Starts the upload API, resumes monitors for jobs left active by a previous run and sweeps expired jobs on schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chunkyard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Ping(ctx); err != nil {
		a.log.Warn("status store unreachable at startup", zap.Error(err))
	}
	if n, err := a.orch.Resume(ctx); err != nil {
		a.log.Warn("resume monitors", zap.Error(err))
	} else if n > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Resumed %d active job(s)\n", n)
	}

	go func() {
		if err := a.orch.RunSweeper(ctx, a.cfg.Monitor.SweepSchedule); err != nil {
			a.log.Error("sweeper", zap.Error(err))
		}
	}()

	if port <= 0 {
		port = a.cfg.Server.Port
	}
	return api.Start(ctx, api.StartOpts{
		Service:       a.orch,
		Port:          port,
		MaxUpload:     a.cfg.Server.MaxUpload,
		DefaultChunks: a.cfg.Monitor.DefaultChunks,
		Logger:        a.log.Named("api"),
		Out:           cmd.OutOrStdout(),
	})
}
