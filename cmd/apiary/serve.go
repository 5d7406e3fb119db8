package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apiaryhq/apiary/pkg/api"
	"github.com/apiaryhq/apiary/pkg/config"
	"github.com/apiaryhq/apiary/pkg/log"
	"github.com/apiaryhq/apiary/pkg/orchestrator"
	"github.com/apiaryhq/apiary/pkg/runtime"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and gateway",
	Long: `Start the Apiary orchestrator: recover the inflight spool, watch agent
outboxes, and serve the HTTP gateway with the realtime event stream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		socketPath, _ := cmd.Flags().GetString("containerd-socket")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: true,
		})
		logger := log.WithComponent("serve")

		rt, err := runtime.NewContainerdRuntime(socketPath)
		if err != nil {
			return err
		}
		defer rt.Close()

		orch, err := orchestrator.New(cfg, rt)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if err := orch.Start(ctx); err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           api.NewServer(orch).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", cfg.ListenAddr).Msg("gateway listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("gateway failed")
			orch.Stop(context.Background())
			return err
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("gateway shutdown failed")
		}
		orch.Stop(shutdownCtx)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "apiary.yaml", "path to the optional YAML config")
	serveCmd.Flags().String("containerd-socket", "", "containerd socket path (default "+runtime.DefaultSocketPath+")")
}
