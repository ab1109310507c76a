package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/audiobridge/internal/metrics"
	"github.com/audiolibrelab/audiobridge/internal/server"
	"github.com/audiolibrelab/audiobridge/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the controllers over HTTP and WebSocket",
	Long: `Start the AudioBridge server. Commands are accepted as JSON over HTTP and
events are streamed to clients connected to /events over WebSocket.

Prometheus metrics are exposed on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.Server.Listen
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := metrics.New()
		svc, err := service.New(cfg, service.Options{Metrics: m})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}

		srv := server.New(svc, m, listen)
		slog.Info("AudioBridge server starting", "listen", listen, "config", cfgFile, "output", cfg.Output.Directory)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return svc.Close(closeCtx)
		})

		if err := g.Wait(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (overrides server.listen from config)")
}
