package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-smlp/internal/checkpoint"
	"github.com/23skdu/longbow-smlp/internal/logger"
	"github.com/23skdu/longbow-smlp/internal/monitoring"
)

func newServeCmd() *cobra.Command {
	var dir, addr, metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a checkpoint directory over Arrow Flight",
		Long: "Serves every .arrow and .gguf checkpoint in --dir by file name. Prometheus metrics,\n" +
			"/health and /status are served on --metrics-addr.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				var err error
				if dir, err = checkpoint.Home(); err != nil {
					return err
				}
			}

			svc := checkpoint.NewFlightService(dir)
			health := monitoring.NewHealthMonitor(svc)
			svc.SetObserver(health)

			srv, err := checkpoint.NewFlightServer(addr, svc)
			if err != nil {
				return err
			}

			go func() {
				if err := health.Start(metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Log.Error("Health monitor error", "error", err)
				}
			}()

			go func() {
				<-cmd.Context().Done()
				logger.Log.Info("Shutting down")
				srv.Shutdown()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Stop(ctx)
			}()

			logger.Log.Info("Flight serving checkpoints", "addr", srv.Addr().String(), "dir", dir)
			return srv.Serve()
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "checkpoint directory (default $SMLP_HOME)")
	cmd.Flags().StringVar(&addr, "addr", "localhost:8815", "Flight listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address for /metrics, /health and /status")
	return cmd
}
