package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/account-engine/internal/api"
)

var (
	servePort     int
	serveNoJobs   bool
	shutdownGrace = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin API and background lifecycle jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if !serveNoJobs {
			if err := env.Scheduler.Start(ctx); err != nil {
				return eris.Wrap(err, "start scheduler")
			}
		}

		srv := api.NewServer(api.Deps{
			Store:        env.Store,
			Orchestrator: env.Orchestrator,
			Recovery:     env.Recovery,
			Credentials:  env.Credentials,
		}, cfg.Server.CORSOrigins)

		return listenAndServe(ctx, resolvePort(servePort, cfg.Server.Port), srv.Handler())
	},
}

func resolvePort(flag, configured int) int {
	if flag > 0 {
		return flag
	}
	return configured
}

// listenAndServe runs h until ctx is done, then drains in-flight requests.
func listenAndServe(ctx context.Context, port int, h http.Handler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", port))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server shutdown")
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoJobs, "no-jobs", false, "serve the API without running background jobs")
	rootCmd.AddCommand(serveCmd)
}
