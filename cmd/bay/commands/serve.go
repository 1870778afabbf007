package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shipyard/bay/internal/config"
	"github.com/shipyard/bay/internal/driver"
	"github.com/shipyard/bay/internal/httpapi"
	"github.com/shipyard/bay/internal/logging"
	"github.com/shipyard/bay/internal/reaper"
	"github.com/shipyard/bay/internal/shipservice"
	"github.com/shipyard/bay/internal/store"
	"github.com/shipyard/bay/internal/warmpool"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Bay HTTP server and its background loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe builds every component (C1-C9) and supervises the HTTP server
// alongside the warm-pool replenisher and reaper via an errgroup, the same
// "gateway owns its background tasks and shuts them all down together"
// shape as the teacher's Gateway.Run (cmd/docker-mcp/internal/gateway/run.go).
func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component(logger, "bay")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBDriver, cfg.DBDSN, logging.Component(logger, "store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	drv, err := driver.New(cfg, logging.Component(logger, "driver"))
	if err != nil {
		return fmt.Errorf("build container driver: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := drv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("error shutting down container driver")
		}
	}()

	ships := shipservice.New(st, drv, cfg, logging.Component(logger, "shipservice"))
	pool := warmpool.New(st, drv, cfg, logging.Component(logger, "warmpool"), ships.WakeOneWaiter)
	rpr := reaper.New(st, ships, cfg, logging.Component(logger, "reaper"))
	facade := httpapi.New(st, ships, pool, rpr, cfg, logging.Component(logger, "httpapi"))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: facade,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		rpr.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.WithField("addr", cfg.ListenAddr).Info("starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info("shutting down HTTP server")
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
