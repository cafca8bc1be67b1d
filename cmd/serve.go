package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kavos113/minicr/config"
	"github.com/kavos113/minicr/logger"
	"github.com/kavos113/minicr/upload"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registry server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		log, closer, err := logger.New(logger.Options{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, log)
	},
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("registry listening", "addr", cfg.Server.Addr, "storage", cfg.Storage.Driver, "tagstore", cfg.TagStore.Driver)
		if err := a.echo.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		runSweeper(gctx, a.uploads, cfg.Upload.SweepInterval, log)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.echo.Shutdown(sctx)
	})

	return g.Wait()
}

// runSweeper expires idle upload sessions every interval until ctx is done.
func runSweeper(ctx context.Context, uploads *upload.Manager, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := uploads.Sweep(ctx, now); err != nil && ctx.Err() == nil {
				log.Warn("failed to sweep uploads", "error", err)
			}
		}
	}
}
