package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/testoor/pkg/analytics"
	"github.com/ethpandaops/testoor/pkg/api"
	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/ingest"
	"github.com/ethpandaops/testoor/pkg/maintenance"
	"github.com/ethpandaops/testoor/pkg/realtime"
	"github.com/ethpandaops/testoor/pkg/realtime/wsconn"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/ethpandaops/testoor/pkg/upload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API, ingestion and live update server",
	Long: `Start the HTTP server. It accepts run and test events from reporters,
serves queries and statistics, streams updates to WebSocket clients and,
when enabled, runs scheduled backups, optimization and retention cleanup.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	hub := realtime.NewHub(log, realtime.NewSnapshotProvider(st, cfg.Realtime.RecentRuns))
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("starting realtime hub: %w", err)
	}

	flaky := analytics.NewDetector(log, st)
	gateway := ingest.NewGateway(log, st, realtime.NewBroadcaster(hub))

	ws := wsconn.NewServer(
		log, hub,
		realtime.NewHandler(log, hub, st, flaky, cfg.Realtime.RecentRuns),
		wsconn.Config{
			HeartbeatInterval: config.Duration(cfg.Realtime.HeartbeatInterval, 0),
			SendBuffer:        cfg.Realtime.SendBuffer,
			AllowedOrigins:    cfg.Server.CORSOrigins,
		},
	)

	var scheduler maintenance.Scheduler

	if cfg.Maintenance.Enabled {
		scheduler, err = newScheduler(ctx, cfg, st)
		if err != nil {
			return err
		}

		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("starting maintenance scheduler: %w", err)
		}
	}

	srv := api.NewServer(log, cfg, api.Dependencies{
		Store:     st,
		Gateway:   gateway,
		Flaky:     flaky,
		Scheduler: scheduler,
		WebSocket: ws,
		Sessions:  hub.Sessions,
		Levels:    log,
		Version:   version,
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	// Stop accepting requests before draining live sessions so no new
	// events are published into a closing hub.
	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop api server")
	}

	drainCtx, drainCancel := context.WithTimeout(
		context.Background(),
		config.Duration(cfg.Realtime.DrainTimeout, 0),
	)
	defer drainCancel()

	if err := hub.Stop(drainCtx); err != nil {
		log.WithError(err).Warn("Realtime hub did not drain cleanly")
	}

	if scheduler != nil {
		if err := scheduler.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop maintenance scheduler")
		}
	}

	return nil
}

// newScheduler builds the maintenance scheduler and, when configured, the
// S3 uploader its backups are copied to.
func newScheduler(ctx context.Context, cfg *config.Config, st store.Store) (maintenance.Scheduler, error) {
	var uploader upload.Uploader

	if cfg.Maintenance.Upload.Enabled {
		u, err := upload.NewS3Uploader(log, &cfg.Maintenance.Upload)
		if err != nil {
			return nil, fmt.Errorf("creating backup uploader: %w", err)
		}

		if err := u.Preflight(ctx); err != nil {
			return nil, fmt.Errorf("backup upload preflight: %w", err)
		}

		uploader = u
	}

	busyTimeout := config.Duration(cfg.Database.SQLite.BusyTimeout, 0)

	return maintenance.NewScheduler(log, st, uploader,
		maintenance.OptionsFromConfig(&cfg.Maintenance, busyTimeout)), nil
}
