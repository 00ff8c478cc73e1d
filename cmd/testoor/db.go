package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/maintenance"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/ethpandaops/testoor/pkg/upload"
)

var (
	retentionDays int
	forceRestore  bool
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance commands",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, _ *config.Config, st store.Store) error {
			v, err := st.SchemaVersion(ctx)
			if err != nil {
				return err
			}

			log.WithFields(logrus.Fields{
				"driver":  st.Driver(),
				"version": v,
			}).Info("Schema is up to date")

			return nil
		})
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a database backup and upload it when upload is enabled",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd, func(ctx context.Context, sched maintenance.Scheduler) error {
			info, err := sched.Backup(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("%s (%s)\n", info.Path, info.Size)

			return nil
		})
	},
}

var listBackupsCmd = &cobra.Command{
	Use:   "list-backups",
	Short: "List backups stored in the configured bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		if !cfg.Maintenance.Upload.Enabled {
			return errors.New("maintenance.upload is not enabled")
		}

		uploader, err := upload.NewS3Uploader(log, &cfg.Maintenance.Upload)
		if err != nil {
			return err
		}

		backups, err := uploader.ListBackups(cmd.Context())
		if err != nil {
			return err
		}

		for _, b := range backups {
			fmt.Printf("%s  %8s  %s\n",
				b.LastModified.Format("2006-01-02 15:04:05"),
				units.HumanSize(float64(b.SizeBytes)),
				b.Key,
			)
		}

		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete runs older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd, func(ctx context.Context, sched maintenance.Scheduler) error {
			if cmd.Flags().Changed("retention-days") {
				sched.SetRetentionDays(retentionDays)
			}

			deleted, err := sched.Cleanup(ctx)
			if err != nil {
				return err
			}

			log.WithFields(logrus.Fields{
				"deleted":        deleted,
				"retention_days": sched.RetentionDays(),
			}).Info("Cleanup finished")

			return nil
		})
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Vacuum the database when fragmented and refresh planner statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd, func(ctx context.Context, sched maintenance.Scheduler) error {
			res, err := sched.Optimize(ctx)
			if err != nil {
				return err
			}

			log.WithFields(logrus.Fields{
				"vacuumed":   res.Ran,
				"free_ratio": res.FreeRatio,
			}).Info("Optimize finished")

			return nil
		})
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print database size and row counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, _ *config.Config, st store.Store) error {
			stats, err := st.DatabaseStats(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("driver:      %s\n", stats.Driver)
			fmt.Printf("schema:      %d\n", stats.SchemaVersion)
			fmt.Printf("size:        %s\n", stats.Size)
			fmt.Printf("runs:        %d\n", stats.Runs)
			fmt.Printf("results:     %d\n", stats.Results)
			fmt.Printf("screenshots: %d\n", stats.Screenshots)
			fmt.Printf("presets:     %d\n", stats.Presets)

			if stats.DiskTotal > 0 {
				fmt.Printf("disk free:   %s of %s\n",
					units.HumanSize(float64(stats.DiskFree)),
					units.HumanSize(float64(stats.DiskTotal)),
				)
			}

			return nil
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-file>",
	Short: "Restore a SQLite backup (plain or .zst) into the configured database path",
	Long: `Restore a SQLite backup into database.sqlite.path. The server must not be
running. Compressed backups downloaded from the bucket are decompressed.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	cleanupCmd.Flags().IntVar(&retentionDays, "retention-days", 0,
		"override maintenance.retention_days for this run")
	restoreCmd.Flags().BoolVarP(&forceRestore, "force", "f", false,
		"overwrite an existing database file")

	dbCmd.AddCommand(migrateCmd, backupCmd, listBackupsCmd, cleanupCmd,
		optimizeCmd, dbStatsCmd, restoreCmd)
	rootCmd.AddCommand(dbCmd)
}

// withStore opens the store, which applies pending migrations, and runs fn.
func withStore(
	cmd *cobra.Command,
	fn func(ctx context.Context, cfg *config.Config, st store.Store) error,
) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	return fn(ctx, cfg, st)
}

// withScheduler runs fn against an unstarted scheduler so one-off
// commands share the server's backup, upload and cleanup behavior.
func withScheduler(
	cmd *cobra.Command,
	fn func(ctx context.Context, sched maintenance.Scheduler) error,
) error {
	return withStore(cmd, func(ctx context.Context, cfg *config.Config, st store.Store) error {
		// Nothing else holds the connection here.
		cfg.Maintenance.TaskTimeout = "0s"

		sched, err := newScheduler(ctx, cfg, st)
		if err != nil {
			return err
		}

		return fn(ctx, sched)
	})
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("restore supports the sqlite driver only, got %s", cfg.Database.Driver)
	}

	src := args[0]
	dst := cfg.Database.SQLite.Path

	if _, err := os.Stat(dst); err == nil && !forceRestore {
		return fmt.Errorf("%s exists, use --force to overwrite", dst)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	// Stale WAL files would be replayed over the restored database.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dst + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s%s: %w", dst, suffix, err)
		}
	}

	if strings.HasSuffix(src, upload.CompressedExt) {
		err = upload.DecompressFile(src, dst)
	} else {
		err = copyFile(src, dst)
	}

	if err != nil {
		return fmt.Errorf("restoring backup: %w", err)
	}

	log.WithFields(logrus.Fields{
		"from": src,
		"to":   dst,
	}).Info("Database restored")

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()

		return fmt.Errorf("copying %s: %w", src, err)
	}

	return out.Close()
}
