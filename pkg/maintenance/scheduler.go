// Package maintenance runs periodic database backup, optimization and
// retention cleanup next to the server.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/ethpandaops/testoor/pkg/upload"
)

// Scheduler runs maintenance tasks on independent tickers. Task failures
// are logged and counted, never returned to the tickers.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error

	// Backup writes a backup now and uploads it when an uploader is set.
	Backup(ctx context.Context) (*store.BackupInfo, error)
	// Optimize vacuums when the free page ratio warrants it, then analyzes.
	Optimize(ctx context.Context) (*store.VacuumResult, error)
	// Cleanup deletes runs older than the retention window and returns
	// the number removed. Zero retention days keeps everything.
	Cleanup(ctx context.Context) (int64, error)

	RetentionDays() int
	SetRetentionDays(days int)
}

// Options configures a Scheduler.
type Options struct {
	BackupDir        string
	BackupInterval   time.Duration
	MaxBackups       int
	OptimizeInterval time.Duration
	VacuumThreshold  float64
	CleanupInterval  time.Duration
	RetentionDays    int
	TaskTimeout      time.Duration
}

// OptionsFromConfig converts validated configuration into Options. Tasks
// are bounded by maintenance.task_timeout, or by busyTimeout when unset.
func OptionsFromConfig(cfg *config.MaintenanceConfig, busyTimeout time.Duration) Options {
	return Options{
		BackupDir:        cfg.BackupDir,
		BackupInterval:   config.Duration(cfg.BackupInterval, 0),
		MaxBackups:       cfg.MaxBackups,
		OptimizeInterval: config.Duration(cfg.OptimizeInterval, 0),
		VacuumThreshold:  cfg.VacuumThreshold,
		CleanupInterval:  config.Duration(cfg.CleanupInterval, 0),
		RetentionDays:    cfg.RetentionDays,
		TaskTimeout:      config.Duration(cfg.TaskTimeout, busyTimeout),
	}
}

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type scheduler struct {
	log      logrus.FieldLogger
	store    store.Store
	uploader upload.Uploader
	opts     Options
	now      func() time.Time

	retentionDays atomic.Int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. A nil uploader keeps backups local.
func NewScheduler(
	log logrus.FieldLogger,
	st store.Store,
	uploader upload.Uploader,
	opts Options,
) Scheduler {
	s := &scheduler{
		log:      log.WithField("component", "maintenance"),
		store:    st,
		uploader: uploader,
		opts:     opts,
		now:      time.Now,
		done:     make(chan struct{}),
	}

	s.retentionDays.Store(int64(opts.RetentionDays))

	return s
}

// Start launches one goroutine per task with a positive interval.
func (s *scheduler) Start(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"backup_interval":   s.opts.BackupInterval.String(),
		"optimize_interval": s.opts.OptimizeInterval.String(),
		"cleanup_interval":  s.opts.CleanupInterval.String(),
		"retention_days":    s.RetentionDays(),
		"upload":            s.uploader != nil,
	}).Info("Starting maintenance scheduler")

	s.every(ctx, "backup", s.opts.BackupInterval, func(ctx context.Context) error {
		_, err := s.Backup(ctx)

		return err
	})

	s.every(ctx, "optimize", s.opts.OptimizeInterval, func(ctx context.Context) error {
		_, err := s.Optimize(ctx)

		return err
	})

	s.every(ctx, "cleanup", s.opts.CleanupInterval, func(ctx context.Context) error {
		_, err := s.Cleanup(ctx)

		return err
	})

	return nil
}

// Stop signals every task goroutine and waits for running tasks.
func (s *scheduler) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
	})

	s.wg.Wait()

	s.log.Info("Maintenance scheduler stopped")

	return nil
}

func (s *scheduler) every(
	ctx context.Context, task string, interval time.Duration, fn func(context.Context) error,
) {
	if interval <= 0 {
		s.log.WithField("task", task).Debug("Maintenance task disabled")

		return
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.run(ctx, task, fn)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// bounded applies the task deadline. The store has a single connection,
// so a task may not keep it from ingestion for longer than that.
func (s *scheduler) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.TaskTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, s.opts.TaskTimeout)
}

// run executes fn and swallows its error. Database work inside fn is
// bounded by the task timeout.
func (s *scheduler) run(ctx context.Context, task string, fn func(context.Context) error) {
	start := s.now()

	err := fn(ctx)

	taskDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())

	if err != nil {
		taskFailures.WithLabelValues(task).Inc()

		s.log.WithError(err).WithField("task", task).Warn("Maintenance task failed")

		return
	}

	taskRuns.WithLabelValues(task).Inc()
}

func (s *scheduler) Backup(ctx context.Context) (*store.BackupInfo, error) {
	dbCtx, cancel := s.bounded(ctx)
	info, err := s.store.Backup(dbCtx, s.opts.BackupDir, s.opts.MaxBackups)
	cancel()

	if err != nil {
		return nil, fmt.Errorf("backing up database: %w", err)
	}

	if s.uploader == nil {
		return info, nil
	}

	// The upload does not touch the database and is not bounded.
	if _, err := s.uploader.UploadBackup(ctx, info.Path); err != nil {
		return info, fmt.Errorf("uploading backup: %w", err)
	}

	return info, nil
}

func (s *scheduler) Optimize(ctx context.Context) (*store.VacuumResult, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	result, err := s.store.Vacuum(ctx, s.opts.VacuumThreshold)
	if err != nil {
		return nil, fmt.Errorf("vacuuming database: %w", err)
	}

	if err := s.store.Analyze(ctx); err != nil {
		return result, fmt.Errorf("analyzing database: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"vacuumed":   result.Ran,
		"free_ratio": result.FreeRatio,
	}).Debug("Database optimized")

	return result, nil
}

func (s *scheduler) Cleanup(ctx context.Context) (int64, error) {
	days := s.RetentionDays()
	if days <= 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	deleted, err := s.store.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting runs before %s: %w", cutoff.UTC().Format(time.RFC3339), err)
	}

	runsDeleted.Add(float64(deleted))

	if deleted > 0 {
		s.log.WithFields(logrus.Fields{
			"deleted":        deleted,
			"retention_days": days,
		}).Info("Old runs removed")
	}

	return deleted, nil
}

func (s *scheduler) RetentionDays() int {
	return int(s.retentionDays.Load())
}

func (s *scheduler) SetRetentionDays(days int) {
	s.retentionDays.Store(int64(days))

	s.log.WithField("retention_days", days).Info("Retention updated")
}
