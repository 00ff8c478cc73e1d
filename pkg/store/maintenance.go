package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"
)

// ErrUnsupported is returned for maintenance operations the configured
// driver cannot perform.
var ErrUnsupported = errors.New("not supported by database driver")

const (
	backupPrefix     = "testoor-"
	backupSuffix     = ".db"
	backupTimeLayout = "20060102T150405.000Z"
)

// BackupInfo describes a backup file.
type BackupInfo struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	Size      string    `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Pruned    []string  `json:"pruned,omitempty"`
}

// VacuumResult reports whether a vacuum ran and the free page ratio that
// decided it.
type VacuumResult struct {
	Ran         bool    `json:"ran"`
	FreeRatio   float64 `json:"free_ratio"`
	PagesBefore int64   `json:"pages_before"`
	PagesAfter  int64   `json:"pages_after"`
}

// DatabaseStats describes the database and the volume it lives on.
type DatabaseStats struct {
	Driver        string  `json:"driver"`
	Path          string  `json:"path,omitempty"`
	SchemaVersion int     `json:"schema_version"`
	Runs          int64   `json:"runs"`
	Results       int64   `json:"results"`
	Screenshots   int64   `json:"screenshots"`
	Presets       int64   `json:"presets"`
	SizeBytes     int64   `json:"size_bytes"`
	Size          string  `json:"size"`
	PageCount     int64   `json:"page_count,omitempty"`
	FreePages     int64   `json:"free_pages,omitempty"`
	FreeRatio     float64 `json:"free_ratio"`
	DiskTotal     uint64  `json:"disk_total,omitempty"`
	DiskFree      uint64  `json:"disk_free,omitempty"`
	DiskFreeHuman string  `json:"disk_free_human,omitempty"`
}

// Backup writes a consistent copy of the database into dir with VACUUM
// INTO, then prunes the oldest backups so at most maxBackups remain.
// A maxBackups of zero keeps every backup.
func (s *store) Backup(ctx context.Context, dir string, maxBackups int) (*BackupInfo, error) {
	if s.cfg.Driver != driverSQLite {
		return nil, fmt.Errorf("backup: %w", ErrUnsupported)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	createdAt := now()
	path := filepath.Join(dir, backupPrefix+createdAt.Format(backupTimeLayout)+backupSuffix)

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("backup %s already exists", path)
	}

	if err := s.db.WithContext(ctx).Exec("VACUUM INTO ?", path).Error; err != nil {
		return nil, wrapErr("writing backup", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}

	info := &BackupInfo{
		Path:      path,
		SizeBytes: fi.Size(),
		Size:      units.HumanSize(float64(fi.Size())),
		CreatedAt: createdAt,
	}

	pruned, err := pruneBackups(dir, maxBackups)
	if err != nil {
		s.log.WithError(err).Warn("Failed to prune old backups")
	}

	info.Pruned = pruned

	s.log.WithFields(logrus.Fields{
		"path":   path,
		"size":   info.Size,
		"pruned": len(pruned),
	}).Info("Database backup written")

	return info, nil
}

// ListBackups returns backup files in dir, oldest first.
func ListBackups(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	backups := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() ||
			!strings.HasPrefix(name, backupPrefix) ||
			!strings.HasSuffix(name, backupSuffix) {
			continue
		}

		backups = append(backups, filepath.Join(dir, name))
	}

	// The timestamp layout sorts lexicographically.
	sort.Strings(backups)

	return backups, nil
}

func pruneBackups(dir string, maxBackups int) ([]string, error) {
	if maxBackups <= 0 {
		return nil, nil
	}

	backups, err := ListBackups(dir)
	if err != nil {
		return nil, err
	}

	if len(backups) <= maxBackups {
		return nil, nil
	}

	stale := backups[:len(backups)-maxBackups]
	removed := make([]string, 0, len(stale))

	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("removing backup %s: %w", path, err)
		}

		removed = append(removed, path)
	}

	return removed, nil
}

// Vacuum rebuilds the database file when the free page ratio exceeds
// threshold.
func (s *store) Vacuum(ctx context.Context, threshold float64) (*VacuumResult, error) {
	db := s.db.WithContext(ctx)

	if s.cfg.Driver != driverSQLite {
		if err := db.Exec("VACUUM").Error; err != nil {
			return nil, wrapErr("vacuuming", err)
		}

		return &VacuumResult{Ran: true}, nil
	}

	pages, free, err := s.pageCounts(ctx)
	if err != nil {
		return nil, err
	}

	result := &VacuumResult{
		FreeRatio:   freeRatio(pages, free),
		PagesBefore: pages,
		PagesAfter:  pages,
	}

	if result.FreeRatio <= threshold {
		return result, nil
	}

	if err := db.Exec("VACUUM").Error; err != nil {
		return nil, wrapErr("vacuuming", err)
	}

	result.Ran = true

	if after, _, err := s.pageCounts(ctx); err == nil {
		result.PagesAfter = after
	}

	s.log.WithFields(logrus.Fields{
		"free_ratio":   result.FreeRatio,
		"pages_before": result.PagesBefore,
		"pages_after":  result.PagesAfter,
	}).Info("Database vacuumed")

	return result, nil
}

// Analyze refreshes query planner statistics.
func (s *store) Analyze(ctx context.Context) error {
	return wrapErr("analyzing", s.db.WithContext(ctx).Exec("ANALYZE").Error)
}

// DeleteRunsBefore removes runs that started before cutoff together with
// their cascaded results and screenshots.
func (s *store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("start_time < ?", cutoff.UTC()).
		Delete(&TestRun{})
	if res.Error != nil {
		return 0, wrapErr("deleting old runs", res.Error)
	}

	return res.RowsAffected, nil
}

// DatabaseStats reports row counts, file size and free disk space.
func (s *store) DatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	stats := DatabaseStats{Driver: s.cfg.Driver}

	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}

	stats.SchemaVersion = version

	db := s.db.WithContext(ctx)

	counts := []struct {
		model any
		dest  *int64
	}{
		{&TestRun{}, &stats.Runs},
		{&TestResult{}, &stats.Results},
		{&Screenshot{}, &stats.Screenshots},
		{&FilterPreset{}, &stats.Presets},
	}

	for _, c := range counts {
		if err := db.Model(c.model).Count(c.dest).Error; err != nil {
			return nil, wrapErr("counting rows", err)
		}
	}

	switch s.cfg.Driver {
	case driverSQLite:
		pages, free, err := s.pageCounts(ctx)
		if err != nil {
			return nil, err
		}

		var pageSize int64
		if err := db.Raw("PRAGMA page_size").Scan(&pageSize).Error; err != nil {
			return nil, wrapErr("reading page size", err)
		}

		stats.PageCount = pages
		stats.FreePages = free
		stats.FreeRatio = freeRatio(pages, free)
		stats.SizeBytes = pages * pageSize

		if s.cfg.SQLite.Path != memoryPath {
			stats.Path = s.cfg.SQLite.Path
			s.fillDiskUsage(ctx, &stats, filepath.Dir(s.cfg.SQLite.Path))
		}
	case driverPostgres:
		if err := db.Raw("SELECT pg_database_size(current_database())").
			Scan(&stats.SizeBytes).Error; err != nil {
			return nil, wrapErr("reading database size", err)
		}
	}

	stats.Size = units.HumanSize(float64(stats.SizeBytes))

	return &stats, nil
}

func (s *store) fillDiskUsage(ctx context.Context, stats *DatabaseStats, dir string) {
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		s.log.WithError(err).WithField("dir", dir).Debug("Failed to read disk usage")

		return
	}

	stats.DiskTotal = usage.Total
	stats.DiskFree = usage.Free
	stats.DiskFreeHuman = units.HumanSize(float64(usage.Free))
}

func (s *store) pageCounts(ctx context.Context) (int64, int64, error) {
	db := s.db.WithContext(ctx)

	var pages, free int64
	if err := db.Raw("PRAGMA page_count").Scan(&pages).Error; err != nil {
		return 0, 0, wrapErr("reading page count", err)
	}

	if err := db.Raw("PRAGMA freelist_count").Scan(&free).Error; err != nil {
		return 0, 0, wrapErr("reading freelist count", err)
	}

	return pages, free, nil
}

func freeRatio(pages, free int64) float64 {
	if pages == 0 {
		return 0
	}

	return float64(free) / float64(pages)
}
