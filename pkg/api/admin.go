package api

import (
	"net/http"

	"github.com/ethpandaops/testoor/pkg/query"
	"github.com/ethpandaops/testoor/pkg/store"
)

type cleanupResponse struct {
	Deleted       int64 `json:"deleted"`
	RetentionDays int   `json:"retention_days"`
}

func (s *server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.DatabaseStats(r.Context())
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, stats)
}

// handleBackup writes a backup through the scheduler so an enabled upload
// applies as well. Without maintenance the store writes into the default
// backup directory.
func (s *server) handleBackup(w http.ResponseWriter, r *http.Request) {
	var (
		info *store.BackupInfo
		err  error
	)

	if s.deps.Scheduler != nil {
		info, err = s.deps.Scheduler.Backup(r.Context())
	} else {
		info, err = s.deps.Store.Backup(r.Context(), s.cfg.Maintenance.BackupDir, s.cfg.Maintenance.MaxBackups)
	}

	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusCreated, info)
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeErr(w, r, query.Invalid("maintenance", "is disabled"))

		return
	}

	deleted, err := s.deps.Scheduler.Cleanup(r.Context())
	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, cleanupResponse{
		Deleted:       deleted,
		RetentionDays: s.deps.Scheduler.RetentionDays(),
	})
}

func (s *server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var (
		result *store.VacuumResult
		err    error
	)

	if s.deps.Scheduler != nil {
		result, err = s.deps.Scheduler.Optimize(r.Context())
	} else {
		result, err = s.deps.Store.Vacuum(r.Context(), s.cfg.Maintenance.VacuumThreshold)
		if err == nil {
			err = s.deps.Store.Analyze(r.Context())
		}
	}

	if err != nil {
		s.writeErr(w, r, err)

		return
	}

	writeData(w, http.StatusOK, result)
}
