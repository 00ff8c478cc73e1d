package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/ethpandaops/testoor/pkg/query"
)

// CreateRun inserts a run. Missing ids and start times are generated.
func (s *store) CreateRun(ctx context.Context, run *TestRun) error {
	if run.Status != "" && !run.Status.Valid() {
		return query.Invalid("status", "unknown run status %q", run.Status)
	}

	return wrapErr("creating run", s.db.WithContext(ctx).Omit("Results").Create(run).Error)
}

// GetRun returns a run by id without its results.
func (s *store) GetRun(ctx context.Context, id string) (*TestRun, error) {
	var run TestRun
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&run).Error; err != nil {
		return nil, wrapErr("getting run", err)
	}

	return &run, nil
}

// ListRuns returns one page of runs matching filter and the number of
// matches across all pages.
func (s *store) ListRuns(
	ctx context.Context, filter query.RunFilter,
) ([]TestRun, int64, error) {
	filter.Normalize()

	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Scopes(filter.Where()).
		Count(&total).Error; err != nil {
		return nil, 0, wrapErr("counting runs", err)
	}

	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Scopes(filter.Where(), filter.OrderBy(), filter.Paginate()).
		Find(&runs).Error; err != nil {
		return nil, 0, wrapErr("listing runs", err)
	}

	return runs, total, nil
}

// RecentRuns returns the n most recently started runs.
func (s *store) RecentRuns(ctx context.Context, n int) ([]TestRun, error) {
	if n <= 0 {
		return []TestRun{}, nil
	}

	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Order("start_time DESC").
		Order("id DESC").
		Limit(n).
		Find(&runs).Error; err != nil {
		return nil, wrapErr("listing recent runs", err)
	}

	return runs, nil
}

// UpdateRun applies the supplied fields and returns the updated run.
func (s *store) UpdateRun(
	ctx context.Context, id string, patch RunPatch,
) (*TestRun, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var run TestRun

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cols := patch.columns(); len(cols) > 0 {
			result := tx.Model(&TestRun{}).Where("id = ?", id).Updates(cols)
			if result.Error != nil {
				return result.Error
			}

			if result.RowsAffected == 0 {
				return ErrNotFound
			}
		}

		return tx.Where("id = ?", id).First(&run).Error
	})
	if err != nil {
		return nil, wrapErr("updating run", err)
	}

	return &run, nil
}

// UpdateRunMetadata edits the client-owned fields of a finished run.
// Runs still receiving events are rejected.
func (s *store) UpdateRunMetadata(
	ctx context.Context, id string, meta RunMetadata,
) (*TestRun, error) {
	if err := query.Struct(meta); err != nil {
		return nil, err
	}

	var run *TestRun

	err := s.InTx(ctx, func(tx Store) error {
		current, err := tx.GetRun(ctx, id)
		if err != nil {
			return err
		}

		if !current.Status.Terminal() {
			return query.Invalid("status", "run is %s and still owned by ingestion", current.Status)
		}

		run, err = tx.UpdateRun(ctx, id, meta.patch())

		return err
	})
	if err != nil {
		return nil, wrapErr("updating run metadata", err)
	}

	return run, nil
}

// DeleteRun removes a run. Its results and their screenshots are removed
// by the cascading foreign keys.
func (s *store) DeleteRun(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&TestRun{})
	if result.Error != nil {
		return wrapErr("deleting run", result.Error)
	}

	if result.RowsAffected == 0 {
		return wrapErr("deleting run", ErrNotFound)
	}

	return nil
}
