package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/ethpandaops/testoor/pkg/query"
)

// CreateResult inserts a result. The owning run must exist.
func (s *store) CreateResult(ctx context.Context, result *TestResult) error {
	if result.RunID == "" {
		return query.Invalid("run_id", "is required")
	}

	if result.State != "" && !result.State.Valid() {
		return query.Invalid("state", "unknown result state %q", result.State)
	}

	return wrapErr("creating result", s.db.WithContext(ctx).Omit("Screenshots").Create(result).Error)
}

// GetResult returns a result with its screenshots.
func (s *store) GetResult(ctx context.Context, id string) (*TestResult, error) {
	var result TestResult
	if err := s.db.WithContext(ctx).
		Preload("Screenshots", func(db *gorm.DB) *gorm.DB {
			return db.Order("captured_at ASC").Order("id ASC")
		}).
		Where("id = ?", id).
		First(&result).Error; err != nil {
		return nil, wrapErr("getting result", err)
	}

	return &result, nil
}

// ListResults returns one page of results matching filter and the number
// of matches across all pages.
func (s *store) ListResults(
	ctx context.Context, filter query.ResultFilter,
) ([]TestResult, int64, error) {
	filter.Normalize()

	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.db.WithContext(ctx).
		Model(&TestResult{}).
		Scopes(filter.Where()).
		Count(&total).Error; err != nil {
		return nil, 0, wrapErr("counting results", err)
	}

	var results []TestResult
	if err := s.db.WithContext(ctx).
		Scopes(filter.Where(), filter.OrderBy(), filter.Paginate()).
		Find(&results).Error; err != nil {
		return nil, 0, wrapErr("searching results", err)
	}

	return results, total, nil
}

// ListResultsForRun returns every result of a run in execution order.
func (s *store) ListResultsForRun(
	ctx context.Context, runID string,
) ([]TestResult, error) {
	var results []TestResult
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("start_time ASC").
		Order("id ASC").
		Find(&results).Error; err != nil {
		return nil, wrapErr("listing results for run", err)
	}

	return results, nil
}

// UpdateResult applies the supplied fields and returns the updated result.
func (s *store) UpdateResult(
	ctx context.Context, id string, patch ResultPatch,
) (*TestResult, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var result TestResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cols := patch.columns(); len(cols) > 0 {
			res := tx.Model(&TestResult{}).Where("id = ?", id).Updates(cols)
			if res.Error != nil {
				return res.Error
			}

			if res.RowsAffected == 0 {
				return ErrNotFound
			}
		}

		return tx.Where("id = ?", id).First(&result).Error
	})
	if err != nil {
		return nil, wrapErr("updating result", err)
	}

	return &result, nil
}

// UpdateResultMetadata edits the client-owned fields of a result in a
// final state. Pending and retried results are rejected.
func (s *store) UpdateResultMetadata(
	ctx context.Context, id string, meta ResultMetadata,
) (*TestResult, error) {
	if err := query.Struct(meta); err != nil {
		return nil, err
	}

	var result *TestResult

	err := s.InTx(ctx, func(tx Store) error {
		current, err := tx.GetResult(ctx, id)
		if err != nil {
			return err
		}

		if !current.State.Terminal() {
			return query.Invalid("state", "result is %s and still owned by ingestion", current.State)
		}

		result, err = tx.UpdateResult(ctx, id, meta.patch())

		return err
	})
	if err != nil {
		return nil, wrapErr("updating result metadata", err)
	}

	return result, nil
}

// DeleteResult removes a result and, by cascade, its screenshots.
func (s *store) DeleteResult(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&TestResult{})
	if res.Error != nil {
		return wrapErr("deleting result", res.Error)
	}

	if res.RowsAffected == 0 {
		return wrapErr("deleting result", ErrNotFound)
	}

	return nil
}

// CreateScreenshot attaches a screenshot to an existing result.
func (s *store) CreateScreenshot(ctx context.Context, shot *Screenshot) error {
	if shot.TestResultID == "" {
		return query.Invalid("test_result_id", "is required")
	}

	if shot.Path == "" {
		return query.Invalid("path", "is required")
	}

	return wrapErr("creating screenshot", s.db.WithContext(ctx).Create(shot).Error)
}

// ListScreenshots returns the screenshots of a result in capture order.
func (s *store) ListScreenshots(
	ctx context.Context, resultID string,
) ([]Screenshot, error) {
	var shots []Screenshot
	if err := s.db.WithContext(ctx).
		Where("test_result_id = ?", resultID).
		Order("captured_at ASC").
		Order("id ASC").
		Find(&shots).Error; err != nil {
		return nil, wrapErr("listing screenshots", err)
	}

	return shots, nil
}
