package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/ethpandaops/testoor/pkg/query"
)

// CreatePreset stores a named filter. When the preset is the default,
// the previous default is cleared by a trigger.
func (s *store) CreatePreset(ctx context.Context, preset *FilterPreset) error {
	preset.Name = strings.TrimSpace(preset.Name)
	if preset.Name == "" {
		return query.Invalid("name", "is required")
	}

	if err := preset.Criteria.Validate(); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&FilterPreset{}).
			Where("name = ?", preset.Name).
			Count(&count).Error; err != nil {
			return err
		}

		if count > 0 {
			return query.Invalid("name", "preset %q already exists", preset.Name)
		}

		return tx.Create(preset).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return query.Invalid("name", "preset %q already exists", preset.Name)
	}

	return wrapErr("creating preset", err)
}

// GetPreset returns a preset by id.
func (s *store) GetPreset(ctx context.Context, id string) (*FilterPreset, error) {
	var preset FilterPreset
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&preset).Error; err != nil {
		return nil, wrapErr("getting preset", err)
	}

	return &preset, nil
}

// ListPresets returns every preset ordered by name.
func (s *store) ListPresets(ctx context.Context) ([]FilterPreset, error) {
	var presets []FilterPreset
	if err := s.db.WithContext(ctx).
		Order("name ASC").
		Find(&presets).Error; err != nil {
		return nil, wrapErr("listing presets", err)
	}

	return presets, nil
}

// GetDefaultPreset returns the preset flagged as default.
func (s *store) GetDefaultPreset(ctx context.Context) (*FilterPreset, error) {
	var preset FilterPreset
	if err := s.db.WithContext(ctx).
		Where("is_default = ?", true).
		First(&preset).Error; err != nil {
		return nil, wrapErr("getting default preset", err)
	}

	return &preset, nil
}

// UpdatePreset applies the supplied fields and returns the updated preset.
func (s *store) UpdatePreset(
	ctx context.Context, id string, patch PresetPatch,
) (*FilterPreset, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var preset FilterPreset

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if patch.Name != nil {
			var count int64
			if err := tx.Model(&FilterPreset{}).
				Where("name = ? AND id <> ?", *patch.Name, id).
				Count(&count).Error; err != nil {
				return err
			}

			if count > 0 {
				return query.Invalid("name", "preset %q already exists", *patch.Name)
			}
		}

		if cols := patch.columns(); len(cols) > 0 {
			res := tx.Model(&FilterPreset{}).Where("id = ?", id).Updates(cols)
			if res.Error != nil {
				return res.Error
			}

			if res.RowsAffected == 0 {
				return ErrNotFound
			}
		}

		return tx.Where("id = ?", id).First(&preset).Error
	})
	if err != nil {
		return nil, wrapErr("updating preset", err)
	}

	return &preset, nil
}

// DeletePreset removes a preset.
func (s *store) DeletePreset(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&FilterPreset{})
	if res.Error != nil {
		return wrapErr("deleting preset", res.Error)
	}

	if res.RowsAffected == 0 {
		return wrapErr("deleting preset", ErrNotFound)
	}

	return nil
}
