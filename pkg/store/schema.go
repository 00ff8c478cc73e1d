package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TargetSchemaVersion is the schema version this build migrates to.
const TargetSchemaVersion = 3

// migration is one ordered schema step. Each runs in its own
// transaction together with the version bump.
type migration struct {
	version int
	name    string
	up      func(tx *gorm.DB, driver string) error
}

var migrations = []migration{
	{version: 1, name: "timestamp and default preset triggers", up: createTriggers},
	{version: 2, name: "composite run/state index", up: createRunStateIndex},
	{version: 3, name: "backfill full titles", up: backfillFullTitles},
}

// models lists every table owned by the store in dependency order.
func models() []any {
	return []any{
		&TestRun{},
		&TestResult{},
		&Screenshot{},
		&FilterPreset{},
		&Metadata{},
	}
}

// ensureSchema creates tables, columns, indexes, check constraints and
// cascading foreign keys. It is safe to run on every start.
func (s *store) ensureSchema(ctx context.Context) error {
	db := s.db.WithContext(ctx)

	if err := db.AutoMigrate(models()...); err != nil {
		return fmt.Errorf("auto-migrating models: %w", err)
	}

	created := Metadata{
		Key:       MetaCreatedAt,
		Value:     now().Format(time.RFC3339Nano),
		UpdatedAt: now(),
	}

	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&created).Error; err != nil {
		return fmt.Errorf("recording creation time: %w", err)
	}

	return nil
}

// migrate applies every migration newer than the stored version.
func (s *store) migrate(ctx context.Context) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	if current > TargetSchemaVersion {
		return fmt.Errorf(
			"database schema version %d is newer than supported version %d",
			current, TargetSchemaVersion,
		)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := m.up(tx, s.cfg.Driver); err != nil {
				return err
			}

			return setMetadata(tx, MetaSchemaVersion, strconv.Itoa(m.version))
		})
		if err != nil {
			return fmt.Errorf("applying migration %d (%s): %w", m.version, m.name, err)
		}

		s.log.WithFields(logrus.Fields{
			"version": m.version,
			"name":    m.name,
		}).Info("Applied schema migration")
	}

	return nil
}

// SchemaVersion returns the applied schema version, 0 for a new database.
func (s *store) SchemaVersion(ctx context.Context) (int, error) {
	var meta Metadata

	err := s.db.WithContext(ctx).
		Where("key = ?", MetaSchemaVersion).
		First(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, wrapErr("reading schema version", err)
	}

	version, err := strconv.Atoi(meta.Value)
	if err != nil {
		return 0, fmt.Errorf("parsing schema version %q: %w", meta.Value, err)
	}

	return version, nil
}

func setMetadata(tx *gorm.DB, key, value string) error {
	meta := Metadata{Key: key, Value: value, UpdatedAt: now()}

	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&meta).Error
}

var sqliteTriggers = []string{
	`CREATE TRIGGER IF NOT EXISTS trg_test_runs_updated_at
	AFTER UPDATE ON test_runs
	FOR EACH ROW WHEN NEW.updated_at = OLD.updated_at
	BEGIN
		UPDATE test_runs SET updated_at = strftime('%Y-%m-%d %H:%M:%f+00:00', 'now') WHERE id = NEW.id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS trg_test_results_updated_at
	AFTER UPDATE ON test_results
	FOR EACH ROW WHEN NEW.updated_at = OLD.updated_at
	BEGIN
		UPDATE test_results SET updated_at = strftime('%Y-%m-%d %H:%M:%f+00:00', 'now') WHERE id = NEW.id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS trg_filter_presets_updated_at
	AFTER UPDATE ON filter_presets
	FOR EACH ROW WHEN NEW.updated_at = OLD.updated_at
	BEGIN
		UPDATE filter_presets SET updated_at = strftime('%Y-%m-%d %H:%M:%f+00:00', 'now') WHERE id = NEW.id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS trg_filter_presets_default_insert
	AFTER INSERT ON filter_presets
	FOR EACH ROW WHEN NEW.is_default = 1
	BEGIN
		UPDATE filter_presets SET is_default = 0 WHERE id <> NEW.id AND is_default = 1;
	END`,
	`CREATE TRIGGER IF NOT EXISTS trg_filter_presets_default_update
	AFTER UPDATE OF is_default ON filter_presets
	FOR EACH ROW WHEN NEW.is_default = 1
	BEGIN
		UPDATE filter_presets SET is_default = 0 WHERE id <> NEW.id AND is_default = 1;
	END`,
}

var postgresTriggers = []string{
	`CREATE OR REPLACE FUNCTION testoor_touch_updated_at() RETURNS trigger AS $$
	BEGIN
		IF NEW.updated_at = OLD.updated_at THEN
			NEW.updated_at := NOW();
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_test_runs_updated_at ON test_runs`,
	`CREATE TRIGGER trg_test_runs_updated_at BEFORE UPDATE ON test_runs
	FOR EACH ROW EXECUTE FUNCTION testoor_touch_updated_at()`,
	`DROP TRIGGER IF EXISTS trg_test_results_updated_at ON test_results`,
	`CREATE TRIGGER trg_test_results_updated_at BEFORE UPDATE ON test_results
	FOR EACH ROW EXECUTE FUNCTION testoor_touch_updated_at()`,
	`DROP TRIGGER IF EXISTS trg_filter_presets_updated_at ON filter_presets`,
	`CREATE TRIGGER trg_filter_presets_updated_at BEFORE UPDATE ON filter_presets
	FOR EACH ROW EXECUTE FUNCTION testoor_touch_updated_at()`,
	`CREATE OR REPLACE FUNCTION testoor_single_default_preset() RETURNS trigger AS $$
	BEGIN
		IF NEW.is_default THEN
			UPDATE filter_presets SET is_default = FALSE WHERE id <> NEW.id AND is_default;
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_filter_presets_default ON filter_presets`,
	`CREATE TRIGGER trg_filter_presets_default AFTER INSERT OR UPDATE OF is_default ON filter_presets
	FOR EACH ROW EXECUTE FUNCTION testoor_single_default_preset()`,
}

func createTriggers(tx *gorm.DB, driver string) error {
	statements := sqliteTriggers
	if driver == driverPostgres {
		statements = postgresTriggers
	}

	for _, stmt := range statements {
		if err := tx.Exec(stmt).Error; err != nil {
			return fmt.Errorf("creating trigger: %w", err)
		}
	}

	return nil
}

func createRunStateIndex(tx *gorm.DB, _ string) error {
	return tx.Exec(
		"CREATE INDEX IF NOT EXISTS idx_test_results_run_state ON test_results (run_id, state)",
	).Error
}

func backfillFullTitles(tx *gorm.DB, _ string) error {
	return tx.Exec(
		"UPDATE test_results SET full_title = title WHERE full_title IS NULL OR full_title = ''",
	).Error
}
