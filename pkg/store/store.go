package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/query"
)

// Store provides persistence for test telemetry.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error
	Driver() string

	// InTx runs fn inside a transaction. The Store passed to fn is bound
	// to the transaction and must be the only one used inside fn.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// Runs.
	CreateRun(ctx context.Context, run *TestRun) error
	GetRun(ctx context.Context, id string) (*TestRun, error)
	ListRuns(ctx context.Context, filter query.RunFilter) ([]TestRun, int64, error)
	RecentRuns(ctx context.Context, n int) ([]TestRun, error)
	UpdateRun(ctx context.Context, id string, patch RunPatch) (*TestRun, error)
	UpdateRunMetadata(ctx context.Context, id string, meta RunMetadata) (*TestRun, error)
	DeleteRun(ctx context.Context, id string) error
	ComputeRunCounts(ctx context.Context, runID string) (*RunCounts, error)

	// Results.
	CreateResult(ctx context.Context, result *TestResult) error
	GetResult(ctx context.Context, id string) (*TestResult, error)
	ListResults(ctx context.Context, filter query.ResultFilter) ([]TestResult, int64, error)
	ListResultsForRun(ctx context.Context, runID string) ([]TestResult, error)
	UpdateResult(ctx context.Context, id string, patch ResultPatch) (*TestResult, error)
	UpdateResultMetadata(ctx context.Context, id string, meta ResultMetadata) (*TestResult, error)
	DeleteResult(ctx context.Context, id string) error

	// Screenshots.
	CreateScreenshot(ctx context.Context, shot *Screenshot) error
	ListScreenshots(ctx context.Context, resultID string) ([]Screenshot, error)

	// Filter presets.
	CreatePreset(ctx context.Context, preset *FilterPreset) error
	GetPreset(ctx context.Context, id string) (*FilterPreset, error)
	ListPresets(ctx context.Context) ([]FilterPreset, error)
	GetDefaultPreset(ctx context.Context) (*FilterPreset, error)
	UpdatePreset(ctx context.Context, id string, patch PresetPatch) (*FilterPreset, error)
	DeletePreset(ctx context.Context, id string) error

	// Facets and statistics.
	UniqueValues(ctx context.Context, field string, limit int) ([]FacetValue, error)
	GlobalStats(ctx context.Context) (*GlobalStats, error)
	RunStats(ctx context.Context, runID string) (*RunStats, error)
	Trend(ctx context.Context, days int, now time.Time) ([]TrendPoint, error)
	FlakyCandidates(ctx context.Context, since time.Time) ([]FlakyCandidate, error)

	// Schema.
	SchemaVersion(ctx context.Context) (int, error)

	// Maintenance.
	Backup(ctx context.Context, dir string, maxBackups int) (*BackupInfo, error)
	Vacuum(ctx context.Context, threshold float64) (*VacuumResult, error)
	Analyze(ctx context.Context) error
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DatabaseStats(ctx context.Context) (*DatabaseStats, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
	memoryPath     = ":memory:"
)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection, applies connection settings and
// brings the schema up to date.
func (s *store) Start(ctx context.Context) error {
	dialector, err := s.dialector()
	if err != nil {
		return err
	}

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		NowFunc:        now,
		TranslateError: true,
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	// Every read and write goes through a single connection so the
	// store is the only writer.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if s.cfg.Driver == driverSQLite {
		if err := s.applyPragmas(ctx); err != nil {
			_ = sqlDB.Close()

			return err
		}
	}

	if err := s.ensureSchema(ctx); err != nil {
		_ = sqlDB.Close()

		return fmt.Errorf("creating schema: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		_ = sqlDB.Close()

		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrapErr("ping", err)
	}

	return wrapErr("ping", sqlDB.PingContext(ctx))
}

// Driver returns the configured database driver name.
func (s *store) Driver() string {
	return s.cfg.Driver
}

// InTx runs fn inside a transaction with a transaction-bound store.
func (s *store) InTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&store{log: s.log, cfg: s.cfg, db: tx})
	})
}

func (s *store) dialector() (gorm.Dialector, error) {
	switch s.cfg.Driver {
	case driverSQLite:
		path := s.cfg.SQLite.Path
		if path != memoryPath {
			if dir := filepath.Dir(path); dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("creating database directory: %w", err)
				}
			}
		}

		return sqlite.Open(s.sqliteDSN()), nil
	case driverPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)

		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}
}

// sqliteDSN encodes connection pragmas into the DSN so that a replaced
// connection gets them too.
func (s *store) sqliteDSN() string {
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", s.busyTimeout().Milliseconds()))

	if s.cfg.SQLite.WAL && s.cfg.SQLite.Path != memoryPath {
		params.Add("_pragma", "journal_mode(WAL)")
	}

	params.Set("_time_format", "sqlite")

	return s.cfg.SQLite.Path + "?" + params.Encode()
}

func (s *store) busyTimeout() time.Duration {
	return config.Duration(s.cfg.SQLite.BusyTimeout, 5*time.Second)
}

// applyPragmas sets and verifies the connection pragmas.
func (s *store) applyPragmas(ctx context.Context) error {
	db := s.db.WithContext(ctx)

	statements := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.busyTimeout().Milliseconds()),
	}

	if s.cfg.SQLite.WAL && s.cfg.SQLite.Path != memoryPath {
		statements = append(statements, "PRAGMA journal_mode = WAL")
	}

	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("applying %q: %w", stmt, err)
		}
	}

	var fkEnabled int
	if err := db.Raw("PRAGMA foreign_keys").Scan(&fkEnabled).Error; err != nil {
		return fmt.Errorf("verifying foreign keys: %w", err)
	}

	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got %d)", fkEnabled)
	}

	var journalMode string
	if err := db.Raw("PRAGMA journal_mode").Scan(&journalMode).Error; err != nil {
		return fmt.Errorf("reading journal mode: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"journal_mode": strings.ToLower(journalMode),
		"busy_timeout": s.busyTimeout().String(),
	}).Debug("SQLite connection configured")

	return nil
}
