package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ethpandaops/testoor/pkg/query"
)

// RunStatus is the lifecycle status of a test run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	return s == RunStatusRunning || s.Terminal()
}

// ResultState is the outcome of a single test case.
type ResultState string

// Result states.
const (
	StatePassed  ResultState = "passed"
	StateFailed  ResultState = "failed"
	StateSkipped ResultState = "skipped"
	StatePending ResultState = "pending"
	StateRetried ResultState = "retried"
)

// Terminal reports whether the state is a final outcome.
func (s ResultState) Terminal() bool {
	return s == StatePassed || s == StateFailed || s == StateSkipped
}

// Valid reports whether s is a known state.
func (s ResultState) Valid() bool {
	return s.Terminal() || s == StatePending || s == StateRetried
}

// CanTransition reports whether a result may move from s to next.
// Repeating the current state is allowed so duplicate deliveries are
// harmless. A failed attempt may be reopened by a retry.
func (s ResultState) CanTransition(next ResultState) bool {
	if !next.Valid() {
		return false
	}

	if s == next {
		return true
	}

	switch s {
	case StatePending:
		return true
	case StateRetried:
		return next != StateRetried
	case StateFailed:
		return next == StateRetried
	default:
		return false
	}
}

// CIInfo records the continuous integration provenance of a run.
type CIInfo struct {
	Provider string `json:"provider,omitempty"`
	BuildID  string `json:"build_id,omitempty"`
	BuildURL string `json:"build_url,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Commit   string `json:"commit,omitempty"`
}

// ErrorInfo is the structured failure of a test.
type ErrorInfo struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`
	Diff    string `json:"diff,omitempty"`
}

// Viewport is the browser viewport a test ran with.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// TestRun is one execution of a test suite.
type TestRun struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	StartTime time.Time      `gorm:"not null;index" json:"start_time"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Duration  int64          `gorm:"not null" json:"duration"`
	Total     int            `gorm:"not null" json:"total"`
	Passed    int            `gorm:"not null" json:"passed"`
	Failed    int            `gorm:"not null" json:"failed"`
	Skipped   int            `gorm:"not null" json:"skipped"`
	Pending   int            `gorm:"not null" json:"pending"`
	Retries   int            `gorm:"not null" json:"retries"`
	Runner    string         `gorm:"index" json:"runner"`
	Browser   string         `json:"browser"`
	SpecFiles []string       `gorm:"serializer:json;type:text" json:"spec_files,omitempty"`
	Config    map[string]any `gorm:"serializer:json;type:text" json:"config,omitempty"`
	CI        *CIInfo        `gorm:"column:ci;serializer:json;type:text" json:"ci,omitempty"`
	Status    RunStatus      `gorm:"not null;index;check:chk_test_runs_status,status IN ('running','completed','failed','cancelled')" json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	Results []TestResult `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"results,omitempty"`
}

// BeforeCreate assigns an id and normalizes timestamps.
func (r *TestRun) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	if r.Status == "" {
		r.Status = RunStatusRunning
	}

	r.StartTime = normalizeTime(r.StartTime)
	r.EndTime = normalizeTimePtr(r.EndTime)

	return nil
}

// AfterFind converts timestamps to UTC.
func (r *TestRun) AfterFind(_ *gorm.DB) error {
	r.StartTime = r.StartTime.UTC()
	r.EndTime = utcPtr(r.EndTime)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()

	return nil
}

// TestResult is the outcome of one test case within a run.
type TestResult struct {
	ID             string      `gorm:"primaryKey;size:36" json:"id"`
	RunID          string      `gorm:"not null;index;size:36" json:"run_id"`
	Title          string      `gorm:"not null" json:"title"`
	FullTitle      string      `gorm:"index" json:"full_title"`
	State          ResultState `gorm:"not null;index;check:chk_test_results_state,state IN ('passed','failed','skipped','pending','retried')" json:"state"`
	Duration       int64       `gorm:"not null" json:"duration"`
	Error          *ErrorInfo  `gorm:"serializer:json;type:text" json:"error,omitempty"`
	ErrorMessage   string      `gorm:"type:text" json:"-"`
	ScreenshotPath string      `json:"screenshot_path,omitempty"`
	Retries        int         `gorm:"not null" json:"retries"`
	CurrentRetry   int         `gorm:"not null" json:"current_retry"`
	File           string      `gorm:"index" json:"file"`
	Suite          string      `json:"suite"`
	Context        string      `gorm:"type:text" json:"context,omitempty"`
	Tags           []string    `gorm:"serializer:json;type:text" json:"tags,omitempty"`
	StartTime      time.Time   `gorm:"not null;index" json:"start_time"`
	EndTime        *time.Time  `json:"end_time,omitempty"`
	Browser        string      `json:"browser,omitempty"`
	Viewport       *Viewport   `gorm:"serializer:json;type:text" json:"viewport,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`

	Screenshots []Screenshot `gorm:"foreignKey:TestResultID;constraint:OnDelete:CASCADE" json:"screenshots,omitempty"`
}

// BeforeCreate assigns an id, fills defaults and normalizes timestamps.
func (r *TestResult) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	if r.State == "" {
		r.State = StatePending
	}

	if r.FullTitle == "" {
		r.FullTitle = r.Title
	}

	if r.Error != nil {
		r.ErrorMessage = r.Error.Message
	}

	r.StartTime = normalizeTime(r.StartTime)
	r.EndTime = normalizeTimePtr(r.EndTime)

	return nil
}

// AfterFind converts timestamps to UTC.
func (r *TestResult) AfterFind(_ *gorm.DB) error {
	r.StartTime = r.StartTime.UTC()
	r.EndTime = utcPtr(r.EndTime)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()

	return nil
}

// Screenshot is an image captured during a test.
type Screenshot struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	TestResultID  string    `gorm:"not null;index;size:36" json:"test_result_id"`
	Name          string    `json:"name"`
	Path          string    `gorm:"not null" json:"path"`
	ThumbnailPath string    `json:"thumbnail_path,omitempty"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	SizeBytes     int64     `json:"size_bytes"`
	Format        string    `json:"format"`
	CapturedAt    time.Time `gorm:"not null" json:"captured_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// BeforeCreate assigns an id and normalizes the capture time.
func (s *Screenshot) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	s.CapturedAt = normalizeTime(s.CapturedAt)

	return nil
}

// AfterFind converts timestamps to UTC.
func (s *Screenshot) AfterFind(_ *gorm.DB) error {
	s.CapturedAt = s.CapturedAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()

	return nil
}

// FilterPreset is a saved result filter.
type FilterPreset struct {
	ID          string             `gorm:"primaryKey;size:36" json:"id"`
	Name        string             `gorm:"not null;uniqueIndex" json:"name"`
	Description string             `json:"description,omitempty"`
	Criteria    query.ResultFilter `gorm:"serializer:json;type:text" json:"criteria"`
	IsDefault   bool               `gorm:"not null;index" json:"is_default"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// BeforeCreate assigns an id.
func (p *FilterPreset) BeforeCreate(_ *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	return nil
}

// AfterFind converts timestamps to UTC.
func (p *FilterPreset) AfterFind(_ *gorm.DB) error {
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()

	return nil
}

// Metadata is a key/value row.
type Metadata struct {
	Key       string    `gorm:"primaryKey;size:64"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName keeps the singular table name.
func (Metadata) TableName() string {
	return "metadata"
}

// Metadata keys.
const (
	MetaSchemaVersion = "schema_version"
	MetaCreatedAt     = "created_at"
)

// now is the clock used for generated timestamps.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return now()
	}

	return t.UTC().Truncate(time.Millisecond)
}

func normalizeTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	n := normalizeTime(*t)

	return &n
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	u := t.UTC()

	return &u
}
