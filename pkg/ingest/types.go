package ingest

import (
	"time"

	"github.com/ethpandaops/testoor/pkg/query"
	"github.com/ethpandaops/testoor/pkg/store"
)

// RunDetails describes a run at start.
type RunDetails struct {
	ID        string         `json:"id,omitempty"`
	StartTime time.Time      `json:"start_time"`
	Runner    string         `json:"runner"`
	Browser   string         `json:"browser"`
	SpecFiles []string       `json:"spec_files,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	CI        *store.CIInfo  `json:"ci,omitempty"`
}

// RunContext identifies the run later calls belong to. It is returned by
// RunStart and passed back on every subsequent call.
type RunContext struct {
	RunID     string    `json:"run_id"`
	StartTime time.Time `json:"start_time"`
	Runner    string    `json:"runner,omitempty"`
	Browser   string    `json:"browser,omitempty"`
}

// Spec is one spec file.
type Spec struct {
	File  string `json:"file"`
	Title string `json:"title,omitempty"`
}

// TestCase is the reported outcome of one test.
type TestCase struct {
	ID             string            `json:"id,omitempty"`
	Title          string            `json:"title"`
	FullTitle      string            `json:"full_title,omitempty"`
	Suite          string            `json:"suite,omitempty"`
	File           string            `json:"file,omitempty"`
	State          store.ResultState `json:"state,omitempty"`
	Duration       int64             `json:"duration"`
	Error          *store.ErrorInfo  `json:"error,omitempty"`
	ScreenshotPath string            `json:"screenshot_path,omitempty"`
	Retries        int               `json:"retries,omitempty"`
	CurrentRetry   int               `json:"current_retry,omitempty"`
	Context        string            `json:"context,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        *time.Time        `json:"end_time,omitempty"`
	Browser        string            `json:"browser,omitempty"`
	Viewport       *store.Viewport   `json:"viewport,omitempty"`
}

func (tc TestCase) validate() error {
	if tc.Title == "" {
		return query.Invalid("title", "is required")
	}

	if tc.State != "" && !tc.State.Valid() {
		return query.Invalid("state", "unknown result state %q", tc.State)
	}

	if tc.Duration < 0 {
		return query.Invalid("duration", "must not be negative")
	}

	return nil
}

func (tc TestCase) result(rc *RunContext, spec Spec) *store.TestResult {
	file := tc.File
	if file == "" {
		file = spec.File
	}

	browser := tc.Browser
	if browser == "" {
		browser = rc.Browser
	}

	return &store.TestResult{
		ID:             tc.ID,
		RunID:          rc.RunID,
		Title:          tc.Title,
		FullTitle:      tc.FullTitle,
		State:          tc.State,
		Duration:       tc.Duration,
		Error:          tc.Error,
		ScreenshotPath: tc.ScreenshotPath,
		Retries:        tc.Retries,
		CurrentRetry:   tc.CurrentRetry,
		File:           file,
		Suite:          tc.Suite,
		Context:        tc.Context,
		Tags:           tc.Tags,
		StartTime:      tc.StartTime,
		EndTime:        tc.EndTime,
		Browser:        browser,
		Viewport:       tc.Viewport,
	}
}

func (tc TestCase) patch(state store.ResultState) store.ResultPatch {
	p := store.ResultPatch{
		State:        &state,
		Duration:     &tc.Duration,
		Error:        tc.Error,
		Retries:      &tc.Retries,
		CurrentRetry: &tc.CurrentRetry,
		EndTime:      tc.EndTime,
	}

	if tc.ScreenshotPath != "" {
		p.ScreenshotPath = &tc.ScreenshotPath
	}

	if tc.Context != "" {
		p.Context = &tc.Context
	}

	if tc.Tags != nil {
		p.Tags = &tc.Tags
	}

	return p
}

// RunSummary finalizes a run. Zero fields are derived from the stored
// results and the clock.
type RunSummary struct {
	EndTime  *time.Time      `json:"end_time,omitempty"`
	Duration *int64          `json:"duration,omitempty"`
	Status   store.RunStatus `json:"status,omitempty"`
}

func (s RunSummary) validate() error {
	if s.Status != "" && !s.Status.Terminal() {
		return query.Invalid("status", "must be a terminal run status, got %q", s.Status)
	}

	if s.Duration != nil && *s.Duration < 0 {
		return query.Invalid("duration", "must not be negative")
	}

	return nil
}

// ScreenshotDetails describes a captured screenshot.
type ScreenshotDetails struct {
	TestResultID  string    `json:"test_result_id"`
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	ThumbnailPath string    `json:"thumbnail_path,omitempty"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	SizeBytes     int64     `json:"size_bytes"`
	Format        string    `json:"format"`
	CapturedAt    time.Time `json:"captured_at"`
}
