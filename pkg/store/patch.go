package store

import (
	"encoding/json"
	"time"

	"github.com/ethpandaops/testoor/pkg/query"
)

// RunPatch lists the mutable columns of a TestRun. Nil fields are left
// unchanged.
type RunPatch struct {
	Status   *RunStatus `json:"status,omitempty"`
	EndTime  *time.Time `json:"end_time,omitempty"`
	Duration *int64     `json:"duration,omitempty" validate:"omitempty,gte=0"`
	Total    *int       `json:"total,omitempty" validate:"omitempty,gte=0"`
	Passed   *int       `json:"passed,omitempty" validate:"omitempty,gte=0"`
	Failed   *int       `json:"failed,omitempty" validate:"omitempty,gte=0"`
	Skipped  *int       `json:"skipped,omitempty" validate:"omitempty,gte=0"`
	Pending  *int       `json:"pending,omitempty" validate:"omitempty,gte=0"`
	Retries  *int       `json:"retries,omitempty" validate:"omitempty,gte=0"`
	Runner   *string    `json:"runner,omitempty"`
	Browser  *string    `json:"browser,omitempty"`
	CI       *CIInfo    `json:"ci,omitempty"`
}

// Validate checks the supplied values.
func (p RunPatch) Validate() error {
	if err := query.Struct(p); err != nil {
		return err
	}

	if p.Status != nil && !p.Status.Valid() {
		return query.Invalid("status", "unknown run status %q", *p.Status)
	}

	return nil
}

// WithCounts sets every aggregate count from c.
func (p RunPatch) WithCounts(c RunCounts) RunPatch {
	p.Total = &c.Total
	p.Passed = &c.Passed
	p.Failed = &c.Failed
	p.Skipped = &c.Skipped
	p.Pending = &c.Pending
	p.Retries = &c.Retries

	return p
}

func (p RunPatch) columns() map[string]any {
	cols := make(map[string]any, 12)

	if p.Status != nil {
		cols["status"] = string(*p.Status)
	}

	if p.EndTime != nil {
		cols["end_time"] = normalizeTime(*p.EndTime)
	}

	setIfNotNil(cols, "duration", p.Duration)
	setIfNotNil(cols, "total", p.Total)
	setIfNotNil(cols, "passed", p.Passed)
	setIfNotNil(cols, "failed", p.Failed)
	setIfNotNil(cols, "skipped", p.Skipped)
	setIfNotNil(cols, "pending", p.Pending)
	setIfNotNil(cols, "retries", p.Retries)
	setIfNotNil(cols, "runner", p.Runner)
	setIfNotNil(cols, "browser", p.Browser)

	if p.CI != nil {
		cols["ci"] = jsonText(p.CI)
	}

	return cols
}

// ResultPatch lists the mutable columns of a TestResult.
type ResultPatch struct {
	State          *ResultState `json:"state,omitempty"`
	Duration       *int64       `json:"duration,omitempty" validate:"omitempty,gte=0"`
	Error          *ErrorInfo   `json:"error,omitempty"`
	ScreenshotPath *string      `json:"screenshot_path,omitempty"`
	Retries        *int         `json:"retries,omitempty" validate:"omitempty,gte=0"`
	CurrentRetry   *int         `json:"current_retry,omitempty" validate:"omitempty,gte=0"`
	Context        *string      `json:"context,omitempty" validate:"omitempty,max=65536"`
	Tags           *[]string    `json:"tags,omitempty" validate:"omitempty,dive,required"`
	EndTime        *time.Time   `json:"end_time,omitempty"`
}

// Validate checks the supplied values.
func (p ResultPatch) Validate() error {
	if err := query.Struct(p); err != nil {
		return err
	}

	if p.State != nil && !p.State.Valid() {
		return query.Invalid("state", "unknown result state %q", *p.State)
	}

	return nil
}

func (p ResultPatch) columns() map[string]any {
	cols := make(map[string]any, 10)

	if p.State != nil {
		cols["state"] = string(*p.State)
	}

	if p.Error != nil {
		cols["error"] = jsonText(p.Error)
		cols["error_message"] = p.Error.Message
	}

	if p.Tags != nil {
		cols["tags"] = jsonText(*p.Tags)
	}

	if p.EndTime != nil {
		cols["end_time"] = normalizeTime(*p.EndTime)
	}

	setIfNotNil(cols, "duration", p.Duration)
	setIfNotNil(cols, "screenshot_path", p.ScreenshotPath)
	setIfNotNil(cols, "retries", p.Retries)
	setIfNotNil(cols, "current_retry", p.CurrentRetry)
	setIfNotNil(cols, "context", p.Context)

	return cols
}

// RunMetadata is the part of a run that clients may edit once ingestion
// has finished with it. Status, timing and counts belong to ingestion.
type RunMetadata struct {
	Runner  *string `json:"runner,omitempty" validate:"omitempty,max=256"`
	Browser *string `json:"browser,omitempty" validate:"omitempty,max=256"`
	CI      *CIInfo `json:"ci,omitempty"`
}

func (m RunMetadata) patch() RunPatch {
	return RunPatch{Runner: m.Runner, Browser: m.Browser, CI: m.CI}
}

// ResultMetadata is the part of a result that clients may edit once it
// has reached a final state.
type ResultMetadata struct {
	ScreenshotPath *string   `json:"screenshot_path,omitempty" validate:"omitempty,max=4096"`
	Context        *string   `json:"context,omitempty" validate:"omitempty,max=65536"`
	Tags           *[]string `json:"tags,omitempty" validate:"omitempty,dive,required"`
}

func (m ResultMetadata) patch() ResultPatch {
	return ResultPatch{ScreenshotPath: m.ScreenshotPath, Context: m.Context, Tags: m.Tags}
}

// PresetPatch lists the mutable columns of a FilterPreset.
type PresetPatch struct {
	Name        *string             `json:"name,omitempty" validate:"omitempty,min=1,max=128"`
	Description *string             `json:"description,omitempty" validate:"omitempty,max=1024"`
	Criteria    *query.ResultFilter `json:"criteria,omitempty"`
	IsDefault   *bool               `json:"is_default,omitempty"`
}

// Validate checks the supplied values, including the embedded filter.
func (p PresetPatch) Validate() error {
	if err := query.Struct(p); err != nil {
		return err
	}

	if p.Criteria != nil {
		if err := p.Criteria.Validate(); err != nil {
			return err
		}
	}

	return nil
}

func (p PresetPatch) columns() map[string]any {
	cols := make(map[string]any, 4)

	setIfNotNil(cols, "name", p.Name)
	setIfNotNil(cols, "description", p.Description)
	setIfNotNil(cols, "is_default", p.IsDefault)

	if p.Criteria != nil {
		cols["criteria"] = jsonText(p.Criteria)
	}

	return cols
}

func setIfNotNil[T any](cols map[string]any, column string, v *T) {
	if v != nil {
		cols[column] = *v
	}
}

// jsonText encodes v the way the json serializer stores it. The
// patchable JSON columns only hold plain structs and string slices.
func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}

	return string(b)
}
