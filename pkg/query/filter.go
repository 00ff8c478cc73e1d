package query

import (
	"strings"
	"time"
)

const (
	// DefaultLimit is the page size when none is requested.
	DefaultLimit = 50

	// MaxLimit caps the page size.
	MaxLimit = 1000

	// OrderAsc sorts ascending.
	OrderAsc = "asc"

	// OrderDesc sorts descending.
	OrderDesc = "desc"
)

// Sort keys accepted for results.
const (
	SortStartTime = "start_time"
	SortDuration  = "duration"
	SortTitle     = "title"
	SortStatus    = "status"
	SortTotal     = "total"
	SortFailed    = "failed"
)

// Page selects a window of matches.
type Page struct {
	Limit  int `json:"limit" mapstructure:"limit" validate:"gte=0,lte=1000"`
	Offset int `json:"offset" mapstructure:"offset" validate:"gte=0"`
}

// Sort selects the ordering of matches.
type Sort struct {
	Key   string `json:"key,omitempty" mapstructure:"sort"`
	Order string `json:"order,omitempty" mapstructure:"order" validate:"omitempty,oneof=asc desc"`
}

// Desc reports whether the order is descending.
func (s Sort) Desc() bool {
	return s.Order != OrderAsc
}

// ResultFilter selects test results. Predicates combine conjunctively;
// values inside a set predicate are alternatives.
type ResultFilter struct {
	RunID         string     `json:"run_id,omitempty" mapstructure:"run_id"`
	States        []string   `json:"states,omitempty" mapstructure:"states" validate:"omitempty,dive,oneof=passed failed skipped pending retried"`
	Files         []string   `json:"files,omitempty" mapstructure:"files" validate:"omitempty,dive,required"`
	Browsers      []string   `json:"browsers,omitempty" mapstructure:"browsers" validate:"omitempty,dive,required"`
	Tags          []string   `json:"tags,omitempty" mapstructure:"tags" validate:"omitempty,dive,required"`
	From          *time.Time `json:"from,omitempty" mapstructure:"from"`
	To            *time.Time `json:"to,omitempty" mapstructure:"to"`
	MinDuration   *int64     `json:"min_duration,omitempty" mapstructure:"min_duration" validate:"omitempty,gte=0"`
	MaxDuration   *int64     `json:"max_duration,omitempty" mapstructure:"max_duration" validate:"omitempty,gte=0"`
	Search        string     `json:"search,omitempty" mapstructure:"search" validate:"max=256"`
	HasRetries    *bool      `json:"has_retries,omitempty" mapstructure:"has_retries"`
	HasScreenshot *bool      `json:"has_screenshot,omitempty" mapstructure:"has_screenshot"`

	Page Page `json:"page" mapstructure:",squash"`
	Sort Sort `json:"sort" mapstructure:",squash"`
}

// Normalize fills defaults and converts times to UTC. It is applied
// before validation so a zero filter is valid.
func (f *ResultFilter) Normalize() {
	f.Search = strings.TrimSpace(f.Search)
	f.From = utc(f.From)
	f.To = utc(f.To)
	f.Page = f.Page.normalize()

	if f.Sort.Key == "" {
		f.Sort.Key = SortStartTime
	}

	if f.Sort.Order == "" {
		f.Sort.Order = OrderDesc
	}
}

// Validate checks field values and cross-field ranges.
func (f *ResultFilter) Validate() error {
	if err := Struct(f); err != nil {
		return err
	}

	if _, ok := resultSortColumns[f.Sort.Key]; f.Sort.Key != "" && !ok {
		return Invalid("sort.key", "unsupported sort key %q", f.Sort.Key)
	}

	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return Invalid("from", "must not be after to")
	}

	if f.MinDuration != nil && f.MaxDuration != nil && *f.MinDuration > *f.MaxDuration {
		return Invalid("min_duration", "must not exceed max_duration")
	}

	return nil
}

// RunFilter selects test runs.
type RunFilter struct {
	Statuses []string   `json:"statuses,omitempty" mapstructure:"statuses" validate:"omitempty,dive,oneof=running completed failed cancelled"`
	Browsers []string   `json:"browsers,omitempty" mapstructure:"browsers" validate:"omitempty,dive,required"`
	From     *time.Time `json:"from,omitempty" mapstructure:"from"`
	To       *time.Time `json:"to,omitempty" mapstructure:"to"`
	Search   string     `json:"search,omitempty" mapstructure:"search" validate:"max=256"`

	Page Page `json:"page" mapstructure:",squash"`
	Sort Sort `json:"sort" mapstructure:",squash"`
}

// Normalize fills defaults and converts times to UTC.
func (f *RunFilter) Normalize() {
	f.Search = strings.TrimSpace(f.Search)
	f.From = utc(f.From)
	f.To = utc(f.To)
	f.Page = f.Page.normalize()

	if f.Sort.Key == "" {
		f.Sort.Key = SortStartTime
	}

	if f.Sort.Order == "" {
		f.Sort.Order = OrderDesc
	}
}

// Validate checks field values and cross-field ranges.
func (f *RunFilter) Validate() error {
	if err := Struct(f); err != nil {
		return err
	}

	if _, ok := runSortColumns[f.Sort.Key]; f.Sort.Key != "" && !ok {
		return Invalid("sort.key", "unsupported sort key %q", f.Sort.Key)
	}

	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return Invalid("from", "must not be after to")
	}

	return nil
}

func (p Page) normalize() Page {
	if p.Limit == 0 {
		p.Limit = DefaultLimit
	}

	return p
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	u := t.UTC()

	return &u
}
