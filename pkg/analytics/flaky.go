// Package analytics derives higher-level insights from stored test results.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testoor/pkg/query"
	"github.com/ethpandaops/testoor/pkg/store"
)

const (
	// Window is the trailing period flaky detection looks at.
	Window = 30 * 24 * time.Hour

	// DefaultThreshold is the failure ratio used when none is given.
	DefaultThreshold = 0.1

	// MinSamples is the fewest executions a test needs to be judged.
	MinSamples = 5
)

// FlakyTest is a test whose outcome varied over the window.
type FlakyTest struct {
	FullTitle string    `json:"full_title"`
	File      string    `json:"file"`
	Total     int64     `json:"total"`
	Failures  int64     `json:"failures"`
	Runs      int64     `json:"runs"`
	Ratio     float64   `json:"failure_ratio"`
	LastSeen  time.Time `json:"last_seen"`
}

// Source provides grouped outcome counts.
type Source interface {
	FlakyCandidates(ctx context.Context, since time.Time) ([]store.FlakyCandidate, error)
}

// Detector finds flaky tests.
type Detector interface {
	Flaky(ctx context.Context, threshold float64, limit int) ([]FlakyTest, error)
}

// Option configures a detector.
type Option func(*detector)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(d *detector) {
		d.now = now
	}
}

type detector struct {
	log    logrus.FieldLogger
	source Source
	now    func() time.Time
}

var _ Detector = (*detector)(nil)

// NewDetector creates a detector reading from source.
func NewDetector(log logrus.FieldLogger, source Source, opts ...Option) Detector {
	d := &detector{
		log:    log.WithField("component", "analytics"),
		source: source,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Flaky returns tests whose failure ratio over the trailing window is at
// least threshold and below 1. A threshold of zero selects the default.
// A limit of zero returns every match.
func (d *detector) Flaky(ctx context.Context, threshold float64, limit int) ([]FlakyTest, error) {
	threshold, err := NormalizeThreshold(threshold)
	if err != nil {
		return nil, err
	}

	if limit < 0 {
		return nil, query.Invalid("limit", "must not be negative")
	}

	since := d.now().Add(-Window)

	candidates, err := d.source.FlakyCandidates(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("loading flaky candidates: %w", err)
	}

	flaky := Classify(candidates, threshold, limit)

	d.log.WithFields(logrus.Fields{
		"threshold":  threshold,
		"candidates": len(candidates),
		"flaky":      len(flaky),
	}).Debug("Flaky detection finished")

	return flaky, nil
}

// NormalizeThreshold applies the default to a zero threshold and rejects
// values outside (0, 1].
func NormalizeThreshold(threshold float64) (float64, error) {
	if threshold == 0 {
		return DefaultThreshold, nil
	}

	if threshold < 0 || threshold > 1 {
		return 0, query.Invalid("threshold", "must be in (0, 1]")
	}

	return threshold, nil
}

// Classify keeps candidates with at least MinSamples executions and a
// failure ratio in [threshold, 1). Results are ordered by ratio, then
// total, both descending, then by title.
func Classify(candidates []store.FlakyCandidate, threshold float64, limit int) []FlakyTest {
	out := make([]FlakyTest, 0, len(candidates))

	for _, c := range candidates {
		if c.Total < MinSamples {
			continue
		}

		ratio := float64(c.Failures) / float64(c.Total)
		if ratio < threshold || ratio >= 1 {
			continue
		}

		out = append(out, FlakyTest{
			FullTitle: c.FullTitle,
			File:      c.File,
			Total:     c.Total,
			Failures:  c.Failures,
			Runs:      c.Runs,
			Ratio:     ratio,
			LastSeen:  c.LastSeen,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]

		if a.Ratio != b.Ratio {
			return a.Ratio > b.Ratio
		}

		if a.Total != b.Total {
			return a.Total > b.Total
		}

		if a.FullTitle != b.FullTitle {
			return a.FullTitle < b.FullTitle
		}

		return a.File < b.File
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out
}
