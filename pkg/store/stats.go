package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ethpandaops/testoor/pkg/query"
)

// RunCounts are the aggregate counts of a run computed from its results.
type RunCounts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Pending int `json:"pending"`
	Retries int `json:"retries"`
}

// FacetValue is one distinct value of a faceted column.
type FacetValue struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// GlobalStats summarizes the whole history.
type GlobalStats struct {
	TotalRuns       int64    `json:"total_runs"`
	ActiveRuns      int64    `json:"active_runs"`
	TotalTests      int64    `json:"total_tests"`
	Passed          int64    `json:"passed"`
	Failed          int64    `json:"failed"`
	Skipped         int64    `json:"skipped"`
	Pending         int64    `json:"pending"`
	Retried         int64    `json:"retried"`
	PassRate        float64  `json:"pass_rate"`
	AverageDuration float64  `json:"average_duration"`
	LastRun         *TestRun `json:"last_run,omitempty"`
}

// SlowTest is a result ranked by duration.
type SlowTest struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	File     string `json:"file"`
	Duration int64  `json:"duration"`
}

// RunStats summarizes one run.
type RunStats struct {
	RunID           string     `json:"run_id"`
	Status          RunStatus  `json:"status"`
	Counts          RunCounts  `json:"counts"`
	PassRate        float64    `json:"pass_rate"`
	TotalDuration   int64      `json:"total_duration"`
	AverageDuration float64    `json:"average_duration"`
	Files           int64      `json:"files"`
	Slowest         []SlowTest `json:"slowest"`
}

// TrendPoint aggregates one UTC day.
type TrendPoint struct {
	Date     string  `json:"date"`
	Runs     int64   `json:"runs"`
	Total    int64   `json:"total"`
	Passed   int64   `json:"passed"`
	Failed   int64   `json:"failed"`
	Skipped  int64   `json:"skipped"`
	PassRate float64 `json:"pass_rate"`
}

// FlakyCandidate is a per-test outcome count over a window.
type FlakyCandidate struct {
	FullTitle string    `json:"full_title"`
	File      string    `json:"file"`
	Total     int64     `json:"total"`
	Failures  int64     `json:"failures"`
	Runs      int64     `json:"runs"`
	LastSeen  time.Time `json:"last_seen"`
}

const (
	// MaxTrendDays bounds the trend window.
	MaxTrendDays = 365

	slowestTests = 5
	dayLayout    = "2006-01-02"
)

type stateCount struct {
	State string
	Count int64
}

func (s *store) stateCounts(ctx context.Context, runID string) ([]stateCount, error) {
	db := s.db.WithContext(ctx).
		Model(&TestResult{}).
		Select("state, COUNT(*) AS count")

	if runID != "" {
		db = db.Where("run_id = ?", runID)
	}

	var rows []stateCount
	if err := db.Group("state").Scan(&rows).Error; err != nil {
		return nil, err
	}

	return rows, nil
}

// ComputeRunCounts derives aggregate counts from the stored results of a
// run. Pending and retried results count as pending.
func (s *store) ComputeRunCounts(ctx context.Context, runID string) (*RunCounts, error) {
	rows, err := s.stateCounts(ctx, runID)
	if err != nil {
		return nil, wrapErr("counting run results", err)
	}

	var counts RunCounts

	for _, row := range rows {
		n := int(row.Count)
		counts.Total += n

		switch ResultState(row.State) {
		case StatePassed:
			counts.Passed += n
		case StateFailed:
			counts.Failed += n
		case StateSkipped:
			counts.Skipped += n
		case StatePending, StateRetried:
			counts.Pending += n
		}
	}

	var retries int64
	if err := s.db.WithContext(ctx).
		Model(&TestResult{}).
		Select("COALESCE(SUM(retries), 0)").
		Where("run_id = ?", runID).
		Scan(&retries).Error; err != nil {
		return nil, wrapErr("summing retries", err)
	}

	counts.Retries = int(retries)

	return &counts, nil
}

// GlobalStats summarizes every stored run and result.
func (s *store) GlobalStats(ctx context.Context) (*GlobalStats, error) {
	var stats GlobalStats

	db := s.db.WithContext(ctx)

	if err := db.Model(&TestRun{}).Count(&stats.TotalRuns).Error; err != nil {
		return nil, wrapErr("counting runs", err)
	}

	if err := db.Model(&TestRun{}).
		Where("status = ?", RunStatusRunning).
		Count(&stats.ActiveRuns).Error; err != nil {
		return nil, wrapErr("counting active runs", err)
	}

	rows, err := s.stateCounts(ctx, "")
	if err != nil {
		return nil, wrapErr("counting results", err)
	}

	for _, row := range rows {
		stats.TotalTests += row.Count

		switch ResultState(row.State) {
		case StatePassed:
			stats.Passed = row.Count
		case StateFailed:
			stats.Failed = row.Count
		case StateSkipped:
			stats.Skipped = row.Count
		case StatePending:
			stats.Pending = row.Count
		case StateRetried:
			stats.Retried = row.Count
		}
	}

	stats.PassRate = passRate(stats.Passed, stats.Failed)

	if err := db.Model(&TestResult{}).
		Select("COALESCE(AVG(duration), 0)").
		Where("state IN ?", []ResultState{StatePassed, StateFailed}).
		Scan(&stats.AverageDuration).Error; err != nil {
		return nil, wrapErr("averaging durations", err)
	}

	stats.AverageDuration = round2(stats.AverageDuration)

	if stats.TotalRuns > 0 {
		var last TestRun
		if err := db.Order("start_time DESC").Order("id DESC").First(&last).Error; err != nil {
			return nil, wrapErr("getting latest run", err)
		}

		stats.LastRun = &last
	}

	return &stats, nil
}

// RunStats summarizes one run.
func (s *store) RunStats(ctx context.Context, runID string) (*RunStats, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	counts, err := s.ComputeRunCounts(ctx, runID)
	if err != nil {
		return nil, err
	}

	stats := RunStats{
		RunID:    run.ID,
		Status:   run.Status,
		Counts:   *counts,
		PassRate: passRate(int64(counts.Passed), int64(counts.Failed)),
		Slowest:  []SlowTest{},
	}

	db := s.db.WithContext(ctx)

	var agg struct {
		Total   int64
		Average float64
		Files   int64
	}

	if err := db.Model(&TestResult{}).
		Select("COALESCE(SUM(duration), 0) AS total, "+
			"COALESCE(AVG(duration), 0) AS average, "+
			"COUNT(DISTINCT file) AS files").
		Where("run_id = ?", runID).
		Scan(&agg).Error; err != nil {
		return nil, wrapErr("aggregating run durations", err)
	}

	stats.TotalDuration = agg.Total
	stats.AverageDuration = round2(agg.Average)
	stats.Files = agg.Files

	if err := db.Model(&TestResult{}).
		Select("id, title, file, duration").
		Where("run_id = ?", runID).
		Order("duration DESC").
		Order("id ASC").
		Limit(slowestTests).
		Scan(&stats.Slowest).Error; err != nil {
		return nil, wrapErr("ranking slow tests", err)
	}

	return &stats, nil
}

// Trend buckets runs and results by UTC day for the days ending on the
// day of now. Empty days are included.
func (s *store) Trend(ctx context.Context, days int, now time.Time) ([]TrendPoint, error) {
	if days < 1 || days > MaxTrendDays {
		return nil, query.Invalid("days", "must be between 1 and %d", MaxTrendDays)
	}

	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, -(days - 1))
	end := first.AddDate(0, 0, days)

	points := make([]TrendPoint, days)
	index := make(map[string]int, days)

	for i := range points {
		date := first.AddDate(0, 0, i).Format(dayLayout)
		points[i].Date = date
		index[date] = i
	}

	day := s.dayExpr("start_time")
	db := s.db.WithContext(ctx)

	var runs []struct {
		Day  string
		Runs int64
	}

	if err := db.Model(&TestRun{}).
		Select(day+" AS day, COUNT(*) AS runs").
		Where("start_time >= ? AND start_time < ?", first, end).
		Group("day").
		Scan(&runs).Error; err != nil {
		return nil, wrapErr("grouping runs for trend", err)
	}

	for _, row := range runs {
		if i, ok := index[row.Day]; ok {
			points[i].Runs = row.Runs
		}
	}

	var results []struct {
		Day     string
		Total   int64
		Passed  int64
		Failed  int64
		Skipped int64
	}

	if err := db.Model(&TestResult{}).
		Select(day+" AS day, COUNT(*) AS total, "+
			"SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS passed, "+
			"SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS failed, "+
			"SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS skipped",
			StatePassed, StateFailed, StateSkipped).
		Where("start_time >= ? AND start_time < ?", first, end).
		Group("day").
		Scan(&results).Error; err != nil {
		return nil, wrapErr("grouping results for trend", err)
	}

	for _, row := range results {
		i, ok := index[row.Day]
		if !ok {
			continue
		}

		points[i].Total = row.Total
		points[i].Passed = row.Passed
		points[i].Failed = row.Failed
		points[i].Skipped = row.Skipped
	}

	for i := range points {
		points[i].PassRate = passRate(points[i].Passed, points[i].Failed)
	}

	return points, nil
}

// dayExpr renders a timestamp column as its UTC YYYY-MM-DD date.
func (s *store) dayExpr(column string) string {
	if s.cfg.Driver == driverPostgres {
		return "to_char(" + column + " AT TIME ZONE 'UTC', 'YYYY-MM-DD')"
	}

	return "strftime('%Y-%m-%d', " + column + ")"
}

// FlakyCandidates groups results started at or after since by full title
// and file. Pending results have no outcome yet and are not counted.
func (s *store) FlakyCandidates(ctx context.Context, since time.Time) ([]FlakyCandidate, error) {
	var rows []struct {
		FullTitle string
		File      string
		Total     int64
		Failures  int64
		Runs      int64
		LastSeen  string
	}

	if err := s.db.WithContext(ctx).
		Model(&TestResult{}).
		Select("full_title, file, "+
			"COUNT(*) AS total, "+
			"SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS failures, "+
			"COUNT(DISTINCT run_id) AS runs, "+
			"MAX(start_time) AS last_seen", StateFailed).
		Where("start_time >= ? AND state <> ?", since.UTC(), StatePending).
		Group("full_title, file").
		Scan(&rows).Error; err != nil {
		return nil, wrapErr("grouping flaky candidates", err)
	}

	out := make([]FlakyCandidate, 0, len(rows))

	for _, row := range rows {
		lastSeen, err := parseDBTime(row.LastSeen)
		if err != nil {
			s.log.WithError(err).WithField("full_title", row.FullTitle).
				Debug("Unparsable last seen time")
		}

		out = append(out, FlakyCandidate{
			FullTitle: row.FullTitle,
			File:      row.File,
			Total:     row.Total,
			Failures:  row.Failures,
			Runs:      row.Runs,
			LastSeen:  lastSeen,
		})
	}

	return out, nil
}

// UniqueValues returns the distinct non-empty values of a faceted column
// ordered by count descending, then value ascending.
func (s *store) UniqueValues(ctx context.Context, field string, limit int) ([]FacetValue, error) {
	facet, err := query.LookupFacet(field)
	if err != nil {
		return nil, err
	}

	column := facet.Column

	values := []FacetValue{}
	if err := s.db.WithContext(ctx).
		Table(facet.Table).
		Select(column+" AS value, COUNT(*) AS count").
		Where(column + " IS NOT NULL AND " + column + " <> ''").
		Group(column).
		Order("count DESC").
		Order("value ASC").
		Limit(query.FacetLimit(limit)).
		Scan(&values).Error; err != nil {
		return nil, wrapErr("listing unique values", err)
	}

	return values, nil
}

var dbTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

// parseDBTime parses an aggregated timestamp, which drivers may return
// as text.
func parseDBTime(value string) (time.Time, error) {
	for _, layout := range dbTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time %q", value)
}

// passRate is the percentage of executed tests that passed.
func passRate(passed, failed int64) float64 {
	executed := passed + failed
	if executed == 0 {
		return 0
	}

	return round2(float64(passed) / float64(executed) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
