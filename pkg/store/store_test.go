package store_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/query"
	"github.com/ethpandaops/testoor/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func createRun(t *testing.T, s store.Store, start time.Time) *store.TestRun {
	t.Helper()

	run := &store.TestRun{
		StartTime: start,
		Runner:    "wdio",
		Browser:   "chrome",
	}
	require.NoError(t, s.CreateRun(context.Background(), run))

	return run
}

func createResult(
	t *testing.T, s store.Store, runID string, state store.ResultState, start time.Time,
) *store.TestResult {
	t.Helper()

	result := &store.TestResult{
		RunID:     runID,
		Title:     "test " + string(state),
		FullTitle: "suite test " + string(state),
		State:     state,
		File:      "spec/login.spec.ts",
		Suite:     "login",
		StartTime: start,
		Duration:  100,
	}
	require.NoError(t, s.CreateResult(context.Background(), result))

	return result
}

func TestStore_RunRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	end := time.Now().Add(time.Minute)
	run := &store.TestRun{
		StartTime: time.Now(),
		EndTime:   &end,
		Duration:  60000,
		Total:     3,
		Passed:    2,
		Failed:    1,
		Runner:    "wdio",
		Browser:   "firefox",
		SpecFiles: []string{"spec/a.spec.ts", "spec/b.spec.ts"},
		Config:    map[string]any{"baseUrl": "http://localhost", "headless": true},
		CI: &store.CIInfo{
			Provider: "github",
			BuildID:  "42",
			Branch:   "main",
			Commit:   "abc123",
		},
		Status: store.RunStatusRunning,
	}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NotEmpty(t, run.ID)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, run, got)
	assert.Equal(t, time.UTC, got.StartTime.Location())
}

func TestStore_ResultRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := createRun(t, s, time.Now())

	end := time.Now().Add(2 * time.Second)
	result := &store.TestResult{
		RunID:     run.ID,
		Title:     "logs in",
		FullTitle: "auth logs in",
		State:     store.StateFailed,
		Duration:  2000,
		Error: &store.ErrorInfo{
			Name:    "AssertionError",
			Message: "expected 200 got 500",
			Stack:   "at login.spec.ts:10",
		},
		ScreenshotPath: "shots/login.png",
		Retries:        1,
		CurrentRetry:   1,
		File:           "spec/login.spec.ts",
		Suite:          "auth",
		Context:        "user=alice",
		Tags:           []string{"smoke", "auth"},
		StartTime:      time.Now(),
		EndTime:        &end,
		Browser:        "chrome",
		Viewport:       &store.Viewport{Width: 1280, Height: 720},
	}
	require.NoError(t, s.CreateResult(ctx, result))

	got, err := s.GetResult(ctx, result.ID)
	require.NoError(t, err)

	assert.Empty(t, got.Screenshots)
	got.Screenshots = nil

	assert.Equal(t, result, got)
	assert.Equal(t, "expected 200 got 500", got.ErrorMessage)
}

func TestStore_ResultRequiresExistingRun(t *testing.T) {
	s := setupTestStore(t)

	err := s.CreateResult(context.Background(), &store.TestResult{
		RunID: "does-not-exist",
		Title: "orphan",
		State: store.StatePassed,
	})
	require.Error(t, err)
}

func TestStore_ResultRejectsUnknownState(t *testing.T) {
	s := setupTestStore(t)
	run := createRun(t, s, time.Now())

	err := s.CreateResult(context.Background(), &store.TestResult{
		RunID: run.ID,
		Title: "weird",
		State: store.ResultState("exploded"),
	})
	require.Error(t, err)
	assert.True(t, query.IsValidationError(err))
}

func TestStore_DeleteRunCascades(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := createRun(t, s, time.Now())
	other := createRun(t, s, time.Now())

	result := createResult(t, s, run.ID, store.StateFailed, time.Now())
	kept := createResult(t, s, other.ID, store.StatePassed, time.Now())

	require.NoError(t, s.CreateScreenshot(ctx, &store.Screenshot{
		TestResultID: result.ID,
		Name:         "failure",
		Path:         "shots/failure.png",
		Width:        800,
		Height:       600,
		SizeBytes:    2048,
		Format:       "png",
	}))

	require.NoError(t, s.DeleteRun(ctx, run.ID))

	_, err := s.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetResult(ctx, result.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	shots, err := s.ListScreenshots(ctx, result.ID)
	require.NoError(t, err)
	assert.Empty(t, shots)

	// Other runs are untouched.
	_, err = s.GetResult(ctx, kept.ID)
	require.NoError(t, err)
}

func TestStore_DeleteResultCascadesScreenshots(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := createRun(t, s, time.Now())
	result := createResult(t, s, run.ID, store.StateFailed, time.Now())

	for i := 0; i < 2; i++ {
		require.NoError(t, s.CreateScreenshot(ctx, &store.Screenshot{
			TestResultID: result.ID,
			Name:         fmt.Sprintf("shot-%d", i),
			Path:         fmt.Sprintf("shots/%d.png", i),
			CapturedAt:   time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.GetResult(ctx, result.ID)
	require.NoError(t, err)
	require.Len(t, got.Screenshots, 2)
	assert.Equal(t, "shot-0", got.Screenshots[0].Name)

	require.NoError(t, s.DeleteResult(ctx, result.ID))

	shots, err := s.ListScreenshots(ctx, result.ID)
	require.NoError(t, err)
	assert.Empty(t, shots)

	_, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err, "deleting a result must not delete its run")
}

func TestStore_NotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	status := store.RunStatusCompleted
	duration := int64(5)

	tests := []struct {
		name string
		fn   func() error
	}{
		{
			name: "get run",
			fn: func() error {
				_, err := s.GetRun(ctx, "missing")
				return err
			},
		},
		{
			name: "update run",
			fn: func() error {
				_, err := s.UpdateRun(ctx, "missing", store.RunPatch{Status: &status})
				return err
			},
		},
		{
			name: "delete run",
			fn:   func() error { return s.DeleteRun(ctx, "missing") },
		},
		{
			name: "get result",
			fn: func() error {
				_, err := s.GetResult(ctx, "missing")
				return err
			},
		},
		{
			name: "update result",
			fn: func() error {
				_, err := s.UpdateResult(ctx, "missing", store.ResultPatch{Duration: &duration})
				return err
			},
		},
		{
			name: "delete result",
			fn:   func() error { return s.DeleteResult(ctx, "missing") },
		},
		{
			name: "delete preset",
			fn:   func() error { return s.DeletePreset(ctx, "missing") },
		},
		{
			name: "default preset",
			fn: func() error {
				_, err := s.GetDefaultPreset(ctx)
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			require.Error(t, err)
			assert.ErrorIs(t, err, store.ErrNotFound)
			assert.True(t, store.IsNotFound(err))
		})
	}
}

func TestStore_UpdateRunPatchLeavesOtherFields(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &store.TestRun{
		StartTime: time.Now(),
		Runner:    "wdio",
		Browser:   "chrome",
		SpecFiles: []string{"a.spec.ts"},
		Total:     4,
		Passed:    4,
	}
	require.NoError(t, s.CreateRun(ctx, run))

	status := store.RunStatusCompleted
	end := time.Now().Add(time.Minute)

	updated, err := s.UpdateRun(ctx, run.ID, store.RunPatch{
		Status:  &status,
		EndTime: &end,
	})
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusCompleted, updated.Status)
	require.NotNil(t, updated.EndTime)
	assert.Equal(t, end.UTC().Truncate(time.Millisecond), *updated.EndTime)

	assert.Equal(t, "wdio", updated.Runner)
	assert.Equal(t, "chrome", updated.Browser)
	assert.Equal(t, []string{"a.spec.ts"}, updated.SpecFiles)
	assert.Equal(t, 4, updated.Total)
	assert.Equal(t, 4, updated.Passed)
	assert.Equal(t, run.StartTime, updated.StartTime)
}

func TestStore_UpdateRunRejectsInvalidPatch(t *testing.T) {
	s := setupTestStore(t)
	run := createRun(t, s, time.Now())

	bogus := store.RunStatus("exploded")
	_, err := s.UpdateRun(context.Background(), run.ID, store.RunPatch{Status: &bogus})
	require.Error(t, err)
	assert.True(t, query.IsValidationError(err))

	negative := -1
	_, err = s.UpdateRun(context.Background(), run.ID, store.RunPatch{Total: &negative})
	require.Error(t, err)
	assert.True(t, query.IsValidationError(err))
}

func TestStore_UpdateMetadata(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	running := createRun(t, s, time.Now())

	finished := createRun(t, s, time.Now())
	status := store.RunStatusCompleted
	_, err := s.UpdateRun(ctx, finished.ID, store.RunPatch{Status: &status})
	require.NoError(t, err)

	pending := createResult(t, s, finished.ID, store.StatePending, time.Now())
	retried := createResult(t, s, finished.ID, store.StateRetried, time.Now())
	passed := createResult(t, s, finished.ID, store.StatePassed, time.Now())

	browser := "firefox"
	note := "checked by hand"
	long := strings.Repeat("x", 65537)

	tests := []struct {
		name      string
		fn        func() error
		validates bool
		notFound  bool
	}{
		{
			name: "running run",
			fn: func() error {
				_, err := s.UpdateRunMetadata(ctx, running.ID, store.RunMetadata{Browser: &browser})
				return err
			},
			validates: true,
		},
		{
			name: "missing run",
			fn: func() error {
				_, err := s.UpdateRunMetadata(ctx, "missing", store.RunMetadata{Browser: &browser})
				return err
			},
			notFound: true,
		},
		{
			name: "pending result",
			fn: func() error {
				_, err := s.UpdateResultMetadata(ctx, pending.ID, store.ResultMetadata{Context: &note})
				return err
			},
			validates: true,
		},
		{
			name: "retried result",
			fn: func() error {
				_, err := s.UpdateResultMetadata(ctx, retried.ID, store.ResultMetadata{Context: &note})
				return err
			},
			validates: true,
		},
		{
			name: "oversized context",
			fn: func() error {
				_, err := s.UpdateResultMetadata(ctx, passed.ID, store.ResultMetadata{Context: &long})
				return err
			},
			validates: true,
		},
		{
			name: "missing result",
			fn: func() error {
				_, err := s.UpdateResultMetadata(ctx, "missing", store.ResultMetadata{Context: &note})
				return err
			},
			notFound: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			require.Error(t, err)
			assert.Equal(t, tt.validates, query.IsValidationError(err))
			assert.Equal(t, tt.notFound, store.IsNotFound(err))
		})
	}

	run, err := s.UpdateRunMetadata(ctx, finished.ID, store.RunMetadata{Browser: &browser})
	require.NoError(t, err)
	assert.Equal(t, "firefox", run.Browser)
	assert.Equal(t, "wdio", run.Runner)
	assert.Equal(t, store.RunStatusCompleted, run.Status)

	result, err := s.UpdateResultMetadata(ctx, passed.ID, store.ResultMetadata{Context: &note})
	require.NoError(t, err)
	assert.Equal(t, note, result.Context)
	assert.Equal(t, store.StatePassed, result.State)
	assert.Equal(t, int64(100), result.Duration)
}

func TestStore_UpdateResultPatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := createRun(t, s, time.Now())
	result := createResult(t, s, run.ID, store.StatePending, time.Now())

	state := store.StateFailed
	tags := []string{"regression"}

	updated, err := s.UpdateResult(ctx, result.ID, store.ResultPatch{
		State: &state,
		Error: &store.ErrorInfo{Name: "TimeoutError", Message: "timed out"},
		Tags:  &tags,
	})
	require.NoError(t, err)

	assert.Equal(t, store.StateFailed, updated.State)
	require.NotNil(t, updated.Error)
	assert.Equal(t, "TimeoutError", updated.Error.Name)
	assert.Equal(t, "timed out", updated.ErrorMessage)
	assert.Equal(t, []string{"regression"}, updated.Tags)

	// Untouched fields keep their values.
	assert.Equal(t, result.Title, updated.Title)
	assert.Equal(t, result.File, updated.File)
	assert.Equal(t, result.Duration, updated.Duration)
}

func TestStore_InTx(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var runID string

	err := s.InTx(ctx, func(tx store.Store) error {
		run := &store.TestRun{StartTime: time.Now(), Runner: "wdio"}
		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}

		runID = run.ID

		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	_, err = s.GetRun(ctx, runID)
	assert.ErrorIs(t, err, store.ErrNotFound, "rolled back run must not exist")

	err = s.InTx(ctx, func(tx store.Store) error {
		run := &store.TestRun{StartTime: time.Now(), Runner: "wdio"}
		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}

		runID = run.ID

		return tx.CreateResult(ctx, &store.TestResult{
			RunID: run.ID,
			Title: "inside tx",
			State: store.StatePassed,
		})
	})
	require.NoError(t, err)

	results, err := s.ListResultsForRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "inside tx", results[0].FullTitle)
}

func TestStore_ListResultsByState(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	run := createRun(t, s, base)

	states := []store.ResultState{
		store.StatePassed,
		store.StateFailed,
		store.StatePassed,
		store.StateFailed,
		store.StatePassed,
	}

	var failedIDs []string

	for i, state := range states {
		r := createResult(t, s, run.ID, state, base.Add(time.Duration(i)*time.Minute))
		if state == store.StateFailed {
			failedIDs = append(failedIDs, r.ID)
		}
	}

	results, total, err := s.ListResults(ctx, query.ResultFilter{States: []string{"failed"}})
	require.NoError(t, err)

	assert.Equal(t, int64(2), total)
	require.Len(t, results, 2)

	// Newest first.
	assert.Equal(t, failedIDs[1], results[0].ID)
	assert.Equal(t, failedIDs[0], results[1].ID)
	assert.True(t, results[0].StartTime.After(results[1].StartTime))
}

func TestStore_ListResultsFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	run := createRun(t, s, base)
	other := createRun(t, s, base)

	fixtures := []*store.TestResult{
		{
			RunID: run.ID, Title: "checkout 100% discount", State: store.StatePassed,
			File: "cart.spec.ts", Browser: "chrome", Duration: 50,
			Tags: []string{"smoke"}, StartTime: base.Add(time.Minute),
		},
		{
			RunID: run.ID, Title: "login", State: store.StateFailed,
			File: "auth.spec.ts", Browser: "firefox", Duration: 1500,
			Error:   &store.ErrorInfo{Message: "Element not found"},
			Retries: 2, StartTime: base.Add(2 * time.Minute),
			ScreenshotPath: "shots/login.png",
		},
		{
			RunID: other.ID, Title: "logout", State: store.StateSkipped,
			File: "auth.spec.ts", Browser: "chrome", Duration: 0,
			Tags: []string{"smoke_slow"}, StartTime: base.Add(3 * time.Minute),
		},
	}

	for _, f := range fixtures {
		require.NoError(t, s.CreateResult(ctx, f))
	}

	minDuration := int64(100)
	yes := true
	no := false
	from := base.Add(90 * time.Second)

	tests := []struct {
		name   string
		filter query.ResultFilter
		want   []string
	}{
		{
			name:   "search title case insensitive",
			filter: query.ResultFilter{Search: "LOGIN"},
			want:   []string{"login"},
		},
		{
			name:   "search error message",
			filter: query.ResultFilter{Search: "not found"},
			want:   []string{"login"},
		},
		{
			name:   "search escapes wildcards",
			filter: query.ResultFilter{Search: "100%"},
			want:   []string{"checkout 100% discount"},
		},
		{
			name:   "tag exact match",
			filter: query.ResultFilter{Tags: []string{"smoke"}},
			want:   []string{"checkout 100% discount"},
		},
		{
			name:   "files are alternatives",
			filter: query.ResultFilter{Files: []string{"auth.spec.ts"}, Sort: query.Sort{Key: "title", Order: "asc"}},
			want:   []string{"login", "logout"},
		},
		{
			name:   "predicates are conjunctive",
			filter: query.ResultFilter{Files: []string{"auth.spec.ts"}, Browsers: []string{"chrome"}},
			want:   []string{"logout"},
		},
		{
			name:   "min duration",
			filter: query.ResultFilter{MinDuration: &minDuration},
			want:   []string{"login"},
		},
		{
			name:   "has retries",
			filter: query.ResultFilter{HasRetries: &yes},
			want:   []string{"login"},
		},
		{
			name:   "has screenshot",
			filter: query.ResultFilter{HasScreenshot: &yes},
			want:   []string{"login"},
		},
		{
			name:   "without screenshot",
			filter: query.ResultFilter{HasScreenshot: &no, Sort: query.Sort{Key: "title", Order: "asc"}},
			want:   []string{"checkout 100% discount", "logout"},
		},
		{
			name:   "run scoped",
			filter: query.ResultFilter{RunID: other.ID},
			want:   []string{"logout"},
		},
		{
			name:   "date range",
			filter: query.ResultFilter{From: &from, Sort: query.Sort{Key: "start_time", Order: "asc"}},
			want:   []string{"login", "logout"},
		},
		{
			name:   "sort by duration",
			filter: query.ResultFilter{Sort: query.Sort{Key: "duration", Order: "desc"}},
			want:   []string{"login", "checkout 100% discount", "logout"},
		},
		{
			name:   "pagination",
			filter: query.ResultFilter{Page: query.Page{Limit: 1, Offset: 1}, Sort: query.Sort{Key: "title", Order: "asc"}},
			want:   []string{"login"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, _, err := s.ListResults(ctx, tt.filter)
			require.NoError(t, err)

			titles := make([]string, 0, len(results))
			for _, r := range results {
				titles = append(titles, r.Title)
			}

			assert.Equal(t, tt.want, titles)
		})
	}
}

func TestStore_ListResultsTieBreakByID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	start := time.Now()
	run := createRun(t, s, start)

	for _, id := range []string{"b", "c", "a"} {
		require.NoError(t, s.CreateResult(ctx, &store.TestResult{
			ID: id, RunID: run.ID, Title: id, State: store.StatePassed, StartTime: start,
		}))
	}

	results, _, err := s.ListResults(ctx, query.ResultFilter{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{results[0].ID, results[1].ID, results[2].ID})
}

func TestStore_ListResultsInvalidFilter(t *testing.T) {
	s := setupTestStore(t)

	_, _, err := s.ListResults(context.Background(), query.ResultFilter{
		Page: query.Page{Limit: 5000},
	})
	require.Error(t, err)
	assert.True(t, query.IsValidationError(err))
}

func TestStore_ListRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)

	for i, browser := range []string{"chrome", "firefox", "chrome"} {
		run := &store.TestRun{
			StartTime: base.Add(time.Duration(i) * time.Minute),
			Runner:    "wdio",
			Browser:   browser,
			Failed:    i,
		}
		require.NoError(t, s.CreateRun(ctx, run))
	}

	runs, total, err := s.ListRuns(ctx, query.RunFilter{Browsers: []string{"chrome"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, runs, 2)
	assert.Equal(t, 2, runs[0].Failed)

	runs, _, err = s.ListRuns(ctx, query.RunFilter{Sort: query.Sort{Key: "failed", Order: "asc"}})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, 0, runs[0].Failed)

	recent, err := s.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].StartTime.After(recent[1].StartTime))
}

func TestStore_Presets(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	failing := &store.FilterPreset{
		Name:      "Failing",
		Criteria:  query.ResultFilter{States: []string{"failed"}},
		IsDefault: true,
	}
	require.NoError(t, s.CreatePreset(ctx, failing))

	slow := &store.FilterPreset{
		Name:      "Slow",
		IsDefault: true,
	}
	require.NoError(t, s.CreatePreset(ctx, slow))

	def, err := s.GetDefaultPreset(ctx)
	require.NoError(t, err)
	assert.Equal(t, slow.ID, def.ID, "inserting a new default clears the old one")

	got, err := s.GetPreset(ctx, failing.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDefault)
	assert.Equal(t, []string{"failed"}, got.Criteria.States)

	yes := true
	_, err = s.UpdatePreset(ctx, failing.ID, store.PresetPatch{IsDefault: &yes})
	require.NoError(t, err)

	presets, err := s.ListPresets(ctx)
	require.NoError(t, err)
	require.Len(t, presets, 2)

	defaults := 0
	for _, p := range presets {
		if p.IsDefault {
			defaults++

			assert.Equal(t, failing.ID, p.ID)
		}
	}

	assert.Equal(t, 1, defaults)

	// Names are unique.
	err = s.CreatePreset(ctx, &store.FilterPreset{Name: "Slow"})
	require.Error(t, err)
	assert.True(t, query.IsValidationError(err))

	name := "Failing"
	_, err = s.UpdatePreset(ctx, slow.ID, store.PresetPatch{Name: &name})
	require.Error(t, err)
	assert.True(t, query.IsValidationError(err))

	require.NoError(t, s.DeletePreset(ctx, slow.ID))

	presets, err = s.ListPresets(ctx)
	require.NoError(t, err)
	assert.Len(t, presets, 1)
}

func TestStore_UniqueValues(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := createRun(t, s, time.Now())

	for _, file := range []string{"b.spec.ts", "a.spec.ts", "c.spec.ts", "a.spec.ts", "c.spec.ts", ""} {
		require.NoError(t, s.CreateResult(ctx, &store.TestResult{
			RunID: run.ID, Title: "t", State: store.StatePassed, File: file,
		}))
	}

	values, err := s.UniqueValues(ctx, "file", 0)
	require.NoError(t, err)

	assert.Equal(t, []store.FacetValue{
		{Value: "a.spec.ts", Count: 2},
		{Value: "c.spec.ts", Count: 2},
		{Value: "b.spec.ts", Count: 1},
	}, values)

	limited, err := s.UniqueValues(ctx, "file", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	runners, err := s.UniqueValues(ctx, "runner", 10)
	require.NoError(t, err)
	assert.Equal(t, []store.FacetValue{{Value: "wdio", Count: 1}}, runners)

	_, err = s.UniqueValues(ctx, "error_message", 10)
	require.Error(t, err)
	assert.True(t, query.IsValidationError(err))
}

func TestStore_DeleteRunsBefore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now()
	cutoff := now.AddDate(0, 0, -30)

	old1 := createRun(t, s, now.AddDate(0, 0, -45))
	old2 := createRun(t, s, now.AddDate(0, 0, -31))
	fresh := createRun(t, s, now.AddDate(0, 0, -29))
	current := createRun(t, s, now)

	createResult(t, s, old1.ID, store.StatePassed, old1.StartTime)
	createResult(t, s, fresh.ID, store.StatePassed, fresh.StartTime)

	deleted, err := s.DeleteRunsBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	for _, id := range []string{old1.ID, old2.ID} {
		_, err := s.GetRun(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)
	}

	for _, id := range []string{fresh.ID, current.ID} {
		_, err := s.GetRun(ctx, id)
		assert.NoError(t, err)
	}

	results, err := s.ListResultsForRun(ctx, old1.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_Statistics(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)

	run := createRun(t, s, yesterday)
	latest := createRun(t, s, now)

	createResult(t, s, run.ID, store.StatePassed, yesterday)
	createResult(t, s, run.ID, store.StateFailed, yesterday)
	createResult(t, s, latest.ID, store.StatePassed, now)
	createResult(t, s, latest.ID, store.StateSkipped, now)

	retried := createResult(t, s, latest.ID, store.StateRetried, now)
	retries := 2
	_, err := s.UpdateResult(ctx, retried.ID, store.ResultPatch{Retries: &retries})
	require.NoError(t, err)

	counts, err := s.ComputeRunCounts(ctx, latest.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCounts{Total: 3, Passed: 1, Skipped: 1, Pending: 1, Retries: 2}, *counts)

	global, err := s.GlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), global.TotalRuns)
	assert.Equal(t, int64(2), global.ActiveRuns)
	assert.Equal(t, int64(5), global.TotalTests)
	assert.Equal(t, int64(2), global.Passed)
	assert.Equal(t, int64(1), global.Failed)
	assert.Equal(t, int64(1), global.Retried)
	assert.InDelta(t, 66.67, global.PassRate, 0.001)
	assert.InDelta(t, 100.0, global.AverageDuration, 0.001)
	require.NotNil(t, global.LastRun)
	assert.Equal(t, latest.ID, global.LastRun.ID)

	runStats, err := s.RunStats(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, runStats.Counts.Total)
	assert.InDelta(t, 50.0, runStats.PassRate, 0.001)
	assert.Equal(t, int64(200), runStats.TotalDuration)
	assert.Equal(t, int64(1), runStats.Files)
	assert.Len(t, runStats.Slowest, 2)

	_, err = s.RunStats(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	trend, err := s.Trend(ctx, 3, now)
	require.NoError(t, err)
	require.Len(t, trend, 3)
	assert.Equal(t, "2026-06-08", trend[0].Date)
	assert.Equal(t, store.TrendPoint{Date: "2026-06-08"}, trend[0])
	assert.Equal(t, int64(1), trend[1].Runs)
	assert.Equal(t, int64(2), trend[1].Total)
	assert.Equal(t, int64(1), trend[1].Failed)
	assert.Equal(t, "2026-06-10", trend[2].Date)
	assert.Equal(t, int64(3), trend[2].Total)
	assert.InDelta(t, 100.0, trend[2].PassRate, 0.001)

	_, err = s.Trend(ctx, 0, now)
	assert.True(t, query.IsValidationError(err))
}

func TestStore_TrendBuckets(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	berlin := time.FixedZone("CEST", 2*60*60)

	starts := []struct {
		at    time.Time
		state store.ResultState
	}{
		{at: time.Date(2026, 6, 9, 0, 0, 0, 0, time.UTC), state: store.StatePassed},
		{at: time.Date(2026, 6, 9, 23, 59, 59, 999_000_000, time.UTC), state: store.StateFailed},
		// 01:30 in Berlin is still the previous UTC day.
		{at: time.Date(2026, 6, 10, 1, 30, 0, 0, berlin), state: store.StateSkipped},
		{at: time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC), state: store.StatePending},
		{at: time.Date(2026, 6, 7, 23, 0, 0, 0, time.UTC), state: store.StatePassed},
		{at: time.Date(2026, 6, 11, 0, 0, 0, 0, time.UTC), state: store.StatePassed},
	}

	for _, st := range starts {
		run := createRun(t, s, st.at)
		createResult(t, s, run.ID, st.state, st.at)
	}

	trend, err := s.Trend(ctx, 2, now)
	require.NoError(t, err)

	tests := []struct {
		name string
		got  store.TrendPoint
		want store.TrendPoint
	}{
		{
			name: "previous day",
			got:  trend[0],
			want: store.TrendPoint{
				Date: "2026-06-09", Runs: 3, Total: 3, Passed: 1, Failed: 1, Skipped: 1, PassRate: 50,
			},
		},
		{
			name: "today",
			got:  trend[1],
			want: store.TrendPoint{Date: "2026-06-10", Runs: 1, Total: 1},
		},
	}

	require.Len(t, trend, len(tests))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestStore_FlakyCandidates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now()

	for i := 0; i < 3; i++ {
		run := createRun(t, s, now.Add(-time.Duration(i)*time.Hour))

		for _, state := range []store.ResultState{store.StatePassed, store.StateFailed, store.StatePending} {
			require.NoError(t, s.CreateResult(ctx, &store.TestResult{
				RunID: run.ID, Title: "checkout", FullTitle: "cart checkout",
				File: "cart.spec.ts", State: state, StartTime: run.StartTime,
			}))
		}
	}

	old := createRun(t, s, now.AddDate(0, 0, -60))
	createResult(t, s, old.ID, store.StateFailed, old.StartTime)

	candidates, err := s.FlakyCandidates(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, "cart checkout", c.FullTitle)
	assert.Equal(t, "cart.spec.ts", c.File)
	assert.Equal(t, int64(6), c.Total)
	assert.Equal(t, int64(3), c.Failures)
	assert.Equal(t, int64(3), c.Runs)
	assert.WithinDuration(t, now, c.LastSeen, time.Second)
}

func TestStore_Maintenance(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := createRun(t, s, time.Now())
	createResult(t, s, run.ID, store.StatePassed, time.Now())

	dir := t.TempDir()

	// Seed older backups so pruning has something to remove.
	for _, name := range []string{"testoor-20200101T000000.000Z.db", "testoor-20200102T000000.000Z.db"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("old"), 0o644))
	}

	info, err := s.Backup(ctx, dir, 2)
	require.NoError(t, err)
	assert.FileExists(t, info.Path)
	assert.Positive(t, info.SizeBytes)
	assert.NotEmpty(t, info.Size)
	assert.Equal(t, []string{filepath.Join(dir, "testoor-20200101T000000.000Z.db")}, info.Pruned)

	backups, err := store.ListBackups(dir)
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, info.Path, backups[1])

	vac, err := s.Vacuum(ctx, 1.0)
	require.NoError(t, err)
	assert.False(t, vac.Ran)

	require.NoError(t, s.Analyze(ctx))
	require.NoError(t, s.Ping(ctx))

	stats, err := s.DatabaseStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", stats.Driver)
	assert.Equal(t, store.TargetSchemaVersion, stats.SchemaVersion)
	assert.Equal(t, int64(1), stats.Runs)
	assert.Equal(t, int64(1), stats.Results)
	assert.Positive(t, stats.SizeBytes)
	assert.Positive(t, stats.PageCount)
}

func TestStore_BackupRestoresReadableCopy(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := createRun(t, s, time.Now())

	info, err := s.Backup(ctx, t.TempDir(), 0)
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	restored := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: info.Path},
	})
	require.NoError(t, restored.Start(ctx))

	t.Cleanup(func() { _ = restored.Stop() })

	got, err := restored.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}
