package ingest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/ingest"
	"github.com/ethpandaops/testoor/pkg/query"
	"github.com/ethpandaops/testoor/pkg/store"
)

type recordedEvents struct {
	mu    sync.Mutex
	names []string
	runs  []*store.TestRun
}

func (r *recordedEvents) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.names = append(r.names, name)
}

func (r *recordedEvents) RunStarted(run *store.TestRun) {
	r.add("run-started")
	r.mu.Lock()
	r.runs = append(r.runs, run)
	r.mu.Unlock()
}
func (r *recordedEvents) RunCompleted(*store.TestRun)               { r.add("run-completed") }
func (r *recordedEvents) RunUpdated(*store.TestRun)                 { r.add("run-updated") }
func (r *recordedEvents) TestStarted(*store.TestResult)             { r.add("test-started") }
func (r *recordedEvents) TestCompleted(*store.TestResult)           { r.add("test-completed") }
func (r *recordedEvents) TestUpdated(*store.TestResult)             { r.add("test-updated") }
func (r *recordedEvents) ScreenshotTaken(string, *store.Screenshot) { r.add("screenshot-taken") }
func (r *recordedEvents) StatisticsUpdated(*store.GlobalStats)      { r.add("statistics") }

func (r *recordedEvents) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.names
	r.names = nil

	return out
}

func setupGateway(t *testing.T) (*ingest.Gateway, store.Store, *recordedEvents) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	events := &recordedEvents{}

	return ingest.NewGateway(log, s, events), s, events
}

func TestGateway_Lifecycle(t *testing.T) {
	g, s, events := setupGateway(t)
	ctx := context.Background()

	start := time.Now().Add(-time.Minute)

	rc, err := g.RunStart(ctx, ingest.RunDetails{
		StartTime: start,
		Runner:    "wdio",
		Browser:   "chrome",
		SpecFiles: []string{"login.spec.ts"},
		CI:        &store.CIInfo{Provider: "github", Branch: "main"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, rc.RunID)
	assert.Equal(t, []string{"run-started", "statistics"}, events.take())

	run, err := s.GetRun(ctx, rc.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, run.Status)

	g.SpecBefore(ctx, rc, ingest.Spec{File: "login.spec.ts"})
	assert.Empty(t, events.take(), "spec before has no effect")

	results, err := g.SpecAfter(ctx, rc, ingest.Spec{File: "login.spec.ts"}, []ingest.TestCase{
		{Title: "logs in", State: store.StatePassed, Duration: 120, StartTime: start},
		{
			Title: "rejects bad password", State: store.StateFailed, Duration: 300, StartTime: start,
			Error: &store.ErrorInfo{Name: "AssertionError", Message: "expected 401"},
		},
		{Title: "remembers me", State: store.StateSkipped, StartTime: start},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	for _, r := range results {
		assert.Equal(t, rc.RunID, r.RunID)
		assert.Equal(t, "login.spec.ts", r.File)
		assert.Equal(t, "chrome", r.Browser)
	}

	assert.Equal(t, []string{
		"test-completed", "test-completed", "test-completed", "run-updated", "statistics",
	}, events.take())

	run, err = s.GetRun(ctx, rc.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, run.Total)
	assert.Equal(t, store.RunStatusRunning, run.Status, "status stays running until run end")

	finished, err := g.RunEnd(ctx, rc, ingest.RunSummary{})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, finished.Status)
	assert.Equal(t, 3, finished.Total)
	assert.Equal(t, 1, finished.Passed)
	assert.Equal(t, 1, finished.Failed)
	assert.Equal(t, 1, finished.Skipped)
	require.NotNil(t, finished.EndTime)
	assert.GreaterOrEqual(t, finished.Duration, int64(59000))
	assert.Equal(t, []string{"run-completed", "statistics"}, events.take())

	// A duplicate run end returns the stored run and publishes nothing.
	again, err := g.RunEnd(ctx, rc, ingest.RunSummary{Status: store.RunStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, again.Status)
	assert.Empty(t, events.take())

	// Results can no longer be added to a finished run.
	_, err = g.SpecAfter(ctx, rc, ingest.Spec{}, []ingest.TestCase{{Title: "late"}})
	require.Error(t, err)
	assert.True(t, query.IsValidationError(err))
}

func TestGateway_RunEndDefaultsToCompleted(t *testing.T) {
	g, _, _ := setupGateway(t)
	ctx := context.Background()

	rc, err := g.RunStart(ctx, ingest.RunDetails{Runner: "wdio"})
	require.NoError(t, err)

	_, err = g.SpecAfter(ctx, rc, ingest.Spec{File: "a.spec.ts"}, []ingest.TestCase{
		{Title: "one"},
		{Title: "two", State: store.StatePassed},
	})
	require.NoError(t, err)

	duration := int64(4200)

	run, err := g.RunEnd(ctx, rc, ingest.RunSummary{Duration: &duration})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.Passed)
	assert.Equal(t, int64(4200), run.Duration)

	_, err = g.RunEnd(ctx, rc, ingest.RunSummary{Status: store.RunStatusRunning})
	assert.True(t, query.IsValidationError(err))
}

func TestGateway_OverlappingRuns(t *testing.T) {
	g, s, _ := setupGateway(t)
	ctx := context.Background()

	first, err := g.RunStart(ctx, ingest.RunDetails{Browser: "chrome"})
	require.NoError(t, err)

	second, err := g.RunStart(ctx, ingest.RunDetails{Browser: "firefox"})
	require.NoError(t, err)

	_, err = g.SpecAfter(ctx, second, ingest.Spec{File: "b.spec.ts"}, []ingest.TestCase{{Title: "b"}})
	require.NoError(t, err)

	_, err = g.SpecAfter(ctx, first, ingest.Spec{File: "a.spec.ts"}, []ingest.TestCase{
		{Title: "a1"}, {Title: "a2", State: store.StateFailed},
	})
	require.NoError(t, err)

	a, err := s.ListResultsForRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Len(t, a, 2)

	b, err := s.ListResultsForRun(ctx, second.RunID)
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, "firefox", b[0].Browser)

	_, err = g.RunEnd(ctx, first, ingest.RunSummary{})
	require.NoError(t, err)

	run, err := s.GetRun(ctx, second.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, run.Status, "ending one run leaves the other running")
}

func TestGateway_DuplicateRunStart(t *testing.T) {
	g, s, events := setupGateway(t)
	ctx := context.Background()

	rc, err := g.RunStart(ctx, ingest.RunDetails{ID: "fixed-id", Runner: "wdio"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", rc.RunID)
	events.take()

	again, err := g.RunStart(ctx, ingest.RunDetails{ID: "fixed-id", Runner: "other"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", again.RunID)
	assert.Equal(t, "wdio", again.Runner)
	assert.Empty(t, events.take())

	runs, total, err := s.ListRuns(ctx, query.RunFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, runs, 1)
}

func TestGateway_RetryCycle(t *testing.T) {
	g, s, events := setupGateway(t)
	ctx := context.Background()

	rc, err := g.RunStart(ctx, ingest.RunDetails{})
	require.NoError(t, err)
	events.take()

	tc := ingest.TestCase{ID: "t1", Title: "checkout", File: "cart.spec.ts"}

	started, err := g.OnTestStart(ctx, rc, tc)
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, started.State)

	retried, err := g.OnTestRetry(ctx, rc, tc)
	require.NoError(t, err)
	assert.Equal(t, store.StateRetried, retried.State)
	assert.Equal(t, 1, retried.Retries)
	assert.Equal(t, 1, retried.CurrentRetry)

	restarted, err := g.OnTestStart(ctx, rc, ingest.TestCase{
		ID: "t1", Title: "checkout", Retries: 1, CurrentRetry: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, restarted.State)

	tc.State = store.StatePassed
	tc.Retries = 1
	tc.CurrentRetry = 1

	done, err := g.OnTestEnd(ctx, rc, tc)
	require.NoError(t, err)
	assert.Equal(t, store.StatePassed, done.State)
	assert.Equal(t, 1, done.Retries)

	assert.Equal(t, []string{"test-started", "test-updated", "test-updated", "test-completed"}, events.take())

	results, err := s.ListResultsForRun(ctx, rc.RunID)
	require.NoError(t, err)
	assert.Len(t, results, 1, "the same id updates one row")

	// Terminal results do not move to another outcome.
	tc.State = store.StateFailed
	_, err = g.OnTestEnd(ctx, rc, tc)
	require.Error(t, err)
	assert.True(t, query.IsValidationError(err))

	// Duplicate delivery of the same outcome is harmless.
	tc.State = store.StatePassed
	_, err = g.OnTestEnd(ctx, rc, tc)
	require.NoError(t, err)

	counts, err := s.ComputeRunCounts(ctx, rc.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Passed)
	assert.Equal(t, 1, counts.Retries)
}

func TestGateway_TestEndRejectsNonTerminalState(t *testing.T) {
	g, _, _ := setupGateway(t)
	ctx := context.Background()

	rc, err := g.RunStart(ctx, ingest.RunDetails{})
	require.NoError(t, err)

	_, err = g.OnTestEnd(ctx, rc, ingest.TestCase{Title: "x", State: store.StatePending})
	assert.True(t, query.IsValidationError(err))

	_, err = g.OnTestStart(ctx, rc, ingest.TestCase{})
	assert.True(t, query.IsValidationError(err), "title is required")
}

func TestGateway_Screenshot(t *testing.T) {
	g, s, events := setupGateway(t)
	ctx := context.Background()

	rc, err := g.RunStart(ctx, ingest.RunDetails{})
	require.NoError(t, err)

	results, err := g.SpecAfter(ctx, rc, ingest.Spec{File: "a.spec.ts"}, []ingest.TestCase{
		{Title: "breaks", State: store.StateFailed},
	})
	require.NoError(t, err)
	events.take()

	shot, err := g.ScreenshotCaptured(ctx, rc, ingest.ScreenshotDetails{
		TestResultID: results[0].ID,
		Name:         "failure",
		Path:         "shots/breaks.png",
		Width:        1280,
		Height:       720,
		Format:       "png",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, shot.ID)
	assert.Equal(t, []string{"screenshot-taken"}, events.take())

	result, err := s.GetResult(ctx, results[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "shots/breaks.png", result.ScreenshotPath)
	require.Len(t, result.Screenshots, 1)

	other, err := g.RunStart(ctx, ingest.RunDetails{})
	require.NoError(t, err)

	_, err = g.ScreenshotCaptured(ctx, other, ingest.ScreenshotDetails{
		TestResultID: results[0].ID,
		Path:         "shots/x.png",
	})
	assert.True(t, query.IsValidationError(err))

	_, err = g.ScreenshotCaptured(ctx, rc, ingest.ScreenshotDetails{
		TestResultID: "missing",
		Path:         "shots/x.png",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGateway_CancelAndResume(t *testing.T) {
	g, _, events := setupGateway(t)
	ctx := context.Background()

	rc, err := g.RunStart(ctx, ingest.RunDetails{Runner: "wdio"})
	require.NoError(t, err)

	resumed, err := g.Resume(ctx, rc.RunID)
	require.NoError(t, err)
	assert.Equal(t, rc.RunID, resumed.RunID)
	assert.Equal(t, "wdio", resumed.Runner)
	events.take()

	run, err := g.Cancel(ctx, resumed)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCancelled, run.Status)
	assert.Equal(t, []string{"run-completed", "statistics"}, events.take())

	_, err = g.Resume(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
