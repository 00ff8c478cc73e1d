// Package ingest turns test runner lifecycle events into stored runs and
// results and announces every change to the real-time hub.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testoor/pkg/query"
	"github.com/ethpandaops/testoor/pkg/realtime"
	"github.com/ethpandaops/testoor/pkg/store"
)

// Gateway is the write path for telemetry. Every mutation is committed
// before it is published, and publishing never fails the write.
type Gateway struct {
	log    logrus.FieldLogger
	store  store.Store
	events realtime.Events
	now    func() time.Time
}

var _ Reporter = (*Gateway)(nil)

// NewGateway creates a gateway. A nil events sink discards notifications.
func NewGateway(log logrus.FieldLogger, st store.Store, events realtime.Events) *Gateway {
	if events == nil {
		events = realtime.Discard{}
	}

	return &Gateway{
		log:    log.WithField("component", "ingest"),
		store:  st,
		events: events,
		now:    time.Now,
	}
}

// RunStart creates a running run. Starting a run whose id already exists
// returns its context without creating anything.
func (g *Gateway) RunStart(ctx context.Context, details RunDetails) (*RunContext, error) {
	if details.ID != "" {
		existing, err := g.store.GetRun(ctx, details.ID)
		if err == nil {
			g.log.WithField("run", existing.ID).Info("Duplicate run start ignored")

			return contextFor(existing), nil
		}

		if !store.IsNotFound(err) {
			return nil, err
		}
	}

	start := details.StartTime
	if start.IsZero() {
		start = g.now()
	}

	run := &store.TestRun{
		ID:        details.ID,
		StartTime: start,
		Runner:    details.Runner,
		Browser:   details.Browser,
		SpecFiles: details.SpecFiles,
		Config:    details.Config,
		CI:        details.CI,
		Status:    store.RunStatusRunning,
	}

	if err := g.store.CreateRun(ctx, run); err != nil {
		ingestFailures.WithLabelValues("run_start").Inc()

		return nil, fmt.Errorf("creating run: %w", err)
	}

	ingestEvents.WithLabelValues("run_start").Inc()

	g.log.WithFields(logrus.Fields{
		"run":     run.ID,
		"runner":  run.Runner,
		"browser": run.Browser,
	}).Info("Run started")

	g.events.RunStarted(run)
	g.publishStatistics(ctx)

	return contextFor(run), nil
}

// Resume rebuilds the context of a stored run.
func (g *Gateway) Resume(ctx context.Context, runID string) (*RunContext, error) {
	run, err := g.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	return contextFor(run), nil
}

// SpecBefore only logs.
func (g *Gateway) SpecBefore(_ context.Context, rc *RunContext, spec Spec) {
	g.log.WithFields(logrus.Fields{
		"run":  rc.RunID,
		"spec": spec.File,
	}).Debug("Spec started")
}

// SpecAfter stores the results of one spec file. Cases whose id already
// exists update the stored result instead of inserting a new one. The
// results and the refreshed run counts commit together.
func (g *Gateway) SpecAfter(
	ctx context.Context, rc *RunContext, spec Spec, cases []TestCase,
) ([]store.TestResult, error) {
	for i, tc := range cases {
		if err := tc.validate(); err != nil {
			return nil, fmt.Errorf("test case %d: %w", i, err)
		}
	}

	saved := make([]store.TestResult, 0, len(cases))

	var run *store.TestRun

	err := g.store.InTx(ctx, func(tx store.Store) error {
		if err := requireRunning(ctx, tx, rc.RunID); err != nil {
			return err
		}

		for _, tc := range cases {
			state := tc.State
			if state == "" {
				state = store.StatePassed
			}

			result, err := g.save(ctx, tx, rc, spec, tc, state)
			if err != nil {
				return err
			}

			saved = append(saved, *result)
		}

		var err error

		run, err = refreshCounts(ctx, tx, rc.RunID)

		return err
	})
	if err != nil {
		ingestFailures.WithLabelValues("spec_after").Inc()

		return nil, fmt.Errorf("storing spec results: %w", err)
	}

	ingestEvents.WithLabelValues("spec_after").Inc()

	g.log.WithFields(logrus.Fields{
		"run":     rc.RunID,
		"spec":    spec.File,
		"results": len(saved),
	}).Debug("Spec finished")

	for i := range saved {
		g.announceResult(&saved[i])
	}

	g.events.RunUpdated(run)
	g.publishStatistics(ctx)

	return saved, nil
}

// RunEnd finalizes a run: counts are derived from the stored results and
// the status becomes terminal. A run that is already terminal is returned
// unchanged.
func (g *Gateway) RunEnd(ctx context.Context, rc *RunContext, summary RunSummary) (*store.TestRun, error) {
	if err := summary.validate(); err != nil {
		return nil, err
	}

	return g.finalize(ctx, rc, summary, "run_end")
}

// Cancel finalizes a running run as cancelled.
func (g *Gateway) Cancel(ctx context.Context, rc *RunContext) (*store.TestRun, error) {
	return g.finalize(ctx, rc, RunSummary{Status: store.RunStatusCancelled}, "cancel")
}

func (g *Gateway) finalize(
	ctx context.Context, rc *RunContext, summary RunSummary, event string,
) (*store.TestRun, error) {
	var (
		run      *store.TestRun
		finished bool
	)

	err := g.store.InTx(ctx, func(tx store.Store) error {
		current, err := tx.GetRun(ctx, rc.RunID)
		if err != nil {
			return err
		}

		if current.Status.Terminal() {
			run = current

			return nil
		}

		counts, err := tx.ComputeRunCounts(ctx, rc.RunID)
		if err != nil {
			return err
		}

		status := summary.Status
		if status == "" {
			status = store.RunStatusCompleted
			if counts.Failed > 0 {
				status = store.RunStatusFailed
			}
		}

		end := g.now()
		if summary.EndTime != nil {
			end = *summary.EndTime
		}

		duration := end.Sub(current.StartTime).Milliseconds()
		if summary.Duration != nil {
			duration = *summary.Duration
		}

		if duration < 0 {
			duration = 0
		}

		patch := store.RunPatch{
			Status:   &status,
			EndTime:  &end,
			Duration: &duration,
		}.WithCounts(*counts)

		run, err = tx.UpdateRun(ctx, rc.RunID, patch)
		finished = err == nil

		return err
	})
	if err != nil {
		ingestFailures.WithLabelValues(event).Inc()

		return nil, fmt.Errorf("finalizing run: %w", err)
	}

	if !finished {
		g.log.WithFields(logrus.Fields{
			"run":    run.ID,
			"status": run.Status,
		}).Info("Run already finalized")

		return run, nil
	}

	ingestEvents.WithLabelValues(event).Inc()

	g.log.WithFields(logrus.Fields{
		"run":      run.ID,
		"status":   run.Status,
		"total":    run.Total,
		"passed":   run.Passed,
		"failed":   run.Failed,
		"duration": run.Duration,
	}).Info("Run finished")

	g.events.RunCompleted(run)
	g.publishStatistics(ctx)

	return run, nil
}

// ScreenshotCaptured attaches a screenshot to a result of the run.
func (g *Gateway) ScreenshotCaptured(
	ctx context.Context, rc *RunContext, details ScreenshotDetails,
) (*store.Screenshot, error) {
	shot := &store.Screenshot{
		TestResultID:  details.TestResultID,
		Name:          details.Name,
		Path:          details.Path,
		ThumbnailPath: details.ThumbnailPath,
		Width:         details.Width,
		Height:        details.Height,
		SizeBytes:     details.SizeBytes,
		Format:        details.Format,
		CapturedAt:    details.CapturedAt,
	}

	err := g.store.InTx(ctx, func(tx store.Store) error {
		result, err := tx.GetResult(ctx, details.TestResultID)
		if err != nil {
			return err
		}

		if result.RunID != rc.RunID {
			return query.Invalid("test_result_id", "result %s belongs to another run", result.ID)
		}

		if err := tx.CreateScreenshot(ctx, shot); err != nil {
			return err
		}

		if result.ScreenshotPath == "" {
			_, err = tx.UpdateResult(ctx, result.ID, store.ResultPatch{ScreenshotPath: &shot.Path})
		}

		return err
	})
	if err != nil {
		ingestFailures.WithLabelValues("screenshot").Inc()

		return nil, fmt.Errorf("storing screenshot: %w", err)
	}

	ingestEvents.WithLabelValues("screenshot").Inc()

	g.events.ScreenshotTaken(rc.RunID, shot)

	return shot, nil
}

// OnRunStart implements Reporter.
func (g *Gateway) OnRunStart(ctx context.Context, details RunDetails) (*RunContext, error) {
	return g.RunStart(ctx, details)
}

// OnRunEnd implements Reporter.
func (g *Gateway) OnRunEnd(ctx context.Context, rc *RunContext, summary RunSummary) error {
	_, err := g.RunEnd(ctx, rc, summary)

	return err
}

// OnTestStart records a pending result.
func (g *Gateway) OnTestStart(ctx context.Context, rc *RunContext, tc TestCase) (*store.TestResult, error) {
	return g.transition(ctx, rc, tc, store.StatePending, "test_start")
}

// OnTestEnd records the outcome of a test. A missing state means passed.
func (g *Gateway) OnTestEnd(ctx context.Context, rc *RunContext, tc TestCase) (*store.TestResult, error) {
	state := tc.State
	if state == "" {
		state = store.StatePassed
	}

	if !state.Terminal() {
		return nil, query.Invalid("state", "test end needs a terminal state, got %q", state)
	}

	return g.transition(ctx, rc, tc, state, "test_end")
}

// OnTestRetry marks a result as retried and bumps its retry counters.
func (g *Gateway) OnTestRetry(ctx context.Context, rc *RunContext, tc TestCase) (*store.TestResult, error) {
	return g.transition(ctx, rc, tc, store.StateRetried, "test_retry")
}

func (g *Gateway) transition(
	ctx context.Context, rc *RunContext, tc TestCase, state store.ResultState, event string,
) (*store.TestResult, error) {
	if err := tc.validate(); err != nil {
		return nil, err
	}

	var result *store.TestResult

	err := g.store.InTx(ctx, func(tx store.Store) error {
		if err := requireRunning(ctx, tx, rc.RunID); err != nil {
			return err
		}

		if state == store.StateRetried && tc.ID != "" {
			existing, err := tx.GetResult(ctx, tc.ID)
			if err == nil {
				tc.Retries = max(tc.Retries, existing.Retries+1)
				tc.CurrentRetry = max(tc.CurrentRetry, existing.CurrentRetry+1)
			} else if !store.IsNotFound(err) {
				return err
			}
		}

		var err error

		result, err = g.save(ctx, tx, rc, Spec{}, tc, state)

		return err
	})
	if err != nil {
		ingestFailures.WithLabelValues(event).Inc()

		return nil, fmt.Errorf("recording %s: %w", event, err)
	}

	ingestEvents.WithLabelValues(event).Inc()

	g.announceResult(result)

	return result, nil
}

// save inserts a result or, when its id already exists, moves it to state.
func (g *Gateway) save(
	ctx context.Context, tx store.Store, rc *RunContext, spec Spec, tc TestCase, state store.ResultState,
) (*store.TestResult, error) {
	if tc.ID != "" {
		existing, err := tx.GetResult(ctx, tc.ID)

		switch {
		case err == nil:
			if existing.RunID != rc.RunID {
				return nil, query.Invalid("id", "result %s belongs to another run", tc.ID)
			}

			if !existing.State.CanTransition(state) {
				return nil, query.Invalid("state", "cannot move result %s from %s to %s",
					tc.ID, existing.State, state)
			}

			// Retry counters never move backwards.
			tc.Retries = max(tc.Retries, existing.Retries)
			tc.CurrentRetry = max(tc.CurrentRetry, existing.CurrentRetry)

			return tx.UpdateResult(ctx, tc.ID, tc.patch(state))
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	result := tc.result(rc, spec)
	result.State = state

	if err := tx.CreateResult(ctx, result); err != nil {
		return nil, err
	}

	return result, nil
}

func (g *Gateway) announceResult(result *store.TestResult) {
	resultStates.WithLabelValues(string(result.State)).Inc()

	switch {
	case result.State.Terminal():
		g.events.TestCompleted(result)
	case result.State == store.StatePending && result.CurrentRetry == 0:
		g.events.TestStarted(result)
	default:
		g.events.TestUpdated(result)
	}
}

// publishStatistics is best effort.
func (g *Gateway) publishStatistics(ctx context.Context) {
	stats, err := g.store.GlobalStats(ctx)
	if err != nil {
		g.log.WithError(err).Warn("Failed to compute statistics for broadcast")

		return
	}

	g.events.StatisticsUpdated(stats)
}

func requireRunning(ctx context.Context, tx store.Store, runID string) error {
	run, err := tx.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.Terminal() {
		return query.Invalid("run_id", "run %s is already %s", runID, run.Status)
	}

	return nil
}

func refreshCounts(ctx context.Context, tx store.Store, runID string) (*store.TestRun, error) {
	counts, err := tx.ComputeRunCounts(ctx, runID)
	if err != nil {
		return nil, err
	}

	return tx.UpdateRun(ctx, runID, store.RunPatch{}.WithCounts(*counts))
}

func contextFor(run *store.TestRun) *RunContext {
	return &RunContext{
		RunID:     run.ID,
		StartTime: run.StartTime,
		Runner:    run.Runner,
		Browser:   run.Browser,
	}
}
