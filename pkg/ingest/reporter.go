package ingest

import (
	"context"

	"github.com/ethpandaops/testoor/pkg/query"
	"github.com/ethpandaops/testoor/pkg/store"
)

// Reporter receives fine-grained lifecycle callbacks from a test runner
// adapter.
type Reporter interface {
	OnRunStart(ctx context.Context, details RunDetails) (*RunContext, error)
	OnRunEnd(ctx context.Context, rc *RunContext, summary RunSummary) error
	OnTestStart(ctx context.Context, rc *RunContext, tc TestCase) (*store.TestResult, error)
	OnTestEnd(ctx context.Context, rc *RunContext, tc TestCase) (*store.TestResult, error)
	OnTestRetry(ctx context.Context, rc *RunContext, tc TestCase) (*store.TestResult, error)
}

// EventKind names a lifecycle event.
type EventKind string

// Lifecycle event kinds.
const (
	EventRunStart  EventKind = "run:start"
	EventRunEnd    EventKind = "run:end"
	EventTestStart EventKind = "test:start"
	EventTestEnd   EventKind = "test:end"
	EventTestRetry EventKind = "test:retry"
)

// LifecycleEvent is a generic runner callback.
type LifecycleEvent struct {
	Kind    EventKind   `json:"kind"`
	Run     *RunDetails `json:"run,omitempty"`
	Summary *RunSummary `json:"summary,omitempty"`
	Test    *TestCase   `json:"test,omitempty"`
}

// Dispatch routes ev to the matching Reporter callback. It returns the
// run context to use for subsequent events: a new one after run start,
// rc otherwise.
func Dispatch(ctx context.Context, r Reporter, rc *RunContext, ev LifecycleEvent) (*RunContext, error) {
	if ev.Kind == EventRunStart {
		if ev.Run == nil {
			return rc, query.Invalid("run", "is required for %s", ev.Kind)
		}

		return r.OnRunStart(ctx, *ev.Run)
	}

	if rc == nil {
		return nil, query.Invalid("run_id", "no run started before %s", ev.Kind)
	}

	switch ev.Kind {
	case EventRunEnd:
		var summary RunSummary
		if ev.Summary != nil {
			summary = *ev.Summary
		}

		return rc, r.OnRunEnd(ctx, rc, summary)
	case EventTestStart, EventTestEnd, EventTestRetry:
		if ev.Test == nil {
			return rc, query.Invalid("test", "is required for %s", ev.Kind)
		}

		var err error

		switch ev.Kind {
		case EventTestStart:
			_, err = r.OnTestStart(ctx, rc, *ev.Test)
		case EventTestEnd:
			_, err = r.OnTestEnd(ctx, rc, *ev.Test)
		default:
			_, err = r.OnTestRetry(ctx, rc, *ev.Test)
		}

		return rc, err
	default:
		return rc, query.Invalid("kind", "unknown lifecycle event %q", ev.Kind)
	}
}
