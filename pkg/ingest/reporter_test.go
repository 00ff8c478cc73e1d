package ingest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testoor/pkg/ingest"
	"github.com/ethpandaops/testoor/pkg/query"
	"github.com/ethpandaops/testoor/pkg/store"
)

type callRecorder struct {
	calls []string
}

func (c *callRecorder) OnRunStart(_ context.Context, d ingest.RunDetails) (*ingest.RunContext, error) {
	c.calls = append(c.calls, "run-start")

	return &ingest.RunContext{RunID: d.ID}, nil
}

func (c *callRecorder) OnRunEnd(context.Context, *ingest.RunContext, ingest.RunSummary) error {
	c.calls = append(c.calls, "run-end")

	return nil
}

func (c *callRecorder) OnTestStart(_ context.Context, _ *ingest.RunContext, tc ingest.TestCase) (*store.TestResult, error) {
	c.calls = append(c.calls, "test-start:"+tc.Title)

	return &store.TestResult{}, nil
}

func (c *callRecorder) OnTestEnd(_ context.Context, _ *ingest.RunContext, tc ingest.TestCase) (*store.TestResult, error) {
	c.calls = append(c.calls, "test-end:"+tc.Title)

	return &store.TestResult{}, nil
}

func (c *callRecorder) OnTestRetry(_ context.Context, _ *ingest.RunContext, tc ingest.TestCase) (*store.TestResult, error) {
	c.calls = append(c.calls, "test-retry:"+tc.Title)

	return &store.TestResult{}, nil
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	rec := &callRecorder{}

	rc, err := ingest.Dispatch(ctx, rec, nil, ingest.LifecycleEvent{
		Kind: ingest.EventRunStart,
		Run:  &ingest.RunDetails{ID: "r1"},
	})
	require.NoError(t, err)
	require.Equal(t, "r1", rc.RunID)

	tc := &ingest.TestCase{Title: "a"}

	for _, kind := range []ingest.EventKind{ingest.EventTestStart, ingest.EventTestRetry, ingest.EventTestEnd} {
		next, err := ingest.Dispatch(ctx, rec, rc, ingest.LifecycleEvent{Kind: kind, Test: tc})
		require.NoError(t, err)
		assert.Same(t, rc, next)
	}

	_, err = ingest.Dispatch(ctx, rec, rc, ingest.LifecycleEvent{Kind: ingest.EventRunEnd})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"run-start", "test-start:a", "test-retry:a", "test-end:a", "run-end",
	}, rec.calls)
}

func TestDispatch_Errors(t *testing.T) {
	ctx := context.Background()
	rc := &ingest.RunContext{RunID: "r1"}

	tests := []struct {
		name       string
		rc         *ingest.RunContext
		event      ingest.LifecycleEvent
		validation bool
	}{
		{
			name:       "run start without details",
			rc:         nil,
			event:      ingest.LifecycleEvent{Kind: ingest.EventRunStart},
			validation: true,
		},
		{
			name:       "test event before run start",
			rc:         nil,
			event:      ingest.LifecycleEvent{Kind: ingest.EventTestEnd, Test: &ingest.TestCase{Title: "a"}},
			validation: true,
		},
		{
			name:       "test event without test",
			rc:         rc,
			event:      ingest.LifecycleEvent{Kind: ingest.EventTestStart},
			validation: true,
		},
		{
			name:       "unknown kind",
			rc:         rc,
			event:      ingest.LifecycleEvent{Kind: "suite:start"},
			validation: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &callRecorder{}

			_, err := ingest.Dispatch(ctx, rec, tt.rc, tt.event)
			require.Error(t, err)
			assert.Equal(t, tt.validation, query.IsValidationError(err))
			assert.Empty(t, rec.calls)
		})
	}
}
