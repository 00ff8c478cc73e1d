package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testoor/pkg/analytics"
	"github.com/ethpandaops/testoor/pkg/store"
)

// Queries is the read side the protocol handler answers from.
type Queries interface {
	GlobalStats(ctx context.Context) (*store.GlobalStats, error)
	RecentRuns(ctx context.Context, n int) ([]store.TestRun, error)
	GetRun(ctx context.Context, id string) (*store.TestRun, error)
	ListResultsForRun(ctx context.Context, runID string) ([]store.TestResult, error)
	GetResult(ctx context.Context, id string) (*store.TestResult, error)
}

// RunDetails is the data of a test-run:details message.
type RunDetails struct {
	Run     *store.TestRun     `json:"run"`
	Results []store.TestResult `json:"results"`
}

// Handler answers session requests. Malformed or failing requests
// produce an error message and never end the session.
type Handler struct {
	log        logrus.FieldLogger
	hub        Hub
	queries    Queries
	flaky      analytics.Detector
	recentRuns int
}

// NewHandler creates a protocol handler.
func NewHandler(
	log logrus.FieldLogger,
	hub Hub,
	queries Queries,
	flaky analytics.Detector,
	recentRuns int,
) *Handler {
	return &Handler{
		log:        log.WithField("component", "realtime-handler"),
		hub:        hub,
		queries:    queries,
		flaky:      flaky,
		recentRuns: recentRuns,
	}
}

type storeSnapshots struct {
	queries    Queries
	recentRuns int
}

// NewSnapshotProvider builds welcome snapshots from global statistics and
// the n most recent runs.
func NewSnapshotProvider(queries Queries, n int) SnapshotProvider {
	return &storeSnapshots{queries: queries, recentRuns: n}
}

func (p *storeSnapshots) Snapshot(ctx context.Context) (*Snapshot, error) {
	stats, err := p.queries.GlobalStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading statistics: %w", err)
	}

	runs, err := p.queries.RecentRuns(ctx, p.recentRuns)
	if err != nil {
		return nil, fmt.Errorf("loading recent runs: %w", err)
	}

	return &Snapshot{Statistics: stats, RecentRuns: runs}, nil
}

// HandleMessage decodes and answers one raw request.
func (h *Handler) HandleMessage(ctx context.Context, s Session, raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		h.reply(s, TypeError, ErrorPayload{Message: "malformed message: " + err.Error()})

		return
	}

	if err := h.handle(ctx, s, req); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"session": s.ID(),
			"request": req.Type,
		}).Debug("Request failed")

		h.reply(s, TypeError, ErrorPayload{Request: req.Type, Message: err.Error()})
	}
}

func (h *Handler) handle(ctx context.Context, s Session, req Request) error {
	switch req.Type {
	case RequestPing:
		h.reply(s, TypePong, nil)

		return nil

	case RequestSubscribeRuns:
		runs, err := h.queries.RecentRuns(ctx, h.recentRuns)
		if err != nil {
			return fmt.Errorf("loading recent runs: %w", err)
		}

		return h.hub.SubscribeWith(s.ID(), RoomTestRuns, NewMessage(TypeTestRunsInitial, runs))

	case RequestSubscribeRun:
		var body RunRequest
		if err := decodeData(req, &body); err != nil {
			return err
		}

		if body.RunID == "" {
			return errors.New("runId is required")
		}

		run, err := h.queries.GetRun(ctx, body.RunID)
		if err != nil {
			return err
		}

		results, err := h.queries.ListResultsForRun(ctx, body.RunID)
		if err != nil {
			return fmt.Errorf("loading results: %w", err)
		}

		return h.hub.SubscribeWith(s.ID(), RunRoom(body.RunID),
			NewMessage(TypeTestRunDetails, RunDetails{Run: run, Results: results}))

	case RequestUnsubscribeRun:
		var body RunRequest
		if err := decodeData(req, &body); err != nil {
			return err
		}

		if body.RunID == "" {
			return errors.New("runId is required")
		}

		h.hub.Unsubscribe(s.ID(), RunRoom(body.RunID))

		return nil

	case RequestGetStatistics:
		stats, err := h.queries.GlobalStats(ctx)
		if err != nil {
			return fmt.Errorf("loading statistics: %w", err)
		}

		h.reply(s, TypeStatisticsUpdate, stats)

		return nil

	case RequestGetTestResult:
		var body ResultRequest
		if err := decodeData(req, &body); err != nil {
			return err
		}

		if body.ID == "" {
			return errors.New("id is required")
		}

		result, err := h.queries.GetResult(ctx, body.ID)
		if err != nil {
			return err
		}

		h.reply(s, TypeTestResult, result)

		return nil

	case RequestGetFlakyTests:
		var body FlakyRequest
		if len(req.Data) > 0 {
			if err := decodeData(req, &body); err != nil {
				return err
			}
		}

		if h.flaky == nil {
			return errors.New("flaky detection unavailable")
		}

		flaky, err := h.flaky.Flaky(ctx, body.Threshold, body.Limit)
		if err != nil {
			return err
		}

		h.reply(s, TypeFlakyTests, flaky)

		return nil

	default:
		return fmt.Errorf("unknown message type %q", req.Type)
	}
}

func (h *Handler) reply(s Session, msgType string, data any) {
	if err := s.Send(NewMessage(msgType, data)); err != nil {
		messagesDropped.WithLabelValues(msgType).Inc()

		h.log.WithError(&ChannelError{SessionID: s.ID(), Err: err}).
			Warn("Failed to send reply")

		return
	}

	messagesSent.WithLabelValues(msgType).Inc()
}

func decodeData(req Request, v any) error {
	if len(req.Data) == 0 {
		return fmt.Errorf("%s: missing data", req.Type)
	}

	if err := json.Unmarshal(req.Data, v); err != nil {
		return fmt.Errorf("%s: malformed data: %w", req.Type, err)
	}

	return nil
}
