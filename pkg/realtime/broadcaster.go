package realtime

import (
	"github.com/ethpandaops/testoor/pkg/store"
)

// Events is the set of telemetry notifications the write path emits.
type Events interface {
	RunStarted(run *store.TestRun)
	RunCompleted(run *store.TestRun)
	RunUpdated(run *store.TestRun)
	TestStarted(result *store.TestResult)
	TestCompleted(result *store.TestResult)
	TestUpdated(result *store.TestResult)
	ScreenshotTaken(runID string, shot *store.Screenshot)
	StatisticsUpdated(stats *store.GlobalStats)
}

// ScreenshotPayload is the data of a screenshot:taken message.
type ScreenshotPayload struct {
	RunID      string            `json:"run_id"`
	Screenshot *store.Screenshot `json:"screenshot"`
}

// Broadcaster routes telemetry notifications to their rooms.
type Broadcaster struct {
	pub Publisher
}

var _ Events = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster publishing through pub.
func NewBroadcaster(pub Publisher) *Broadcaster {
	return &Broadcaster{pub: pub}
}

// RunStarted announces a new run to the runs room and the run's own room.
func (b *Broadcaster) RunStarted(run *store.TestRun) {
	ev := Event{Type: TypeRunStarted, Data: run}

	b.pub.Publish(RoomTestRuns, ev)
	b.pub.Publish(RunRoom(run.ID), ev)
}

// RunCompleted announces a finalized run to its room, mirrored to the
// runs room.
func (b *Broadcaster) RunCompleted(run *store.TestRun) {
	ev := Event{Type: TypeRunCompleted, Data: run}

	b.pub.Publish(RunRoom(run.ID), ev)
	b.pub.Publish(RoomTestRuns, ev)
}

// RunUpdated announces changed run counters to the runs room.
func (b *Broadcaster) RunUpdated(run *store.TestRun) {
	b.pub.Publish(RoomTestRuns, Event{Type: TypeRunsUpdate, Data: run})
}

func (b *Broadcaster) TestStarted(result *store.TestResult) {
	b.pub.Publish(RunRoom(result.RunID), Event{Type: TypeTestStarted, Data: result})
}

// TestCompleted is delivered to the run's room and mirrored to the global
// test updates room.
func (b *Broadcaster) TestCompleted(result *store.TestResult) {
	ev := Event{Type: TypeTestCompleted, Data: result}

	b.pub.Publish(RunRoom(result.RunID), ev)
	b.pub.Publish(RoomTestUpdates, ev)
}

func (b *Broadcaster) TestUpdated(result *store.TestResult) {
	b.pub.Publish(RunRoom(result.RunID), Event{Type: TypeTestUpdate, Data: result})
}

func (b *Broadcaster) ScreenshotTaken(runID string, shot *store.Screenshot) {
	b.pub.Publish(RunRoom(runID), Event{
		Type: TypeScreenshotTaken,
		Data: ScreenshotPayload{RunID: runID, Screenshot: shot},
	})
}

// StatisticsUpdated reaches every session.
func (b *Broadcaster) StatisticsUpdated(stats *store.GlobalStats) {
	b.pub.Publish(RoomStatistics, Event{Type: TypeStatisticsUpdate, Data: stats})
}

// Discard drops every notification.
type Discard struct{}

var _ Events = Discard{}

func (Discard) RunStarted(*store.TestRun)                 {}
func (Discard) RunCompleted(*store.TestRun)               {}
func (Discard) RunUpdated(*store.TestRun)                 {}
func (Discard) TestStarted(*store.TestResult)             {}
func (Discard) TestCompleted(*store.TestResult)           {}
func (Discard) TestUpdated(*store.TestResult)             {}
func (Discard) ScreenshotTaken(string, *store.Screenshot) {}
func (Discard) StatisticsUpdated(*store.GlobalStats)      {}
