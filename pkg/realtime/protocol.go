package realtime

import (
	"encoding/json"
	"strings"
	"time"
)

// Rooms.
const (
	RoomTestRuns    = "test-runs"
	RoomTestUpdates = "test-updates"
	RoomStatistics  = "statistics"

	runRoomPrefix = "test-run:"
)

// RunRoom returns the room scoped to one run.
func RunRoom(runID string) string {
	return runRoomPrefix + runID
}

// IsRunRoom reports whether room is scoped to a run and returns the run id.
func IsRunRoom(room string) (string, bool) {
	id, ok := strings.CutPrefix(room, runRoomPrefix)

	return id, ok && id != ""
}

// Message types sent to sessions.
const (
	TypeWelcome          = "welcome"
	TypeTestRunsInitial  = "test-runs:initial"
	TypeTestRunDetails   = "test-run:details"
	TypeRunStarted       = "test-run:started"
	TypeRunCompleted     = "test-run:completed"
	TypeRunsUpdate       = "test-runs:update"
	TypeTestStarted      = "test:started"
	TypeTestCompleted    = "test:completed"
	TypeTestUpdate       = "test:update"
	TypeScreenshotTaken  = "screenshot:taken"
	TypeStatisticsUpdate = "statistics:update"
	TypeTestResult       = "test-result"
	TypeFlakyTests       = "flaky-tests"
	TypeError            = "error"
	TypePong             = "pong"
)

// Request types received from sessions.
const (
	RequestSubscribeRuns  = "subscribe:test-runs"
	RequestSubscribeRun   = "subscribe:test-run"
	RequestUnsubscribeRun = "unsubscribe:test-run"
	RequestGetStatistics  = "get:statistics"
	RequestGetTestResult  = "get:test-result"
	RequestGetFlakyTests  = "get:flaky-tests"
	RequestPing           = "ping"
)

// Message is the envelope delivered to a session.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage stamps a message with the current time.
func NewMessage(msgType string, data any) Message {
	return Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Event is a typed payload published into a room.
type Event struct {
	Type string
	Data any
}

func (e Event) message() Message {
	return NewMessage(e.Type, e.Data)
}

// Request is the envelope received from a session.
type Request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RunRequest carries a run id.
type RunRequest struct {
	RunID string `json:"runId"`
}

// ResultRequest carries a result id.
type ResultRequest struct {
	ID string `json:"id"`
}

// FlakyRequest carries the failure ratio threshold.
type FlakyRequest struct {
	Threshold float64 `json:"threshold"`
	Limit     int     `json:"limit"`
}

// ErrorPayload is the data of an error message.
type ErrorPayload struct {
	Request string `json:"request,omitempty"`
	Message string `json:"message"`
}
