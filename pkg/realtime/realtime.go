// Package realtime fans out telemetry events to connected dashboard
// sessions grouped into rooms.
package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/testoor/pkg/store"
)

var (
	// ErrSessionClosed is returned by Send once a session is closed.
	ErrSessionClosed = errors.New("session closed")

	// ErrQueueFull is returned by Send when the outbound queue is full.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrUnknownSession is returned for operations on an unregistered
	// session.
	ErrUnknownSession = errors.New("unknown session")

	// ErrHubStopped is returned once the hub has shut down.
	ErrHubStopped = errors.New("hub stopped")
)

// ChannelError is a delivery failure for one session.
type ChannelError struct {
	SessionID string
	Err       error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("session %s: %v", e.SessionID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Session is one connected dashboard. Send must not block.
type Session interface {
	ID() string
	Send(msg Message) error
	Close()
}

// Publisher delivers events to the members of a room.
type Publisher interface {
	Publish(room string, ev Event)
}

// Snapshot is the state a session receives on connect.
type Snapshot struct {
	SessionID  string             `json:"session_id"`
	Statistics *store.GlobalStats `json:"statistics"`
	RecentRuns []store.TestRun    `json:"recent_runs"`
}

// SnapshotProvider builds the welcome snapshot.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}
