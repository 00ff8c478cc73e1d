package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/testoor/pkg/store"
)

const (
	commandBuffer = 1024
	closeParallel = 16
)

// Hub tracks sessions and their rooms. Every mutation and delivery runs
// on a single loop goroutine, so events reach the members of a room in
// the order they were published.
type Hub interface {
	Publisher

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Register sends the welcome snapshot to the session and then adds it
	// to the statistics room.
	Register(ctx context.Context, s Session) error
	Unregister(sessionID string)

	Subscribe(sessionID, room string) error
	// SubscribeWith queues first to the session and joins room in one
	// loop step, so no room event is delivered ahead of first.
	SubscribeWith(sessionID, room string, first Message) error
	Unsubscribe(sessionID, room string)

	// Sessions returns the number of registered sessions.
	Sessions() int
	// Rooms returns the rooms a session is a member of.
	Rooms(sessionID string) []string
}

type hub struct {
	log       logrus.FieldLogger
	snapshots SnapshotProvider

	cmds     chan func()
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// Owned by the loop goroutine.
	sessions map[string]Session
	rooms    map[string]map[string]Session
}

var _ Hub = (*hub)(nil)

// NewHub creates a hub. The snapshot provider may be nil.
func NewHub(log logrus.FieldLogger, snapshots SnapshotProvider) Hub {
	return &hub{
		log:       log.WithField("component", "realtime-hub"),
		snapshots: snapshots,
		cmds:      make(chan func(), commandBuffer),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		sessions:  make(map[string]Session, 16),
		rooms:     make(map[string]map[string]Session, 16),
	}
}

// Start launches the event loop.
func (h *hub) Start(_ context.Context) error {
	go h.run()

	h.log.Info("Real-time hub started")

	return nil
}

// Stop ends the loop, closes every session and waits until both are done
// or ctx expires.
func (h *hub) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.quit) })

	select {
	case <-h.stopped:
		h.log.Info("Real-time hub stopped")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining hub: %w", ctx.Err())
	}
}

func (h *hub) run() {
	defer close(h.stopped)

	for {
		select {
		case fn := <-h.cmds:
			fn()
		case <-h.quit:
			h.drain()
			h.closeAll()

			return
		}
	}
}

// drain runs commands queued before shutdown.
func (h *hub) drain() {
	for {
		select {
		case fn := <-h.cmds:
			fn()
		default:
			return
		}
	}
}

func (h *hub) closeAll() {
	var g errgroup.Group

	g.SetLimit(closeParallel)

	for _, s := range h.sessions {
		g.Go(func() error {
			s.Close()

			return nil
		})
	}

	_ = g.Wait()

	h.sessions = make(map[string]Session)
	h.rooms = make(map[string]map[string]Session)

	sessionsGauge.Set(0)
}

// enqueue hands fn to the loop. It reports false once the hub is stopping.
func (h *hub) enqueue(fn func()) bool {
	select {
	case <-h.quit:
		return false
	default:
	}

	select {
	case h.cmds <- fn:
		return true
	case <-h.quit:
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
func (h *hub) call(fn func()) bool {
	done := make(chan struct{})

	if !h.enqueue(func() {
		fn()
		close(done)
	}) {
		return false
	}

	select {
	case <-done:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *hub) Register(ctx context.Context, s Session) error {
	snapshot := h.snapshot(ctx, s.ID())

	if err := s.Send(NewMessage(TypeWelcome, snapshot)); err != nil {
		return &ChannelError{SessionID: s.ID(), Err: err}
	}

	messagesSent.WithLabelValues(TypeWelcome).Inc()

	if !h.call(func() {
		h.sessions[s.ID()] = s
		h.join(s, RoomStatistics)

		sessionsGauge.Set(float64(len(h.sessions)))
	}) {
		return ErrHubStopped
	}

	h.log.WithField("session", s.ID()).Debug("Session registered")

	return nil
}

// snapshot builds the welcome state. Failures degrade to an empty
// snapshot.
func (h *hub) snapshot(ctx context.Context, sessionID string) *Snapshot {
	empty := &Snapshot{SessionID: sessionID, RecentRuns: []store.TestRun{}}

	if h.snapshots == nil {
		return empty
	}

	snapshot, err := h.snapshots.Snapshot(ctx)
	if err != nil {
		h.log.WithError(err).WithField("session", sessionID).
			Warn("Failed to build welcome snapshot")

		return empty
	}

	snapshot.SessionID = sessionID

	return snapshot
}

func (h *hub) Unregister(sessionID string) {
	h.call(func() {
		h.remove(sessionID)
	})
}

// remove drops a session and its memberships. Loop only.
func (h *hub) remove(sessionID string) {
	if _, ok := h.sessions[sessionID]; !ok {
		return
	}

	delete(h.sessions, sessionID)

	for room, members := range h.rooms {
		delete(members, sessionID)

		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}

	sessionsGauge.Set(float64(len(h.sessions)))

	h.log.WithField("session", sessionID).Debug("Session unregistered")
}

func (h *hub) join(s Session, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]Session, 4)
		h.rooms[room] = members
	}

	members[s.ID()] = s
}

func (h *hub) Subscribe(sessionID, room string) error {
	var err error

	if !h.call(func() {
		s, ok := h.sessions[sessionID]
		if !ok {
			err = ErrUnknownSession

			return
		}

		h.join(s, room)
	}) {
		return ErrHubStopped
	}

	return err
}

func (h *hub) SubscribeWith(sessionID, room string, first Message) error {
	var err error

	if !h.call(func() {
		s, ok := h.sessions[sessionID]
		if !ok {
			err = ErrUnknownSession

			return
		}

		if sendErr := s.Send(first); sendErr != nil {
			messagesDropped.WithLabelValues(first.Type).Inc()
			err = &ChannelError{SessionID: sessionID, Err: sendErr}

			return
		}

		messagesSent.WithLabelValues(first.Type).Inc()
		h.join(s, room)
	}) {
		return ErrHubStopped
	}

	return err
}

func (h *hub) Unsubscribe(sessionID, room string) {
	h.call(func() {
		members, ok := h.rooms[room]
		if !ok {
			return
		}

		delete(members, sessionID)

		if len(members) == 0 {
			delete(h.rooms, room)
		}
	})
}

// Publish queues ev for delivery to the members of room. Events
// published after Stop are dropped.
func (h *hub) Publish(room string, ev Event) {
	if !h.enqueue(func() { h.deliver(room, ev) }) {
		return
	}

	publishedEvents.WithLabelValues(ev.Type).Inc()
}

// deliver sends to every member of room. A failing session never affects
// the others. Loop only.
func (h *hub) deliver(room string, ev Event) {
	members := h.rooms[room]
	if len(members) == 0 {
		return
	}

	msg := ev.message()

	for id, s := range members {
		if err := s.Send(msg); err != nil {
			messagesDropped.WithLabelValues(msg.Type).Inc()

			h.log.WithError(&ChannelError{SessionID: id, Err: err}).
				WithField("room", room).
				Warn("Failed to deliver message")

			if errors.Is(err, ErrSessionClosed) {
				h.remove(id)
			}

			continue
		}

		messagesSent.WithLabelValues(msg.Type).Inc()
	}
}

func (h *hub) Sessions() int {
	var n int

	h.call(func() {
		n = len(h.sessions)
	})

	return n
}

func (h *hub) Rooms(sessionID string) []string {
	var rooms []string

	h.call(func() {
		for room, members := range h.rooms {
			if _, ok := members[sessionID]; ok {
				rooms = append(rooms, room)
			}
		}
	})

	sort.Strings(rooms)

	return rooms
}
