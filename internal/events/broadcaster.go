package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Observer receives the events of the rooms it joined. Notify is called from
// the dispatcher goroutine and must not block.
type Observer interface {
	Notify(event Event)
}

// DefaultInboxSize is the number of events buffered between publishers and
// the dispatcher.
const DefaultInboxSize = 256

type membership struct {
	join     bool
	jobID    uuid.UUID
	observer Observer
	done     chan struct{}
}

// Broadcaster fans events out to the observers of each job's room.
type Broadcaster struct {
	inbox   chan Event
	members chan membership
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	dropped atomic.Int64
	logger  *slog.Logger
}

var _ Publisher = (*Broadcaster)(nil)

// NewBroadcaster starts a dispatcher. Call Close to stop it.
func NewBroadcaster(logger *slog.Logger, inboxSize int) *Broadcaster {
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	b := &Broadcaster{
		inbox:   make(chan Event, inboxSize),
		members: make(chan membership),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger.With("component", "broadcaster"),
	}
	go b.run()
	return b
}

// Subscribe adds o to the job's room. Events published after Subscribe
// returns are delivered to o.
func (b *Broadcaster) Subscribe(jobID uuid.UUID, o Observer) {
	b.change(membership{join: true, jobID: jobID, observer: o})
}

// Unsubscribe removes o from the job's room. Empty rooms are discarded.
func (b *Broadcaster) Unsubscribe(jobID uuid.UUID, o Observer) {
	b.change(membership{join: false, jobID: jobID, observer: o})
}

func (b *Broadcaster) change(m membership) {
	m.done = make(chan struct{})
	select {
	case b.members <- m:
		<-m.done
	case <-b.stopped:
	}
}

// Publish hands the event to the dispatcher. It never blocks; if the inbox
// is full the event is dropped.
func (b *Broadcaster) Publish(_ context.Context, event Event) {
	select {
	case <-b.stopped:
		return
	default:
	}
	select {
	case b.inbox <- event:
	default:
		b.dropped.Add(1)
		b.logger.Warn("broadcaster inbox full, event dropped",
			"job_id", event.JobID,
			"type", event.Type)
	}
}

// Dropped returns the number of events dropped because the inbox was full.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops the dispatcher. Undelivered events are discarded.
func (b *Broadcaster) Close() {
	b.once.Do(func() {
		close(b.stop)
		<-b.stopped
	})
}

func (b *Broadcaster) run() {
	defer close(b.stopped)

	rooms := make(map[uuid.UUID]map[Observer]struct{})
	for {
		select {
		case <-b.stop:
			return

		case m := <-b.members:
			room := rooms[m.jobID]
			if m.join {
				if room == nil {
					room = make(map[Observer]struct{})
					rooms[m.jobID] = room
				}
				room[m.observer] = struct{}{}
			} else if room != nil {
				delete(room, m.observer)
				if len(room) == 0 {
					delete(rooms, m.jobID)
				}
			}
			close(m.done)

		case event := <-b.inbox:
			room := rooms[event.JobID]
			if len(room) == 0 {
				continue
			}
			for o := range room {
				o.Notify(event)
			}
		}
	}
}

// ChannelObserver delivers events to a buffered channel, dropping events
// when the buffer is full.
type ChannelObserver struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewChannelObserver returns an observer with the given buffer size.
func NewChannelObserver(size int) *ChannelObserver {
	if size <= 0 {
		size = 16
	}
	return &ChannelObserver{ch: make(chan Event, size)}
}

func (o *ChannelObserver) Notify(event Event) {
	select {
	case o.ch <- event:
	default:
		o.dropped.Add(1)
	}
}

// Events returns the delivery channel. It is never closed.
func (o *ChannelObserver) Events() <-chan Event {
	return o.ch
}

// Dropped returns how many events did not fit in the buffer.
func (o *ChannelObserver) Dropped() int64 {
	return o.dropped.Load()
}
