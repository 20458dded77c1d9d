package entity

import (
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
)

// DefaultEventQueueSize is used when a queue is created with a non-positive capacity.
const DefaultEventQueueSize = 256

// EventFilter selects the events a caller is interested in. The zero value matches everything.
type EventFilter struct {
	patterns []string
	globs    []glob.Glob
}

// NewEventFilter compiles glob patterns over CDP method names, e.g. "Page.*" or "Runtime.console*".
// Method names are matched as flat strings, so "*" selects every event.
func NewEventFilter(patterns []string) (EventFilter, error) {
	f := EventFilter{}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return EventFilter{}, err
		}
		f.patterns = append(f.patterns, p)
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Match reports whether an event method passes the filter.
func (f EventFilter) Match(method string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(method) {
			return true
		}
	}
	return false
}

// Patterns returns the source patterns of the filter.
func (f EventFilter) Patterns() []string {
	return append([]string(nil), f.patterns...)
}

// EventQueue is a bounded, non-blocking per-session event buffer.
// When full, the oldest queued event is dropped to make room for the newest.
type EventQueue struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

// NewEventQueue creates a queue holding at most size events.
func NewEventQueue(size int) *EventQueue {
	if size <= 0 {
		size = DefaultEventQueueSize
	}
	return &EventQueue{ch: make(chan Event, size)}
}

// C returns the channel the consumer reads from. It is closed when the queue is closed.
func (q *EventQueue) C() <-chan Event {
	return q.ch
}

// Push enqueues an event without blocking and returns the number of events dropped to do so.
func (q *EventQueue) Push(ev Event) (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}

	select {
	case q.ch <- ev:
		return 0
	default:
	}

	// Full: evict the oldest, then retry once. A concurrent reader may have made room in between.
	select {
	case <-q.ch:
		dropped++
	default:
	}
	select {
	case q.ch <- ev:
	default:
		dropped++
	}
	q.dropped.Add(uint64(dropped))
	return dropped
}

// Close discards any queued events, closes the channel, and returns the number discarded.
// Subsequent Push calls are no-ops.
func (q *EventQueue) Close() (discarded int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}
	q.closed = true

	for {
		select {
		case <-q.ch:
			discarded++
			continue
		default:
		}
		break
	}
	q.dropped.Add(uint64(discarded))
	close(q.ch)
	return discarded
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	return len(q.ch)
}

// Dropped returns the number of events this queue has discarded.
func (q *EventQueue) Dropped() uint64 {
	return q.dropped.Load()
}
