// Package events provides the bounded dispatch queue between progress
// snapshot producers and WebSocket fan-out. Delivery is decoupled from the
// producer: when the queue is full new events are dropped and counted
// rather than blocking the workflow that produced them.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultCapacity bounds the queue when the caller does not pick a size.
const DefaultCapacity = 1000

// Event is one queued dispatch: a job's snapshot payload.
type Event struct {
	JobID   string
	Payload any
}

// Handler consumes delivered events on the queue's worker goroutine.
type Handler func(Event)

// Queue is a bounded single-worker dispatch queue with a drop-new policy.
// The worker starts on the first Publish and runs until Stop.
type Queue struct {
	handler Handler
	log     *slog.Logger
	ch      chan Event

	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
	stopping  chan struct{}
	done      chan struct{}

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewQueue builds the queue. The worker starts on the first Publish.
// capacity <= 0 selects DefaultCapacity.
func NewQueue(capacity int, handler Handler) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		handler:  handler,
		log:      slog.With("component", "event_queue"),
		ch:       make(chan Event, capacity),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.stopping:
			// Deliver what was accepted before the stop.
			for {
				select {
				case e := <-q.ch:
					q.deliver(e)
				default:
					return
				}
			}
		case e := <-q.ch:
			q.deliver(e)
		}
	}
}

func (q *Queue) deliver(e Event) {
	q.handler(e)
	q.delivered.Add(1)
}

// Publish enqueues an event without blocking. A false return means the
// event was dropped: the queue is full or stopped.
func (q *Queue) Publish(e Event) bool {
	select {
	case <-q.stopping:
		q.dropped.Add(1)
		return false
	default:
	}
	q.startOnce.Do(func() {
		q.started.Store(true)
		go q.run()
	})
	select {
	case q.ch <- e:
		return true
	default:
		if q.dropped.Add(1) == 1 {
			q.log.Warn("Event queue full, dropping new events", "capacity", cap(q.ch))
		}
		return false
	}
}

// Stop drains accepted events and waits for the worker to exit. Idempotent,
// and safe when nothing was ever published.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopping) })
	if q.started.Load() {
		<-q.done
	}
}

// Depth reports the number of events waiting for delivery.
func (q *Queue) Depth() int { return len(q.ch) }

// Delivered reports the number of events handed to the handler.
func (q *Queue) Delivered() int64 { return q.delivered.Load() }

// Dropped reports the number of events refused by the drop-new policy.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }
