package bus

import (
	"sync"
	"sync/atomic"

	"btcstream/internal/model"
)

// TickQueue is a bounded queue between the feed reader and the engine. When
// full, Push discards the oldest queued tick so the newest price always gets
// through.
type TickQueue struct {
	ch      chan model.Tick
	mu      sync.Mutex // serializes producers
	dropped atomic.Uint64

	// OnDrop is called for each discarded tick.
	OnDrop func()
}

// NewTickQueue creates a queue holding at most capacity ticks (minimum 1).
func NewTickQueue(capacity int) *TickQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &TickQueue{ch: make(chan model.Tick, capacity)}
}

// Push enqueues t without blocking. Returns true if an older tick was dropped.
func (q *TickQueue) Push(t model.Tick) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	for {
		select {
		case q.ch <- t:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			dropped = true
			q.dropped.Add(1)
			if q.OnDrop != nil {
				q.OnDrop()
			}
		default:
			// consumer freed a slot in between; retry the send
		}
	}
}

// C is the consumer side.
func (q *TickQueue) C() <-chan model.Tick { return q.ch }

// Len returns the number of queued ticks.
func (q *TickQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *TickQueue) Cap() int { return cap(q.ch) }

// Dropped returns the total number of discarded ticks.
func (q *TickQueue) Dropped() uint64 { return q.dropped.Load() }
