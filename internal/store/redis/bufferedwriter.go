package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"btcstream/internal/model"
)

// BufferedPublisher routes writes through a circuit breaker. Failed and
// rejected events are kept in a bounded local buffer (oldest dropped first)
// and replayed after the next successful write.
type BufferedPublisher struct {
	pub *Publisher
	cb  *CircuitBreaker
	log *slog.Logger

	mu       sync.Mutex
	buffer   []model.Event
	snapshot []byte // latest snapshot not yet written
	maxBuf   int
	dropped  uint64

	// Optional hooks for metrics.
	OnBuffer func()
	OnDrop   func()
	OnFlush  func(count int)
}

// NewBufferedPublisher wraps pub.
func NewBufferedPublisher(pub *Publisher, cb *CircuitBreaker, maxBufferSize int) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bp := &BufferedPublisher{
		pub:    pub,
		cb:     cb,
		log:    pub.log.With(slog.String("sub", "buffered")),
		buffer: make([]model.Event, 0, 256),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		bp.log.Warn("circuit state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	}
	return bp
}

// Publish writes ev through the breaker, buffering it when the breaker is
// open or the write fails.
func (bp *BufferedPublisher) Publish(ctx context.Context, ev model.Event) error {
	err := bp.cb.Execute(func() error { return bp.pub.Publish(ctx, ev) })
	if err == nil {
		if bp.hasPending() {
			bp.Flush(ctx)
		}
		return nil
	}
	bp.bufferEvent(ev)
	if errors.Is(err, ErrCircuitOpen) {
		return nil
	}
	return err
}

// SaveSnapshotJSON writes the snapshot through the breaker. Only the most
// recent unwritten snapshot is kept.
func (bp *BufferedPublisher) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	err := bp.cb.Execute(func() error { return bp.pub.SaveSnapshotJSON(ctx, data) })
	if err == nil {
		bp.mu.Lock()
		bp.snapshot = nil // superseded
		bp.mu.Unlock()
		if bp.hasPending() {
			bp.Flush(ctx)
		}
		return nil
	}
	bp.mu.Lock()
	bp.snapshot = append([]byte(nil), data...)
	bp.mu.Unlock()
	if errors.Is(err, ErrCircuitOpen) {
		return nil
	}
	return err
}

// ReadLatestSnapshotJSON reads through to Redis.
func (bp *BufferedPublisher) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	return bp.pub.ReadLatestSnapshotJSON(ctx)
}

func (bp *BufferedPublisher) bufferEvent(ev model.Event) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if len(bp.buffer) >= bp.maxBuf {
		bp.buffer = bp.buffer[1:]
		bp.dropped++
		if bp.OnDrop != nil {
			bp.OnDrop()
		}
	}
	bp.buffer = append(bp.buffer, ev)
	if bp.OnBuffer != nil {
		bp.OnBuffer()
	}
}

// Flush replays buffered writes directly to Redis. Events that still fail
// are put back in front of anything buffered meanwhile.
func (bp *BufferedPublisher) Flush(ctx context.Context) int {
	bp.mu.Lock()
	pending := bp.buffer
	snap := bp.snapshot
	bp.buffer = make([]model.Event, 0, 256)
	bp.snapshot = nil
	bp.mu.Unlock()

	if len(pending) == 0 && snap == nil {
		return 0
	}

	flushed := 0
	for i, ev := range pending {
		if err := bp.pub.Publish(ctx, ev); err != nil {
			bp.log.Error("flush failed", slog.Int("remaining", len(pending)-i), slog.Any("error", err))
			bp.requeue(pending[i:], snap)
			return flushed
		}
		flushed++
	}
	if snap != nil {
		if err := bp.pub.SaveSnapshotJSON(ctx, snap); err != nil {
			bp.requeue(nil, snap)
		}
	}

	bp.log.Info("flushed buffered writes", slog.Int("count", flushed))
	if bp.OnFlush != nil {
		bp.OnFlush(flushed)
	}
	return flushed
}

func (bp *BufferedPublisher) requeue(events []model.Event, snap []byte) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	merged := append(append(make([]model.Event, 0, len(events)+len(bp.buffer)), events...), bp.buffer...)
	if over := len(merged) - bp.maxBuf; over > 0 {
		merged = merged[over:]
		bp.dropped += uint64(over)
	}
	bp.buffer = merged
	if bp.snapshot == nil {
		bp.snapshot = snap
	}
}

func (bp *BufferedPublisher) hasPending() bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer) > 0 || bp.snapshot != nil
}

// PendingCount returns the number of buffered events.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}

// Dropped returns how many buffered events were discarded for space.
func (bp *BufferedPublisher) Dropped() uint64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.dropped
}

// Underlying returns the wrapped publisher.
func (bp *BufferedPublisher) Underlying() *Publisher { return bp.pub }
