// Package bus carries data between the engine's goroutines: a bounded
// drop-oldest tick queue from the network reader into the engine, and a
// fan-out of engine events to downstream consumers.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"btcstream/internal/model"
)

type subscriber struct {
	name string
	ch   chan model.Event
}

// FanOut broadcasts events from a single input channel to N output channels.
// If an output channel is full, the event is dropped for that consumer to
// prevent a slow consumer from blocking the engine.
type FanOut struct {
	mu      sync.RWMutex
	outputs []subscriber
	bufSize int

	// OnDrop is called when an event is dropped for a subscriber.
	OnDrop func(subscriber string, kind model.EventKind)
}

// NewFanOut creates a FanOut with the given buffer size for output channels.
func NewFanOut(outputBufferSize int) *FanOut {
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe creates and returns a new output channel. Subscribe before Run;
// channels are closed when Run returns.
func (f *FanOut) Subscribe(name string) <-chan model.Event {
	ch := make(chan model.Event, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, subscriber{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed. On cancellation any
// events already queued on input are still delivered.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Event) {
	defer func() {
		f.mu.RLock()
		for _, s := range f.outputs {
			close(s.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-input:
					if !ok {
						return
					}
					f.broadcast(ev)
				default:
					return
				}
			}
		case ev, ok := <-input:
			if !ok {
				return
			}
			f.broadcast(ev)
		}
	}
}

func (f *FanOut) broadcast(ev model.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.outputs {
		select {
		case s.ch <- ev:
		default:
			if f.OnDrop != nil {
				f.OnDrop(s.name, ev.Kind)
			} else {
				slog.Warn("output channel full, dropping event",
					slog.String("component", "bus"),
					slog.String("subscriber", s.name),
					slog.String("kind", string(ev.Kind)))
			}
		}
	}
}

// ChannelStat reports occupancy of one subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns (length, capacity) for each subscriber channel.
// Used for reporting channel saturation percentage.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, s := range f.outputs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch)}
	}
	return stats
}

// Drain forwards every event from ch to sink until ch is closed. Publish
// errors are logged and do not stop the loop.
func Drain(ctx context.Context, ch <-chan model.Event, sink model.EventSink, logger *slog.Logger) {
	for ev := range ch {
		if err := sink.Publish(ctx, ev); err != nil {
			logger.Warn("sink publish failed",
				slog.String("kind", string(ev.Kind)), slog.Any("error", err))
		}
	}
}
