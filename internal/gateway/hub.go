// Package gateway streams engine events to WebSocket clients. The Hub is an
// event sink on the engine fan-out: every event is wrapped in an envelope
// carrying global and per-kind sequence numbers, remembered as the latest
// value of its kind and kept in a per-kind replay buffer so reconnecting
// clients can backfill gaps.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"btcstream/internal/model"
)

const (
	clientSendBuffer = 256
	replayCapacity   = 500
)

// Hub manages WebSocket clients and event fan-out.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[model.EventKind]latestEntry
	seq     int64

	// Per-kind monotonic sequence numbers for gap detection
	kindSeqs   map[model.EventKind]int64
	replayBufs map[model.EventKind]*ReplayBuffer

	// Event age at broadcast time
	Latency *LatencyTracker

	log *slog.Logger
	now func() time.Time
}

type latestEntry struct {
	Envelope []byte
	TS       time.Time
	Seq      int64
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		latest:     make(map[model.EventKind]latestEntry),
		kindSeqs:   make(map[model.EventKind]int64),
		replayBufs: make(map[model.EventKind]*ReplayBuffer),
		Latency:    NewLatencyTracker(10000),
		log:        logger.With(slog.String("component", "gateway")),
		now:        time.Now,
	}
}

// Publish broadcasts ev to subscribed clients. It never blocks on a slow
// client and never fails, so it can sit on the fan-out like any other sink.
func (h *Hub) Publish(_ context.Context, ev model.Event) error {
	h.broadcast(ev)
	return nil
}

func (h *Hub) broadcast(ev model.Event) {
	now := h.now().UTC()
	if !ev.Time.IsZero() {
		if ms := float64(now.Sub(ev.Time).Microseconds()) / 1000.0; ms >= 0 {
			h.Latency.Record(ms)
		}
	}

	h.mu.Lock()
	h.kindSeqs[ev.Kind]++
	kindSeq := h.kindSeqs[ev.Kind]
	h.seq++
	seq := h.seq

	buf := appendEnvelope(make([]byte, 0, len(ev.Payload)+192), ev, now, seq, kindSeq)
	h.latest[ev.Kind] = latestEntry{Envelope: buf, TS: now, Seq: kindSeq}

	rb, ok := h.replayBufs[ev.Kind]
	if !ok {
		rb = NewReplayBuffer(replayCapacity)
		h.replayBufs[ev.Kind] = rb
	}
	h.mu.Unlock()
	rb.Push(kindSeq, buf)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(ev.Kind) {
			continue
		}
		select {
		case c.send <- buf:
		default:
		}
	}
}

// appendEnvelope writes
//
//	{"kind":"...","symbol":"...","id":"...","time":"...","data":...,"ts":"...","seq":N,"kind_seq":M}
//
// by hand; payloads are already JSON and re-marshalling them on every event
// would dominate the cost of a broadcast.
func appendEnvelope(buf []byte, ev model.Event, now time.Time, seq, kindSeq int64) []byte {
	buf = append(buf, `{"kind":`...)
	buf = strconv.AppendQuote(buf, string(ev.Kind))
	buf = append(buf, `,"symbol":`...)
	buf = strconv.AppendQuote(buf, ev.Symbol)
	buf = append(buf, `,"id":`...)
	buf = strconv.AppendQuote(buf, ev.ID)
	buf = append(buf, `,"time":"`...)
	buf = ev.Time.UTC().AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","data":`...)
	if len(ev.Payload) == 0 {
		buf = append(buf, "null"...)
	} else {
		buf = append(buf, ev.Payload...)
	}
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"kind_seq":`...)
	buf = strconv.AppendInt(buf, kindSeq, 10)
	buf = append(buf, '}')
	return buf
}

// Attach registers conn as a client and starts its pumps. When lastTS is a
// valid RFC3339 timestamp only latest values broadcast after it are sent as
// initial state.
func (h *Hub) Attach(conn *websocket.Conn, lastTS string, kinds []model.EventKind) *Client {
	c := newClient(h, conn, kinds)

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info("ws client connected", slog.Int("clients", count))

	c.sendInitialState(lastTS)
	go c.writePump()
	go c.readPump()
	return c
}

// RemoveClient removes a client from the hub and closes its send channel.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Close disconnects every client. Their write pumps send a close frame.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Latest returns the most recent envelope per event kind.
func (h *Hub) Latest() map[model.EventKind]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[model.EventKind]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		out[k] = v.Envelope
	}
	return out
}

// ReplayRange returns buffered envelopes of kind with kind_seq in
// [fromSeq, toSeq].
func (h *Hub) ReplayRange(kind model.EventKind, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb, ok := h.replayBufs[kind]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	entries := rb.Range(fromSeq, toSeq)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}
