package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind names an engine output stream.
type EventKind string

const (
	EventCandleClosed      EventKind = "candle.closed"
	EventIndicatorSnapshot EventKind = "indicator.snapshot"
	EventSignal            EventKind = "signal"
	EventPositionOpened    EventKind = "position.opened"
	EventPositionUpdated   EventKind = "position.updated"
	EventPositionClosed    EventKind = "position.closed"
	EventFeedDegraded      EventKind = "feed.degraded"
	EventFeedFatal         EventKind = "feed.fatal"
)

// Event is one message on an engine output stream. Payload holds the
// JSON-encoded record (candle, snapshot, position, ...).
type Event struct {
	ID      string          `json:"id"`
	Kind    EventKind       `json:"kind"`
	Symbol  string          `json:"symbol"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent encodes payload into a fresh event.
func NewEvent(kind EventKind, symbol string, ts time.Time, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Symbol:  symbol,
		Time:    ts.UTC(),
		Payload: b,
	}, nil
}
