// Package strategy decides entries and exits from indicator transitions.
//
// The Detector is a two-state machine (Flat / InPosition). From Flat it only
// looks for entries, which require every entry condition at once; from
// InPosition it only looks for exits, where any single exit condition is
// enough. Each Decision carries the full condition trace for auditing.
package strategy

import (
	"fmt"
	"strings"
	"time"
)

// Action represents a trading action.
type Action string

const (
	ActionNone Action = "NONE"
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// State is the detector's view of the symbol.
type State int

const (
	StateFlat State = iota
	StateInPosition
)

func (s State) String() string {
	switch s {
	case StateFlat:
		return "FLAT"
	case StateInPosition:
		return "IN_POSITION"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Condition is one evaluated sub-rule.
type Condition struct {
	Name   string `json:"name"`
	Fired  bool   `json:"fired"`
	Detail string `json:"detail"`
}

// Decision is the outcome of evaluating one closed candle.
type Decision struct {
	Action     Action      `json:"action"`
	State      State       `json:"state"` // state the decision was made in
	Time       time.Time   `json:"time"`
	Price      float64     `json:"price"`
	Confidence float64     `json:"confidence"`
	BaseScore  float64     `json:"base_score"`
	Multiplier float64     `json:"multiplier"`
	Sentiment  int         `json:"fear_greed_value,omitempty"`
	Conditions []Condition `json:"conditions"`
	Reason     string      `json:"reason"`
}

// Fired returns the names of conditions that held.
func (d Decision) Fired() []string {
	var out []string
	for _, c := range d.Conditions {
		if c.Fired {
			out = append(out, c.Name)
		}
	}
	return out
}

func traceString(conds []Condition, onlyFired bool) string {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		if onlyFired && !c.Fired {
			continue
		}
		parts = append(parts, c.Detail)
	}
	return strings.Join(parts, "; ")
}
