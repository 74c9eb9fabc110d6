package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Trade is one message of the <symbol>@trade stream.
type Trade struct {
	Symbol     string
	Price      float64
	Qty        float64
	Time       time.Time
	BuyerMaker bool
}

// ProtocolError reports a stream message that could not be decoded.
// The connection is healthy; the message is skipped.
type ProtocolError struct {
	Raw []byte
	Err error
}

func (e *ProtocolError) Error() string {
	raw := string(e.Raw)
	if len(raw) > 120 {
		raw = raw[:120] + "..."
	}
	return fmt.Sprintf("protocol error: %v (raw: %s)", e.Err, raw)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

var (
	errMissingField = errors.New("missing field")
	errBadPrice     = errors.New("non-positive price")
)

// tradeMsg mirrors the wire shape; prices and quantities arrive as strings.
// encoding/json folds key case when no exact tag matches, so every key that
// differs only in case from another ("e"/"E", "t"/"T", "m"/"M") needs its own
// field.
type tradeMsg struct {
	Event      string `json:"e"`
	EventTime  int64  `json:"E"`
	Symbol     string `json:"s"`
	TradeID    int64  `json:"t"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	TradeTime  *int64 `json:"T"`
	BuyerMaker bool   `json:"m"`
	BestMatch  bool   `json:"M"`
}

// DecodeTrade parses a trade stream message. Every failure is a *ProtocolError.
func DecodeTrade(raw []byte) (Trade, error) {
	var m tradeMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return Trade{}, &ProtocolError{Raw: raw, Err: err}
	}
	if m.TradeTime == nil || m.Price == "" || m.Qty == "" {
		return Trade{}, &ProtocolError{Raw: raw, Err: errMissingField}
	}
	if m.Event != "" && m.Event != "trade" {
		return Trade{}, &ProtocolError{Raw: raw, Err: fmt.Errorf("unexpected event %q", m.Event)}
	}
	price, err := strconv.ParseFloat(m.Price, 64)
	if err != nil {
		return Trade{}, &ProtocolError{Raw: raw, Err: fmt.Errorf("price: %w", err)}
	}
	if price <= 0 {
		return Trade{}, &ProtocolError{Raw: raw, Err: errBadPrice}
	}
	qty, err := strconv.ParseFloat(m.Qty, 64)
	if err != nil {
		return Trade{}, &ProtocolError{Raw: raw, Err: fmt.Errorf("qty: %w", err)}
	}
	return Trade{
		Symbol:     strings.ToUpper(m.Symbol),
		Price:      price,
		Qty:        qty,
		Time:       time.UnixMilli(*m.TradeTime).UTC(),
		BuyerMaker: m.BuyerMaker,
	}, nil
}

// EncodeTrade renders t in the wire format. Used by the local tick server.
func EncodeTrade(t Trade, tradeID int64) []byte {
	b, _ := json.Marshal(map[string]any{
		"e": "trade",
		"E": time.Now().UnixMilli(),
		"s": strings.ToUpper(t.Symbol),
		"t": tradeID,
		"p": strconv.FormatFloat(t.Price, 'f', 2, 64),
		"q": strconv.FormatFloat(t.Qty, 'f', 5, 64),
		"T": t.Time.UnixMilli(),
		"m": t.BuyerMaker,
		"M": true,
	})
	return b
}
