// Package binance is a small client for the public Binance spot market data
// endpoints used by the engine: the historical kline REST route and the
// per-symbol trade stream.
//
// Usage example:
//
//	c := binance.NewClient(binance.Config{})
//	klines, err := c.Klines(ctx, "BTCUSDT", "1m", 200)
//	if err != nil { log.Fatal(err) }
//	fmt.Println("last close:", klines[len(klines)-1].Close)
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ---- Config & client ----

type Config struct {
	RestURL   string        // default: https://api.binance.com
	StreamURL string        // default: wss://stream.binance.com:9443/ws
	Timeout   time.Duration // default: 10s
}

const (
	defaultRest   = "https://api.binance.com"
	defaultStream = "wss://stream.binance.com:9443/ws"

	// MaxKlineLimit is the server-side cap on klines per request.
	MaxKlineLimit = 1000
)

var routes = map[string]string{
	"api.klines": "/api/v3/klines",
	"api.ping":   "/api/v3/ping",
}

type Client struct {
	restURL    string
	streamURL  string
	httpClient *http.Client
}

// NewClient fills in defaults and builds the HTTP client.
func NewClient(cfg Config) *Client {
	if cfg.RestURL == "" {
		cfg.RestURL = defaultRest
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = defaultStream
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		restURL:    strings.TrimRight(cfg.RestURL, "/"),
		streamURL:  strings.TrimRight(cfg.StreamURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// TradeStreamURL returns the raw trade stream endpoint for symbol.
func (c *Client) TradeStreamURL(symbol string) string {
	return c.streamURL + "/" + strings.ToLower(symbol) + "@trade"
}

// Kline is one historical candle as returned by /api/v3/klines.
type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Trades    int
}

// APIError is the error body Binance returns on non-2xx responses.
type APIError struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: status %d code %d: %s", e.Status, e.Code, e.Msg)
}

// Klines fetches the most recent limit candles for symbol at interval
// (e.g. "1m"), oldest first.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if limit <= 0 || limit > MaxKlineLimit {
		return nil, fmt.Errorf("binance: kline limit %d out of range 1..%d", limit, MaxKlineLimit)
	}
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	var raw [][]json.RawMessage
	if err := c.get(ctx, "api.klines", q, &raw); err != nil {
		return nil, err
	}

	out := make([]Kline, 0, len(raw))
	for i, row := range raw {
		k, err := parseKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("binance: kline row %d: %w", i, err)
		}
		out = append(out, k)
	}
	return out, nil
}

// Ping checks REST connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "api.ping", nil, nil)
}

func (c *Client) get(ctx context.Context, route string, q url.Values, out any) error {
	u := c.restURL + routes[route]
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("binance: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("binance: %s: %w", route, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("binance: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("binance: decode %s: %w", route, err)
	}
	return nil
}

// parseKlineRow decodes [openTime,"o","h","l","c","v",closeTime,"qv",trades,...].
func parseKlineRow(row []json.RawMessage) (Kline, error) {
	if len(row) < 9 {
		return Kline{}, fmt.Errorf("expected at least 9 fields, got %d", len(row))
	}
	var k Kline
	var openMs, closeMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return k, fmt.Errorf("open time: %w", err)
	}
	if err := json.Unmarshal(row[6], &closeMs); err != nil {
		return k, fmt.Errorf("close time: %w", err)
	}
	k.OpenTime = time.UnixMilli(openMs).UTC()
	k.CloseTime = time.UnixMilli(closeMs).UTC()

	fields := []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
	for i, dst := range fields {
		v, err := decimalString(row[i+1])
		if err != nil {
			return k, fmt.Errorf("field %d: %w", i+1, err)
		}
		*dst = v
	}
	if err := json.Unmarshal(row[8], &k.Trades); err != nil {
		return k, fmt.Errorf("trades: %w", err)
	}
	return k, nil
}

// decimalString parses a JSON string holding a decimal number ("50123.45").
func decimalString(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}
