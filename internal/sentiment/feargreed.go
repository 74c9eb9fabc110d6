// Package sentiment fetches the crypto Fear & Greed Index and maps it to
// confidence multipliers for buy and sell decisions.
package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	defaultURL      = "https://api.alternative.me/fng/"
	defaultCacheTTL = time.Hour
)

// Band is a Fear & Greed classification.
type Band string

const (
	ExtremeFear  Band = "Extreme Fear"
	Fear         Band = "Fear"
	Neutral      Band = "Neutral"
	Greed        Band = "Greed"
	ExtremeGreed Band = "Extreme Greed"
)

// Classify maps an index value (0-100) to its band.
func Classify(value int) Band {
	switch {
	case value < 25:
		return ExtremeFear
	case value < 45:
		return Fear
	case value < 55:
		return Neutral
	case value < 75:
		return Greed
	default:
		return ExtremeGreed
	}
}

var buyMultiplier = map[Band]float64{
	ExtremeFear:  1.5,
	Fear:         1.2,
	Neutral:      1.0,
	Greed:        0.8,
	ExtremeGreed: 0.5,
}

var sellMultiplier = map[Band]float64{
	ExtremeFear:  0.5,
	Fear:         0.8,
	Neutral:      1.0,
	Greed:        1.2,
	ExtremeGreed: 1.5,
}

// Reading is one index observation.
type Reading struct {
	Value          int       `json:"value"`
	Classification string    `json:"classification"`
	Time           time.Time `json:"time"`
}

// Band returns the band for the reading's value.
func (r Reading) Band() Band { return Classify(r.Value) }

// BuyMultiplier scales buy confidence: fear favours buying.
func (r Reading) BuyMultiplier() float64 { return buyMultiplier[r.Band()] }

// SellMultiplier scales sell confidence: greed favours selling.
func (r Reading) SellMultiplier() float64 { return sellMultiplier[r.Band()] }

// Config for the index client.
type Config struct {
	URL      string        // default: https://api.alternative.me/fng/
	CacheTTL time.Duration // default: 1h
	Timeout  time.Duration // default: 10s
}

// Client fetches the current index and caches it for CacheTTL.
type Client struct {
	url    string
	ttl    time.Duration
	client *http.Client
	log    *slog.Logger

	mu        sync.Mutex
	cached    *Reading
	fetchedAt time.Time

	now func() time.Time
}

// NewClient creates a Client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:    cfg.URL,
		ttl:    cfg.CacheTTL,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logger.With(slog.String("component", "sentiment")),
		now:    time.Now,
	}
}

type fngResponse struct {
	Data []struct {
		Value          string `json:"value"`
		Classification string `json:"value_classification"`
		Timestamp      string `json:"timestamp"`
	} `json:"data"`
	Metadata struct {
		Error *string `json:"error"`
	} `json:"metadata"`
}

// Current returns the latest reading, from cache when fresh. On fetch failure
// a stale cached reading is returned together with the error.
func (c *Client) Current(ctx context.Context) (Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		return *c.cached, nil
	}

	r, err := c.fetch(ctx)
	if err != nil {
		c.log.Warn("fear & greed fetch failed", slog.Any("error", err))
		if c.cached != nil {
			return *c.cached, err
		}
		return Reading{}, err
	}
	c.cached = &r
	c.fetchedAt = c.now()
	c.log.Info("fear & greed index", slog.Int("value", r.Value), slog.String("classification", r.Classification))
	return r, nil
}

func (c *Client) fetch(ctx context.Context) (Reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"?limit=1", nil)
	if err != nil {
		return Reading{}, fmt.Errorf("sentiment: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Reading{}, fmt.Errorf("sentiment: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Reading{}, fmt.Errorf("sentiment: unexpected status %d", resp.StatusCode)
	}

	var body fngResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Reading{}, fmt.Errorf("sentiment: decode: %w", err)
	}
	if body.Metadata.Error != nil {
		return Reading{}, fmt.Errorf("sentiment: api error: %s", *body.Metadata.Error)
	}
	if len(body.Data) == 0 {
		return Reading{}, fmt.Errorf("sentiment: empty data")
	}

	d := body.Data[0]
	v, err := strconv.Atoi(d.Value)
	if err != nil {
		return Reading{}, fmt.Errorf("sentiment: value %q: %w", d.Value, err)
	}
	ts, err := strconv.ParseInt(d.Timestamp, 10, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("sentiment: timestamp %q: %w", d.Timestamp, err)
	}
	return Reading{Value: v, Classification: d.Classification, Time: time.Unix(ts, 0).UTC()}, nil
}
