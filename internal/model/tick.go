package model

import "time"

// Tick is a single trade observation from the feed.
type Tick struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Qty        float64   `json:"qty"`
	Time       time.Time `json:"time"` // exchange trade time, UTC
	BuyerMaker bool      `json:"buyer_maker"`
}
