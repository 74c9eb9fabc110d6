package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTrade(t *testing.T) {
	raw := []byte(`{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":1,"p":"50123.45","q":"0.015","T":1700000000000,"m":true}`)

	tr, err := DecodeTrade(raw)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", tr.Symbol)
	assert.InDelta(t, 50123.45, tr.Price, 1e-9)
	assert.InDelta(t, 0.015, tr.Qty, 1e-12)
	assert.True(t, tr.BuyerMaker)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), tr.Time)
}

// Keys that differ only in case must not overwrite each other, whatever
// their order in the message.
func TestDecodeTrade_CaseDistinctKeys(t *testing.T) {
	payloads := []string{
		`{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":12345,"p":"50123.45","q":"0.015","T":1700000000000,"m":true,"M":true}`,
		`{"T":1700000000000,"t":12345,"M":false,"m":true,"E":1700000000100,"e":"trade","s":"BTCUSDT","p":"50123.45","q":"0.015"}`,
	}
	for _, raw := range payloads {
		tr, err := DecodeTrade([]byte(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, time.UnixMilli(1700000000000).UTC(), tr.Time)
		assert.InDelta(t, 50123.45, tr.Price, 1e-9)
		assert.InDelta(t, 0.015, tr.Qty, 1e-12)
		assert.True(t, tr.BuyerMaker)
	}
}

func TestDecodeTrade_ProtocolErrors(t *testing.T) {
	cases := map[string]string{
		"not json":      `{oops`,
		"missing time":  `{"e":"trade","s":"BTCUSDT","p":"1","q":"1"}`,
		"missing price": `{"e":"trade","s":"BTCUSDT","q":"1","T":1}`,
		"bad price":     `{"e":"trade","s":"BTCUSDT","p":"abc","q":"1","T":1}`,
		"zero price":    `{"e":"trade","s":"BTCUSDT","p":"0","q":"1","T":1}`,
		"other event":   `{"e":"kline","s":"BTCUSDT","p":"1","q":"1","T":1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeTrade([]byte(raw))
			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, raw, string(perr.Raw))
		})
	}
}

func TestEncodeTrade_DecodesBack(t *testing.T) {
	in := Trade{Symbol: "btcusdt", Price: 50500.5, Qty: 0.25, Time: time.UnixMilli(1700000000123).UTC()}
	out, err := DecodeTrade(EncodeTrade(in, 7))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", out.Symbol)
	assert.InDelta(t, in.Price, out.Price, 1e-9)
	assert.Equal(t, in.Time, out.Time)
	assert.False(t, out.BuyerMaker)
}

func TestKlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		w.Write([]byte(`[
			[1700000000000,"100.0","110.0","90.0","105.0","12.5",1700000059999,"0",42,"0","0","0"],
			[1700000060000,"105.0","106.0","101.0","102.0","3.0",1700000119999,"0",7,"0","0","0"]
		]`))
	}))
	defer srv.Close()

	c := NewClient(Config{RestURL: srv.URL})
	ks, err := c.Klines(context.Background(), "btcusdt", "1m", 2)
	require.NoError(t, err)
	require.Len(t, ks, 2)

	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), ks[0].OpenTime)
	assert.InDelta(t, 110.0, ks[0].High, 1e-9)
	assert.InDelta(t, 12.5, ks[0].Volume, 1e-9)
	assert.Equal(t, 42, ks[0].Trades)
	assert.InDelta(t, 102.0, ks[1].Close, 1e-9)
}

func TestKlines_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	c := NewClient(Config{RestURL: srv.URL})
	_, err := c.Klines(context.Background(), "NOPE", "1m", 10)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -1121, apiErr.Code)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestKlines_LimitRange(t *testing.T) {
	c := NewClient(Config{RestURL: "http://127.0.0.1:1"})
	_, err := c.Klines(context.Background(), "BTCUSDT", "1m", 0)
	assert.Error(t, err)
	_, err = c.Klines(context.Background(), "BTCUSDT", "1m", MaxKlineLimit+1)
	assert.Error(t, err)
}

func TestTradeStreamURL(t *testing.T) {
	c := NewClient(Config{StreamURL: "ws://localhost:9001/ws/"})
	assert.Equal(t, "ws://localhost:9001/ws/btcusdt@trade", c.TradeStreamURL("BTCUSDT"))
}
