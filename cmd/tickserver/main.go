// Command tickserver is a local stand-in for the Binance trade stream.
// Broadcasts simulated trades so streamtrader can run without network access:
//
//	BINANCE_STREAM_URL=ws://localhost:9001/ws streamtrader run
//
// Clients connect to /ws/<symbol>@trade and receive messages in the Binance
// trade format:
//
//	{"e":"trade","E":1700000000123,"s":"BTCUSDT","t":42,"p":"43250.10","q":"0.01500","T":1700000000120,"m":false}
//
// Config (env vars):
//
//	TICK_SERVER_ADDR   listen address  (default: ":9001")
//	TICK_SYMBOLS       comma-separated SYMBOL:START_PRICE pairs (default: "BTCUSDT:43000")
//	TICK_INTERVAL_MS   broadcast interval milliseconds (default: "100")
//	TICK_JUMP_PCT      size of an occasional price jump, percent (default: "0.5")
package main

import (
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"btcstream/pkg/binance"
)

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol string
	Price  float64
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]client
}

type client struct {
	symbol string
	ch     chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]client)}
}

func (h *hub) register(conn *websocket.Conn, symbol string) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = client{symbol: symbol, ch: ch}
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(symbol string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.symbol != symbol {
			continue
		}
		select {
		case c.ch <- msg:
		default: // slow client, drop the trade
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// streamSymbol extracts BTCUSDT from /ws/btcusdt@trade.
func streamSymbol(path string) (string, bool) {
	name := strings.TrimPrefix(path, "/ws/")
	sym, ok := strings.CutSuffix(name, "@trade")
	if !ok || sym == "" || strings.Contains(sym, "/") {
		return "", false
	}
	return strings.ToUpper(sym), true
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol, ok := streamSymbol(r.URL.Path)
		if !ok {
			http.Error(w, "expected /ws/<symbol>@trade", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s (%s)", r.RemoteAddr, symbol)

		ch := h.register(conn, symbol)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		// Read pump: answers pings and notices the client going away.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		// Write pump: sends trade JSON to this client.
		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Trade generator ──────────────────────────────────────────────────────────

// walkPrice applies a small random walk (±0.05%) with an occasional jump of
// ±jumpPct so stops and targets get exercised.
func walkPrice(rng *rand.Rand, price, jumpPct float64) float64 {
	pct := (rng.Float64()*0.1 - 0.05) / 100.0
	if rng.Intn(500) == 0 {
		pct = jumpPct / 100.0
		if rng.Intn(2) == 0 {
			pct = -pct
		}
	}
	next := price * (1 + pct)
	if next < 0.01 {
		next = 0.01
	}
	return next
}

func runGenerator(h *hub, instruments []instrument, interval time.Duration, jumpPct float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var tradeID int64

	for range ticker.C {
		for i := range instruments {
			instruments[i].Price = walkPrice(rng, instruments[i].Price, jumpPct)
			tradeID++
			msg := binance.EncodeTrade(binance.Trade{
				Symbol:     instruments[i].Symbol,
				Price:      instruments[i].Price,
				Qty:        float64(rng.Intn(1000)+1) / 10000,
				Time:       time.Now().UTC(),
				BuyerMaker: rng.Intn(2) == 0,
			}, tradeID)
			h.broadcast(instruments[i].Symbol, msg)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting demo trade server...")

	addr := env("TICK_SERVER_ADDR", ":9001", parseString)
	symbolsEnv := env("TICK_SYMBOLS", "BTCUSDT:43000", parseString)
	intervalMs := env("TICK_INTERVAL_MS", 100, strconv.Atoi)
	jumpPct := env("TICK_JUMP_PCT", 0.5, parseFloat)

	instruments := parseInstruments(symbolsEnv)
	if len(instruments) == 0 {
		log.Fatalf("[tickserver] no instruments configured via TICK_SYMBOLS")
	}
	log.Printf("[tickserver] instruments: %+v", instruments)
	log.Printf("[tickserver] broadcast interval: %dms", intervalMs)

	h := newHub()
	go runGenerator(h, instruments, time.Duration(intervalMs)*time.Millisecond, jumpPct)

	http.HandleFunc("/ws/", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})

	log.Printf("[tickserver] ✅ listening on %s  (WebSocket: ws://localhost%s/ws/<symbol>@trade)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[tickserver] skipping invalid symbol spec: %q", part)
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64)
		if err != nil || price <= 0 {
			log.Printf("[tickserver] skipping invalid start price: %q", part)
			continue
		}
		result = append(result, instrument{
			Symbol: strings.ToUpper(strings.TrimSpace(seg[0])),
			Price:  price,
		})
	}
	return result
}

// env returns the parsed value of key, or def when unset or unparsable.
func env[T any](key string, def T, parse func(string) (T, error)) T {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := parse(v)
	if err != nil {
		log.Printf("[tickserver] ignoring invalid %s=%q: %v", key, v, err)
		return def
	}
	return parsed
}

func parseString(s string) (string, error) { return s, nil }

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }
