package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"btcstream/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// Event kinds the client asked for; empty means everything.
	subMu sync.RWMutex
	kinds map[model.EventKind]bool
}

// controlMsg is a client to server message.
//
//	{"type":"SUBSCRIBE","kinds":["signal","position.closed"]}
//	{"type":"UNSUBSCRIBE","kinds":["signal"]}
//	{"type":"PING","ping":1700000000000}
type controlMsg struct {
	Type  string            `json:"type"`
	Kinds []model.EventKind `json:"kinds"`
	Ping  int64             `json:"ping"`
}

func newClient(h *Hub, conn *websocket.Conn, kinds []model.EventKind) *Client {
	c := &Client{
		conn:  conn,
		send:  make(chan []byte, clientSendBuffer),
		hub:   h,
		kinds: make(map[model.EventKind]bool),
	}
	for _, k := range kinds {
		c.kinds[k] = true
	}
	return c
}

func (c *Client) wants(kind model.EventKind) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.kinds) == 0 || c.kinds[kind]
}

func (c *Client) sendInitialState(lastTS string) {
	var cutoff time.Time
	if lastTS != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, lastTS); err == nil {
			cutoff = parsed
		}
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for kind, entry := range c.hub.latest {
		if !c.wants(kind) {
			continue
		}
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		select {
		case c.send <- entry.Envelope:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Coalesce whatever is already queued into one frame,
			// newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		c.hub.log.Info("ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid message: " + err.Error())
			continue
		}

		switch msg.Type {
		case "SUBSCRIBE":
			c.subMu.Lock()
			for _, k := range msg.Kinds {
				c.kinds[k] = true
			}
			c.subMu.Unlock()
			c.hub.log.Debug("ws subscribe", slog.Any("kinds", msg.Kinds))
		case "UNSUBSCRIBE":
			c.subMu.Lock()
			for _, k := range msg.Kinds {
				delete(c.kinds, k)
			}
			c.subMu.Unlock()
		case "PING":
			pong, _ := json.Marshal(map[string]any{
				"type":      "PONG",
				"ping":      msg.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			c.trySend(pong)
		default:
			c.sendError("unknown message type " + msg.Type)
		}
	}
}

func (c *Client) sendError(text string) {
	b, _ := json.Marshal(map[string]string{"type": "ERROR", "error": text})
	c.trySend(b)
}

// trySend queues b unless the client is gone or its buffer is full.
func (c *Client) trySend(b []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}
