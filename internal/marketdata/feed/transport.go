package feed

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a message-oriented connection. Close must unblock a pending
// ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a Conn. The context bounds connection establishment only.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials gorilla websocket connections with ping/pong keep-alive.
type WSDialer struct {
	// PingInterval is how often a ping is sent. Defaults to 20s.
	PingInterval time.Duration
	// PongTimeout is how long to wait past a ping for any inbound frame.
	// Defaults to 10s.
	PongTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.PingInterval == 0 {
		d.PingInterval = 20 * time.Second
	}
	if d.PongTimeout == 0 {
		d.PongTimeout = 10 * time.Second
	}

	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	wc := &wsConn{
		c:        c,
		readWait: d.PingInterval + d.PongTimeout,
		done:     make(chan struct{}),
	}
	wc.extend()
	c.SetPongHandler(func(string) error {
		wc.extend()
		return nil
	})
	c.SetPingHandler(func(data string) error {
		wc.extend()
		err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	go wc.pinger(d.PingInterval)
	return wc, nil
}

type wsConn struct {
	c        *websocket.Conn
	readWait time.Duration
	done     chan struct{}
	once     sync.Once
}

func (w *wsConn) extend() {
	w.c.SetReadDeadline(time.Now().Add(w.readWait))
}

func (w *wsConn) pinger(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			if err := w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, raw, err := w.c.ReadMessage()
	if err != nil {
		return nil, err
	}
	w.extend()
	return raw, nil
}

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		err = w.c.Close()
	})
	return err
}
