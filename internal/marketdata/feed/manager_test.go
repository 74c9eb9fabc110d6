package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"btcstream/internal/model"
	"btcstream/pkg/binance"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptConn replays msgs, then either blocks until closed or returns endErr.
type scriptConn struct {
	mu         sync.Mutex
	msgs       [][]byte
	endErr     error
	blockAtEnd bool
	closed     chan struct{}
	closeOnce  sync.Once
}

func newScriptConn(msgs ...string) *scriptConn {
	c := &scriptConn{closed: make(chan struct{}), endErr: io.EOF}
	for _, m := range msgs {
		c.msgs = append(c.msgs, []byte(m))
	}
	return c
}

func (c *scriptConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	if len(c.msgs) > 0 {
		m := c.msgs[0]
		c.msgs = c.msgs[1:]
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()
	if c.blockAtEnd {
		<-c.closed
		return nil, errors.New("use of closed connection")
	}
	return nil, c.endErr
}

func (c *scriptConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// scriptDialer returns the scripted results in order; after the script it fails.
type scriptDialer struct {
	mu    sync.Mutex
	steps []func(ctx context.Context) (Conn, error)
	dials atomic.Int32
}

func (d *scriptDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.steps) == 0 {
		return nil, errors.New("connection refused")
	}
	step := d.steps[0]
	d.steps = d.steps[1:]
	return step(ctx)
}

func fail(context.Context) (Conn, error) { return nil, errors.New("connection refused") }

func connect(c Conn) func(context.Context) (Conn, error) {
	return func(context.Context) (Conn, error) { return c, nil }
}

func fastConfig() Config {
	return Config{
		URL:                  "ws://test",
		MaxReconnectAttempts: 3,
		ReconnectDelay:       time.Millisecond,
		HeartbeatInterval:    time.Hour,
		ConnectTimeout:       time.Second,
	}
}

func trade(price string, ms int64) string {
	return `{"e":"trade","s":"BTCUSDT","p":"` + price + `","q":"0.5","T":` + strconv.FormatInt(ms, 10) + `,"m":false}`
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func count(evs []Event, kind EventKind) int {
	n := 0
	for _, ev := range evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestManager_ReconnectBound(t *testing.T) {
	for _, max := range []int{1, 3, 10} {
		d := &scriptDialer{} // always fails
		cfg := fastConfig()
		cfg.MaxReconnectAttempts = max
		m := New(cfg, d, nil)

		var hookCalls atomic.Int32
		m.OnReconnect = func(int) { hookCalls.Add(1) }

		err := m.Start(context.Background(), func(model.Tick) { t.Fatal("no ticks expected") })
		require.ErrorIs(t, err, ErrReconnectExhausted)

		assert.Equal(t, int32(max), d.dials.Load(), "dial attempts")
		assert.Equal(t, StateFailed, m.State())
		assert.Equal(t, int32(max-1), hookCalls.Load())

		evs := drain(m.Events())
		assert.Equal(t, 1, count(evs, EventFatal))

		// No further attempts after Failed.
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, int32(max), d.dials.Load())
	}
}

func TestManager_ConnectTimeoutCountsAsFailure(t *testing.T) {
	blocking := func(ctx context.Context) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d := &scriptDialer{steps: []func(context.Context) (Conn, error){blocking, blocking}}
	cfg := fastConfig()
	cfg.MaxReconnectAttempts = 2
	cfg.ConnectTimeout = 20 * time.Millisecond
	m := New(cfg, d, nil)

	start := time.Now()
	err := m.Start(context.Background(), func(model.Tick) {})
	require.ErrorIs(t, err, ErrReconnectExhausted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(2), d.dials.Load())
}

func TestManager_SuccessfulConnectResetsAttempts(t *testing.T) {
	session := newScriptConn(trade("50000.00", 1700000000000))
	d := &scriptDialer{steps: []func(context.Context) (Conn, error){
		fail, fail, connect(session), fail, fail,
	}}
	m := New(fastConfig(), d, nil)

	var ticks atomic.Int32
	err := m.Start(context.Background(), func(model.Tick) { ticks.Add(1) })
	require.ErrorIs(t, err, ErrReconnectExhausted)

	// 2 failures, reset on connect, then session drop + 2 more failures = 3.
	assert.Equal(t, int32(5), d.dials.Load())
	assert.Equal(t, int32(1), ticks.Load())
	assert.Equal(t, uint64(4), m.Stats().TotalReconnections)
}

func TestManager_MalformedMessagesSkipped(t *testing.T) {
	conn := newScriptConn(
		`not json`,
		trade("50100.50", 1700000000000),
		`{"e":"trade","p":"1"}`,
		trade("50200.00", 1700000001000),
	)
	conn.blockAtEnd = true
	d := &scriptDialer{steps: []func(context.Context) (Conn, error){connect(conn)}}
	m := New(fastConfig(), d, nil)

	var protoErrs atomic.Int32
	m.OnProtocolError = func(err error) {
		var perr *binance.ProtocolError
		assert.ErrorAs(t, err, &perr)
		protoErrs.Add(1)
	}

	got := make(chan model.Tick, 4)
	go m.Start(context.Background(), func(tk model.Tick) { got <- tk })

	first := <-got
	second := <-got
	assert.InDelta(t, 50100.50, first.Price, 1e-9)
	assert.InDelta(t, 50200.00, second.Price, 1e-9)
	assert.Equal(t, time.UnixMilli(1700000001000).UTC(), second.Time)

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, int32(2), protoErrs.Load())

	m.Stop()
	st := m.Stats()
	assert.Equal(t, uint64(4), st.TotalMessages)
	assert.Equal(t, uint64(2), st.ProtocolErrors)
	assert.Equal(t, int32(1), d.dials.Load(), "malformed messages must not reconnect")
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_DegradedHealthDoesNotReconnect(t *testing.T) {
	conn := newScriptConn()
	conn.blockAtEnd = true
	d := &scriptDialer{steps: []func(context.Context) (Conn, error){connect(conn)}}
	cfg := fastConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	m := New(cfg, d, nil)

	var degraded atomic.Int32
	m.OnDegraded = func(time.Duration) { degraded.Add(1) }

	go m.Start(context.Background(), func(model.Tick) {})
	defer m.Stop()

	require.Eventually(t, func() bool { return degraded.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, int32(1), d.dials.Load())

	var found bool
	for _, ev := range drain(m.Events()) {
		if ev.Kind == EventDegraded {
			found = true
			assert.Greater(t, ev.Silence, 20*time.Millisecond)
		}
	}
	assert.True(t, found)
}

func TestManager_StopIsIdempotent(t *testing.T) {
	m := New(fastConfig(), &scriptDialer{}, nil)
	m.Stop()
	m.Stop()

	// Start after Stop returns immediately without dialing.
	err := m.Start(context.Background(), func(model.Tick) {})
	assert.NoError(t, err)
}

// slowCloseConn takes a while to release the socket after reads unblock.
type slowCloseConn struct {
	*scriptConn
	released atomic.Bool
}

func (c *slowCloseConn) Close() error {
	c.scriptConn.Close()
	time.Sleep(20 * time.Millisecond)
	c.released.Store(true)
	return nil
}

func TestManager_ConcurrentStopWaitsForRelease(t *testing.T) {
	conn := &slowCloseConn{scriptConn: newScriptConn()}
	conn.blockAtEnd = true
	d := &scriptDialer{steps: []func(context.Context) (Conn, error){connect(conn)}}
	m := New(fastConfig(), d, nil)

	go m.Start(context.Background(), func(model.Tick) {})
	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	released := make([]bool, 3)
	for i := range released {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Stop()
			released[i] = conn.released.Load()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, []bool{true, true, true}, released)
}

func TestManager_StopDuringReconnectDelay(t *testing.T) {
	d := &scriptDialer{}
	cfg := fastConfig()
	cfg.ReconnectDelay = time.Hour
	m := New(cfg, d, nil)

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background(), func(model.Tick) {}) }()

	require.Eventually(t, func() bool { return m.State() == StateReconnecting }, time.Second, time.Millisecond)
	m.Stop()
	m.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestManager_GorillaEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var serverClosed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			conn.Close()
			serverClosed.Store(true)
		}()
		for i := int64(0); i < 3; i++ {
			msg := binance.EncodeTrade(binance.Trade{
				Symbol: "BTCUSDT", Price: 50000 + float64(i), Qty: 0.1,
				Time: time.UnixMilli(1700000000000 + i*1000),
			}, i)
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
		// Keep reading so control frames are handled until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	m := New(Config{URL: url, HeartbeatInterval: time.Hour}, WSDialer{PingInterval: 50 * time.Millisecond}, nil)

	got := make(chan model.Tick, 3)
	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background(), func(tk model.Tick) { got <- tk }) }()

	for i := 0; i < 3; i++ {
		select {
		case tk := <-got:
			assert.InDelta(t, 50000+float64(i), tk.Price, 1e-9)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for tick")
		}
	}

	m.Stop()
	require.NoError(t, <-done)
	require.Eventually(t, serverClosed.Load, 2*time.Second, 5*time.Millisecond)
}
