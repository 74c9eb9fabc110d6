// Package feed owns the persistent subscription to the exchange trade stream.
//
// A Manager dials the stream, decodes trade messages into model.Tick values and
// hands them to a caller-supplied callback. Transport failures are retried with
// a fixed delay; after MaxReconnectAttempts consecutive failures the manager
// enters StateFailed, emits a single EventFatal and stops dialing. A separate
// health loop emits EventDegraded when the stream goes quiet for more than
// twice the heartbeat interval.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"btcstream/internal/model"
	"btcstream/pkg/binance"
)

// Config holds connection policy. Zero fields take the defaults below.
type Config struct {
	// URL of the trade stream, e.g. "wss://stream.binance.com:9443/ws/btcusdt@trade"
	URL string

	MaxReconnectAttempts int           // default 10
	ReconnectDelay       time.Duration // fixed delay between attempts, default 5s
	HeartbeatInterval    time.Duration // health check period, default 30s
	ConnectTimeout       time.Duration // bound on a single dial, default 10s

	// EventBuffer is the capacity of the Events channel. Default 64.
	EventBuffer int
}

func (c *Config) defaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
}

// Manager is a single-use connection owner: Start once, Stop any number of times.
type Manager struct {
	cfg    Config
	dialer Dialer
	log    *slog.Logger
	events chan Event

	state       atomic.Int32
	lastMsg     atomic.Int64 // unix nanos
	connectedAt atomic.Int64 // unix nanos, 0 while not connected
	msgs        atomic.Uint64
	reconnects  atomic.Uint64
	protoErrs   atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}

	// Optional hooks, called from the manager's goroutines.
	OnStateChange   func(from, to State)
	OnReconnect     func(attempt int)
	OnProtocolError func(err error)
	OnDegraded      func(silence time.Duration)

	now func() time.Time
}

// New creates a Manager. A nil dialer uses WSDialer with default keep-alive.
func New(cfg Config, dialer Dialer, logger *slog.Logger) *Manager {
	cfg.defaults()
	if dialer == nil {
		dialer = WSDialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		log:    logger.With(slog.String("component", "feed")),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Events delivers connection events. Sends never block the manager; events
// are dropped if the buffer is full.
func (m *Manager) Events() <-chan Event { return m.events }

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Start connects and streams ticks to onMessage until ctx is cancelled, Stop is
// called, or reconnect attempts are exhausted. onMessage runs on the read
// goroutine and must not block. The connection is released on every return
// path. Returns nil on cancellation and ErrReconnectExhausted on failure.
func (m *Manager) Start(ctx context.Context, onMessage func(model.Tick)) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	if m.cancel != nil {
		m.mu.Unlock()
		return errors.New("feed: manager already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	defer close(m.done)
	defer cancel()

	go m.healthLoop(ctx)

	failures := 0
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return nil
		}

		m.setState(StateConnecting)
		connected, err := m.runOnce(ctx, failures+1, onMessage)
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			m.emit(Event{Kind: EventDisconnected, Time: m.now()})
			return nil
		}
		if connected {
			failures = 0
			m.emit(Event{Kind: EventDisconnected, Time: m.now(), Err: err})
		}
		failures++

		if failures >= m.cfg.MaxReconnectAttempts {
			m.setState(StateFailed)
			m.log.Error("reconnect attempts exhausted",
				slog.Int("attempts", failures), slog.Any("error", err))
			m.emit(Event{Kind: EventFatal, Time: m.now(), Attempt: failures, Err: err})
			return fmt.Errorf("%w: %w", ErrReconnectExhausted, err)
		}

		m.setState(StateReconnecting)
		m.reconnects.Add(1)
		m.log.Warn("disconnected, reconnecting",
			slog.Any("error", err),
			slog.Duration("delay", m.cfg.ReconnectDelay),
			slog.Int("attempt", failures),
			slog.Int("max_attempts", m.cfg.MaxReconnectAttempts))
		m.emit(Event{Kind: EventReconnecting, Time: m.now(), Attempt: failures, Err: err})
		if m.OnReconnect != nil {
			m.OnReconnect(failures)
		}

		t := time.NewTimer(m.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			m.setState(StateDisconnected)
			return nil
		case <-t.C:
		}
	}
}

// Stop cancels the connection and waits for Start to release it. Every caller,
// concurrent ones included, returns only after the connection is closed.
// Before Start it only marks the manager stopped.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-m.done
}

// Stats returns the connection counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		State:              m.State(),
		TotalMessages:      m.msgs.Load(),
		TotalReconnections: m.reconnects.Load(),
		ProtocolErrors:     m.protoErrs.Load(),
	}
	s.Connected = s.State == StateConnected
	if at := m.connectedAt.Load(); at != 0 && s.Connected {
		s.Uptime = m.now().Sub(time.Unix(0, at))
	}
	if lm := m.lastMsg.Load(); lm != 0 {
		s.LastMessageTime = time.Unix(0, lm)
	}
	return s
}

// runOnce dials once and reads until the connection fails or ctx ends.
// connected reports whether the dial succeeded.
func (m *Manager) runOnce(ctx context.Context, attempt int, onMessage func(model.Tick)) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	cancel()
	if err != nil {
		return false, &ConnectionError{Op: "dial", Attempt: attempt, Err: err}
	}
	defer conn.Close()

	now := m.now()
	m.connectedAt.Store(now.UnixNano())
	defer m.connectedAt.Store(0)
	m.setState(StateConnected)
	m.log.Info("connected", slog.String("url", m.cfg.URL))
	m.emit(Event{Kind: EventConnected, Time: now})

	// Closes the connection on cancellation so the blocked read returns.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, &ConnectionError{Op: "read", Attempt: attempt, Err: err}
		}
		m.lastMsg.Store(m.now().UnixNano())
		n := m.msgs.Add(1)

		tr, err := binance.DecodeTrade(raw)
		if err != nil {
			m.protoErrs.Add(1)
			m.log.Warn("skipping malformed message", slog.Any("error", err))
			if m.OnProtocolError != nil {
				m.OnProtocolError(err)
			}
			continue
		}
		if n%1000 == 0 {
			m.log.Info("stream progress", slog.Uint64("messages", n), slog.Float64("price", tr.Price))
		}

		onMessage(model.Tick{
			Symbol:     tr.Symbol,
			Price:      tr.Price,
			Qty:        tr.Qty,
			Time:       tr.Time,
			BuyerMaker: tr.BuyerMaker,
		})
	}
}

// healthLoop compares time since the last message against twice the
// heartbeat interval. It only reports; reconnects are driven by read errors.
func (m *Manager) healthLoop(ctx context.Context) {
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if m.State() != StateConnected {
			continue
		}
		last := m.lastMsg.Load()
		if at := m.connectedAt.Load(); at > last {
			last = at
		}
		if last == 0 {
			continue
		}
		silence := m.now().Sub(time.Unix(0, last))
		if silence <= 2*m.cfg.HeartbeatInterval {
			m.log.Debug("connection healthy", slog.Duration("since_last_message", silence))
			continue
		}
		m.log.Warn("no messages received", slog.Duration("silence", silence))
		m.emit(Event{Kind: EventDegraded, Time: m.now(), Silence: silence})
		if m.OnDegraded != nil {
			m.OnDegraded(silence)
		}
	}
}

func (m *Manager) setState(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	m.log.Debug("state change", slog.String("from", from.String()), slog.String("to", to.String()))
	if m.OnStateChange != nil {
		m.OnStateChange(from, to)
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn("event buffer full, dropping event", slog.String("kind", ev.Kind.String()))
	}
}
