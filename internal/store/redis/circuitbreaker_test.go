package redis

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFail = errors.New("fail")

// fakeClock returns a breaker whose time only moves when advanced.
func fakeClock(cb *CircuitBreaker) func(time.Duration) {
	now := time.Unix(1_700_000_000, 0)
	cb.now = func() time.Time { return now }
	return func(d time.Duration) { now = now.Add(d) }
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second)
	assert.Equal(t, StateClosed, cb.CurrentState())
	assert.Equal(t, "closed", cb.CurrentState().String())
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second)
	fakeClock(cb)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(func() error { return errFail }), errFail)
	}
	assert.Equal(t, StateOpen, cb.CurrentState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second)
	_ = cb.Execute(func() error { return errFail })
	_ = cb.Execute(func() error { return errFail })
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Zero(t, cb.Failures())
	_ = cb.Execute(func() error { return errFail })
	assert.Equal(t, StateClosed, cb.CurrentState())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Second)
	advance := fakeClock(cb)

	var transitions []string
	cb.OnStateChange = func(from, to State) { transitions = append(transitions, from.String()+"->"+to.String()) }

	_ = cb.Execute(func() error { return errFail })
	_ = cb.Execute(func() error { return errFail })
	require.Equal(t, StateOpen, cb.CurrentState())

	advance(500 * time.Millisecond)
	require.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

	advance(600 * time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.CurrentState())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Second)
	advance := fakeClock(cb)

	_ = cb.Execute(func() error { return errFail })
	_ = cb.Execute(func() error { return errFail })
	advance(2 * time.Second)
	require.ErrorIs(t, cb.Execute(func() error { return errFail }), errFail)
	assert.Equal(t, StateOpen, cb.CurrentState())

	// The open period restarts from the failed trial call.
	advance(500 * time.Millisecond)
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
}
