package feed

import (
	"errors"
	"fmt"
)

// ErrReconnectExhausted is returned by Start once the manager reaches
// StateFailed.
var ErrReconnectExhausted = errors.New("feed: reconnect attempts exhausted")

// ConnectionError is a transient transport failure (dial, timeout, read).
// It is handled by the reconnect policy and never reaches trading logic.
type ConnectionError struct {
	Op      string // "dial" or "read"
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("feed: %s failed (attempt %d): %v", e.Op, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
