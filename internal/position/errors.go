package position

import (
	"errors"
	"fmt"

	"btcstream/internal/model"
)

var (
	// ErrInsufficientCapital matches any *CapitalError.
	ErrInsufficientCapital = errors.New("position: insufficient capital")
	// ErrMaxPositionsReached is returned when the concurrency cap is hit.
	ErrMaxPositionsReached = errors.New("position: max positions reached")
	// ErrRiskLimit is returned when a ledger risk limit refuses an entry.
	ErrRiskLimit = errors.New("position: risk limit")
	// ErrInvalidOrder is returned for malformed open requests.
	ErrInvalidOrder = errors.New("position: invalid order")
)

// CapitalError rejects an entry whose value exceeds available capital.
type CapitalError struct {
	Required  float64
	Available float64
}

func (e *CapitalError) Error() string {
	return fmt.Sprintf("position: insufficient capital: need %.2f, have %.2f", e.Required, e.Available)
}

func (e *CapitalError) Is(target error) bool { return target == ErrInsufficientCapital }

// StateError reports an operation on a position that is no longer open.
// It indicates a programming error in the caller.
type StateError struct {
	TradeID string
	Status  model.Status
	Op      string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("position: %s %s: position is %s", e.Op, e.TradeID, e.Status)
}
