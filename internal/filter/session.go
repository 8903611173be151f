package filter

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the position of a turn in the gate/finalize protocol.
type State int

const (
	StateGated State = iota
	StateActive
	StateOutageBlocked
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateGated:
		return "gated"
	case StateActive:
		return "active"
	case StateOutageBlocked:
		return "outage_blocked"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// TurnSession carries per-turn state from Gate to Finalize. It belongs to a
// single turn and must not be shared between concurrent turns.
type TurnSession struct {
	ID        string
	StartedAt time.Time
	State     State

	// Outage is set when the authority reported a non-positive balance at
	// gate time. Finalize skips billing for such a session.
	Outage  bool
	Balance decimal.Decimal

	// Unauthenticated records that the gate call was waved through after
	// the authority rejected the API key.
	Unauthenticated bool
}

// Proceeds reports whether the host may run the turn.
func (s *TurnSession) Proceeds() bool {
	return s != nil && s.State == StateActive
}
