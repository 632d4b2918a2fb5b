package session

// State of one payment-and-print session.
//
// Accruing -> ReadyExact -> Dispatching -> Settled
//          \> OverpayConfirm ^            (Success|Failed)
// Cancelled is reachable from Accruing, ReadyExact, OverpayConfirm.
type State uint32

const (
	StateInvalid State = iota
	StateAccruing
	StateReadyExact
	StateOverpayConfirm
	StateDispatching
	StateSettled
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateAccruing:
		return "Accruing"
	case StateReadyExact:
		return "ReadyExact"
	case StateOverpayConfirm:
		return "OverpayConfirm"
	case StateDispatching:
		return "Dispatching"
	case StateSettled:
		return "Settled"
	case StateCancelled:
		return "Cancelled"
	}
	return "Invalid"
}

// Terminal states accept no further input.
func (s State) Terminal() bool { return s == StateSettled || s == StateCancelled }
