// Package types holds values shared between the session engine and
// whatever presentation layer drives it. Background components emit these
// immutable events; they never touch UI-owned state directly.
package types

import (
	"fmt"
	"time"

	"github.com/printpay/kiosk/currency"
)

type EventKind uint8

const (
	EventInvalid EventKind = iota
	EventCoinCredit
	EventSessionState
	EventSessionSettled
	EventStop
)

func (ek EventKind) String() string {
	switch ek {
	case EventInvalid:
		return "Invalid"
	case EventCoinCredit:
		return "CoinCredit"
	case EventSessionState:
		return "SessionState"
	case EventSessionSettled:
		return "SessionSettled"
	case EventStop:
		return "Stop"
	}
	return fmt.Sprintf("unknown:%d", uint8(ek))
}

// Event is the only channel of information from background components to
// the presentation layer.
type Event struct {
	Created time.Time
	Kind    EventKind
	Amount  currency.Amount // CoinCredit: new accrued total
	State   string          // SessionState: new state name
	Result  string          // SessionSettled: terminal result name
	Err     error
}

func (e *Event) String() string {
	inner := ""
	switch e.Kind {
	case EventCoinCredit:
		inner = fmt.Sprintf(" amount=%s", e.Amount.Format100I())
	case EventSessionState:
		inner = fmt.Sprintf(" state=%s", e.State)
	case EventSessionSettled:
		inner = fmt.Sprintf(" result=%s", e.Result)
	}
	if e.Err != nil {
		inner += fmt.Sprintf(" err=%v", e.Err)
	}
	return fmt.Sprintf("Event(%s%s)", e.Kind.String(), inner)
}
