// Package tele reports kiosk state and print telemetry to the operator
// backend. Contract:
// - Init() fails only with invalid config, network issues are not fatal
// - public calls block at most for a local disk write; delivery runs in
//   background over a persistent queue, at least once for telemetry
// - state messages are best effort and may be lost
package tele

import (
	"context"
	"time"

	"github.com/printpay/kiosk/currency"
	"github.com/printpay/kiosk/log2"
)

type State int32

const (
	State_Invalid State = iota
	State_Boot
	State_Nominal
	State_Session
	State_Problem
)

func (s State) String() string {
	switch s {
	case State_Boot:
		return "boot"
	case State_Nominal:
		return "nominal"
	case State_Session:
		return "session"
	case State_Problem:
		return "problem"
	}
	return "invalid"
}

type Config struct { //nolint:maligned
	Enabled           bool
	KioskId           int32
	Broker            string
	MqttPassword      string
	PersistPath       string
	KeepaliveSec      int
	StateIntervalSec  int
	NetworkTimeoutSec int
	LogDebug          bool
}

// PrintTelemetry is sent once per settled session.
type PrintTelemetry struct {
	KioskId  int32           `json:"kiosk_id"`
	Time     time.Time       `json:"time"`
	FormName string          `json:"form_name"`
	Copies   int32           `json:"copies"`
	Amount   currency.Amount `json:"amount"`
	Result   string          `json:"result"`
}

// ErrorTelemetry reports component failures for remote diagnostics.
type ErrorTelemetry struct {
	KioskId int32     `json:"kiosk_id"`
	Time    time.Time `json:"time"`
	Text    string    `json:"text"`
}

// StockTelemetry alerts the operator to refill bondpaper.
type StockTelemetry struct {
	KioskId   int32     `json:"kiosk_id"`
	Time      time.Time `json:"time"`
	Bondpaper int32     `json:"bondpaper"`
}

type Teler interface {
	Init(ctx context.Context, log *log2.Log, c Config) error
	Close()
	State(s State)
	PrintResult(p PrintTelemetry)
	Error(e error)
	StockLow(bondpaper int32)
}

// NewStub returns a Teler that does nothing, for tests and -tele=false.
func NewStub() Teler { return stub{} }

type stub struct{}

func (stub) Init(context.Context, *log2.Log, Config) error { return nil }
func (stub) Close()                                        {}
func (stub) State(State)                                   {}
func (stub) PrintResult(PrintTelemetry)                    {}
func (stub) Error(error)                                   {}
func (stub) StockLow(int32)                                {}
