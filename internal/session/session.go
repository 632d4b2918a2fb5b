// Package session coordinates one user transaction: coins accrue against
// a required total, the print action is gated on full payment, dispatch
// outcome settles into the ledger exactly once.
package session

import (
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/printpay/kiosk/currency"
	"github.com/printpay/kiosk/internal/hardware/coin"
	"github.com/printpay/kiosk/internal/ledger"
	"github.com/printpay/kiosk/internal/spool"
	"github.com/printpay/kiosk/internal/types"
	"github.com/printpay/kiosk/log2"
)

const modName = "session"

var (
	ErrPrintNotReady  = errors.New("print not allowed in current state")
	ErrConfirmInvalid = errors.New("nothing to confirm")
	ErrCancelInvalid  = errors.New("cancel not allowed in current state")
	ErrStockLow       = errors.New("bondpaper stock is too low")
)

// CoinAcceptor is what the session needs from the coin hardware.
type CoinAcceptor interface {
	Start(initial currency.Amount, out chan<- coin.Event)
	Stop()
}

// JobDispatcher is what the session needs from the print spooler side.
type JobDispatcher interface {
	Submit(documentPath string, copies int, media string) (spool.JobHandle, error)
	AwaitOutcome(h spool.JobHandle, out chan<- spool.Event)
}

// Config describes the document of one user transaction.
type Config struct {
	FormName     string
	DocumentPath string
	Media        string
	Copies       int32
	PagesPerCopy int32
}

func (c *Config) sheets() int32 { return c.Copies * c.PagesPerCopy }

// Session owns the coin hardware for its whole lifetime; construct one at
// a time per kiosk.
type Session struct {
	Log *log2.Log

	cfg        Config
	required   currency.Amount
	coin       CoinAcceptor
	dispatcher JobDispatcher
	orch       *Orchestrator
	events     chan<- types.Event

	coinCh   chan coin.Event
	spoolCh  chan spool.Event
	coinStop sync.Once
	done     chan struct{}
	doneOnce sync.Once

	lk        sync.Mutex
	state     State
	accrued   currency.Amount
	confirmed bool
	settled   bool
	result    ledger.Result
}

// New validates stock and price and builds a session in StateInvalid;
// call Start to begin accepting coins.
func New(cfg Config, ca CoinAcceptor, jd JobDispatcher, orch *Orchestrator, events chan<- types.Event, log *log2.Log) (*Session, error) {
	if cfg.Copies <= 0 || cfg.PagesPerCopy <= 0 {
		return nil, errors.Errorf("%s copies=%d pages=%d invalid", modName, cfg.Copies, cfg.PagesPerCopy)
	}
	settings := orch.Ledger.Settings()
	if settings.BondpaperQuantity < cfg.sheets() {
		return nil, errors.Annotatef(ErrStockLow, "have=%d need=%d", settings.BondpaperQuantity, cfg.sheets())
	}
	s := &Session{
		Log:        log,
		cfg:        cfg,
		required:   settings.BasePrice * currency.Amount(cfg.sheets()),
		coin:       ca,
		dispatcher: jd,
		orch:       orch,
		events:     events,
		coinCh:     make(chan coin.Event, 8),
		spoolCh:    make(chan spool.Event, 1),
		done:       make(chan struct{}),
		state:      StateInvalid,
		accrued:    settings.CoinsLeft,
	}
	return s, nil
}

func (s *Session) Required() currency.Amount { return s.required }

func (s *Session) Accrued() currency.Amount {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.accrued
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result is ResultInvalid until the session settles.
func (s *Session) Result() ledger.Result {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.result
}

func (s *Session) State() State {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.state
}

// Start begins coin accrual. Carried-over balance may satisfy the total
// immediately, then the session starts already past Accruing.
func (s *Session) Start() {
	s.lk.Lock()
	s.state = StateAccruing
	initial := s.accrued
	s.locked_evaluate()
	st := s.state
	s.lk.Unlock()

	s.Log.Infof("%s start form=%s copies=%d required=%s balance=%s",
		modName, s.cfg.FormName, s.cfg.Copies, s.required.Format100I(), initial.Format100I())
	s.coin.Start(initial, s.coinCh)
	go s.consumeCoins()
	s.emitState(st)
}

func (s *Session) consumeCoins() {
	for ev := range s.coinCh {
		s.lk.Lock()
		if s.state != StateAccruing && s.state != StateReadyExact && s.state != StateOverpayConfirm {
			s.lk.Unlock()
			continue
		}
		if ev.Total < s.accrued {
			// counter is monotonic, this would be a code error
			s.Log.Errorf("%s credit total=%s below accrued=%s ignored", modName, ev.Total.Format100I(), s.accrued.Format100I())
			s.lk.Unlock()
			continue
		}
		s.accrued = ev.Total
		before := s.state
		s.locked_evaluate()
		after := s.state
		total := s.accrued
		s.lk.Unlock()

		s.emit(types.Event{Created: ev.Created, Kind: types.EventCoinCredit, Amount: total})
		if after != before {
			s.emitState(after)
		}
	}
}

// caller holds s.lk
func (s *Session) locked_evaluate() {
	switch s.state {
	case StateAccruing, StateReadyExact:
		if s.accrued == s.required {
			s.state = StateReadyExact
		} else if s.accrued > s.required {
			// excess is forfeited, user must acknowledge
			s.state = StateOverpayConfirm
			s.confirmed = false
		}
	}
}

// Confirm acknowledges overpayment, enabling the print action.
func (s *Session) Confirm() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.state != StateOverpayConfirm {
		return errors.Annotatef(ErrConfirmInvalid, "state=%s", s.state.String())
	}
	s.confirmed = true
	return nil
}

// Print is accepted only with the exact total, or after overpay
// confirmation; everywhere else it is rejected so a job can never be
// submitted on insufficient funds or submitted twice.
func (s *Session) Print() error {
	s.lk.Lock()
	ok := s.state == StateReadyExact || (s.state == StateOverpayConfirm && s.confirmed)
	if !ok {
		st := s.state
		s.lk.Unlock()
		return errors.Annotatef(ErrPrintNotReady, "state=%s", st.String())
	}
	s.state = StateDispatching
	s.lk.Unlock()

	s.stopCoin()
	s.emitState(StateDispatching)

	h, err := s.dispatcher.Submit(s.cfg.DocumentPath, int(s.cfg.Copies), s.cfg.Media)
	if err != nil {
		// includes NoPrinterAvailable: settle failed right away
		s.Log.Errorf("%s submit err=%v", modName, err)
		s.settle(spool.Event{Outcome: spool.OutcomeFailed, Err: err})
		return err
	}
	s.dispatcher.AwaitOutcome(h, s.spoolCh)
	go func() {
		ev := <-s.spoolCh
		s.settle(ev)
	}()
	return nil
}

// Cancel discards the session before dispatch. Accrued coins are
// forfeited; the persisted balance is untouched.
func (s *Session) Cancel() error {
	s.lk.Lock()
	if s.state != StateAccruing && s.state != StateReadyExact && s.state != StateOverpayConfirm {
		st := s.state
		s.lk.Unlock()
		return errors.Annotatef(ErrCancelInvalid, "state=%s", st.String())
	}
	s.state = StateCancelled
	s.lk.Unlock()

	s.stopCoin()
	s.Log.Infof("%s cancelled form=%s", modName, s.cfg.FormName)
	s.emitState(StateCancelled)
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

// settle commits at most once; duplicate terminal events are ignored.
func (s *Session) settle(ev spool.Event) {
	result := ledger.ResultFailed
	if ev.Outcome == spool.OutcomeSuccess {
		result = ledger.ResultSuccess
	}

	s.lk.Lock()
	if s.settled {
		s.lk.Unlock()
		s.Log.Errorf("%s duplicate settle outcome=%s ignored", modName, ev.Outcome.String())
		return
	}
	s.settled = true
	s.state = StateSettled
	s.result = result
	accrued := s.accrued
	s.lk.Unlock()
	if err := s.orch.Commit(s.cfg, result, accrued); err != nil {
		// money already taken; record the error loudly, keep the session terminal
		s.Log.Errorf("%s settle commit err=%v", modName, errors.ErrorStack(err))
		if ev.Err == nil {
			ev.Err = err
		}
	}
	s.emitState(StateSettled)
	s.emit(types.Event{
		Created: time.Now(),
		Kind:    types.EventSessionSettled,
		Amount:  accrued,
		Result:  result.String(),
		Err:     ev.Err,
	})
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) stopCoin() {
	s.coinStop.Do(func() {
		s.coin.Stop()
		close(s.coinCh)
	})
}

func (s *Session) emitState(st State) {
	s.emit(types.Event{Created: time.Now(), Kind: types.EventSessionState, State: st.String()})
}

func (s *Session) emit(e types.Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- e:
	default:
		s.Log.Errorf("%s event dropped %s", modName, e.String())
	}
}
