package session

import (
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printpay/kiosk/currency"
	"github.com/printpay/kiosk/internal/hardware/coin"
	"github.com/printpay/kiosk/internal/ledger"
	"github.com/printpay/kiosk/internal/spool"
	"github.com/printpay/kiosk/internal/tele"
	"github.com/printpay/kiosk/internal/types"
	"github.com/printpay/kiosk/log2"
)

type fakeCoin struct {
	mu      sync.Mutex
	out     chan<- coin.Event
	total   currency.Amount
	stopped bool
}

func (f *fakeCoin) Start(initial currency.Amount, out chan<- coin.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = out
	f.total = initial
}

func (f *fakeCoin) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeCoin) insert(t testing.TB, n currency.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		t.Fatal("insert after stop")
	}
	f.total += n
	f.out <- coin.Event{Created: time.Now(), Total: f.total}
}

func (f *fakeCoin) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeDispatcher struct {
	mu         sync.Mutex
	submitErr  error
	outcome    spool.Event
	submits    int
	lastCopies int
}

func (f *fakeDispatcher) Submit(documentPath string, copies int, media string) (spool.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.lastCopies = copies
	if f.submitErr != nil {
		return spool.JobHandle{}, f.submitErr
	}
	return spool.JobHandle{ID: 7, Printer: "test"}, nil
}

func (f *fakeDispatcher) AwaitOutcome(h spool.JobHandle, out chan<- spool.Event) {
	ev := f.outcome
	ev.Handle = h
	go func() { out <- ev }()
}

func (f *fakeDispatcher) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

type env struct {
	ledger *ledger.Store
	coin   *fakeCoin
	disp   *fakeDispatcher
	events chan types.Event
	sess   *Session
}

func testEnv(t *testing.T, cfg Config, refund bool) *env {
	log := log2.NewTest(t, log2.LDebug)
	store, err := ledger.Open(t.TempDir(), log)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ledger.Delta{BondpaperAdd: 50}))

	e := &env{
		ledger: store,
		coin:   &fakeCoin{},
		disp:   &fakeDispatcher{outcome: spool.Event{Outcome: spool.OutcomeSuccess}},
		events: make(chan types.Event, 32),
	}
	orch := &Orchestrator{Ledger: store, Tele: tele.NewStub(), Log: log, RefundOnFail: refund}
	e.sess, err = New(cfg, e.coin, e.disp, orch, e.events, log)
	require.NoError(t, err)
	return e
}

func (e *env) waitSettled(t *testing.T) types.Event {
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-e.events:
			if ev.Kind == types.EventSessionSettled {
				return ev
			}
		case <-deadline:
			t.Fatal("no settled event")
		}
	}
}

func (e *env) waitState(t *testing.T, want State) {
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("state %s not reached, at %s", want.String(), e.sess.State().String())
		default:
		}
		if e.sess.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func simpleConfig() Config {
	return Config{FormName: "barangay-clearance", DocumentPath: "/tmp/doc.pdf", Media: "A4", Copies: 2, PagesPerCopy: 1}
}

func TestAccrualMonotonic(t *testing.T) {
	t.Parallel()
	e := testEnv(t, simpleConfig(), false)
	e.sess.Start()
	assert.Equal(t, StateAccruing, e.sess.State())
	// base price 300 x 2 sheets
	assert.Equal(t, currency.Amount(600), e.sess.Required())

	prev := currency.Amount(0)
	for i := 0; i < 5; i++ {
		e.coin.insert(t, 100)
		deadline := time.After(time.Second)
		for e.sess.Accrued() <= prev {
			select {
			case <-deadline:
				t.Fatal("credit not applied")
			default:
				time.Sleep(time.Millisecond)
			}
		}
		cur := e.sess.Accrued()
		assert.True(t, cur > prev, "accrued must only grow")
		prev = cur
	}
	assert.Equal(t, currency.Amount(500), e.sess.Accrued())
	assert.Equal(t, StateAccruing, e.sess.State())
}

func TestAccrualMonotonicQuick(t *testing.T) {
	t.Parallel()
	property := func(coins []uint8) bool {
		if len(coins) > 8 {
			coins = coins[:8]
		}
		e := testEnv(t, simpleConfig(), false)
		e.sess.Start()
		expect := e.sess.Accrued()
		for _, c := range coins {
			nominal := currency.Amount(c%5+1) * 100
			expect += nominal
			e.coin.insert(t, nominal)
			deadline := time.After(time.Second)
			for e.sess.Accrued() != expect {
				select {
				case <-deadline:
					return false
				default:
					time.Sleep(time.Millisecond)
				}
			}
		}
		return e.sess.Accrued() == expect
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 10}); err != nil {
		t.Error(err)
	}
}

func TestExactPaymentPrintSuccess(t *testing.T) {
	t.Parallel()
	e := testEnv(t, simpleConfig(), false)
	e.sess.Start()
	for i := 0; i < 6; i++ {
		e.coin.insert(t, 100)
	}
	e.waitState(t, StateReadyExact)

	require.NoError(t, e.sess.Print())
	assert.True(t, e.coin.isStopped(), "coin acceptor must stop before dispatch")

	ev := e.waitSettled(t)
	assert.Equal(t, "Success", ev.Result)
	assert.NoError(t, ev.Err)
	assert.Equal(t, currency.Amount(600), ev.Amount)

	settings := e.ledger.Settings()
	assert.Equal(t, int32(48), settings.BondpaperQuantity)
	assert.Equal(t, currency.Amount(0), settings.CoinsLeft)
	hist := e.ledger.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, ledger.ResultSuccess, hist[0].Result)
	assert.Equal(t, currency.Amount(600), hist[0].TotalAmount)
	assert.Equal(t, 2, e.disp.lastCopies)
}

func TestSuccessConsumesSheetsPerCopy(t *testing.T) {
	t.Parallel()
	cfg := Config{FormName: "land-title", DocumentPath: "/tmp/title.pdf", Media: "A4", Copies: 3, PagesPerCopy: 2}
	e := testEnv(t, cfg, false)
	e.sess.Start()
	// base price 300 x 6 sheets
	assert.Equal(t, currency.Amount(1800), e.sess.Required())
	for i := 0; i < 3; i++ {
		e.coin.insert(t, 600)
	}
	e.waitState(t, StateReadyExact)
	require.NoError(t, e.sess.Print())
	e.waitSettled(t)

	settings := e.ledger.Settings()
	assert.Equal(t, int32(44), settings.BondpaperQuantity, "50 - 3 copies x 2 pages")
	assert.Equal(t, currency.Amount(0), settings.CoinsLeft)
	require.Len(t, e.ledger.History(0), 1)
}

func TestPrintRejectedWhileAccruing(t *testing.T) {
	t.Parallel()
	e := testEnv(t, simpleConfig(), false)
	e.sess.Start()
	e.coin.insert(t, 100)

	err := e.sess.Print()
	require.Error(t, err)
	assert.Equal(t, ErrPrintNotReady, errors.Cause(err))
	assert.Equal(t, 0, e.disp.submitCount())
	assert.Len(t, e.ledger.History(0), 0)
}

func TestOverpayRequiresConfirm(t *testing.T) {
	t.Parallel()
	e := testEnv(t, simpleConfig(), false)
	e.sess.Start()
	for i := 0; i < 7; i++ {
		e.coin.insert(t, 100)
	}
	e.waitState(t, StateOverpayConfirm)

	err := e.sess.Print()
	require.Error(t, err)
	assert.Equal(t, ErrPrintNotReady, errors.Cause(err))

	require.NoError(t, e.sess.Confirm())
	require.NoError(t, e.sess.Print())
	ev := e.waitSettled(t)
	assert.Equal(t, "Success", ev.Result)
	// excess over the price is forfeited, recorded as taken
	assert.Equal(t, currency.Amount(700), ev.Amount)
	assert.Equal(t, currency.Amount(0), e.ledger.Settings().CoinsLeft)
}

func TestConfirmOnlyInOverpay(t *testing.T) {
	t.Parallel()
	e := testEnv(t, simpleConfig(), false)
	e.sess.Start()
	err := e.sess.Confirm()
	require.Error(t, err)
	assert.Equal(t, ErrConfirmInvalid, errors.Cause(err))
}

func TestCancelForfeitsNothingPersisted(t *testing.T) {
	t.Parallel()
	e := testEnv(t, simpleConfig(), false)
	e.sess.Start()
	for i := 0; i < 7; i++ {
		e.coin.insert(t, 100)
	}
	e.waitState(t, StateOverpayConfirm)

	require.NoError(t, e.sess.Cancel())
	assert.Equal(t, StateCancelled, e.sess.State())
	assert.True(t, e.coin.isStopped())

	// no settlement, no ledger change
	select {
	case ev := <-e.events:
		assert.NotEqual(t, types.EventSessionSettled, ev.Kind)
	default:
	}
	assert.Len(t, e.ledger.History(0), 0)
	assert.Equal(t, int32(50), e.ledger.Settings().BondpaperQuantity)

	err := e.sess.Cancel()
	require.Error(t, err)
	assert.Equal(t, ErrCancelInvalid, errors.Cause(err))
}

func TestFailedKeepsMoneyByDefault(t *testing.T) {
	t.Parallel()
	e := testEnv(t, simpleConfig(), false)
	e.disp.outcome = spool.Event{Outcome: spool.OutcomeFailed, Err: errors.New("paper jam")}
	e.sess.Start()
	for i := 0; i < 6; i++ {
		e.coin.insert(t, 100)
	}
	e.waitState(t, StateReadyExact)
	require.NoError(t, e.sess.Print())

	ev := e.waitSettled(t)
	assert.Equal(t, "Failed", ev.Result)
	settings := e.ledger.Settings()
	assert.Equal(t, int32(50), settings.BondpaperQuantity, "failed job consumes no paper")
	assert.Equal(t, currency.Amount(0), settings.CoinsLeft, "money stays taken")
	hist := e.ledger.History(0)
	require.Len(t, hist, 1)
	assert.Equal(t, ledger.ResultFailed, hist[0].Result)
}

func TestFailedRefundsWhenConfigured(t *testing.T) {
	t.Parallel()
	e := testEnv(t, simpleConfig(), true)
	e.disp.outcome = spool.Event{Outcome: spool.OutcomeFailed, Err: errors.New("paper jam")}
	e.sess.Start()
	for i := 0; i < 6; i++ {
		e.coin.insert(t, 100)
	}
	e.waitState(t, StateReadyExact)
	require.NoError(t, e.sess.Print())

	e.waitSettled(t)
	assert.Equal(t, currency.Amount(600), e.ledger.Settings().CoinsLeft,
		"balance carries over for the next session")
}

func TestNoPrinterSettlesFailed(t *testing.T) {
	t.Parallel()
	e := testEnv(t, simpleConfig(), false)
	e.disp.submitErr = spool.ErrNoPrinterAvailable
	e.sess.Start()
	for i := 0; i < 6; i++ {
		e.coin.insert(t, 100)
	}
	e.waitState(t, StateReadyExact)

	err := e.sess.Print()
	require.Error(t, err)
	assert.Equal(t, spool.ErrNoPrinterAvailable, errors.Cause(err))

	ev := e.waitSettled(t)
	assert.Equal(t, "Failed", ev.Result)
	// settings untouched, only history records the failure
	settings := e.ledger.Settings()
	assert.Equal(t, int32(50), settings.BondpaperQuantity)
}

func TestSettleIdempotent(t *testing.T) {
	t.Parallel()
	e := testEnv(t, simpleConfig(), false)
	e.sess.Start()
	for i := 0; i < 6; i++ {
		e.coin.insert(t, 100)
	}
	e.waitState(t, StateReadyExact)
	require.NoError(t, e.sess.Print())
	e.waitSettled(t)

	// a duplicate terminal outcome must not commit twice
	e.sess.settle(spool.Event{Outcome: spool.OutcomeSuccess})
	assert.Len(t, e.ledger.History(0), 1)
	assert.Equal(t, int32(48), e.ledger.Settings().BondpaperQuantity)
}

func TestCarriedBalanceSatisfiesImmediately(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	store, err := ledger.Open(t.TempDir(), log)
	require.NoError(t, err)
	carried := currency.Amount(600)
	require.NoError(t, store.Apply(ledger.Delta{BondpaperAdd: 50, CoinsSet: &carried}))

	fc := &fakeCoin{}
	fd := &fakeDispatcher{outcome: spool.Event{Outcome: spool.OutcomeSuccess}}
	orch := &Orchestrator{Ledger: store, Tele: tele.NewStub(), Log: log}
	s, err := New(simpleConfig(), fc, fd, orch, nil, log)
	require.NoError(t, err)
	s.Start()
	assert.Equal(t, StateReadyExact, s.State())
	require.NoError(t, s.Print())
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not settle")
	}
}

func TestStockGuardRejectsSession(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	store, err := ledger.Open(t.TempDir(), log)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ledger.Delta{BondpaperAdd: 1}))

	orch := &Orchestrator{Ledger: store, Tele: tele.NewStub(), Log: log}
	_, err = New(simpleConfig(), &fakeCoin{}, &fakeDispatcher{}, orch, nil, log)
	require.Error(t, err)
	assert.Equal(t, ErrStockLow, errors.Cause(err))
}
